package transcribe

import (
	"sync"

	"github.com/voxbridge-dev/voxbridge/pkg/audio"
)

// discard is the Recognizer for transcription-mode sessions, where the
// client streams finalized text and any audio is ignored. Its event
// stream stays open and silent until Close.
type discard struct {
	once   sync.Once
	events chan TranscriptEvent
}

// NewDiscard returns a recognizer that drops audio and never emits
// events.
func NewDiscard() Recognizer {
	return &discard{events: make(chan TranscriptEvent)}
}

func (d *discard) PushFrame(audio.Frame) error    { return nil }
func (d *discard) Events() <-chan TranscriptEvent { return d.events }
func (d *discard) Reset() error                   { return nil }

func (d *discard) Close() error {
	d.once.Do(func() { close(d.events) })
	return nil
}
