// Package audio translates between wire representations and the internal
// PCM frame type. Two wire dialects are supported: the browser JSON frame
// protocol and the telephony provider's kind/data envelope. Sessions are
// pinned to a single sample rate at creation; no resampling happens on the
// fast path.
package audio

import (
	"errors"
	"fmt"
)

// Supported sample rates. 16 kHz is used for the transcription pipeline,
// 24 kHz for the realtime-voice pipeline.
const (
	SampleRate16k = 16000
	SampleRate24k = 24000
)

// FrameDuration is the fixed duration of one internal frame.
const FrameDurationMS = 20

// Sentinel errors for codec failures.
var (
	// ErrSampleRateMismatch is returned when a decoded frame's rate
	// disagrees with the session's pinned rate.
	ErrSampleRateMismatch = errors.New("audio: sample rate mismatch")

	// ErrEmptyPayload is returned for audio messages with no PCM data.
	ErrEmptyPayload = errors.New("audio: empty payload")
)

// Frame is one chunk of mono PCM16 audio. Frames are immutable after
// creation; the PCM slice must not be modified by consumers.
type Frame struct {
	PCM         []byte
	SampleRate  int
	TimestampUS int64
	Channels    int
	Final       bool
}

// NewFrame creates a mono frame at the given rate.
func NewFrame(pcm []byte, sampleRate int, timestampUS int64) Frame {
	return Frame{
		PCM:         pcm,
		SampleRate:  sampleRate,
		TimestampUS: timestampUS,
		Channels:    1,
	}
}

// DurationMS returns the frame's play time in milliseconds.
func (f Frame) DurationMS() int {
	if f.SampleRate == 0 {
		return 0
	}
	// PCM16 mono: two bytes per sample.
	samples := len(f.PCM) / 2
	return samples * 1000 / f.SampleRate
}

// FrameBytes returns the byte length of one 20 ms PCM16 mono frame at the
// given rate (320 samples at 16 kHz, 480 at 24 kHz).
func FrameBytes(sampleRate int) int {
	return sampleRate * FrameDurationMS / 1000 * 2
}

// ValidRate reports whether the rate is one the pipeline supports.
func ValidRate(sampleRate int) bool {
	return sampleRate == SampleRate16k || sampleRate == SampleRate24k
}

// Framer regroups arbitrary PCM chunks into fixed 20 ms frames. Upstream
// synthesizers emit chunks of any size; the transport must see a steady
// 20 ms cadence. The final partial frame is emitted by Flush.
type Framer struct {
	sampleRate  int
	frameBytes  int
	buf         []byte
	timestampUS int64
}

// NewFramer creates a framer pinned to one sample rate.
func NewFramer(sampleRate int) (*Framer, error) {
	if !ValidRate(sampleRate) {
		return nil, fmt.Errorf("audio: unsupported sample rate %d", sampleRate)
	}
	return &Framer{
		sampleRate: sampleRate,
		frameBytes: FrameBytes(sampleRate),
	}, nil
}

// Push appends PCM and returns all complete 20 ms frames now available.
func (fr *Framer) Push(pcm []byte) []Frame {
	fr.buf = append(fr.buf, pcm...)
	var frames []Frame
	for len(fr.buf) >= fr.frameBytes {
		chunk := make([]byte, fr.frameBytes)
		copy(chunk, fr.buf[:fr.frameBytes])
		fr.buf = fr.buf[fr.frameBytes:]
		frames = append(frames, NewFrame(chunk, fr.sampleRate, fr.timestampUS))
		fr.timestampUS += int64(FrameDurationMS) * 1000
	}
	return frames
}

// Flush emits the trailing partial frame, if any, marked final.
func (fr *Framer) Flush() (Frame, bool) {
	if len(fr.buf) == 0 {
		return Frame{}, false
	}
	chunk := make([]byte, len(fr.buf))
	copy(chunk, fr.buf)
	fr.buf = fr.buf[:0]
	f := NewFrame(chunk, fr.sampleRate, fr.timestampUS)
	f.Final = true
	fr.timestampUS += int64(len(chunk)/2) * 1_000_000 / int64(fr.sampleRate)
	return f, true
}
