package orchestrator

import "strings"

// maxPendingRunes bounds how much text may accumulate without a sentence
// boundary before it is flushed anyway, keeping synthesis latency low on
// long clause-free replies.
const maxPendingRunes = 160

var sentenceEnders = []string{". ", "! ", "? ", ".\n", "!\n", "?\n", "\n"}

// sentenceFlusher buffers streamed tokens and releases speakable chunks
// at sentence boundaries.
type sentenceFlusher struct {
	pending string
}

// push adds a token and returns zero or more complete chunks.
func (s *sentenceFlusher) push(token string) []string {
	s.pending += token

	var out []string
	for {
		cut := -1
		for _, end := range sentenceEnders {
			if i := strings.Index(s.pending, end); i >= 0 {
				boundary := i + len(end)
				if cut == -1 || boundary < cut {
					cut = boundary
				}
			}
		}
		if cut == -1 {
			break
		}
		chunk := strings.TrimSpace(s.pending[:cut])
		s.pending = s.pending[cut:]
		if chunk != "" {
			out = append(out, chunk)
		}
	}

	if len([]rune(s.pending)) >= maxPendingRunes {
		if chunk := strings.TrimSpace(s.pending); chunk != "" {
			out = append(out, chunk)
		}
		s.pending = ""
	}
	return out
}

// flush releases whatever is left.
func (s *sentenceFlusher) flush() string {
	chunk := strings.TrimSpace(s.pending)
	s.pending = ""
	return chunk
}
