// Package segment splits a streamed token sequence into speakable chunks.
// A chunk ends at terminal punctuation; the comma is included as a soft
// boundary so the first audio starts sooner.
package segment

import "strings"

var terminals = []string{".", "?", "!", ";", ","}

// Buffer carries the incomplete trailing fragment between tokens. The zero
// value is ready to use, and each session owns its own Buffer.
type Buffer struct {
	pending strings.Builder
}

// Feed appends the next token (any size of text increment) and returns a
// completed chunk if the buffered text now ends in terminal punctuation.
// The returned chunk is trimmed of surrounding whitespace and never empty
// when ok is true.
func (b *Buffer) Feed(token string) (chunk string, ok bool) {
	if token == "" {
		return "", false
	}
	b.pending.WriteString(token)

	text := b.pending.String()
	if !endsTerminal(strings.TrimRight(text, " \t\n\r")) {
		return "", false
	}

	chunk = strings.TrimSpace(text)
	b.pending.Reset()
	if chunk == "" {
		return "", false
	}
	return chunk, true
}

// Flush returns any buffered trailing text as a final chunk regardless of
// punctuation. Returns ok=false if nothing meaningful is buffered.
func (b *Buffer) Flush() (chunk string, ok bool) {
	chunk = strings.TrimSpace(b.pending.String())
	b.pending.Reset()
	if chunk == "" {
		return "", false
	}
	return chunk, true
}

// Len reports the size of the buffered fragment.
func (b *Buffer) Len() int {
	return b.pending.Len()
}

func endsTerminal(s string) bool {
	for _, t := range terminals {
		if strings.HasSuffix(s, t) {
			return true
		}
	}
	return false
}
