package segment

import (
	"reflect"
	"testing"
)

func feedAll(b *Buffer, tokens []string) []string {
	var chunks []string
	for _, tok := range tokens {
		if chunk, ok := b.Feed(tok); ok {
			chunks = append(chunks, chunk)
		}
	}
	if chunk, ok := b.Flush(); ok {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestBuffer_TwoSentences(t *testing.T) {
	var b Buffer
	got := feedAll(&b, []string{"Hi", " there", ".", " How", " are", " you", "?"})
	want := []string{"Hi there.", "How are you?"}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
	for _, c := range got {
		if c == "" {
			t.Error("Emitted an empty chunk")
		}
	}
}

func TestBuffer_TrailingFragmentFlushed(t *testing.T) {
	var b Buffer
	got := feedAll(&b, []string{"just", " a", " fragment"})
	want := []string{"just a fragment"}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestBuffer_CommaIsSoftBoundary(t *testing.T) {
	var b Buffer
	got := feedAll(&b, []string{"Well", ",", " maybe", "."})
	want := []string{"Well,", "maybe."}

	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestBuffer_TrailingWhitespaceBeforePunctuation(t *testing.T) {
	var b Buffer
	// The terminal check runs on the whitespace-trimmed buffer.
	if _, ok := b.Feed("Done. "); !ok {
		t.Error("Expected a chunk when trimmed buffer ends in punctuation")
	}
}

func TestBuffer_EmptyTokenEmitsNothing(t *testing.T) {
	var b Buffer
	if _, ok := b.Feed(""); ok {
		t.Error("Empty token should not emit a chunk")
	}
	if _, ok := b.Flush(); ok {
		t.Error("Empty buffer should not flush a chunk")
	}
}

func TestBuffer_PunctuationOnlyNoise(t *testing.T) {
	var b Buffer
	if chunk, ok := b.Feed(" . "); ok && chunk == "" {
		t.Error("Emitted an empty chunk for punctuation-only input")
	}
}

func TestBuffer_IndependentBuffers(t *testing.T) {
	var a, b Buffer
	a.Feed("partial")
	if got := feedAll(&b, []string{"Hello", "."}); !reflect.DeepEqual(got, []string{"Hello."}) {
		t.Errorf("Second buffer leaked state: %v", got)
	}
	if a.Len() == 0 {
		t.Error("First buffer lost its pending fragment")
	}
}
