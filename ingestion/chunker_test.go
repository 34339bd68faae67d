package ingestion

import (
	"strings"
	"testing"
)

func TestChunkerRespectsWindow(t *testing.T) {
	chunker := NewChunker(100, 20, 30)
	text := strings.Repeat("word ", 200)

	fragments := chunker.Chunk(text)
	if len(fragments) == 0 {
		t.Fatal("expected fragments")
	}

	for i, fragment := range fragments {
		if len(fragment.Text) > 100 {
			t.Fatalf("fragment %d is %d chars, window is 100", i, len(fragment.Text))
		}
		if fragment.Text != text[fragment.Start:fragment.End] {
			t.Fatalf("fragment %d text does not match its offsets", i)
		}
	}
}

func TestChunkerOverlapsConsecutiveFragments(t *testing.T) {
	chunker := NewChunker(50, 10, 1)
	text := strings.Repeat("a", 200)

	fragments := chunker.Chunk(text)
	if len(fragments) < 2 {
		t.Fatalf("expected multiple fragments, got %d", len(fragments))
	}

	for i := 1; i < len(fragments); i++ {
		overlap := fragments[i-1].End - fragments[i].Start
		if overlap != 10 {
			t.Fatalf("fragments %d/%d overlap by %d, want 10", i-1, i, overlap)
		}
	}
}

func TestChunkerPrefersSentenceBoundary(t *testing.T) {
	first := "This is the first sentence."
	second := " Here is the second one, which continues for a while longer."
	text := first + second

	chunker := NewChunker(40, 0, 20)
	fragments := chunker.Chunk(text)

	if len(fragments) < 2 {
		t.Fatalf("expected at least 2 fragments, got %d", len(fragments))
	}
	if fragments[0].Text != first {
		t.Fatalf("expected first fragment to end at the sentence boundary, got %q", fragments[0].Text)
	}
}

func TestChunkerEmptyText(t *testing.T) {
	chunker := NewChunker(100, 20, 30)
	if fragments := chunker.Chunk(""); len(fragments) != 0 {
		t.Fatalf("expected no fragments for empty text, got %d", len(fragments))
	}
	if fragments := chunker.Chunk("   \n  "); len(fragments) != 0 {
		t.Fatalf("expected no fragments for blank text, got %d", len(fragments))
	}
}

func TestChunkerShortTextSingleFragment(t *testing.T) {
	chunker := NewChunker(1000, 200, 120)
	text := "ASIL D requires the highest rigor of verification."

	fragments := chunker.Chunk(text)
	if len(fragments) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(fragments))
	}
	if fragments[0].Text != text {
		t.Fatalf("unexpected fragment text: %q", fragments[0].Text)
	}
	if fragments[0].Start != 0 || fragments[0].End != len(text) {
		t.Fatalf("unexpected offsets: %d-%d", fragments[0].Start, fragments[0].End)
	}
}

func TestSourceLabelStripsExtension(t *testing.T) {
	if got := SourceLabel("parts/clause_9.2.md"); got != "clause_9.2" {
		t.Fatalf("unexpected label: %q", got)
	}
	if got := SourceLabel("iso-26262-part-6.pdf"); got != "iso-26262-part-6" {
		t.Fatalf("unexpected label: %q", got)
	}
}
