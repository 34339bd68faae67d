package ingestion

import "strings"

const (
	defaultWindow   = 1000
	defaultOverlap  = 200
	defaultLookback = 120
)

// Fragment is one chunk of a parsed document with its offsets into the
// parsed text. Offsets identify the span for deduplication downstream.
type Fragment struct {
	Text  string
	Start int
	End   int
}

// Chunker splits text into windows of at most Window bytes, overlapping by
// Overlap, preferring to cut at a sentence boundary found within Lookback
// bytes of the window end. Best effort: a window with no boundary in the
// lookback is cut at the window edge.
type Chunker struct {
	Window   int
	Overlap  int
	Lookback int
}

func NewChunker(window, overlap, lookback int) Chunker {
	if window <= 0 {
		window = defaultWindow
	}
	if overlap < 0 || overlap >= window {
		overlap = defaultOverlap
		if overlap >= window {
			overlap = window / 5
		}
	}
	if lookback <= 0 || lookback > window {
		lookback = defaultLookback
	}
	return Chunker{Window: window, Overlap: overlap, Lookback: lookback}
}

func (c Chunker) Chunk(text string) []Fragment {
	fragments := make([]Fragment, 0)
	pos := 0

	for pos < len(text) {
		end := pos + c.Window
		if end >= len(text) {
			end = len(text)
		} else if boundary := lastSentenceEnd(text[pos:end], c.Lookback); boundary > 0 {
			end = pos + boundary
		}

		if strings.TrimSpace(text[pos:end]) != "" {
			fragments = append(fragments, Fragment{
				Text:  text[pos:end],
				Start: pos,
				End:   end,
			})
		}

		if end == len(text) {
			break
		}

		next := end - c.Overlap
		if next <= pos {
			next = end
		}
		pos = next
	}

	return fragments
}

// lastSentenceEnd returns the position just past the last sentence-ending
// punctuation within the final lookback bytes of window, or 0 if none.
func lastSentenceEnd(window string, lookback int) int {
	from := len(window) - lookback
	if from < 0 {
		from = 0
	}

	for i := len(window) - 1; i >= from; i-- {
		switch window[i] {
		case '.', '!', '?':
			return i + 1
		}
	}
	return 0
}
