// Package retrieval holds the passage store: indexed corpus chunks with
// nearest-neighbor search over their embeddings.
package retrieval

import (
	"context"
	"errors"
)

// ErrEmptyIndex is returned when the store holds zero chunks. Callers degrade
// to a no-grounding generation path instead of failing the user request.
var ErrEmptyIndex = errors.New("passage index is empty")

// Passage is one indexed span of corpus text. Immutable once indexed;
// replaced only by a full document rebuild.
type Passage struct {
	ID          string
	DocumentID  string
	SourceLabel string
	Ordinal     int
	StartOffset int
	EndOffset   int
	Text        string
}

// Result pairs a passage with its similarity score. Scores are comparable
// only within a single search call.
type Result struct {
	Passage Passage
	Score   float64
}

// Index is the nearest-neighbor search contract. Implementations are
// read-only during query serving; rebuilds replace the whole index.
type Index interface {
	Search(ctx context.Context, embedding []float32, k int) ([]Result, error)
}
