package retrieval

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"sync/atomic"
)

// Snapshot is an immutable brute-force cosine index. Rebuilds produce a new
// snapshot; readers never see a partially updated one.
type Snapshot struct {
	Dimension int
	Passages  []Passage
	Vectors   [][]float32
}

// MemoryIndex serves searches from the current snapshot. Swap replaces the
// whole snapshot atomically, so searches in flight keep the one they started
// with and never require a lock.
type MemoryIndex struct {
	snapshot atomic.Pointer[Snapshot]
}

func NewMemoryIndex() *MemoryIndex {
	idx := &MemoryIndex{}
	idx.snapshot.Store(&Snapshot{})
	return idx
}

func (s *Snapshot) validate() error {
	if len(s.Passages) != len(s.Vectors) {
		return fmt.Errorf("snapshot has %d passages but %d vectors", len(s.Passages), len(s.Vectors))
	}
	for i, vec := range s.Vectors {
		if s.Dimension > 0 && len(vec) != s.Dimension {
			return fmt.Errorf("vector %d has dimension %d, index expects %d", i, len(vec), s.Dimension)
		}
	}
	return nil
}

// Swap installs the snapshot as the serving index.
func (m *MemoryIndex) Swap(s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if err := s.validate(); err != nil {
		return err
	}
	m.snapshot.Store(s)
	return nil
}

func (m *MemoryIndex) Len() int {
	return len(m.snapshot.Load().Passages)
}

func (m *MemoryIndex) Search(ctx context.Context, embedding []float32, k int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if k <= 0 {
		k = 5
	}

	snap := m.snapshot.Load()
	if len(snap.Passages) == 0 {
		return nil, ErrEmptyIndex
	}

	idxs := make([]int, len(snap.Vectors))
	scores := make([]float64, len(snap.Vectors))
	for i, vec := range snap.Vectors {
		idxs[i] = i
		scores[i] = cosine(vec, embedding)
	}

	// Ties resolve to insertion order; SliceStable keeps it that way.
	sort.SliceStable(idxs, func(a, b int) bool {
		return scores[idxs[a]] > scores[idxs[b]]
	})

	if k > len(idxs) {
		k = len(idxs)
	}

	results := make([]Result, 0, k)
	for i := 0; i < k; i++ {
		j := idxs[i]
		results = append(results, Result{Passage: snap.Passages[j], Score: scores[j]})
	}

	return results, nil
}

// SaveArtifact writes the snapshot to path as a gob artifact, via a temp file
// and rename so a concurrent watcher never reads a half-written index.
func SaveArtifact(path string, s *Snapshot) error {
	if s == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if err := s.validate(); err != nil {
		return err
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create artifact file: %w", err)
	}

	if err := gob.NewEncoder(file).Encode(s); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode artifact: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close artifact file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install artifact: %w", err)
	}
	return nil
}

// LoadArtifact reads a snapshot previously written by SaveArtifact.
func LoadArtifact(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact file: %w", err)
	}
	defer file.Close()

	var snap Snapshot
	if err := gob.NewDecoder(file).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if err := snap.validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var _ Index = (*MemoryIndex)(nil)
