package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/safetydesk/iso-assistant/assemble"
	"github.com/safetydesk/iso-assistant/embeddings"
	"github.com/safetydesk/iso-assistant/llm"
	"github.com/safetydesk/iso-assistant/retrieval"
	"github.com/safetydesk/iso-assistant/session"
)

type stubEmbedder struct {
	vectors [][]float32
	err     error
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vectors, nil
}

var _ embeddings.Embedder = (*stubEmbedder)(nil)

type stubIndex struct {
	results []retrieval.Result
	err     error
}

func (s *stubIndex) Search(ctx context.Context, embedding []float32, k int) ([]retrieval.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.results) > k {
		return s.results[:k], nil
	}
	return s.results, nil
}

var _ retrieval.Index = (*stubIndex)(nil)

type stubLLM struct {
	answer   string
	failures int
	err      error
	calls    int
}

func (s *stubLLM) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", s.err
	}
	if len(messages) == 0 {
		return "", errors.New("no messages provided")
	}
	return s.answer, nil
}

var _ llm.Client = (*stubLLM)(nil)

type stubGraph struct {
	data map[string][]string
	err  error
}

func (s *stubGraph) RelatedClauses(ctx context.Context, docIDs []string) (map[string][]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.data == nil {
		return map[string][]string{}, nil
	}
	return s.data, nil
}

var _ GraphStore = (*stubGraph)(nil)

func testConfig() Config {
	return Config{
		TopK:   5,
		Budget: assemble.Budget{Total: 10000, PassageFraction: 0.7},
	}
}

func discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func asilResult() retrieval.Result {
	return retrieval.Result{
		Passage: retrieval.Passage{
			ID:          "chunk-1",
			DocumentID:  "doc-1",
			SourceLabel: "clause_9.2",
			StartOffset: 0,
			EndOffset:   51,
			Text:        "ASIL D requires the highest rigor of verification",
		},
		Score: 0.93,
	}
}

func TestAskReturnsGroundedAnswerWithSources(t *testing.T) {
	sessions := session.NewStore(10)
	svc := NewService(
		&stubIndex{results: []retrieval.Result{asilResult()}},
		&stubGraph{data: map[string][]string{"doc-1": {"9.4.2", "ISO 26262-6"}}},
		&stubEmbedder{vectors: [][]float32{{0.1, 0.2, 0.3}}},
		&stubLLM{answer: "ASIL D demands the highest rigor of verification. [Source 1]"},
		sessions,
		testConfig(),
		discard(),
	)

	answer, err := svc.Ask(context.Background(), "s1", "What does ASIL D require?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if answer.NoGrounding {
		t.Fatal("expected a grounded answer")
	}
	if len(answer.Sources) != 1 || answer.Sources[0].Label != "clause_9.2" {
		t.Fatalf("expected clause_9.2 as source, got %+v", answer.Sources)
	}
	if answer.Sources[0].Score <= 0 {
		t.Fatalf("expected a non-zero score, got %f", answer.Sources[0].Score)
	}
	if len(answer.Sources[0].RelatedClauses) != 2 {
		t.Fatalf("expected related clauses from the graph, got %v", answer.Sources[0].RelatedClauses)
	}

	turns := sessions.History("s1")
	if len(turns) != 1 {
		t.Fatalf("expected exactly 1 turn, got %d", len(turns))
	}
	if turns[0].System {
		t.Fatal("successful ask must not record a system turn")
	}
	if len(turns[0].Sources) != 1 || turns[0].Sources[0] != "clause_9.2" {
		t.Fatalf("unexpected cited sources on turn: %v", turns[0].Sources)
	}
}

func TestAskValidatesQuestion(t *testing.T) {
	svc := NewService(&stubIndex{}, nil, &stubEmbedder{}, &stubLLM{}, session.NewStore(10), testConfig(), discard())
	if _, err := svc.Ask(context.Background(), "s1", "   "); err == nil {
		t.Fatal("expected error for empty question")
	}
}

func TestAskDegradesOnEmptyIndex(t *testing.T) {
	sessions := session.NewStore(10)
	svc := NewService(
		&stubIndex{err: retrieval.ErrEmptyIndex},
		nil,
		&stubEmbedder{vectors: [][]float32{{0.1}}},
		&stubLLM{answer: "ISO 26262 is the road vehicle functional safety standard."},
		sessions,
		testConfig(),
		discard(),
	)

	answer, err := svc.Ask(context.Background(), "s1", "What is ISO 26262?")
	if err != nil {
		t.Fatalf("empty index must not surface an error: %v", err)
	}
	if !answer.NoGrounding {
		t.Fatal("expected the answer to be flagged as ungrounded")
	}
	if len(answer.Sources) != 0 {
		t.Fatalf("expected no sources, got %+v", answer.Sources)
	}
	if len(sessions.History("s1")) != 1 {
		t.Fatal("pipeline should still complete and record the turn")
	}
}

func TestAskKeepsOnlyCitedSources(t *testing.T) {
	other := retrieval.Result{
		Passage: retrieval.Passage{
			ID:          "chunk-2",
			DocumentID:  "doc-2",
			SourceLabel: "clause_5.4",
			StartOffset: 0,
			EndOffset:   30,
			Text:        "Hardware metrics are defined here.",
		},
		Score: 0.5,
	}

	svc := NewService(
		&stubIndex{results: []retrieval.Result{asilResult(), other}},
		nil,
		&stubEmbedder{vectors: [][]float32{{0.1}}},
		&stubLLM{answer: "See the hardware metrics section. [Source 2]"},
		session.NewStore(10),
		testConfig(),
		discard(),
	)

	answer, err := svc.Ask(context.Background(), "s1", "Where are hardware metrics defined?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(answer.Sources) != 1 || answer.Sources[0].Label != "clause_5.4" {
		t.Fatalf("expected only the cited source, got %+v", answer.Sources)
	}
}

func TestAskFallsBackToAllSourcesWithoutCitations(t *testing.T) {
	svc := NewService(
		&stubIndex{results: []retrieval.Result{asilResult()}},
		nil,
		&stubEmbedder{vectors: [][]float32{{0.1}}},
		&stubLLM{answer: "An answer with no bracket citations at all."},
		session.NewStore(10),
		testConfig(),
		discard(),
	)

	answer, err := svc.Ask(context.Background(), "s1", "What does ASIL D require?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(answer.Sources) != 1 {
		t.Fatalf("expected all retrieved sources, got %+v", answer.Sources)
	}
}

func TestAskSucceedsWithinRetryBudget(t *testing.T) {
	sessions := session.NewStore(10)
	flaky := &stubLLM{
		answer:   "Recovered answer. [Source 1]",
		failures: 2,
		err:      fmt.Errorf("boom: %w", llm.ErrProvider),
	}
	retrying := llm.NewRetryClient(flaky, 2, 0, discard())

	svc := NewService(
		&stubIndex{results: []retrieval.Result{asilResult()}},
		nil,
		&stubEmbedder{vectors: [][]float32{{0.1}}},
		retrying,
		sessions,
		testConfig(),
		discard(),
	)

	answer, err := svc.Ask(context.Background(), "s1", "What does ASIL D require?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer.Degraded {
		t.Fatal("expected the successful answer, not a degraded one")
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 generation attempts, got %d", flaky.calls)
	}

	if turns := sessions.History("s1"); len(turns) != 1 {
		t.Fatalf("expected exactly one turn after internal retries, got %d", len(turns))
	}
}

func TestAskDegradesWhenRetriesExhausted(t *testing.T) {
	sessions := session.NewStore(10)
	svc := NewService(
		&stubIndex{results: []retrieval.Result{asilResult()}},
		nil,
		&stubEmbedder{vectors: [][]float32{{0.1}}},
		&stubLLM{failures: 100, err: fmt.Errorf("boom: %w", llm.ErrProvider)},
		sessions,
		testConfig(),
		discard(),
	)

	answer, err := svc.Ask(context.Background(), "s1", "What does ASIL D require?")
	if err != nil {
		t.Fatalf("exhausted retries must degrade, not error: %v", err)
	}
	if !answer.Degraded {
		t.Fatal("expected a degraded answer")
	}

	turns := sessions.History("s1")
	if len(turns) != 1 {
		t.Fatalf("expected the failed attempt recorded as one turn, got %d", len(turns))
	}
	if !turns[0].System || turns[0].Answer != "" {
		t.Fatalf("expected a system turn with an empty answer, got %+v", turns[0])
	}
}

func TestAskDeadlineAppendsNoTurn(t *testing.T) {
	sessions := session.NewStore(10)
	svc := NewService(
		&stubIndex{results: []retrieval.Result{asilResult()}},
		nil,
		&stubEmbedder{vectors: [][]float32{{0.1}}},
		&stubLLM{answer: "too late"},
		sessions,
		testConfig(),
		discard(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Ask(ctx, "s1", "question"); err == nil {
		t.Fatal("expected a timeout error")
	}
	if turns := sessions.History("s1"); len(turns) != 0 {
		t.Fatalf("expected no turn after a deadline failure, got %d", len(turns))
	}
}

func TestAskBudgetExceededSurfaces(t *testing.T) {
	cfg := Config{TopK: 5, Budget: assemble.Budget{Total: 5}}
	svc := NewService(
		&stubIndex{results: []retrieval.Result{asilResult()}},
		nil,
		&stubEmbedder{vectors: [][]float32{{0.1}}},
		&stubLLM{answer: "x"},
		session.NewStore(10),
		cfg,
		discard(),
	)

	_, err := svc.Ask(context.Background(), "s1", "question")
	if !errors.Is(err, assemble.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
}

func TestAskGeneratesSessionID(t *testing.T) {
	svc := NewService(
		&stubIndex{results: []retrieval.Result{asilResult()}},
		nil,
		&stubEmbedder{vectors: [][]float32{{0.1}}},
		&stubLLM{answer: "fine"},
		session.NewStore(10),
		testConfig(),
		discard(),
	)

	answer, err := svc.Ask(context.Background(), "", "What does ASIL D require?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer.SessionID == "" {
		t.Fatal("expected a generated session id")
	}
}

func TestExcerptTruncatesOnRuneBoundary(t *testing.T) {
	text := strings.Repeat("a", excerptLimit-1) + "機能安全"

	got := excerpt(text)
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt is not valid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected truncation marker, got %q", got)
	}
	if len(got) > excerptLimit+3 {
		t.Fatalf("excerpt is %d bytes, limit is %d", len(got), excerptLimit)
	}

	short := "ASIL D requires the highest rigor of verification"
	if excerpt(short) != short {
		t.Fatalf("short text must pass through unmodified")
	}
}

func TestCitedIndexes(t *testing.T) {
	cases := []struct {
		answer string
		want   []int
	}{
		{"plain answer", nil},
		{"see [Source 1]", []int{1}},
		{"see [Source 2] and [Source 1] and [Source 2]", []int{2, 1}},
		{"see [Sources 1, 3]", []int{1, 3}},
	}

	for _, tc := range cases {
		got := citedIndexes(tc.answer)
		if len(got) != len(tc.want) {
			t.Fatalf("%q: got %v, want %v", tc.answer, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%q: got %v, want %v", tc.answer, got, tc.want)
			}
		}
	}
}
