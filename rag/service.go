// Package rag wires embedding, retrieval, context assembly, generation, and
// session state into the single ask operation.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/safetydesk/iso-assistant/assemble"
	"github.com/safetydesk/iso-assistant/embeddings"
	"github.com/safetydesk/iso-assistant/llm"
	"github.com/safetydesk/iso-assistant/retrieval"
	"github.com/safetydesk/iso-assistant/session"
)

const (
	defaultTopK = 12

	degradedAnswer = "I'm unable to generate a response right now. Please try again in a moment."

	excerptLimit = 200
)

type stage string

const (
	stageReceived   stage = "RECEIVED"
	stageEmbedding  stage = "EMBEDDING"
	stageRetrieving stage = "RETRIEVING"
	stageAssembling stage = "ASSEMBLING"
	stageGenerating stage = "GENERATING"
	stageCompleted  stage = "COMPLETED"
	stageFailed     stage = "FAILED"
)

type Config struct {
	TopK   int
	Budget assemble.Budget
}

type Service struct {
	index    retrieval.Index
	graph    GraphStore
	embedder embeddings.Embedder
	llm      llm.Client
	sessions *session.Store
	cfg      Config
	logger   *log.Logger
}

func NewService(
	index retrieval.Index,
	graph GraphStore,
	embedder embeddings.Embedder,
	llmClient llm.Client,
	sessions *session.Store,
	cfg Config,
	logger *log.Logger,
) *Service {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}

	return &Service{
		index:    index,
		graph:    graph,
		embedder: embedder,
		llm:      llmClient,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}
}

// Ask runs the full pipeline for one question. Same-session requests are
// serialized for their whole pipeline so turns append in request order.
func (s *Service) Ask(ctx context.Context, sessionID, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, fmt.Errorf("question cannot be empty")
	}
	if s.embedder == nil {
		return Answer{}, fmt.Errorf("embedder is not configured")
	}
	if s.index == nil {
		return Answer{}, fmt.Errorf("passage index is not configured")
	}
	if s.llm == nil {
		return Answer{}, fmt.Errorf("llm client is not configured")
	}

	sessionID = s.sessions.GetOrCreate(sessionID)
	s.transition(sessionID, stageReceived)

	release := s.sessions.Acquire(sessionID)
	defer release()

	s.transition(sessionID, stageEmbedding)
	if err := ctx.Err(); err != nil {
		return s.fail(sessionID, fmt.Errorf("request deadline exceeded while embedding: %w", err))
	}
	vectors, err := s.embedder.Embed(ctx, []string{question})
	if err != nil {
		return s.fail(sessionID, fmt.Errorf("embed question: %w", err))
	}
	if len(vectors) == 0 {
		return s.fail(sessionID, fmt.Errorf("embedder returned no vectors"))
	}

	s.transition(sessionID, stageRetrieving)
	if err := ctx.Err(); err != nil {
		return s.fail(sessionID, fmt.Errorf("request deadline exceeded while retrieving: %w", err))
	}
	results, err := s.index.Search(ctx, vectors[0], s.cfg.TopK)
	if err != nil {
		if ctx.Err() != nil {
			return s.fail(sessionID, fmt.Errorf("retrieval timed out: %w", err))
		}
		// Retrieval degrades to an empty context instead of failing the ask.
		if !errors.Is(err, retrieval.ErrEmptyIndex) {
			s.logger.Printf("retrieval failed, continuing without grounding: %v", err)
		}
		results = nil
	}
	if len(results) == 0 {
		s.logger.Printf("no passages for session %s, answering without grounding", sessionID)
	}

	s.transition(sessionID, stageAssembling)
	history := s.sessions.History(sessionID)
	assembled, err := assemble.Assemble(question, results, history, s.cfg.Budget)
	if err != nil {
		return s.fail(sessionID, fmt.Errorf("assemble context: %w", err))
	}

	s.transition(sessionID, stageGenerating)
	if err := ctx.Err(); err != nil {
		return s.fail(sessionID, fmt.Errorf("request deadline exceeded while generating: %w", err))
	}
	answerText, err := s.llm.Generate(ctx, buildMessages(assembled))
	if err != nil {
		if ctx.Err() != nil {
			return s.fail(sessionID, fmt.Errorf("generation timed out: %w", err))
		}
		if errors.Is(err, llm.ErrProvider) || errors.Is(err, llm.ErrGenerationTimeout) {
			// Record the failed attempt as a system turn so a retry of the
			// same question still sees it in history.
			s.sessions.Append(sessionID, session.Turn{
				Question: question,
				System:   true,
				At:       time.Now(),
			})
			s.transition(sessionID, stageFailed)
			return Answer{
				SessionID:   sessionID,
				Answer:      degradedAnswer,
				NoGrounding: assembled.NoGrounding,
				Degraded:    true,
			}, nil
		}
		return s.fail(sessionID, fmt.Errorf("generate answer: %w", err))
	}

	answerText = strings.TrimSpace(answerText)
	sources := s.buildSources(ctx, assembled, answerText)

	labels := make([]string, 0, len(sources))
	for _, src := range sources {
		labels = append(labels, src.Label)
	}

	s.sessions.Append(sessionID, session.Turn{
		Question: question,
		Answer:   answerText,
		Sources:  labels,
		At:       time.Now(),
	})

	s.transition(sessionID, stageCompleted)
	return Answer{
		SessionID:   sessionID,
		Answer:      answerText,
		Sources:     sources,
		NoGrounding: assembled.NoGrounding,
	}, nil
}

// Reset clears the session history. Idempotent.
func (s *Service) Reset(sessionID string) {
	s.sessions.Reset(sessionID)
}

// History is the lookup-only read of a session's turns.
func (s *Service) History(sessionID string) ([]session.Turn, error) {
	return s.sessions.Lookup(sessionID)
}

func (s *Service) fail(sessionID string, err error) (Answer, error) {
	s.transition(sessionID, stageFailed)
	return Answer{}, err
}

func (s *Service) transition(sessionID string, st stage) {
	s.logger.Printf("session %s: %s", sessionID, st)
}

// buildSources merges the assembled passages by source label, keeps only the
// ones the answer cited when it cited any, and attaches related clauses from
// the knowledge graph.
func (s *Service) buildSources(ctx context.Context, assembled assemble.Context, answer string) []Source {
	merged := make(map[string]*Source, len(assembled.Passages))
	order := make([]string, 0, len(assembled.Passages))
	numbered := make([]string, len(assembled.Passages))
	docsByLabel := make(map[string][]string)

	for i, result := range assembled.Passages {
		passage := result.Passage
		numbered[i] = passage.SourceLabel
		src, ok := merged[passage.SourceLabel]
		if !ok {
			src = &Source{
				Label:   passage.SourceLabel,
				Excerpt: excerpt(passage.Text),
				Score:   result.Score,
			}
			merged[passage.SourceLabel] = src
			order = append(order, passage.SourceLabel)
		} else if result.Score > src.Score {
			src.Score = result.Score
		}
		docsByLabel[passage.SourceLabel] = append(docsByLabel[passage.SourceLabel], passage.DocumentID)
	}

	cited := citedIndexes(answer)
	keep := order
	if len(cited) > 0 {
		keep = make([]string, 0, len(cited))
		seen := make(map[string]struct{}, len(cited))
		for _, idx := range cited {
			// Citations are 1-based source numbers from the prompt, which
			// numbers passages, not merged labels.
			if idx < 1 || idx > len(numbered) {
				continue
			}
			label := numbered[idx-1]
			if _, ok := seen[label]; ok {
				continue
			}
			seen[label] = struct{}{}
			keep = append(keep, label)
		}
		if len(keep) == 0 {
			keep = order
		}
	}

	if s.graph != nil && len(keep) > 0 {
		docIDs := make([]string, 0, len(keep))
		for _, label := range keep {
			docIDs = append(docIDs, docsByLabel[label]...)
		}
		if related, err := s.graph.RelatedClauses(ctx, unique(docIDs)); err != nil {
			s.logger.Printf("clause graph lookup error: %v", err)
		} else {
			for _, label := range keep {
				clauses := make([]string, 0)
				for _, docID := range docsByLabel[label] {
					clauses = append(clauses, related[docID]...)
				}
				merged[label].RelatedClauses = unique(clauses)
			}
		}
	}

	sources := make([]Source, 0, len(keep))
	for _, label := range keep {
		sources = append(sources, *merged[label])
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return sources[i].Score > sources[j].Score
	})
	return sources
}

func buildMessages(assembled assemble.Context) []llm.Message {
	messages := make([]llm.Message, 0, len(assembled.Turns)*2+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: assembled.Preamble})

	for _, turn := range assembled.Turns {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: turn.Question})
		if turn.Answer != "" {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: turn.Answer})
		}
	}

	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: formatUserPrompt(assembled)})
	return messages
}

func formatUserPrompt(assembled assemble.Context) string {
	var sb strings.Builder

	if len(assembled.Passages) > 0 {
		sb.WriteString("Context from ISO 26262:\n")
		for idx, result := range assembled.Passages {
			passage := result.Passage
			sb.WriteString(fmt.Sprintf("Source %d: %s (chars %d-%d)\n", idx+1, passage.SourceLabel, passage.StartOffset, passage.EndOffset))
			sb.WriteString(passage.Text)
			sb.WriteString("\n\n")
		}
	}

	sb.WriteString("Question:\n")
	sb.WriteString(assembled.Question)
	sb.WriteString("\nAnswer in a warm, professional, and helpful manner. Begin with the direct answer. Cite the Source numbers you relied on in brackets, e.g. [Source 1].")
	return sb.String()
}

var citationPattern = regexp.MustCompile(`\[Sources?\s+([\d,\s]+)\]`)

// citedIndexes extracts the 1-based source numbers referenced in the answer,
// in order of first mention.
func citedIndexes(answer string) []int {
	matches := citationPattern.FindAllStringSubmatch(answer, -1)
	indexes := make([]int, 0, len(matches))
	seen := make(map[int]struct{})

	for _, match := range matches {
		for _, field := range strings.Split(match[1], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(field))
			if err != nil {
				continue
			}
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			indexes = append(indexes, n)
		}
	}
	return indexes
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= excerptLimit {
		return text
	}

	// Back up to a rune boundary so the cut never splits a multi-byte rune.
	cut := excerptLimit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
