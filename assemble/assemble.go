// Package assemble merges retrieved passages and recent conversation history
// into a single bounded context for generation.
package assemble

import (
	"errors"
	"fmt"

	"github.com/safetydesk/iso-assistant/retrieval"
	"github.com/safetydesk/iso-assistant/session"
)

// ErrBudgetExceeded is returned when the preamble and question alone do not
// fit the configured budget. Fatal for the request; never retried.
var ErrBudgetExceeded = errors.New("context budget exceeded")

const (
	// GroundedPreamble instructs the model to answer from the supplied
	// passages and cite them by source number.
	GroundedPreamble = "You are a friendly and knowledgeable ISO 26262 functional safety expert helping automotive engineers apply the standard. Ground your answer in the supplied context passages and cite the ones you draw from by number in brackets (e.g., [Source 2]). Be concise but thorough, and keep everyday language while staying technically accurate."

	// ConservativePreamble is used when retrieval produced nothing; the model
	// must flag the lack of grounding rather than invent references.
	ConservativePreamble = "You are a friendly and knowledgeable ISO 26262 functional safety expert. No reference passages from the standard are available for this question. Answer conservatively from general knowledge, state clearly that the answer is not grounded in the indexed standard text, and decline rather than invent clause references."
)

const defaultPassageFraction = 0.7

// Budget bounds the assembled context, measured in characters.
type Budget struct {
	Total           int
	PassageFraction float64
}

// Context is the ephemeral output of assembly, consumed by generation.
type Context struct {
	Preamble    string
	Question    string
	Passages    []retrieval.Result
	Turns       []session.Turn
	NoGrounding bool
}

// Assemble selects passages in score order up to the passage share of the
// budget, deduplicates overlapping spans keeping the higher-scored one, then
// fills the remainder with the most recent turns in chronological order.
func Assemble(question string, results []retrieval.Result, history []session.Turn, budget Budget) (Context, error) {
	fraction := budget.PassageFraction
	if fraction <= 0 || fraction > 1 {
		fraction = defaultPassageFraction
	}

	out := Context{Question: question}
	if len(results) == 0 {
		out.Preamble = ConservativePreamble
		out.NoGrounding = true
	} else {
		out.Preamble = GroundedPreamble
	}

	used := len(out.Preamble) + len(question)
	if used > budget.Total {
		return Context{}, fmt.Errorf("preamble and question need %d chars, budget is %d: %w", used, budget.Total, ErrBudgetExceeded)
	}

	// The passage share is also capped by whatever the preamble and question
	// left of the total, so a long question cannot push the context over it.
	passageBudget := int(float64(budget.Total) * fraction)
	if left := budget.Total - used; passageBudget > left {
		passageBudget = left
	}
	deduped := dedupe(results)

	passageUsed := 0
	for _, result := range deduped {
		size := len(result.Passage.Text)
		if passageUsed+size > passageBudget {
			break
		}
		out.Passages = append(out.Passages, result)
		passageUsed += size
	}
	used += passageUsed

	remaining := budget.Total - used
	taken := make([]session.Turn, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		size := len(turn.Question) + len(turn.Answer)
		if size > remaining {
			break
		}
		taken = append(taken, turn)
		remaining -= size
	}

	// Taken newest-first; restore chronological order.
	for i, j := 0, len(taken)-1; i < j; i, j = i+1, j-1 {
		taken[i], taken[j] = taken[j], taken[i]
	}
	out.Turns = taken

	return out, nil
}

// Size reports the character count charged against the budget.
func (c Context) Size() int {
	total := len(c.Preamble) + len(c.Question)
	for _, p := range c.Passages {
		total += len(p.Passage.Text)
	}
	for _, t := range c.Turns {
		total += len(t.Question) + len(t.Answer)
	}
	return total
}

func dedupe(results []retrieval.Result) []retrieval.Result {
	kept := make([]retrieval.Result, 0, len(results))
	for _, candidate := range results {
		duplicate := false
		for _, existing := range kept {
			if overlaps(existing.Passage, candidate.Passage) {
				// Results arrive sorted by score, so the kept one wins.
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, candidate)
		}
	}
	return kept
}

func overlaps(a, b retrieval.Passage) bool {
	if a.SourceLabel != b.SourceLabel {
		return false
	}
	return a.StartOffset < b.EndOffset && b.StartOffset < a.EndOffset
}
