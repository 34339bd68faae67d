package rag

// Source is one attributed reference backing an answer.
type Source struct {
	Label          string
	Excerpt        string
	Score          float64
	RelatedClauses []string
}

// Answer is the result of one ask operation.
type Answer struct {
	SessionID   string
	Answer      string
	Sources     []Source
	NoGrounding bool
	Degraded    bool
}
