// Package session keeps per-conversation turn history in memory, bounded and
// keyed by session ID. State does not survive the process by design.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookup-only operations. Ask-path operations
// create sessions on demand and never see it.
var ErrNotFound = errors.New("session not found")

const defaultMaxTurns = 20

// Turn is one question/answer exchange. System turns record failed
// generation attempts with an empty answer to preserve continuity.
type Turn struct {
	Question string
	Answer   string
	Sources  []string
	System   bool
	At       time.Time
}

type state struct {
	mu       sync.Mutex
	turns    []Turn
	lastSeen time.Time
}

// Store owns all sessions. The map lock only guards map access and is never
// held across pipeline work; per-session ordering comes from Acquire.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*state
	maxTurns int
	now      func() time.Time
}

func NewStore(maxTurns int) *Store {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &Store{
		sessions: make(map[string]*state),
		maxTurns: maxTurns,
		now:      time.Now,
	}
}

// GetOrCreate returns the session ID, creating the session on first use and
// generating an ID when the caller supplied none.
func (s *Store) GetOrCreate(id string) string {
	if id == "" {
		id = uuid.NewString()
	}
	s.get(id)
	return id
}

// Acquire enters the session's critical section and returns the matching
// release func. A request holds it for its whole pipeline so same-session
// turns append in request order; different sessions are independent.
func (s *Store) Acquire(id string) func() {
	st := s.get(id)
	st.mu.Lock()
	return st.mu.Unlock
}

// History returns a copy of the session's turns, oldest first. Missing
// sessions read as empty; ask-path callers have already created them.
func (s *Store) History(id string) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[id]
	if !ok {
		return nil
	}
	turns := make([]Turn, len(st.turns))
	copy(turns, st.turns)
	return turns
}

// Lookup is the explicit lookup-only read; unknown IDs are an error here.
func (s *Store) Lookup(id string) ([]Turn, error) {
	s.mu.RLock()
	_, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.History(id), nil
}

// Append adds a turn, evicting the oldest when the bound is reached.
func (s *Store) Append(id string, turn Turn) {
	st := s.get(id)

	s.mu.Lock()
	st.turns = append(st.turns, turn)
	if len(st.turns) > s.maxTurns {
		st.turns = st.turns[len(st.turns)-s.maxTurns:]
	}
	st.lastSeen = s.now()
	s.mu.Unlock()
}

// Reset clears the history but keeps the session ID valid. Idempotent.
func (s *Store) Reset(id string) {
	s.mu.Lock()
	if st, ok := s.sessions[id]; ok {
		st.turns = nil
		st.lastSeen = s.now()
	}
	s.mu.Unlock()
}

// SweepExpired removes sessions idle longer than ttl, skipping any whose
// critical section is currently held. Returns the number removed.
func (s *Store) SweepExpired(ttl time.Duration) int {
	cutoff := s.now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, st := range s.sessions {
		if !st.lastSeen.Before(cutoff) {
			continue
		}
		if !st.mu.TryLock() {
			continue
		}
		delete(s.sessions, id)
		st.mu.Unlock()
		removed++
	}
	return removed
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) get(id string) *state {
	s.mu.RLock()
	st, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		s.touch(st)
		return st
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[id]; ok {
		st.lastSeen = s.now()
		return st
	}
	st = &state{lastSeen: s.now()}
	s.sessions[id] = st
	return st
}

func (s *Store) touch(st *state) {
	s.mu.Lock()
	st.lastSeen = s.now()
	s.mu.Unlock()
}
