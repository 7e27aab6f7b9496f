package replay

import (
	"github.com/google/uuid"

	"github.com/mohammad-safakhou/timegate/internal/capture"
	"github.com/mohammad-safakhou/timegate/internal/resource"
)

// State is a step of the resolution loop.
type State int

const (
	StateSelect State = iota
	StateResolveRevisit
	StateSelfRedirectCheck
	StateFetch
	StateDone
	StateRetry
	StateWidenSearch
	StateFail
)

var stateNames = [...]string{
	StateSelect:            "SELECT",
	StateResolveRevisit:    "RESOLVE_REVISIT",
	StateSelfRedirectCheck: "SELF_REDIRECT_CHECK",
	StateFetch:             "FETCH",
	StateDone:              "DONE",
	StateRetry:             "RETRY",
	StateWidenSearch:       "WIDEN_SEARCH",
	StateFail:              "FAIL",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Session is the per-request state of one resolution. It is never shared.
type Session struct {
	ID          string
	Request     Request
	Attempts    int
	MaxAttempts int
	// Narrow is true while the results come from a limited, timestamp-scoped query.
	Narrow  bool
	Widened bool
	// Transitions records every state entered, in order.
	Transitions []State

	selector  *capture.Selector
	skipped   map[string]struct{}
	tried     map[string]struct{}
	candidate *capture.Record
	dup       *resource.Reference
	header    *resource.Record
	payload   *resource.Record
	lastErr   error
}

func newSession(req Request, p Policy) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Request:     req,
		MaxAttempts: p.MaxRedirectAttempts,
		Narrow:      p.TimestampSearch,
		skipped:     make(map[string]struct{}),
		tried:       make(map[string]struct{}),
	}
}

func (s *Session) enter(st State) {
	s.Transitions = append(s.Transitions, st)
}

// Skipped reports whether a duplicate payload locator already failed.
func (s *Session) Skipped(ref resource.Reference) bool {
	_, ok := s.skipped[ref.String()]
	return ok
}

func (s *Session) skip(ref resource.Reference) {
	s.skipped[ref.String()] = struct{}{}
}

// Results returns the active search results.
func (s *Session) Results() *capture.SearchResults {
	if s.selector == nil {
		return nil
	}
	return s.selector.Results()
}

// release drops any records held for the current candidate.
func (s *Session) release() {
	if s.payload != nil && s.payload != s.header {
		s.payload.Close()
	}
	if s.header != nil {
		s.header.Close()
	}
	s.header, s.payload, s.dup = nil, nil, nil
}
