package capture

import "errors"

// ErrNoMoreCaptures is returned by Selector.Next once every candidate has
// been handed out.
var ErrNoMoreCaptures = errors.New("no more captures")

// Selector yields candidates from a result set in order, keeping the
// closest flag on exactly the record most recently returned.
type Selector struct {
	results *SearchResults
	next    int
	current int
}

func NewSelector(results *SearchResults) *Selector {
	s := &Selector{}
	s.SetResults(results)
	return s
}

// SetResults swaps in a new result set and restarts iteration.
func (s *Selector) SetResults(results *SearchResults) {
	s.clearCurrent()
	s.results = results
	s.next = 0
	s.current = -1
}

// Results returns the active result set.
func (s *Selector) Results() *SearchResults {
	return s.results
}

// Next returns the next candidate. The returned pointer aliases the result set.
func (s *Selector) Next() (*Record, error) {
	if s.results == nil || s.next >= len(s.results.Records) {
		return nil, ErrNoMoreCaptures
	}
	s.clearCurrent()
	rec := &s.results.Records[s.next]
	rec.Closest = true
	s.current = s.next
	s.next++
	return rec, nil
}

func (s *Selector) clearCurrent() {
	if s.results != nil && s.current >= 0 && s.current < len(s.results.Records) {
		s.results.Records[s.current].Closest = false
	}
}
