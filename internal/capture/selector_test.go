package capture

import (
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func results(n int) *SearchResults {
	recs := make([]Record, n)
	for i := range recs {
		recs[i] = Record{Timestamp: fmt.Sprintf("2007%02d01000000", i%12+1), OriginalURL: "http://example.org/"}
	}
	return NewSearchResults("20070601000000", recs)
}

func closestCount(s *SearchResults) int {
	n := 0
	for _, r := range s.Records {
		if r.Closest {
			n++
		}
	}
	return n
}

func TestSelectorWalksInOrder(t *testing.T) {
	t.Parallel()
	res := results(2)
	sel := NewSelector(res)

	first, err := sel.Next()
	if err != nil || first != &res.Records[0] || !first.Closest {
		t.Fatalf("first candidate wrong: %+v %v", first, err)
	}
	second, err := sel.Next()
	if err != nil || second != &res.Records[1] {
		t.Fatalf("second candidate wrong: %+v %v", second, err)
	}
	if res.Records[0].Closest || !res.Records[1].Closest {
		t.Fatalf("closest flag not moved: %+v", res.Records)
	}
	if _, err := sel.Next(); !errors.Is(err, ErrNoMoreCaptures) {
		t.Fatalf("expected ErrNoMoreCaptures, got %v", err)
	}
}

func TestSelectorEmptyAndNil(t *testing.T) {
	t.Parallel()
	if _, err := NewSelector(nil).Next(); !errors.Is(err, ErrNoMoreCaptures) {
		t.Fatalf("nil results: %v", err)
	}
	if _, err := NewSelector(NewSearchResults("2007", nil)).Next(); !errors.Is(err, ErrNoMoreCaptures) {
		t.Fatalf("empty results: %v", err)
	}
}

func TestSelectorSetResultsRestarts(t *testing.T) {
	t.Parallel()
	old := results(3)
	sel := NewSelector(old)
	if _, err := sel.Next(); err != nil {
		t.Fatalf("next: %v", err)
	}
	fresh := results(2)
	sel.SetResults(fresh)
	if closestCount(old) != 0 {
		t.Fatalf("old result set still flagged")
	}
	rec, err := sel.Next()
	if err != nil || rec != &fresh.Records[0] {
		t.Fatalf("iteration did not restart: %+v %v", rec, err)
	}
}

func TestSelector_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("n calls yield the records in order, then exhaustion", prop.ForAll(
		func(n int) bool {
			res := results(n)
			sel := NewSelector(res)
			for i := 0; i < n; i++ {
				rec, err := sel.Next()
				if err != nil || rec != &res.Records[i] {
					return false
				}
				if closestCount(res) != 1 || !res.Records[i].Closest {
					return false
				}
			}
			_, err := sel.Next()
			return errors.Is(err, ErrNoMoreCaptures) && closestCount(res) <= 1
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestPadAndParseTimestamp(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
	}{
		{"2007", "20070101000000"},
		{"200706", "20070601000000"},
		{"20070615", "20070615000000"},
		{"20070615123456", "20070615123456"},
		{"2007061512345699", "20070615123456"},
	}
	for _, tc := range cases {
		if got := PadTimestamp(tc.in); got != tc.want {
			t.Fatalf("PadTimestamp(%q) = %q want %q", tc.in, got, tc.want)
		}
	}
	if _, err := ParseTimestamp("2007x"); !errors.Is(err, ErrBadTimestamp) {
		t.Fatalf("expected ErrBadTimestamp, got %v", err)
	}
	ts, err := ParseTimestamp("20070615")
	if err != nil || FormatTimestamp(ts) != "20070615000000" {
		t.Fatalf("parse: %v %v", ts, err)
	}
}

func TestSortClosestIsStable(t *testing.T) {
	t.Parallel()
	recs := []Record{
		{Timestamp: "20070101000000", Digest: "A"},
		{Timestamp: "20070701000000", Digest: "B"},
		{Timestamp: "20070501000000", Digest: "C"},
		{Timestamp: "20070701000000", Digest: "D"},
	}
	SortClosest(recs, "20070615000000")
	got := ""
	for _, r := range recs {
		got += r.Digest
	}
	if got != "BDCA" {
		t.Fatalf("order %s", got)
	}
}
