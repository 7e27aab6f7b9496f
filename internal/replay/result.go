package replay

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/mohammad-safakhou/timegate/internal/capture"
	"github.com/mohammad-safakhou/timegate/internal/resource"
)

// Result is a resolved capture. Header supplies status and headers and
// Payload the body; for plain responses they are the same record.
type Result struct {
	SessionID string
	Capture   capture.Record
	Header    *resource.Record
	Payload   *resource.Record
	Results   *capture.SearchResults
	Retries   int
	Widened   bool
	// Live is set when the archive could not serve the request and the
	// live fallback answered instead.
	Live bool
	// Source names the container the payload was read from.
	Source      string
	Transitions []State
}

// Body returns the payload stream.
func (r *Result) Body() io.Reader {
	if r.Payload == nil || r.Payload.Payload == nil {
		return strings.NewReader("")
	}
	return r.Payload.Payload
}

// Close releases the underlying records.
func (r *Result) Close() error {
	if r == nil {
		return nil
	}
	var err error
	if r.Payload != nil && r.Payload != r.Header {
		err = r.Payload.Close()
	}
	if r.Header != nil {
		if herr := r.Header.Close(); err == nil {
			err = herr
		}
	}
	return err
}

// MementoLinks holds the URL prefixes used to build Memento relations.
type MementoLinks struct {
	Replay   string
	Timemap  string
	Timegate string
}

// MementoDatetime returns the capture time in HTTP date format.
func (r *Result) MementoDatetime() string {
	t, err := r.Capture.Time()
	if err != nil {
		return ""
	}
	return t.UTC().Format(http.TimeFormat)
}

// Link builds the Memento Link header: original, timemap and timegate
// relations plus first, last, prev and next mementos among the results.
func (r *Result) Link(l MementoLinks) string {
	orig := r.Capture.OriginalURL
	parts := []string{
		fmt.Sprintf("<%s>; rel=\"original\"", orig),
	}
	if l.Timemap != "" {
		parts = append(parts, fmt.Sprintf("<%s%s>; rel=\"timemap\"; type=\"application/link-format\"", l.Timemap, orig))
	}
	if l.Timegate != "" {
		parts = append(parts, fmt.Sprintf("<%s%s>; rel=\"timegate\"", l.Timegate, orig))
	}
	if l.Replay == "" || r.Live {
		return strings.Join(parts, ", ")
	}
	for _, m := range r.neighbours() {
		parts = append(parts, fmt.Sprintf("<%s%s/%s>; rel=\"%s\"; datetime=\"%s\"",
			l.Replay, m.ts, m.url, m.rel, httpDate(m.ts)))
	}
	return strings.Join(parts, ", ")
}

type memento struct {
	ts, url, rel string
}

// neighbours returns the mementos around the capture in chronological order,
// with relation names merged when one capture fills several roles.
func (r *Result) neighbours() []memento {
	if r.Results.Len() == 0 {
		return nil
	}
	recs := make([]capture.Record, 0, r.Results.Len())
	seen := make(map[string]bool)
	for _, rec := range r.Results.Records {
		if seen[rec.Timestamp] {
			continue
		}
		seen[rec.Timestamp] = true
		recs = append(recs, rec)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return capture.PadTimestamp(recs[i].Timestamp) < capture.PadTimestamp(recs[j].Timestamp)
	})
	cur := capture.PadTimestamp(r.Capture.Timestamp)
	idx := sort.Search(len(recs), func(i int) bool { return capture.PadTimestamp(recs[i].Timestamp) >= cur })

	rels := make(map[int][]string)
	order := []int{}
	add := func(i int, rel string) {
		if i < 0 || i >= len(recs) {
			return
		}
		if _, ok := rels[i]; !ok {
			order = append(order, i)
		}
		rels[i] = append(rels[i], rel)
	}
	add(0, "first")
	add(idx-1, "prev")
	if idx < len(recs) && capture.PadTimestamp(recs[idx].Timestamp) == cur {
		add(idx+1, "next")
	} else {
		add(idx, "next")
	}
	add(len(recs)-1, "last")
	sort.Ints(order)

	out := make([]memento, 0, len(order))
	for _, i := range order {
		out = append(out, memento{
			ts:  recs[i].Timestamp,
			url: recs[i].OriginalURL,
			rel: strings.Join(rels[i], " ") + " memento",
		})
	}
	return out
}

func httpDate(ts string) string {
	t, err := capture.ParseTimestamp(ts)
	if err != nil {
		return ""
	}
	return t.UTC().Format(http.TimeFormat)
}
