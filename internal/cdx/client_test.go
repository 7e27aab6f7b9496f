package cdx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const chronologicalCDXJ = `org,example)/ 20070101000000 {"url":"http://example.org/","status":"200","ref":"warcfile:a.warc.gz#0"}
org,example)/ 20070601000000 {"url":"http://example.org/","status":"200","ref":"warcfile:b.warc.gz#0"}
org,example)/ 20071201000000 {"url":"http://example.org/","status":"200","ref":"warcfile:c.warc.gz#0"}
`

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithRetries(1, time.Millisecond)}, opts...)
	c, err := NewClient(srv.URL, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestResolveBuildsQueryAndSortsClosest(t *testing.T) {
	t.Parallel()
	var gotPath, gotQuery, gotAccept string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotQuery = r.URL.RawQuery
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", MediaTypeCDXJ)
		w.Write([]byte(chronologicalCDXJ))
	})
	recs, err := c.Resolve(context.Background(), ResolveRequest{URL: "http://example.org/", Timestamp: "20070615", RecordType: "response", Limit: 10})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if gotPath != "/resource/http:%2F%2Fexample.org%2F/20070615" {
		t.Fatalf("path %q", gotPath)
	}
	if gotQuery != "limit=10&recordType=response" {
		t.Fatalf("query %q", gotQuery)
	}
	if gotAccept != MediaTypeCDXJ {
		t.Fatalf("accept %q", gotAccept)
	}
	if len(recs) != 3 || recs[0].Timestamp != "20070601000000" || recs[1].Timestamp != "20070101000000" {
		t.Fatalf("not ordered closest first: %+v", recs)
	}
}

func TestListQueryParameters(t *testing.T) {
	t.Parallel()
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", MediaTypeLegacy)
		w.Write([]byte(LegacyHeader + "\norg,example)/ 20070101000000 http://example.org/ text/html 200 D - - 10 0 a.warc.gz\n"))
	})
	recs, err := c.List(context.Background(), ListRequest{URL: "example.org", Date: "2007-2008", MatchType: MatchPrefix, Reverse: true, Limit: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if gotQuery != "date=2007-2008&limit=5&matchType=prefix&sort=desc" {
		t.Fatalf("query %q", gotQuery)
	}
	if len(recs) != 1 || recs[0].Ref.Path != "a.warc.gz" {
		t.Fatalf("legacy response not decoded: %+v", recs)
	}
}

func TestIndexErrorsAreClassified(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	cases := []struct {
		name   string
		status int
		check  func(t *testing.T, recs int, err error)
	}{
		{"not found is empty", http.StatusNotFound, func(t *testing.T, n int, err error) {
			if err != nil || n != 0 {
				t.Fatalf("expected empty result, got %d %v", n, err)
			}
		}},
		{"bad request", http.StatusBadRequest, func(t *testing.T, _ int, err error) {
			if !errors.Is(err, ErrBadQuery) {
				t.Fatalf("expected ErrBadQuery, got %v", err)
			}
		}},
		{"server error", http.StatusInternalServerError, func(t *testing.T, _ int, err error) {
			if !errors.Is(err, ErrIndexUnavailable) {
				t.Fatalf("expected ErrIndexUnavailable, got %v", err)
			}
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
			})
			recs, err := c.Resolve(context.Background(), ResolveRequest{URL: "http://example.org/", Timestamp: "2007"})
			tc.check(t, len(recs), err)
		})
	}
}

func TestResolveValidation(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("invalid request reached the index: %s", r.URL)
	})
	bad := []ResolveRequest{
		{URL: "", Timestamp: "2007"},
		{URL: "http://example.org/", Timestamp: "yesterday"},
		{URL: "http://example.org/ x", Timestamp: "2007"},
		{URL: "http://example.org/", Timestamp: "2007", RecordType: "bogus"},
		{URL: "http://example.org/", Timestamp: "2007", Limit: -1},
	}
	for _, req := range bad {
		if _, err := c.Resolve(context.Background(), req); !errors.Is(err, ErrBadQuery) {
			t.Fatalf("%+v: expected ErrBadQuery, got %v", req, err)
		}
	}
	if _, err := c.List(context.Background(), ListRequest{URL: "example.org", MatchType: "fuzzy"}); !errors.Is(err, ErrBadQuery) {
		t.Fatalf("bad match type accepted: %v", err)
	}
}

func TestUndecodableResponseIsUnavailable(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", MediaTypeCDXJ)
		w.Write([]byte("garbage\n"))
	})
	if _, err := c.Resolve(context.Background(), ResolveRequest{URL: "http://example.org/", Timestamp: "2007"}); !errors.Is(err, ErrIndexUnavailable) {
		t.Fatalf("expected ErrIndexUnavailable, got %v", err)
	}
}
