package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/timegate/config"
	"github.com/mohammad-safakhou/timegate/internal/capture"
	"github.com/mohammad-safakhou/timegate/internal/replay"
	"github.com/mohammad-safakhou/timegate/internal/resource"
)

type resolverFunc func(ctx context.Context, req replay.Request) (*replay.Result, error)

func (f resolverFunc) Resolve(ctx context.Context, req replay.Request) (*replay.Result, error) {
	return f(ctx, req)
}

type blockList map[string]bool

func (b blockList) Blocked(_ context.Context, u string) (bool, error) { return b[u], nil }

func gatewayConfig() config.ServerConfig {
	return config.ServerConfig{
		ReplayPrefix:        "/web/",
		TimemapPrefix:       "/timemap/link/",
		TimegatePrefix:      "/timegate/",
		ArchiveSourceHeader: "x-archive-src",
		RuntimeErrorHeader:  "X-Archive-Wayback-Runtime-Error",
	}
}

func newTestGateway(r Resolver, idx *fakeIndex, ex replay.Exclusions, cfg config.ServerConfig) *echo.Echo {
	return NewGateway(GatewayOptions{Engine: r, Index: idx, Exclusions: ex, Config: cfg, Logger: testLogger()})
}

func redirectResult() *replay.Result {
	rec := &resource.Record{
		Status:      302,
		ContentType: "text/html",
		Header: resource.Header{
			{Name: "Location", Value: "/next"},
			{Name: "Server", Value: "Apache"},
		},
		Payload: strings.NewReader("moved"),
	}
	c := capture.Record{Timestamp: "20070901000000", OriginalURL: "http://example.org/", MimeType: "text/html"}
	return &replay.Result{
		SessionID: "session-1",
		Capture:   c,
		Header:    rec,
		Payload:   rec,
		Results:   capture.NewSearchResults("20070901000000", []capture.Record{c}),
		Source:    "IAH-20070901-00000.warc.gz",
	}
}

func TestGatewayReplay(t *testing.T) {
	var got replay.Request
	r := resolverFunc(func(_ context.Context, req replay.Request) (*replay.Result, error) {
		got = req
		return redirectResult(), nil
	})
	e := newTestGateway(r, &fakeIndex{}, nil, gatewayConfig())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/web/20070901000000/http://example.org/", nil))

	if got.URL != "http://example.org/" || got.Timestamp != "20070901000000" {
		t.Fatalf("unexpected request %+v", got)
	}
	if rec.Code != http.StatusFound {
		t.Fatalf("expected archived 302, got %d", rec.Code)
	}
	hdr := rec.Header()
	if loc := hdr.Get("Location"); loc != "/web/20070901000000/http://example.org/next" {
		t.Fatalf("location not rewritten: %q", loc)
	}
	if md := hdr.Get("Memento-Datetime"); md != "Sat, 01 Sep 2007 00:00:00 GMT" {
		t.Fatalf("unexpected Memento-Datetime %q", md)
	}
	link := hdr.Get("Link")
	for _, want := range []string{
		`<http://example.org/>; rel="original"`,
		`</timemap/link/http://example.org/>; rel="timemap"`,
		`</timegate/http://example.org/>; rel="timegate"`,
		`rel="first last memento"`,
	} {
		if !strings.Contains(link, want) {
			t.Fatalf("Link %q missing %q", link, want)
		}
	}
	if hdr.Get("X-Archive-Orig-Server") != "Apache" {
		t.Fatalf("missing original header")
	}
	if hdr.Get("x-archive-src") != "IAH-20070901-00000.warc.gz" {
		t.Fatalf("unexpected source header %q", hdr.Get("x-archive-src"))
	}
	if hdr.Get("X-Request-Id") != "session-1" {
		t.Fatalf("unexpected request id %q", hdr.Get("X-Request-Id"))
	}
	if rec.Body.String() != "moved" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestGatewayReplayLive(t *testing.T) {
	r := resolverFunc(func(context.Context, replay.Request) (*replay.Result, error) {
		rec := &resource.Record{Status: http.StatusFound, RecordType: "live"}
		rec.Header.Add("Location", "https://live.example/http://example.org/")
		return &replay.Result{SessionID: "s", Header: rec, Payload: rec, Live: true}, nil
	})
	e := newTestGateway(r, &fakeIndex{}, nil, gatewayConfig())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/web/2007/http://example.org/", nil))

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302 got %d", rec.Code)
	}
	if rec.Header().Get("Location") != "https://live.example/http://example.org/" {
		t.Fatalf("unexpected live location %q", rec.Header().Get("Location"))
	}
	if rec.Header().Get("Memento-Datetime") != "" {
		t.Fatalf("live response must not claim to be a memento")
	}
}

func TestGatewayErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		kind string
	}{
		{"bad query", errors.Join(replay.ErrBadQuery, errors.New("timestamp")), http.StatusBadRequest, "BadQuery"},
		{"blocked", &replay.CaptureError{Kind: replay.ErrAccessBlocked, URL: "http://example.org/"}, http.StatusForbidden, "AccessControlBlocked"},
		{"not in archive", &replay.CaptureError{Kind: replay.ErrNotInArchive, URL: "http://example.org/"}, http.StatusNotFound, "NotInArchive"},
		{"not available", &replay.CaptureError{Kind: replay.ErrResourceNotAvailable, Err: resource.ErrAllBackendsFailed}, http.StatusServiceUnavailable, "ResourceNotAvailable"},
		{"index down", replay.ErrIndexUnavailable, http.StatusServiceUnavailable, "IndexUnavailable"},
		{"internal", errors.New("line one\nline two"), http.StatusInternalServerError, "InternalError"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := resolverFunc(func(context.Context, replay.Request) (*replay.Result, error) { return nil, tc.err })
			e := newTestGateway(r, &fakeIndex{}, nil, gatewayConfig())
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/web/20070901000000/http://example.org/", nil))

			if rec.Code != tc.want {
				t.Fatalf("expected %d got %d", tc.want, rec.Code)
			}
			h := rec.Header().Get("X-Archive-Wayback-Runtime-Error")
			if !strings.HasPrefix(h, tc.kind+": ") {
				t.Fatalf("unexpected runtime error header %q", h)
			}
			if strings.Contains(h, "\n") {
				t.Fatalf("runtime error header kept a newline: %q", h)
			}
			if !strings.HasPrefix(rec.Body.String(), tc.kind) {
				t.Fatalf("unexpected body %q", rec.Body.String())
			}
		})
	}
}

func TestGatewayRuntimeHeaderDisabled(t *testing.T) {
	cfg := gatewayConfig()
	cfg.RuntimeErrorHeader = ""
	r := resolverFunc(func(context.Context, replay.Request) (*replay.Result, error) { return nil, replay.ErrNotInArchive })
	e := newTestGateway(r, &fakeIndex{}, nil, cfg)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/web/2007/http://example.org/", nil))
	if rec.Header().Get("X-Archive-Wayback-Runtime-Error") != "" {
		t.Fatalf("runtime error header set while disabled")
	}
}

func TestGatewayTimemap(t *testing.T) {
	idx := &fakeIndex{list: []capture.Record{
		{Timestamp: "20090101000000", OriginalURL: "http://example.org/"},
		{Timestamp: "20070901000000", OriginalURL: "http://example.org/"},
		{Timestamp: "20080101000000", OriginalURL: "http://example.org/"},
	}}
	e := newTestGateway(resolverFunc(nil), idx, nil, gatewayConfig())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/timemap/link/http://example.org/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/link-format" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if len(idx.listReqs) != 1 || idx.listReqs[0].URL != "http://example.org/" {
		t.Fatalf("unexpected list requests %+v", idx.listReqs)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 6 {
		t.Fatalf("expected 6 link lines, got %d:\n%s", len(lines), rec.Body.String())
	}
	if !strings.HasPrefix(lines[0], `<http://example.org/>; rel="original"`) {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if !strings.Contains(lines[1], `from="Sat, 01 Sep 2007 00:00:00 GMT"`) || !strings.Contains(lines[1], `until="Thu, 01 Jan 2009 00:00:00 GMT"`) {
		t.Fatalf("unexpected self line %q", lines[1])
	}
	want := []string{
		`</web/20070901000000/http://example.org/>; rel="first memento"`,
		`</web/20080101000000/http://example.org/>; rel="memento"`,
		`</web/20090101000000/http://example.org/>; rel="last memento"`,
	}
	for i, w := range want {
		if !strings.HasPrefix(lines[3+i], w) {
			t.Fatalf("line %d = %q, want prefix %q", 3+i, lines[3+i], w)
		}
	}
}

func TestGatewayTimemapEmpty(t *testing.T) {
	e := newTestGateway(resolverFunc(nil), &fakeIndex{}, nil, gatewayConfig())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/timemap/link/http://example.org/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
}

func TestGatewayTimegate(t *testing.T) {
	idx := &fakeIndex{resolve: []capture.Record{
		{Timestamp: "20090101000000", OriginalURL: "http://example.org/"},
		{Timestamp: "20070901000000", OriginalURL: "http://example.org/"},
	}}
	e := newTestGateway(resolverFunc(nil), idx, nil, gatewayConfig())
	req := httptest.NewRequest(http.MethodGet, "/timegate/http://example.org/", nil)
	req.Header.Set("Accept-Datetime", "Tue, 01 Jan 2008 00:00:00 GMT")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302 got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/web/20070901000000/http://example.org/" {
		t.Fatalf("unexpected location %q", loc)
	}
	if rec.Header().Get("Vary") != "accept-datetime" {
		t.Fatalf("missing Vary")
	}
	if idx.resolveReqs[0].Timestamp != "20080101000000" {
		t.Fatalf("unexpected index timestamp %q", idx.resolveReqs[0].Timestamp)
	}
}

func TestGatewayTimegateBadDatetime(t *testing.T) {
	e := newTestGateway(resolverFunc(nil), &fakeIndex{}, nil, gatewayConfig())
	req := httptest.NewRequest(http.MethodGet, "/timegate/http://example.org/", nil)
	req.Header.Set("Accept-Datetime", "yesterday")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestGatewayTimemapBlocked(t *testing.T) {
	idx := &fakeIndex{list: []capture.Record{{Timestamp: "2007", OriginalURL: "http://blocked.example/"}}}
	e := newTestGateway(resolverFunc(nil), idx, blockList{"http://blocked.example/": true}, gatewayConfig())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/timemap/link/http://blocked.example/", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}
	if len(idx.listReqs) != 0 {
		t.Fatalf("index queried for a blocked url")
	}
}

func TestGatewayStatic(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "banner.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := gatewayConfig()
	cfg.StaticDir = dir
	e := newTestGateway(resolverFunc(nil), &fakeIndex{}, nil, cfg)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/banner.css", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if rec.Header().Get("Link") != doNotNegotiate {
		t.Fatalf("unexpected Link %q", rec.Header().Get("Link"))
	}
}

func TestArchivalTarget(t *testing.T) {
	cases := []struct {
		path    string
		ts      string
		target  string
		wantErr bool
	}{
		{path: "/web/20070101000000/http://example.org/a?b=1", ts: "20070101000000", target: "http://example.org/a?b=1"},
		{path: "/web/2007id_/http:/example.org/", ts: "2007", target: "http://example.org/"},
		{path: "/web/20070101/example.org/", ts: "20070101", target: "http://example.org/"},
		{path: "/web/http://example.org/", ts: "", target: "http://example.org/"},
		{path: "/web/", wantErr: true},
		{path: "/web/20070101/", wantErr: true},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.path)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.path, err)
		}
		ts, target, err := archivalTarget(u, "/web/")
		if tc.wantErr {
			if !errors.Is(err, replay.ErrBadQuery) {
				t.Fatalf("%s: expected BadQuery, got %v", tc.path, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		if ts != tc.ts || target != tc.target {
			t.Fatalf("%s: got (%q, %q) want (%q, %q)", tc.path, ts, target, tc.ts, tc.target)
		}
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	e := newTestGateway(resolverFunc(nil), &fakeIndex{}, nil, gatewayConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, e, "127.0.0.1:0", testLogger()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}
