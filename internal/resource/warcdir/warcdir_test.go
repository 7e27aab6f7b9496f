package warcdir

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/mohammad-safakhou/timegate/internal/resource"
	"github.com/mohammad-safakhou/timegate/internal/warc/warctest"
)

func newStore(t *testing.T) (*Store, []int64) {
	t.Helper()
	dir := t.TempDir()
	offsets := warctest.WriteFile(t, dir, "crawl/IAH-0001.warc.gz", true,
		warctest.Record{Type: "response", TargetURI: "http://example.org/", Block: warctest.HTTPResponse(200, [][2]string{{"Content-Type", "text/html"}}, "hello")},
		warctest.Record{Type: "response", TargetURI: "http://example.org/a", Block: warctest.HTTPResponse(301, [][2]string{{"Location", "http://example.org/b"}}, "")},
	)
	s, err := New(dir, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, offsets
}

func ref(path string, offset int64) resource.Reference {
	return resource.Reference{Scheme: ReferenceScheme, Path: path, Fragment: strconv.FormatInt(offset, 10)}
}

func TestGetResourceAtOffset(t *testing.T) {
	t.Parallel()
	s, offsets := newStore(t)

	rec, err := s.GetResource(context.Background(), ref("crawl/IAH-0001.warc.gz", offsets[1]))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rec.Close()
	if rec.Status != 301 || rec.Header.Get("Location") != "http://example.org/b" {
		t.Fatalf("wrong record: %d %+v", rec.Status, rec.Header)
	}

	rec0, err := s.GetResource(context.Background(), ref("crawl/IAH-0001.warc.gz", offsets[0]))
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	body, _ := io.ReadAll(rec0.Payload)
	if string(body) != "hello" || rec0.ContentType != "text/html" {
		t.Fatalf("payload %q type %q", body, rec0.ContentType)
	}
	if err := rec0.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rec0.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestGetResourceCleanMisses(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	outside := filepath.Join(t.TempDir(), "secret.warc")
	if err := os.WriteFile(outside, []byte("WARC/1.0\r\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rel, _ := filepath.Rel(s.Root(), outside)

	cases := map[string]resource.Reference{
		"missing file": ref("crawl/nope.warc.gz", 0),
		"directory":    ref("crawl", 0),
		"escapes root": ref(filepath.ToSlash(rel), 0),
		"dot dot":      ref("../../etc/passwd", 0),
		"other scheme": {Scheme: "arcfile", Path: "crawl/IAH-0001.warc.gz"},
	}
	for name, r := range cases {
		if _, err := s.GetResource(context.Background(), r); !errors.Is(err, resource.ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestGetResourceBadOffsetIsError(t *testing.T) {
	t.Parallel()
	s, offsets := newStore(t)
	_, err := s.GetResource(context.Background(), ref("crawl/IAH-0001.warc.gz", offsets[1]+3))
	if err == nil || errors.Is(err, resource.ErrNotFound) {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestFactory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := Factory(nil)("warcdir:" + dir)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if _, ok := store.(*Store); !ok {
		t.Fatalf("unexpected store type %T", store)
	}
	if _, err := Factory(nil)("warcdir:"); err == nil {
		t.Fatalf("empty directory accepted")
	}
}
