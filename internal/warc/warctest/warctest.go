// Package warctest builds WARC files for tests.
package warctest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// Record describes one record to write. Block is the raw record block,
// typically an HTTP response head and body.
type Record struct {
	Type      string
	TargetURI string
	Date      string
	Profile   string
	RefersTo  string
	BlockType string
	Block     string
	// NoRecordID leaves out WARC-Record-ID, as some older crawlers did.
	NoRecordID bool
}

// HTTPResponse formats an HTTP/1.1 response block.
func HTTPResponse(status int, headers [][2]string, body string) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, statusText(status))
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}

func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 404:
		return "Not Found"
	default:
		return "Status"
	}
}

// Encode renders rec, gzipped as its own member when compress is set.
func Encode(rec Record, compress bool) []byte {
	blockType := rec.BlockType
	if blockType == "" {
		blockType = "application/http; msgtype=response"
	}
	date := rec.Date
	if date == "" {
		date = "2008-04-30T20:48:25Z"
	}
	var raw bytes.Buffer
	raw.WriteString("WARC/1.0\r\n")
	fmt.Fprintf(&raw, "WARC-Type: %s\r\n", rec.Type)
	if !rec.NoRecordID {
		fmt.Fprintf(&raw, "WARC-Record-ID: <urn:uuid:%s>\r\n", uuid.NewString())
	}
	fmt.Fprintf(&raw, "WARC-Target-URI: %s\r\n", rec.TargetURI)
	fmt.Fprintf(&raw, "WARC-Date: %s\r\n", date)
	if rec.Profile != "" {
		fmt.Fprintf(&raw, "WARC-Profile: %s\r\n", rec.Profile)
	}
	if rec.RefersTo != "" {
		fmt.Fprintf(&raw, "WARC-Refers-To-Target-URI: %s\r\n", rec.RefersTo)
	}
	fmt.Fprintf(&raw, "Content-Type: %s\r\n", blockType)
	fmt.Fprintf(&raw, "Content-Length: %d\r\n", len(rec.Block))
	raw.WriteString("\r\n")
	raw.WriteString(rec.Block)
	raw.WriteString("\r\n\r\n")
	if !compress {
		return raw.Bytes()
	}
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	_, _ = zw.Write(raw.Bytes())
	_ = zw.Close()
	return out.Bytes()
}

// WriteFile writes recs to dir/name and returns each record's offset.
func WriteFile(t testing.TB, dir, name string, compress bool, recs ...Record) []int64 {
	t.Helper()
	var buf bytes.Buffer
	offsets := make([]int64, 0, len(recs))
	for _, rec := range recs {
		offsets = append(offsets, int64(buf.Len()))
		buf.Write(Encode(rec, compress))
	}
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write warc: %v", err)
	}
	return offsets
}
