package resource

import (
	"io"
	"strings"
	"sync"
)

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered multimap of header lines. Order and duplicates are
// preserved as read from the archived response.
type Header []Field

// Get returns the first value for name, compared case-insensitively.
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Add appends a header line.
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Record is an archived HTTP response as returned by a Store. The payload
// stream is owned by the caller, who must call Close exactly once when done;
// further calls are no-ops.
type Record struct {
	// Status is the archived HTTP status, 0 when the record carries no HTTP header block.
	Status      int
	ContentType string
	TargetURI   string
	// RecordType is the archive record type: response, revisit, resource.
	RecordType string
	Date       string
	Header     Header
	Payload    io.Reader

	closeOnce sync.Once
	closer    func() error
	closeErr  error
}

// SetCloser registers the release function for the underlying medium.
func (r *Record) SetCloser(fn func() error) {
	r.closer = fn
}

// Close releases the record's medium. Safe to call more than once.
func (r *Record) Close() error {
	if r == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		if r.closer != nil {
			r.closeErr = r.closer()
		}
	})
	return r.closeErr
}

// HasHTTPHeaders reports whether the record carried a parsed HTTP header block.
func (r *Record) HasHTTPHeaders() bool {
	return r != nil && r.Status > 0
}

// wrapCloser chains fn after the existing closer.
func (r *Record) wrapCloser(fn func()) {
	prev := r.closer
	r.closer = func() error {
		defer fn()
		if prev != nil {
			return prev()
		}
		return nil
	}
}
