// Package warc reads single WARC records from a positioned stream on top of
// gowarc. Records may be stored plain or as individual gzip members.
package warc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/nlnwa/gowarc"
)

var (
	ErrNotWARC     = errors.New("not a WARC record")
	ErrBadHTTPHead = errors.New("malformed HTTP header block")
)

// Field is one HTTP header line as archived.
type Field struct {
	Name  string
	Value string
}

// Record is a parsed WARC record. For response and revisit records with an
// HTTP block the status and header lines are split out and Payload yields
// the entity body.
type Record struct {
	Type      string
	TargetURI string
	Date      string
	// HTTPStatus is 0 when the block carried no HTTP head.
	HTTPStatus int
	HTTPHeader []Field
	// ContentType is the HTTP Content-Type, or the block type for non-HTTP records.
	ContentType string
	Payload     io.Reader

	wr gowarc.WarcRecord
}

// Close releases the underlying gowarc record. It does not close the stream
// the record was read from.
func (rec *Record) Close() error {
	if rec.wr == nil {
		return nil
	}
	wr := rec.wr
	rec.wr = nil
	return wr.Close()
}

// Blocks that carry a protocol head expose it under one of these; revisit
// blocks only have the first.
type protocolHead interface{ ProtocolHeaderBytes() []byte }
type httpHead interface{ HttpHeaderBytes() []byte }

type payloadBlock interface {
	PayloadBytes() (io.Reader, error)
}

func newUnmarshaler() gowarc.Unmarshaler {
	// Archives in the wild often omit WARC-Record-ID or carry odd field
	// syntax; neither stops a record from being replayed.
	return gowarc.NewUnmarshaler(
		gowarc.WithSyntaxErrorPolicy(gowarc.ErrWarn),
		gowarc.WithSpecViolationPolicy(gowarc.ErrWarn),
	)
}

// ReadRecord reads the record starting at the current position of r.
// The returned payload reads from r; the caller keeps r open until done.
func ReadRecord(r io.Reader) (*Record, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(5)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWARC, err)
	}
	// gowarc skips ahead to the next record start; a reference offset must
	// point at one.
	if !(magic[0] == 0x1f && magic[1] == 0x8b) && string(magic) != "WARC/" {
		return nil, fmt.Errorf("%w: no record at offset", ErrNotWARC)
	}
	wr, _, _, err := newUnmarshaler().Unmarshal(br)
	if err != nil {
		if wr != nil {
			_ = wr.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrNotWARC, err)
	}

	wh := wr.WarcHeader()
	rec := &Record{
		Type:        wh.Get(gowarc.WarcType),
		TargetURI:   wh.Get(gowarc.WarcTargetURI),
		Date:        wh.Get(gowarc.WarcDate),
		ContentType: wh.Get(gowarc.ContentType),
		wr:          wr,
	}
	if err := rec.fill(wr.Block(), wh.Get(gowarc.ContentLength)); err != nil {
		_ = rec.Close()
		return nil, err
	}
	return rec, nil
}

func (rec *Record) fill(block gowarc.Block, length string) error {
	if !carriesHTTP(rec.Type, rec.ContentType) {
		p, err := block.RawBytes()
		if err != nil {
			return fmt.Errorf("read block: %w", err)
		}
		rec.Payload = p
		return nil
	}

	var head []byte
	switch b := block.(type) {
	case protocolHead:
		head = b.ProtocolHeaderBytes()
	case httpHead:
		head = b.HttpHeaderBytes()
	}
	if len(bytes.TrimSpace(head)) == 0 {
		if strings.TrimSpace(length) == "0" {
			rec.Payload = bytes.NewReader(nil)
			return nil
		}
		return fmt.Errorf("%w: block has no HTTP head", ErrBadHTTPHead)
	}
	status, fields, err := parseHTTPHead(head)
	if err != nil {
		return err
	}
	rec.HTTPStatus = status
	rec.HTTPHeader = fields
	rec.ContentType = ""
	for _, f := range fields {
		if strings.EqualFold(f.Name, "Content-Type") {
			rec.ContentType = f.Value
			break
		}
	}

	pb, ok := block.(payloadBlock)
	if !ok {
		// Header-only revisit blocks.
		rec.Payload = bytes.NewReader(nil)
		return nil
	}
	p, err := pb.PayloadBytes()
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	rec.Payload = p
	return nil
}

func carriesHTTP(recordType, contentType string) bool {
	if recordType != "response" && recordType != "revisit" {
		return false
	}
	return strings.HasPrefix(strings.ToLower(contentType), "application/http")
}

// parseHTTPHead splits the raw head gowarc hands back. gowarc's own
// http.Header view loses order across names and the original spelling, so
// the lines are walked here.
func parseHTTPHead(head []byte) (int, []Field, error) {
	lines := strings.Split(string(head), "\n")
	statusLine := strings.TrimRight(lines[0], "\r")
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, nil, fmt.Errorf("%w: status line %q", ErrBadHTTPHead, statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil || status < 100 || status > 999 {
		return 0, nil, fmt.Errorf("%w: status %q", ErrBadHTTPHead, parts[1])
	}

	var fields []Field
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && len(fields) > 0 {
			last := &fields[len(fields)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields = append(fields, Field{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return status, fields, nil
}
