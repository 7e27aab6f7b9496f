package cdx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/timegate/internal/capture"
	"github.com/mohammad-safakhou/timegate/internal/helpers"
	"github.com/mohammad-safakhou/timegate/internal/resource"
)

// CDXJ field names.
const (
	keyURL      = "url"
	keyMime     = "mime"
	keyStatus   = "status"
	keyDigest   = "digest"
	keyRedirect = "redirect"
	keyRef      = "ref"
	keyFilename = "filename"
	keyOffset   = "offset"
	keyLength   = "length"
	keyType     = "type"
	keyDupRef   = "dup.ref"
)

// ParseCDXJLine decodes "<urlkey> <timestamp> <json>". Each JSON field is
// read on its own and may be a string or a number; unknown fields are kept
// only in Raw.
func ParseCDXJLine(line string) (capture.Record, error) {
	key, rest, ok := strings.Cut(line, " ")
	if !ok {
		return capture.Record{}, fmt.Errorf("%w: %q", ErrBadLine, line)
	}
	ts, body, ok := strings.Cut(rest, " ")
	if !ok || !capture.ValidTimestamp(ts) {
		return capture.Record{}, fmt.Errorf("%w: %q", ErrBadLine, line)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return capture.Record{}, fmt.Errorf("%w: json block: %v", ErrBadLine, err)
	}

	rec := capture.Record{
		URLKey:      key,
		Timestamp:   ts,
		OriginalURL: field(fields, keyURL),
		MimeType:    field(fields, keyMime),
		Digest:      field(fields, keyDigest),
		Redirect:    field(fields, keyRedirect),
		Filename:    field(fields, keyFilename),
		RecordType:  field(fields, keyType),
		Raw:         line,
	}
	rec.Status, _ = strconv.Atoi(field(fields, keyStatus))
	rec.Offset, _ = strconv.ParseInt(field(fields, keyOffset), 10, 64)
	rec.Length, _ = strconv.ParseInt(field(fields, keyLength), 10, 64)
	if rec.RecordType == "" {
		rec.RecordType = capture.TypeResponse
		if rec.MimeType == capture.MimeRevisit {
			rec.RecordType = capture.TypeRevisit
		}
	}

	if raw := field(fields, keyRef); raw != "" {
		ref, err := resource.ParseReference(raw)
		if err != nil {
			return capture.Record{}, fmt.Errorf("%w: %v", ErrBadLine, err)
		}
		rec.Ref = ref
	} else if rec.Filename != "" {
		rec.Ref = containerRef(rec.Filename, rec.Offset)
	}
	if raw := field(fields, keyDupRef); raw != "" {
		dup, err := resource.ParseReference(raw)
		if err != nil {
			return capture.Record{}, fmt.Errorf("%w: dup.ref: %v", ErrBadLine, err)
		}
		rec.DuplicateRef = &dup
	}
	return rec, nil
}

// FormatCDXJLine encodes rec. Keys are emitted in sorted order.
func FormatCDXJLine(rec capture.Record) (string, error) {
	m := map[string]any{}
	put := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	put(keyURL, rec.OriginalURL)
	put(keyMime, rec.MimeType)
	if rec.Status > 0 {
		m[keyStatus] = strconv.Itoa(rec.Status)
	}
	put(keyDigest, rec.Digest)
	put(keyRedirect, rec.Redirect)
	put(keyRef, rec.Ref.String())
	put(keyFilename, rec.Filename)
	if rec.Filename != "" {
		m[keyOffset] = rec.Offset
		m[keyLength] = rec.Length
	}
	put(keyType, rec.RecordType)
	if rec.DuplicateRef != nil {
		put(keyDupRef, rec.DuplicateRef.String())
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return "", err
	}
	return urlKeyFor(rec) + " " + rec.Timestamp + " " + strings.TrimRight(buf.String(), "\n"), nil
}

// field returns a JSON value as text whether it was a string or a number.
func field(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return fromEmpty(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func containerRef(filename string, offset int64) resource.Reference {
	return resource.Reference{Scheme: "warcfile", Path: filename, Fragment: strconv.FormatInt(offset, 10)}
}

func urlKeyFor(rec capture.Record) string {
	if rec.URLKey != "" {
		return rec.URLKey
	}
	if key, err := helpers.URLKey(rec.OriginalURL); err == nil {
		return key
	}
	return capture.EmptyField
}
