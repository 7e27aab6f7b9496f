package cdx

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/timegate/internal/capture"
)

// LegacyHeader is the CDX-11 field legend:
// urlkey, timestamp, original, mime, status, digest, redirect, meta tags,
// length, offset, filename.
const LegacyHeader = " CDX N b a m s k r M S V g"

// ParseLegacyLine decodes a space-delimited CDX-11 or CDX-9 line. Rows with
// no container file ("-") are old-style revisits whose bytes live elsewhere.
func ParseLegacyLine(line string) (capture.Record, error) {
	f := strings.Fields(line)
	var length, offset, filename string
	switch len(f) {
	case 11:
		length, offset, filename = f[8], f[9], f[10]
	case 9:
		length, offset, filename = capture.EmptyField, f[7], f[8]
	default:
		return capture.Record{}, fmt.Errorf("%w: %d fields in %q", ErrBadLine, len(f), line)
	}
	if !capture.ValidTimestamp(f[1]) {
		return capture.Record{}, fmt.Errorf("%w: timestamp %q", ErrBadLine, f[1])
	}

	rec := capture.Record{
		URLKey:      f[0],
		Timestamp:   f[1],
		OriginalURL: fromEmpty(f[2]),
		MimeType:    fromEmpty(f[3]),
		Digest:      fromEmpty(f[5]),
		Redirect:    fromEmpty(f[6]),
		Filename:    filename,
		RecordType:  capture.TypeResponse,
		Raw:         line,
	}
	rec.Status, _ = strconv.Atoi(f[4])
	var err error
	if rec.Length, err = parseOptionalInt(length); err != nil {
		return capture.Record{}, fmt.Errorf("%w: length: %v", ErrBadLine, err)
	}
	if rec.Offset, err = parseOptionalInt(offset); err != nil {
		return capture.Record{}, fmt.Errorf("%w: offset: %v", ErrBadLine, err)
	}
	if rec.MimeType == capture.MimeRevisit || filename == capture.EmptyField {
		rec.RecordType = capture.TypeRevisit
	}
	if filename != capture.EmptyField {
		rec.Ref = containerRef(filename, rec.Offset)
	}
	return rec, nil
}

// FormatLegacyLine encodes rec as a CDX-11 line.
func FormatLegacyLine(rec capture.Record) string {
	length, offset := capture.EmptyField, capture.EmptyField
	if rec.Filename != "" && rec.Filename != capture.EmptyField {
		length = strconv.FormatInt(rec.Length, 10)
		offset = strconv.FormatInt(rec.Offset, 10)
	}
	status := capture.EmptyField
	if rec.Status > 0 {
		status = strconv.Itoa(rec.Status)
	}
	mime := rec.MimeType
	if mime == "" && rec.IsRevisit() && !rec.IsLegacyRevisit() {
		mime = capture.MimeRevisit
	}
	return strings.Join([]string{
		urlKeyFor(rec),
		rec.Timestamp,
		orEmpty(noSpaces(rec.OriginalURL)),
		orEmpty(mime),
		status,
		orEmpty(rec.Digest),
		orEmpty(noSpaces(rec.Redirect)),
		capture.EmptyField,
		length,
		offset,
		orEmpty(rec.Filename),
	}, " ")
}

func parseOptionalInt(s string) (int64, error) {
	if s == capture.EmptyField {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func noSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "%20")
}
