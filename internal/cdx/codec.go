package cdx

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/mohammad-safakhou/timegate/internal/capture"
)

// Format selects an index wire encoding.
type Format string

const (
	FormatCDXJ   Format = "cdxj"
	FormatLegacy Format = "cdx"

	MediaTypeCDXJ   = "application/vnd.org.netpreserve.cdxj"
	MediaTypeLegacy = "application/vnd.org.netpreserve.cdx"
)

var ErrBadLine = errors.New("malformed index line")

// ParseFormat maps a config or flag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cdxj":
		return FormatCDXJ, nil
	case "cdx", "legacy", "cdx11":
		return FormatLegacy, nil
	}
	return "", fmt.Errorf("unknown index format %q", s)
}

// MediaType returns the Accept value requesting f.
func (f Format) MediaType() string {
	if f == FormatLegacy {
		return MediaTypeLegacy
	}
	return MediaTypeCDXJ
}

// FormatForContentType picks the decoder for a response Content-Type,
// falling back to the requested format when the server is vague.
func FormatForContentType(contentType string, requested Format) Format {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return requested
	}
	switch mt {
	case MediaTypeCDXJ:
		return FormatCDXJ
	case MediaTypeLegacy:
		return FormatLegacy
	}
	return requested
}

// ParseLine decodes one index line in format f.
func ParseLine(line string, f Format) (capture.Record, error) {
	if f == FormatLegacy {
		return ParseLegacyLine(line)
	}
	return ParseCDXJLine(line)
}

// FormatLine encodes rec in format f.
func FormatLine(rec capture.Record, f Format) (string, error) {
	if f == FormatLegacy {
		return FormatLegacyLine(rec), nil
	}
	return FormatCDXJLine(rec)
}

// Decode reads every record from r. Header and blank lines are skipped.
func Decode(r io.Reader, f Format) ([]capture.Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var out []capture.Record
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if isHeaderLine(line) {
			continue
		}
		rec, err := ParseLine(line, f)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Encode writes recs to w, one per line, preceded by the format's header.
func Encode(w io.Writer, recs []capture.Record, f Format) error {
	bw := bufio.NewWriter(w)
	if f == FormatLegacy {
		bw.WriteString(LegacyHeader + "\n")
	}
	for _, rec := range recs {
		line, err := FormatLine(rec, f)
		if err != nil {
			return err
		}
		bw.WriteString(line)
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func isHeaderLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed == "" || strings.HasPrefix(trimmed, "!") || strings.HasPrefix(line, " CDX ") || strings.HasPrefix(trimmed, "CDX ")
}

func orEmpty(s string) string {
	if s == "" {
		return capture.EmptyField
	}
	return s
}

func fromEmpty(s string) string {
	if s == capture.EmptyField {
		return ""
	}
	return s
}
