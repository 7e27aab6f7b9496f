package replay

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mohammad-safakhou/timegate/internal/cdx"
	"github.com/mohammad-safakhou/timegate/internal/resource"
)

var (
	ErrBadQuery          = cdx.ErrBadQuery
	ErrIndexUnavailable  = cdx.ErrIndexUnavailable
	ErrAllBackendsFailed = resource.ErrAllBackendsFailed

	// ErrNotInArchive means the URL has no usable capture.
	ErrNotInArchive = errors.New("not in archive")
	// ErrResourceNotAvailable means a candidate's bytes could not be loaded.
	ErrResourceNotAvailable = errors.New("resource not available")
	// ErrAccessBlocked means an exclusion rule denies the URL.
	ErrAccessBlocked = errors.New("access blocked by exclusion policy")
	// ErrConfiguration marks an engine that cannot run as configured.
	ErrConfiguration = errors.New("configuration error")
)

// CaptureError ties a failure to the candidate that produced it.
// errors.Is matches both Kind and the underlying cause.
type CaptureError struct {
	Kind      error
	Timestamp string
	URL       string
	Err       error
}

func (e *CaptureError) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Timestamp != "" || e.URL != "" {
		msg += " /" + e.Timestamp + "/" + e.URL
	}
	return msg
}

func (e *CaptureError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

var kindNames = []struct {
	err  error
	name string
}{
	{ErrBadQuery, "BadQuery"},
	{ErrAccessBlocked, "AccessControlBlocked"},
	{ErrNotInArchive, "NotInArchive"},
	{ErrResourceNotAvailable, "ResourceNotAvailable"},
	{ErrIndexUnavailable, "IndexUnavailable"},
	{ErrAllBackendsFailed, "AllBackendsFailed"},
	{ErrConfiguration, "ConfigurationException"},
}

// KindName names the failure class of err for logs and diagnostic headers.
func KindName(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "InternalError"
}

const maxRuntimeErrorLen = 300

// RuntimeErrorHeader renders err as a single line of at most 300 bytes.
func RuntimeErrorHeader(err error) string {
	if err == nil {
		return ""
	}
	s := fmt.Sprintf("%s: %s", KindName(err), err.Error())
	s = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
	if len(s) > maxRuntimeErrorLen {
		s = s[:maxRuntimeErrorLen]
		for !utf8.ValidString(s) {
			s = s[:len(s)-1]
		}
	}
	return s
}
