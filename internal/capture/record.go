// Package capture holds the index-side view of archived captures: the
// records an index returns for a URL and the selector that walks them.
package capture

import (
	"time"

	"github.com/mohammad-safakhou/timegate/internal/resource"
)

const (
	TypeResponse = "response"
	TypeRevisit  = "revisit"

	// MimeRevisit marks revisit rows in legacy CDX output.
	MimeRevisit = "warc/revisit"
	// EmptyField is the legacy marker for an absent value.
	EmptyField = "-"
)

// Record is one capture as reported by the index.
type Record struct {
	URLKey      string
	Timestamp   string
	OriginalURL string
	MimeType    string
	// Status is the archived HTTP status, 0 when unknown.
	Status   int
	Digest   string
	Redirect string
	Ref      resource.Reference
	Filename string
	Offset   int64
	Length   int64
	// RecordType is TypeResponse or TypeRevisit.
	RecordType string
	// DuplicateRef locates the original payload of a revisit, when known.
	DuplicateRef *resource.Reference
	// Closest is set on the candidate currently being attempted.
	Closest bool
	// Raw keeps the index line the record was decoded from.
	Raw string
}

// IsRevisit reports whether the record defers its payload to an earlier capture.
func (r *Record) IsRevisit() bool {
	return r.RecordType == TypeRevisit || r.MimeType == MimeRevisit
}

// IsLegacyRevisit reports an old-style revisit that has no container file
// of its own; both headers and payload come from the duplicate.
func (r *Record) IsLegacyRevisit() bool {
	return r.IsRevisit() && r.Ref.IsZero() && (r.Filename == "" || r.Filename == EmptyField)
}

// Time returns the capture time.
func (r *Record) Time() (time.Time, error) {
	return ParseTimestamp(r.Timestamp)
}

// Identity keys a candidate within one resolution.
func (r *Record) Identity() string {
	return r.Timestamp + "/" + r.OriginalURL + "#" + r.Ref.String()
}

// SearchResults is the ordered candidate list for one request.
type SearchResults struct {
	RequestedTimestamp string
	Records            []Record
}

func NewSearchResults(requested string, records []Record) *SearchResults {
	return &SearchResults{RequestedTimestamp: requested, Records: records}
}

func (s *SearchResults) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

// Closest returns the record currently flagged closest, or nil.
func (s *SearchResults) Closest() *Record {
	if s == nil {
		return nil
	}
	for i := range s.Records {
		if s.Records[i].Closest {
			return &s.Records[i]
		}
	}
	return nil
}
