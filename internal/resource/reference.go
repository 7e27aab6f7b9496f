package resource

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrBadReference is returned when a reference string cannot be parsed.
var ErrBadReference = errors.New("bad resource reference")

// Reference locates a byte range inside one backend's namespace, e.g.
// "warcfile:IAH-20080430204825-00000-blackbook.warc.gz#2052".
// Path is stored decoded; Fragment is the byte offset.
type Reference struct {
	Scheme   string
	Path     string
	Fragment string
}

// ParseReference parses the canonical string form of a reference.
func ParseReference(raw string) (Reference, error) {
	idx := strings.IndexByte(raw, ':')
	if idx <= 0 {
		return Reference{}, fmt.Errorf("%w: missing scheme in %q", ErrBadReference, raw)
	}
	scheme := raw[:idx]
	for i, r := range scheme {
		isAlpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !isAlpha && (i == 0 || !strings.ContainsRune("0123456789+-.", r)) {
			return Reference{}, fmt.Errorf("%w: invalid scheme %q", ErrBadReference, scheme)
		}
	}
	rest := raw[idx+1:]
	var fragment string
	if hash := strings.IndexByte(rest, '#'); hash >= 0 {
		fragment = rest[hash+1:]
		rest = rest[:hash]
	}
	path, err := url.PathUnescape(rest)
	if err != nil {
		return Reference{}, fmt.Errorf("%w: %v", ErrBadReference, err)
	}
	if path == "" {
		return Reference{}, fmt.Errorf("%w: empty path in %q", ErrBadReference, raw)
	}
	return Reference{Scheme: scheme, Path: path, Fragment: fragment}, nil
}

// String returns the canonical form. ParseReference(r.String()) == r.
func (r Reference) String() string {
	if r.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString(r.Scheme)
	b.WriteByte(':')
	b.WriteString(escapePath(r.Path))
	if r.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(r.Fragment)
	}
	return b.String()
}

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool {
	return r.Scheme == "" && r.Path == ""
}

// Offset returns the fragment as a byte offset. An empty fragment is offset 0.
func (r Reference) Offset() (int64, error) {
	if r.Fragment == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(r.Fragment, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: offset %q", ErrBadReference, r.Fragment)
	}
	return n, nil
}

// ETag returns the entity tag for the reference: the hex SHA-1 of its string form.
func (r Reference) ETag() string {
	sum := sha1.Sum([]byte(r.String()))
	return hex.EncodeToString(sum[:])
}

func escapePath(p string) string {
	if !strings.ContainsAny(p, "%#") && !hasSpaceOrControl(p) {
		return p
	}
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '%' || c == '#' || c <= ' ' || c == 0x7f {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func hasSpaceOrControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] == 0x7f {
			return true
		}
	}
	return false
}
