// Package remote is a resource backend that fetches records from another
// loader over HTTP.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mohammad-safakhou/timegate/internal/resource"
	"github.com/mohammad-safakhou/timegate/internal/transport"
)

const (
	// OrigHeaderPrefix marks archived response headers re-emitted by a loader.
	OrigHeaderPrefix = "X-Archive-Orig-"
	// OrigStatusHeader carries the archived HTTP status.
	OrigStatusHeader = OrigHeaderPrefix + "Status"
	// HeaderOrderHeader lists the archived header names, one entry per
	// field, in archived order. http.Header only keeps order per name.
	HeaderOrderHeader = "X-Archive-Header-Order"
)

// HeaderOrder renders the order hint for h.
func HeaderOrder(h resource.Header) string {
	names := make([]string, len(h))
	for i, f := range h {
		names[i] = f.Name
	}
	return strings.Join(names, ", ")
}

// Store fetches records from "<base>/resource/<escaped ref>".
type Store struct {
	base   string
	client *transport.HTTPClient
	logger *log.Logger
	token  string
}

// Option configures a Store.
type Option func(*Store)

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(s *Store) { s.token = token }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New builds a store for the loader at endpoint.
func New(endpoint string, opts ...Option) (*Store, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("remote endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("remote endpoint %q must be an http(s) URL", endpoint)
	}
	s := &Store{
		base:   strings.TrimRight(endpoint, "/"),
		client: transport.NewStreamingClient(0, 100*time.Millisecond),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "REMOTE"})
	}
	return s, nil
}

// Factory returns a resource.Factory for http(s) specs.
func Factory(opts ...Option) resource.Factory {
	return func(spec string) (resource.Store, error) {
		return New(spec, opts...)
	}
}

// GetResource fetches ref. Any non-2xx answer, 404 included, is an error:
// a loader that cannot serve a reference the index pointed at is failing.
func (s *Store) GetResource(ctx context.Context, ref resource.Reference) (*resource.Record, error) {
	target := s.base + "/resource/" + url.PathEscape(ref.String())
	headers := map[string]string{}
	if s.token != "" {
		headers["Authorization"] = "Bearer " + s.token
	}
	resp, err := s.client.Get(ctx, target, headers)
	if err != nil {
		return nil, fmt.Errorf("remote %s: %w", s.base, err)
	}
	rec := Decode(resp)
	rec.SetCloser(resp.Body.Close)
	s.logger.Debug("fetched", "ref", ref.String(), "status", rec.Status)
	return rec, nil
}

// Decode rebuilds a record from a loader response.
func Decode(resp *http.Response) *resource.Record {
	rec := &resource.Record{
		ContentType: resp.Header.Get("Content-Type"),
		RecordType:  "response",
		Payload:     resp.Body,
	}
	if st, err := strconv.Atoi(resp.Header.Get(OrigStatusHeader)); err == nil {
		rec.Status = st
	}
	pending := make(map[string][]string)
	for k, vs := range resp.Header {
		if strings.HasPrefix(k, OrigHeaderPrefix) && k != OrigStatusHeader {
			pending[k[len(OrigHeaderPrefix):]] = append([]string(nil), vs...)
		}
	}
	// Replay the archived order when the loader sent it; whatever the hint
	// does not cover follows sorted by name.
	for _, name := range orderHint(resp.Header.Values(HeaderOrderHeader)) {
		key := http.CanonicalHeaderKey(name)
		if vs := pending[key]; len(vs) > 0 {
			rec.Header.Add(name, vs[0])
			pending[key] = vs[1:]
		}
	}
	keys := make([]string, 0, len(pending))
	for k, vs := range pending {
		if len(vs) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range pending[k] {
			rec.Header.Add(k, v)
		}
	}
	for _, link := range resp.Header.Values("Link") {
		if target, ok := originalLink(link); ok {
			rec.TargetURI = target
		}
	}
	return rec
}

func orderHint(values []string) []string {
	var names []string
	for _, v := range values {
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}
	return names
}

// originalLink extracts the target of a `<...>; rel="original"` link.
func originalLink(v string) (string, bool) {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "<") {
			continue
		}
		end := strings.IndexByte(part, '>')
		if end < 0 {
			continue
		}
		for _, param := range strings.Split(part[end+1:], ";") {
			param = strings.TrimSpace(param)
			if strings.EqualFold(param, `rel="original"`) || strings.EqualFold(param, "rel=original") {
				return part[1:end], true
			}
		}
	}
	return "", false
}
