// Package cdx talks to the capture index: it builds resolve and list
// queries, negotiates the wire encoding and decodes capture records.
package cdx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mohammad-safakhou/timegate/internal/capture"
	"github.com/mohammad-safakhou/timegate/internal/transport"
)

var (
	// ErrBadQuery marks malformed query parameters. Not retryable.
	ErrBadQuery = errors.New("bad index query")
	// ErrIndexUnavailable marks transport or server failures. Retryable.
	ErrIndexUnavailable = errors.New("index unavailable")
)

// Match types accepted by List.
const (
	MatchExact  = "exact"
	MatchPrefix = "prefix"
	MatchHost   = "host"
	MatchDomain = "domain"
)

// ResolveRequest asks for the captures of one URL closest to a timestamp.
type ResolveRequest struct {
	URL        string
	Timestamp  string
	RecordType string
	// Limit caps the result size; 0 means unbounded.
	Limit int
}

// ListRequest asks for every capture matching a URL.
type ListRequest struct {
	URL        string
	Date       string
	RecordType string
	MatchType  string
	Reverse    bool
	Limit      int
}

// Index is the contract the replay engine consumes.
type Index interface {
	Resolve(ctx context.Context, req ResolveRequest) ([]capture.Record, error)
	List(ctx context.Context, req ListRequest) ([]capture.Record, error)
}

// Client queries an index service over HTTP.
type Client struct {
	base   string
	format Format
	http   *transport.HTTPClient
	logger *log.Logger
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	format  Format
	timeout time.Duration
	retries int
	backoff time.Duration
	logger  *log.Logger
}

func WithFormat(f Format) Option { return func(c *clientConfig) { c.format = f } }

func WithTimeout(d time.Duration) Option { return func(c *clientConfig) { c.timeout = d } }

// WithRetries sets how many times transport and 5xx failures are retried.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *clientConfig) {
		c.retries = n
		c.backoff = backoff
	}
}

func WithLogger(l *log.Logger) Option { return func(c *clientConfig) { c.logger = l } }

// NewClient builds a client for the index at endpoint.
func NewClient(endpoint string, opts ...Option) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("index endpoint %q must be an http(s) URL", endpoint)
	}
	cfg := clientConfig{format: FormatCDXJ, timeout: 10 * time.Second, retries: 2, backoff: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "CDX"})
	}
	ensureMetrics()
	return &Client{
		base:   strings.TrimRight(endpoint, "/"),
		format: cfg.format,
		http:   transport.NewHTTPClient(cfg.timeout, cfg.retries, cfg.backoff),
		logger: cfg.logger,
	}, nil
}

// Resolve returns the captures of req.URL ordered closest first to req.Timestamp.
func (c *Client) Resolve(ctx context.Context, req ResolveRequest) ([]capture.Record, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	q := url.Values{}
	if req.RecordType != "" {
		q.Set("recordType", req.RecordType)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	target := c.base + "/resource/" + url.PathEscape(req.URL) + "/" + req.Timestamp
	recs, err := c.query(ctx, target, q)
	if err != nil {
		return nil, err
	}
	capture.SortClosest(recs, capture.PadTimestamp(req.Timestamp))
	return recs, nil
}

// List returns the captures matching req in index order.
func (c *Client) List(ctx context.Context, req ListRequest) ([]capture.Record, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	q := url.Values{}
	if req.Date != "" {
		q.Set("date", req.Date)
	}
	if req.RecordType != "" {
		q.Set("recordType", req.RecordType)
	}
	if req.MatchType != "" {
		q.Set("matchType", req.MatchType)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Reverse {
		q.Set("sort", "desc")
	}
	return c.query(ctx, c.base+"/resourcelist/"+url.PathEscape(req.URL), q)
}

func (c *Client) query(ctx context.Context, target string, q url.Values) ([]capture.Record, error) {
	if enc := q.Encode(); enc != "" {
		target += "?" + enc
	}
	start := time.Now()
	resp, err := c.http.Get(ctx, target, map[string]string{"Accept": c.format.MediaType()})
	if err != nil {
		var serr *transport.StatusError
		if errors.As(err, &serr) {
			switch {
			case serr.Code == http.StatusNotFound:
				indexQueries.WithLabelValues("empty").Inc()
				return nil, nil
			case serr.Code == http.StatusBadRequest:
				indexQueries.WithLabelValues("bad_query").Inc()
				return nil, fmt.Errorf("%w: %s", ErrBadQuery, serr.Body)
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		indexQueries.WithLabelValues("unavailable").Inc()
		c.logger.Warn("index query failed", "url", target, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()

	format := FormatForContentType(resp.Header.Get("Content-Type"), c.format)
	recs, err := Decode(resp.Body, format)
	if err != nil {
		indexQueries.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: decode %s response: %v", ErrIndexUnavailable, format, err)
	}
	indexQueries.WithLabelValues("ok").Inc()
	indexLatency.Observe(time.Since(start).Seconds())
	c.logger.Debug("index query", "url", target, "records", len(recs), "format", format)
	return recs, nil
}

func (r ResolveRequest) validate() error {
	if err := validURL(r.URL); err != nil {
		return err
	}
	if !capture.ValidTimestamp(r.Timestamp) {
		return fmt.Errorf("%w: timestamp %q", ErrBadQuery, r.Timestamp)
	}
	if r.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrBadQuery)
	}
	return validRecordType(r.RecordType)
}

func (r ListRequest) validate() error {
	if err := validURL(r.URL); err != nil {
		return err
	}
	if r.Date != "" && !validDateExpr(r.Date) {
		return fmt.Errorf("%w: date %q", ErrBadQuery, r.Date)
	}
	switch r.MatchType {
	case "", MatchExact, MatchPrefix, MatchHost, MatchDomain:
	default:
		return fmt.Errorf("%w: match type %q", ErrBadQuery, r.MatchType)
	}
	if r.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrBadQuery)
	}
	return validRecordType(r.RecordType)
}

func validURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: empty url", ErrBadQuery)
	}
	if strings.ContainsAny(raw, " \t\r\n") {
		return fmt.Errorf("%w: url contains whitespace", ErrBadQuery)
	}
	return nil
}

func validRecordType(t string) error {
	switch t {
	case "", capture.TypeResponse, capture.TypeRevisit, "resource", "request", "metadata":
		return nil
	}
	return fmt.Errorf("%w: record type %q", ErrBadQuery, t)
}

// validDateExpr accepts a timestamp prefix or a "from-to" range of them.
func validDateExpr(s string) bool {
	from, to, isRange := strings.Cut(s, "-")
	if !isRange {
		return capture.ValidTimestamp(s)
	}
	return (from == "" || capture.ValidTimestamp(from)) && (to == "" || capture.ValidTimestamp(to)) && from+to != ""
}
