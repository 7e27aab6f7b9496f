// Package replay turns a URL and a point in time into an archived response.
// The Engine walks index candidates closest first, resolves revisits to
// their original payload, skips captures that redirect back to the request
// and retries with a wider index query when the narrow one runs dry.
package replay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/timegate/internal/capture"
	"github.com/mohammad-safakhou/timegate/internal/cdx"
	"github.com/mohammad-safakhou/timegate/internal/helpers"
	"github.com/mohammad-safakhou/timegate/internal/resource"
)

// Policy bounds the resolution loop.
type Policy struct {
	// MaxRedirectAttempts is the number of failed fetches after which the
	// request fails.
	MaxRedirectAttempts int
	// TimestampSearch starts with a limited query around the timestamp and
	// widens to the full capture list when it runs out.
	TimestampSearch bool
	// NarrowLimit caps the timestamp-scoped query.
	NarrowLimit int
}

func DefaultPolicy() Policy {
	return Policy{MaxRedirectAttempts: 3, TimestampSearch: true, NarrowLimit: 10}
}

// Request names what to replay.
type Request struct {
	URL string
	// Timestamp is 1 to 14 digits; empty means now.
	Timestamp string
}

// Exclusions decides whether a URL may be replayed.
type Exclusions interface {
	Blocked(ctx context.Context, rawURL string) (bool, error)
}

// Engine resolves requests. It is safe for concurrent use; all per-request
// state lives in a Session.
type Engine struct {
	index      cdx.Index
	store      resource.Store
	policy     Policy
	exclusions Exclusions
	fallback   LiveFallback
	logger     *log.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

type Option func(*Engine)

func WithPolicy(p Policy) Option { return func(e *Engine) { e.policy = p } }

func WithExclusions(x Exclusions) Option { return func(e *Engine) { e.exclusions = x } }

// WithLiveFallback installs the handler tried when the archive cannot serve a request.
func WithLiveFallback(f LiveFallback) Option { return func(e *Engine) { e.fallback = f } }

func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

func NewEngine(index cdx.Index, store resource.Store, opts ...Option) (*Engine, error) {
	if index == nil {
		return nil, fmt.Errorf("%w: no capture index", ErrConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: no resource store", ErrConfiguration)
	}
	e := &Engine{
		index:  index,
		store:  store,
		policy: DefaultPolicy(),
		tracer: otel.Tracer("timegate/replay"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.policy.MaxRedirectAttempts < 1 {
		return nil, fmt.Errorf("%w: max redirect attempts must be positive", ErrConfiguration)
	}
	if e.policy.TimestampSearch && e.policy.NarrowLimit < 1 {
		return nil, fmt.Errorf("%w: narrow limit must be positive", ErrConfiguration)
	}
	if e.logger == nil {
		e.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "REPLAY"})
	}
	ensureMetrics()
	return e, nil
}

// Resolve runs one resolution. On success the caller owns the Result and
// must Close it.
func (e *Engine) Resolve(ctx context.Context, req Request) (*Result, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("%w: empty url", ErrBadQuery)
	}
	if req.Timestamp == "" {
		req.Timestamp = capture.FormatTimestamp(e.now())
	}
	if !capture.ValidTimestamp(req.Timestamp) {
		return nil, fmt.Errorf("%w: timestamp %q", ErrBadQuery, req.Timestamp)
	}

	ctx, span := e.tracer.Start(ctx, "replay.resolve", trace.WithAttributes(
		attribute.String("replay.url", req.URL),
		attribute.String("replay.timestamp", req.Timestamp),
	))
	defer span.End()

	res, err := e.resolve(ctx, req)
	resolutions.WithLabelValues(outcomeLabel(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindName(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("replay.capture", res.Capture.Timestamp),
		attribute.Int("replay.retries", res.Retries),
	)
	return res, nil
}

func (e *Engine) resolve(ctx context.Context, req Request) (*Result, error) {
	if e.exclusions != nil {
		blocked, err := e.exclusions.Blocked(ctx, req.URL)
		if err != nil {
			return nil, err
		}
		if blocked {
			e.logger.Info("access blocked", "url", req.URL)
			return nil, &CaptureError{Kind: ErrAccessBlocked, URL: req.URL}
		}
	}

	s := newSession(req, e.policy)
	recs, err := e.query(ctx, s)
	if err != nil {
		return nil, err
	}
	s.selector = capture.NewSelector(capture.NewSearchResults(req.Timestamp, recs))
	return e.run(ctx, s)
}

// query asks the index for candidates, limited while the session is narrow.
func (e *Engine) query(ctx context.Context, s *Session) ([]capture.Record, error) {
	r := cdx.ResolveRequest{URL: s.Request.URL, Timestamp: s.Request.Timestamp}
	if s.Narrow {
		r.Limit = e.policy.NarrowLimit
	}
	return e.index.Resolve(ctx, r)
}

// run drives the state machine until DONE or FAIL.
func (e *Engine) run(ctx context.Context, s *Session) (*Result, error) {
	state := StateSelect
	var failure error
	for {
		if err := ctx.Err(); err != nil {
			s.release()
			return nil, err
		}
		s.enter(state)
		switch state {
		case StateSelect:
			state = e.selectCandidate(s)
		case StateResolveRevisit:
			state = e.resolveRevisit(ctx, s)
		case StateSelfRedirectCheck:
			state = e.checkSelfRedirect(s)
		case StateFetch:
			state = e.fetch(ctx, s)
		case StateRetry:
			state, failure = e.retry(s)
		case StateWidenSearch:
			state, failure = e.widen(ctx, s)
		case StateDone:
			return e.done(s), nil
		case StateFail:
			s.release()
			return e.fail(ctx, s, failure)
		}
	}
}

func (e *Engine) selectCandidate(s *Session) State {
	for {
		rec, err := s.selector.Next()
		if errors.Is(err, capture.ErrNoMoreCaptures) {
			s.candidate = nil
			return StateWidenSearch
		}
		id := rec.Identity()
		if _, seen := s.tried[id]; seen {
			continue
		}
		s.tried[id] = struct{}{}
		s.candidate = rec
		if rec.IsRevisit() {
			return StateResolveRevisit
		}
		return StateSelfRedirectCheck
	}
}

func (e *Engine) resolveRevisit(ctx context.Context, s *Session) State {
	c := s.candidate
	dup := c.DuplicateRef
	if dup == nil {
		if s.Narrow && !s.Widened {
			// The original is outside the narrow window. Let the candidate
			// come around again once the search is widened.
			delete(s.tried, c.Identity())
			return StateWidenSearch
		}
		dup = e.payloadByDigest(s, c)
		if dup == nil {
			s.lastErr = e.captureErr(c, fmt.Errorf("missing original for revisit digest %q", c.Digest))
			return StateRetry
		}
	}
	if s.Skipped(*dup) {
		e.logger.Debug("skipping revisit of failed payload", "dup", dup.String(), "capture", c.Timestamp)
		return StateSelect
	}
	s.dup = dup

	if c.IsLegacyRevisit() {
		rec, err := e.store.GetResource(ctx, *dup)
		if err != nil {
			s.skip(*dup)
			s.lastErr = e.captureErr(c, err)
			return StateRetry
		}
		s.header, s.payload = rec, rec
		return StateSelfRedirectCheck
	}

	rec, err := e.store.GetResource(ctx, c.Ref)
	if err != nil {
		s.lastErr = e.captureErr(c, err)
		return StateRetry
	}
	s.header = rec
	return StateSelfRedirectCheck
}

// payloadByDigest finds a non-revisit capture in the current results with
// the revisit's digest.
func (e *Engine) payloadByDigest(s *Session, c *capture.Record) *resource.Reference {
	if c.Digest == "" || c.Digest == capture.EmptyField {
		return nil
	}
	results := s.Results()
	if results == nil {
		return nil
	}
	for i := range results.Records {
		r := &results.Records[i]
		if !r.IsRevisit() && r.Digest == c.Digest && !r.Ref.IsZero() {
			ref := r.Ref
			return &ref
		}
	}
	return nil
}

func (e *Engine) checkSelfRedirect(s *Session) State {
	c := s.candidate
	status, location := c.Status, c.Redirect
	if s.header.HasHTTPHeaders() {
		status, location = s.header.Status, s.header.Header.Get("Location")
	}
	if e.isSelfRedirect(s, status, location) {
		e.logger.Info("self-redirect: skipping", "capture", c.Timestamp+"/"+c.OriginalURL)
		selfRedirects.Inc()
		s.release()
		return StateSelect
	}
	return StateFetch
}

// isSelfRedirect reports whether following location from the candidate
// lands on the requested URL at or after the requested time.
func (e *Engine) isSelfRedirect(s *Session, status int, location string) bool {
	if status < 300 || status >= 400 || location == "" || location == capture.EmptyField {
		return false
	}
	target := location
	if base, err := url.Parse(s.candidate.OriginalURL); err == nil {
		if loc, err := url.Parse(location); err == nil {
			target = base.ResolveReference(loc).String()
		}
	}
	effective := s.Request.Timestamp
	if ts, orig, ok := helpers.ParseArchivalURL(target); ok {
		effective, target = ts, orig
	}
	if !helpers.SameURLKey(target, s.Request.URL) {
		return false
	}
	return capture.PadTimestamp(effective) >= capture.PadTimestamp(s.Request.Timestamp)
}

func (e *Engine) fetch(ctx context.Context, s *Session) State {
	c := s.candidate
	switch {
	case s.payload != nil:
	case s.dup != nil:
		rec, err := e.store.GetResource(ctx, *s.dup)
		if err != nil {
			s.skip(*s.dup)
			s.lastErr = e.captureErr(c, err)
			return StateRetry
		}
		s.payload = rec
	default:
		rec, err := e.store.GetResource(ctx, c.Ref)
		if err != nil {
			s.lastErr = e.captureErr(c, err)
			return StateRetry
		}
		s.header, s.payload = rec, rec
		// The index may not carry the redirect target; the record does.
		if e.isSelfRedirect(s, rec.Status, rec.Header.Get("Location")) {
			e.logger.Info("self-redirect: skipping", "capture", c.Timestamp+"/"+c.OriginalURL)
			selfRedirects.Inc()
			s.release()
			return StateSelect
		}
	}
	return StateDone
}

func (e *Engine) retry(s *Session) (State, error) {
	s.release()
	s.Attempts++
	retries.Inc()
	c := s.candidate
	e.logger.Warn(fmt.Sprintf("(%d)LOADFAIL-> %s", s.Attempts, s.lastErr))
	if s.Attempts >= s.MaxAttempts {
		e.logger.Info("LOADFAIL: too many retries", "limit", s.MaxAttempts, "capture", c.Timestamp+"/"+c.OriginalURL)
		return StateFail, s.lastErr
	}
	return StateSelect, nil
}

func (e *Engine) widen(ctx context.Context, s *Session) (State, error) {
	if !s.Narrow || s.Widened {
		if s.lastErr != nil {
			return StateFail, s.lastErr
		}
		return StateFail, &CaptureError{Kind: ErrNotInArchive, Timestamp: s.Request.Timestamp, URL: s.Request.URL}
	}
	s.Narrow, s.Widened = false, true
	widens.Inc()
	recs, err := e.query(ctx, s)
	if err != nil {
		return StateFail, err
	}
	e.logger.Debug("widened search", "url", s.Request.URL, "captures", len(recs))
	s.selector.SetResults(capture.NewSearchResults(s.Request.Timestamp, recs))
	return StateSelect, nil
}

func (e *Engine) done(s *Session) *Result {
	c := *s.candidate
	c.Closest = true
	res := &Result{
		SessionID:   s.ID,
		Capture:     c,
		Header:      s.header,
		Payload:     s.payload,
		Results:     s.Results(),
		Retries:     s.Attempts,
		Widened:     s.Widened,
		Source:      c.Ref.Path,
		Transitions: s.Transitions,
	}
	if s.dup != nil {
		res.Source = s.dup.Path
	}
	if res.Source == "" {
		res.Source = c.Filename
	}
	s.header, s.payload = nil, nil
	return res
}

// fail hands the request to the live fallback, if any, before giving up.
func (e *Engine) fail(ctx context.Context, s *Session, err error) (*Result, error) {
	if err == nil {
		err = &CaptureError{Kind: ErrNotInArchive, Timestamp: s.Request.Timestamp, URL: s.Request.URL}
	}
	if e.fallback != nil && (errors.Is(err, ErrNotInArchive) || errors.Is(err, ErrResourceNotAvailable)) {
		rec, ferr := e.fallback.TryLive(ctx, s.Request.URL)
		switch {
		case ferr == nil && rec != nil:
			return &Result{
				SessionID:   s.ID,
				Capture:     capture.Record{OriginalURL: s.Request.URL, Timestamp: s.Request.Timestamp},
				Header:      rec,
				Payload:     rec,
				Results:     s.Results(),
				Retries:     s.Attempts,
				Widened:     s.Widened,
				Live:        true,
				Transitions: s.Transitions,
			}, nil
		case ferr != nil && !errors.Is(ferr, resource.ErrNotFound):
			e.logger.Warn("live fallback failed", "url", s.Request.URL, "err", ferr)
		}
	}
	if errors.Is(err, ErrNotInArchive) {
		e.logger.Info("not in archive", "url", s.Request.URL, "timestamp", s.Request.Timestamp)
	}
	return nil, err
}

func (e *Engine) captureErr(c *capture.Record, cause error) error {
	return &CaptureError{Kind: ErrResourceNotAvailable, Timestamp: c.Timestamp, URL: c.OriginalURL, Err: cause}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return KindName(err)
}
