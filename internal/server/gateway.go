package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/timegate/internal/capture"
	"github.com/mohammad-safakhou/timegate/internal/cdx"
	"github.com/mohammad-safakhou/timegate/internal/helpers"
	"github.com/mohammad-safakhou/timegate/internal/replay"
	"github.com/mohammad-safakhou/timegate/internal/resource/remote"
)

// doNotNegotiate marks responses that are not mementos.
const doNotNegotiate = `<http://mementoweb.org/terms/donotnegotiate>; rel="type"`

// Resolver is the part of the replay engine the gateway needs.
type Resolver interface {
	Resolve(ctx context.Context, req replay.Request) (*replay.Result, error)
}

// GatewayHandler serves replay, timemap and timegate requests.
type GatewayHandler struct {
	Engine     Resolver
	Index      cdx.Index
	Exclusions replay.Exclusions
	Links      replay.MementoLinks
	// SourceHeader names the container file of the payload; empty disables it.
	SourceHeader string
	Logger       *log.Logger

	now func() time.Time
}

func (h *GatewayHandler) Register(e *echo.Echo) {
	if h.now == nil {
		h.now = time.Now
	}
	for _, m := range []string{http.MethodGet, http.MethodHead} {
		e.Add(m, route(h.Links.Replay), h.replay)
		e.Add(m, route(h.Links.Timemap), h.timemap)
		e.Add(m, route(h.Links.Timegate), h.timegate)
	}
}

func route(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/*"
}

func (h *GatewayHandler) replay(c echo.Context) error {
	ts, target, err := archivalTarget(c.Request().URL, h.Links.Replay)
	if err != nil {
		return err
	}
	res, err := h.Engine.Resolve(c.Request().Context(), replay.Request{URL: target, Timestamp: ts})
	if err != nil {
		return err
	}
	defer res.Close()
	h.Logger.Debug("replay", "url", target, "capture", res.Capture.Timestamp,
		"retries", res.Retries, "session", res.SessionID)

	hdr := c.Response().Header()
	hdr.Set(echo.HeaderXRequestID, res.SessionID)
	if res.Live {
		return c.Redirect(http.StatusFound, res.Header.Header.Get("Location"))
	}

	hdr.Set("Memento-Datetime", res.MementoDatetime())
	hdr.Set("Link", res.Link(h.Links))
	if h.SourceHeader != "" && res.Source != "" {
		hdr.Set(h.SourceHeader, res.Source)
	}

	rec := res.Header
	for _, f := range rec.Header {
		hdr.Add(remote.OrigHeaderPrefix+f.Name, f.Value)
	}
	status := rec.Status
	if status == 0 {
		status = http.StatusOK
	}
	if loc := rec.Header.Get("Location"); loc != "" && status >= 300 && status < 400 {
		hdr.Set(echo.HeaderLocation, h.archivalLocation(res.Capture, loc))
	}
	if enc := rec.Header.Get("Content-Encoding"); enc != "" {
		hdr.Set(echo.HeaderContentEncoding, enc)
	}

	ct := contentType(res)
	if c.Request().Method == http.MethodHead {
		hdr.Set(echo.HeaderContentType, ct)
		return c.NoContent(status)
	}
	return c.Stream(status, ct, res.Body())
}

func contentType(res *replay.Result) string {
	if res.Header.ContentType != "" {
		return res.Header.ContentType
	}
	if res.Payload != nil && res.Payload.ContentType != "" {
		return res.Payload.ContentType
	}
	if m := res.Capture.MimeType; m != "" && m != capture.EmptyField && m != capture.MimeRevisit {
		return m
	}
	return echo.MIMEOctetStream
}

// archivalLocation rewrites an archived redirect target into a replay URL
// at the capture's timestamp.
func (h *GatewayHandler) archivalLocation(c capture.Record, loc string) string {
	base, err := url.Parse(c.OriginalURL)
	if err != nil {
		return loc
	}
	u, err := base.Parse(loc)
	if err != nil {
		return loc
	}
	return h.Links.Replay + c.Timestamp + "/" + u.String()
}

func (h *GatewayHandler) timemap(c echo.Context) error {
	target, err := trailingURL(c.Request().URL, h.Links.Timemap)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.checkAccess(c, target); err != nil {
		return err
	}
	recs, err := h.Index.List(ctx, cdx.ListRequest{URL: target})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("%w: %s", replay.ErrNotInArchive, target)
	}
	return c.Blob(http.StatusOK, "application/link-format", []byte(h.linkFormat(target, recs)))
}

// linkFormat renders a timemap in chronological order.
func (h *GatewayHandler) linkFormat(target string, recs []capture.Record) string {
	sorted := make([]capture.Record, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return capture.PadTimestamp(sorted[i].Timestamp) < capture.PadTimestamp(sorted[j].Timestamp)
	})
	first, last := sorted[0], sorted[len(sorted)-1]

	var b strings.Builder
	fmt.Fprintf(&b, "<%s>; rel=\"original\",\n", target)
	fmt.Fprintf(&b, "<%s%s>; rel=\"self\"; type=\"application/link-format\"; from=\"%s\"; until=\"%s\",\n",
		h.Links.Timemap, target, httpDate(first.Timestamp), httpDate(last.Timestamp))
	fmt.Fprintf(&b, "<%s%s>; rel=\"timegate\"", h.Links.Timegate, target)
	for i, r := range sorted {
		rel := "memento"
		switch {
		case len(sorted) == 1:
			rel = "first last memento"
		case i == 0:
			rel = "first memento"
		case i == len(sorted)-1:
			rel = "last memento"
		}
		fmt.Fprintf(&b, ",\n<%s%s/%s>; rel=\"%s\"; datetime=\"%s\"",
			h.Links.Replay, r.Timestamp, r.OriginalURL, rel, httpDate(r.Timestamp))
	}
	b.WriteString("\n")
	return b.String()
}

func (h *GatewayHandler) timegate(c echo.Context) error {
	target, err := trailingURL(c.Request().URL, h.Links.Timegate)
	if err != nil {
		return err
	}
	ts := capture.FormatTimestamp(h.now())
	if ad := c.Request().Header.Get("Accept-Datetime"); ad != "" {
		t, err := http.ParseTime(ad)
		if err != nil {
			return fmt.Errorf("%w: Accept-Datetime %q", replay.ErrBadQuery, ad)
		}
		ts = capture.FormatTimestamp(t)
	}
	if err := h.checkAccess(c, target); err != nil {
		return err
	}
	recs, err := h.Index.Resolve(c.Request().Context(), cdx.ResolveRequest{URL: target, Timestamp: ts})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("%w: %s", replay.ErrNotInArchive, target)
	}
	capture.SortClosest(recs, ts)
	best := recs[0]

	hdr := c.Response().Header()
	hdr.Set(echo.HeaderVary, "accept-datetime")
	hdr.Set("Link", fmt.Sprintf(`<%s>; rel="original", <%s%s>; rel="timemap"; type="application/link-format"`,
		target, h.Links.Timemap, target))
	return c.Redirect(http.StatusFound, h.Links.Replay+best.Timestamp+"/"+best.OriginalURL)
}

func (h *GatewayHandler) checkAccess(c echo.Context, target string) error {
	if h.Exclusions == nil {
		return nil
	}
	blocked, err := h.Exclusions.Blocked(c.Request().Context(), target)
	if err != nil {
		return err
	}
	if blocked {
		return &replay.CaptureError{Kind: replay.ErrAccessBlocked, URL: target}
	}
	return nil
}

// archivalTarget splits "<prefix><timestamp>[mod_]/<url>" into its parts.
// A missing timestamp means now; a missing scheme means http.
func archivalTarget(u *url.URL, prefix string) (ts, target string, err error) {
	p := strings.TrimPrefix(u.Path, strings.TrimSuffix(prefix, "/"))
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	if ts, orig, ok := helpers.ParseArchivalURL(p); ok {
		return ts, orig, nil
	}
	p = strings.TrimPrefix(p, "/")
	head, rest, found := strings.Cut(p, "/")
	head = strings.TrimRight(head, "abcdefghijklmnopqrstuvwxyz_")
	if found && head != "" && strings.Trim(head, "0123456789") == "" {
		ts, p = head, rest
	}
	if p == "" {
		return "", "", fmt.Errorf("%w: expected %s<timestamp>/<url>", replay.ErrBadQuery, prefix)
	}
	return ts, withScheme(p), nil
}

// trailingURL returns the URL that follows prefix in the request path.
func trailingURL(u *url.URL, prefix string) (string, error) {
	p := strings.TrimPrefix(strings.TrimPrefix(u.Path, strings.TrimSuffix(prefix, "/")), "/")
	if p == "" {
		return "", fmt.Errorf("%w: expected %s<url>", replay.ErrBadQuery, prefix)
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return withScheme(p), nil
}

func withScheme(s string) string {
	if i := strings.Index(s, ":/"); i > 0 && !strings.ContainsAny(s[:i], "/?") {
		if !strings.HasPrefix(s[i:], "://") {
			return s[:i] + "://" + s[i+2:]
		}
		return s
	}
	return "http://" + s
}

func httpDate(ts string) string {
	t, err := capture.ParseTimestamp(ts)
	if err != nil {
		return ""
	}
	return t.UTC().Format(http.TimeFormat)
}

// noNegotiate marks static pass-through responses.
func noNegotiate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Add("Link", doNotNegotiate)
		return next(c)
	}
}
