package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/timegate/internal/capture"
	"github.com/mohammad-safakhou/timegate/internal/cdx"
	"github.com/mohammad-safakhou/timegate/internal/resource"
	"github.com/mohammad-safakhou/timegate/internal/resource/remote"
)

const resourcePrefix = "/resource/"

var preferenceApplied = []string{"original-content", "original-links", "original-headers"}

// LoaderHandler serves archived records by reference, or by URL and
// timestamp through the index.
type LoaderHandler struct {
	Store  resource.Store
	Index  cdx.Index
	Logger *log.Logger
}

func (h *LoaderHandler) Register(g *echo.Group) {
	g.GET("/*", h.get)
	g.HEAD("/*", h.get)
}

// get dispatches on the number of path segments:
//
//	/resource/{ref}
//	/resource/{uri}/{timestamp}
//	/resource/{baseUri}/{timestamp}/{uri}
func (h *LoaderHandler) get(c echo.Context) error {
	segs, err := resourceSegments(c.Request().URL)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	var ref resource.Reference
	switch len(segs) {
	case 1:
		ref, err = resource.ParseReference(segs[0])
	case 2:
		ref, err = h.lookup(c, segs[0], segs[1])
	case 3:
		var uri string
		uri, err = resolveRelative(segs[0], segs[2])
		if err == nil {
			ref, err = h.lookup(c, uri, segs[1])
		}
	default:
		return echo.NewHTTPError(http.StatusNotFound, "unknown resource path")
	}
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			return c.String(http.StatusNotFound, err.Error())
		}
		return err
	}

	tag := ref.ETag()
	c.Response().Header().Set("ETag", `"`+tag+`"`)
	if etagMatches(c.Request().Header.Get("If-None-Match"), tag) {
		return c.NoContent(http.StatusNotModified)
	}

	rec, err := h.Store.GetResource(ctx, ref)
	if err != nil {
		if errors.Is(err, resource.ErrNotFound) {
			return c.String(http.StatusNotFound, "resource not found: "+ref.String())
		}
		return err
	}
	defer rec.Close()
	return writeRecord(c, rec)
}

// lookup finds the reference of the response capture of uri nearest ts.
func (h *LoaderHandler) lookup(c echo.Context, uri, ts string) (resource.Reference, error) {
	if h.Index == nil {
		return resource.Reference{}, echo.NewHTTPError(http.StatusNotFound, "index lookups are not configured")
	}
	recs, err := h.Index.Resolve(c.Request().Context(), cdx.ResolveRequest{
		URL:        uri,
		Timestamp:  ts,
		RecordType: capture.TypeResponse,
		Limit:      1,
	})
	if err != nil {
		return resource.Reference{}, err
	}
	for _, r := range recs {
		if !r.Ref.IsZero() {
			return r.Ref, nil
		}
	}
	return resource.Reference{}, fmt.Errorf("%w: no capture of %s at %s", resource.ErrNotFound, uri, ts)
}

func writeRecord(c echo.Context, rec *resource.Record) error {
	hdr := c.Response().Header()
	if rec.TargetURI != "" {
		hdr.Set("Link", "<"+rec.TargetURI+`>; rel="original"`)
	}
	hdr.Set("Vary", "prefer")
	for _, p := range preferenceApplied {
		hdr.Add("Preference-Applied", p)
	}
	if rec.Status > 0 {
		hdr.Set(remote.OrigStatusHeader, strconv.Itoa(rec.Status))
	}
	for _, f := range rec.Header {
		hdr.Add(remote.OrigHeaderPrefix+f.Name, f.Value)
	}
	if len(rec.Header) > 0 {
		hdr.Set(remote.HeaderOrderHeader, remote.HeaderOrder(rec.Header))
	}

	ct := rec.ContentType
	if ct == "" {
		ct = echo.MIMEOctetStream
	}
	if c.Request().Method == http.MethodHead || rec.Payload == nil {
		hdr.Set(echo.HeaderContentType, ct)
		return c.NoContent(http.StatusOK)
	}
	return c.Stream(http.StatusOK, ct, rec.Payload)
}

// resourceSegments splits the escaped path after /resource/ into unescaped
// segments, so an encoded reference containing "/" stays one segment.
func resourceSegments(u *url.URL) ([]string, error) {
	p := u.EscapedPath()
	i := strings.Index(p, resourcePrefix)
	if i < 0 || len(p) == i+len(resourcePrefix) {
		return nil, errors.New("missing resource reference")
	}
	parts := strings.Split(p[i+len(resourcePrefix):], "/")
	out := make([]string, len(parts))
	for j, part := range parts {
		s, err := url.PathUnescape(part)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", j, err)
		}
		if s == "" {
			return nil, fmt.Errorf("segment %d is empty", j)
		}
		out[j] = s
	}
	return out, nil
}

func resolveRelative(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "bad base uri: "+err.Error())
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "bad uri: "+err.Error())
	}
	return b.ResolveReference(r).String(), nil
}

// etagMatches evaluates an If-None-Match header against tag. Weak
// comparison is used, as for GET.
func etagMatches(header, tag string) bool {
	if header == "" {
		return false
	}
	for _, part := range strings.Split(header, ",") {
		p := strings.TrimSpace(part)
		if p == "*" {
			return true
		}
		p = strings.Trim(strings.TrimPrefix(p, "W/"), `"`)
		if p != "" && p == tag {
			return true
		}
	}
	return false
}
