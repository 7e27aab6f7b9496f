package replay

import (
	"context"
	"net/http"
	"strings"

	"github.com/mohammad-safakhou/timegate/internal/resource"
)

// LiveFallback answers requests the archive cannot serve. It returns
// resource.ErrNotFound when it declines.
type LiveFallback interface {
	TryLive(ctx context.Context, rawURL string) (*resource.Record, error)
}

// LiveRedirect sends the client to the live web under Prefix.
type LiveRedirect struct {
	Prefix string
}

func (l LiveRedirect) TryLive(ctx context.Context, rawURL string) (*resource.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Prefix == "" || !strings.HasPrefix(rawURL, "http") {
		return nil, resource.ErrNotFound
	}
	rec := &resource.Record{
		Status:      http.StatusFound,
		ContentType: "text/plain; charset=utf-8",
		TargetURI:   rawURL,
		RecordType:  "live",
		Payload:     strings.NewReader(""),
	}
	rec.Header.Add("Location", l.Prefix+rawURL)
	return rec, nil
}
