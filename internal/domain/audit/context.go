package audit

import (
	"context"

	"github.com/google/uuid"
)

// RequestMeta describes the external request an audited action came from.
// Actions without it are system-initiated (sweeps, workers).
type RequestMeta struct {
	ActorID   uuid.UUID
	IPAddress string
	UserAgent string
	// Client is derived from the user agent, e.g. {"browser": "Firefox"}.
	Client map[string]string
}

type requestMetaKey struct{}

func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, m)
}

func RequestMetaFrom(ctx context.Context) (RequestMeta, bool) {
	m, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return m, ok
}

// SystemContext masks any request metadata in ctx so work started from a
// request, such as an on-demand sweep, is recorded as system-initiated.
func SystemContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, nil)
}
