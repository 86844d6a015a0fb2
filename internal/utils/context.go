package utils

import "context"

type requestMetaKey struct{}

// RequestMeta is per-request information carried into events and audit logs.
type RequestMeta struct {
	RequestID string
	UserAgent string
	IP        string
}

// WithRequestMeta stores m in ctx.
func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, m)
}

// RequestMetaFrom returns the request metadata stored in ctx, if any.
func RequestMetaFrom(ctx context.Context) (RequestMeta, bool) {
	m, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return m, ok
}

// RequestIDFrom returns the request id stored in ctx or "".
func RequestIDFrom(ctx context.Context) string {
	m, _ := RequestMetaFrom(ctx)
	return m.RequestID
}
