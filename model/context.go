package model

import (
	"context"
	"fmt"
)

// RequestContext carries the per-request metadata collected by the gateway
// middleware chain. It is built once per request and safe for concurrent
// reads; FirewallMatches is only appended to by the firewall middleware
// before the handler runs.
type RequestContext struct {
	CorrelationID   string
	TraceID         string
	RemoteAddr      string
	Origin          string
	UserAgent       string
	FirewallRuleSet string
	FirewallMatches []string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	if rc.CorrelationID == "" {
		return fmt.Errorf("CorrelationID is required")
	}
	return nil
}

// Flagged reports whether the firewall matched any rule for this request.
func (rc *RequestContext) Flagged() bool {
	return len(rc.FirewallMatches) > 0
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
