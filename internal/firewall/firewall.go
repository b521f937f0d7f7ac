// Package firewall screens gateway requests against a managed rule set. In
// count mode matches are only recorded; in block mode a match is rejected
// with 403 before the request reaches the gateway.
package firewall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/model"
)

// Modes.
const (
	ModeCount = "count"
	ModeBlock = "block"
)

// MatchHeader lists the matched rules on the response.
const MatchHeader = "X-Firewall-Match"

// Firewall is HTTP middleware evaluating a RuleSet per request.
type Firewall struct {
	rules   RuleSet
	mode    string
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates a firewall from configuration.
func New(cfg config.FirewallConfig, logger *zap.Logger, metrics *observability.Metrics) (*Firewall, error) {
	rs, err := LookupRuleSet(cfg.RuleSet)
	if err != nil {
		return nil, err
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeCount
	}
	if mode != ModeCount && mode != ModeBlock {
		return nil, fmt.Errorf("unknown firewall mode %q", mode)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Firewall{rules: rs, mode: mode, logger: logger, metrics: metrics}, nil
}

// Mode returns the configured mode.
func (f *Firewall) Mode() string { return f.mode }

// Middleware inspects each request. The body prefix it reads is replayed to
// the next handler.
func (f *Firewall) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target, err := f.target(r)
		if err != nil {
			f.logger.Warn("firewall could not read request body", zap.Error(err))
		}

		matches := f.rules.Evaluate(target)
		if len(matches) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
			rctx.FirewallRuleSet = f.rules.Name
			rctx.FirewallMatches = matches
		}
		for _, rule := range matches {
			f.metrics.RecordFirewallMatch(f.rules.Name, rule, f.mode)
		}
		w.Header().Set(MatchHeader, strings.Join(matches, ","))

		observability.RequestLogger(r.Context(), f.logger).Warn("firewall rule matched",
			zap.String("rule_set", f.rules.Name),
			zap.Strings("rules", matches),
			zap.String("action", f.mode),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)

		if f.mode == ModeBlock {
			writeForbidden(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *Firewall) target(r *http.Request) (Target, error) {
	t := Target{
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		UserAgent: r.UserAgent(),
		BodySize:  r.ContentLength,
	}
	if r.Body == nil || r.Body == http.NoBody {
		return t, nil
	}

	prefix, err := io.ReadAll(io.LimitReader(r.Body, maxInspectBytes+1))
	r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(prefix), r.Body), closer: r.Body}
	if err != nil {
		return t, err
	}
	if int64(len(prefix)) > t.BodySize {
		t.BodySize = int64(len(prefix))
	}
	if len(prefix) > maxInspectBytes {
		prefix = prefix[:maxInspectBytes]
	}
	t.Body = prefix
	return t, nil
}

type replayBody struct {
	io.Reader
	closer io.Closer
}

func (b *replayBody) Close() error { return b.closer.Close() }

func writeForbidden(w http.ResponseWriter, r *http.Request) {
	env := model.NewForbiddenError("Request blocked by firewall")
	env.TraceID = observability.TraceIDFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": env})
}
