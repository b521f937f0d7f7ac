package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/model"
)

type loggerKey struct{}

// NewLogger creates a zap.Logger configured for JSON output to stdout.
//
// Log level usage conventions:
//   - error: infrastructure failures (queue or store unreachable), panics, 5xx responses
//   - warn:  rejected submissions, firewall matches, step retries, dead-lettered messages
//   - info:  submissions, dispatches, workflow state transitions
//   - debug: queue polling and document details
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(level),
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return zapCfg.Build()
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in the context, or the provided
// fallback if none is found.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger returns a logger enriched with RequestContext fields.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := []zap.Field{
		zap.String("correlation_id", rctx.CorrelationID),
		zap.String("remote_addr", rctx.RemoteAddr),
	}
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	if rctx.Flagged() {
		fields = append(fields, zap.Strings("firewall_matches", rctx.FirewallMatches))
	}

	return logger.With(fields...)
}

// ExecutionLogger returns a logger tagged with the execution being processed.
func ExecutionLogger(logger *zap.Logger, exec *model.Execution) *zap.Logger {
	fields := []zap.Field{
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", exec.WorkflowID),
	}
	if exec.MessageID != "" {
		fields = append(fields, zap.String("message_id", exec.MessageID))
	}
	if exec.RequestID != "" {
		fields = append(fields, zap.String("request_id", exec.RequestID))
	}
	return logger.With(fields...)
}

var defaultSensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"authorization": true,
	"credit_card":   true,
}

// RedactDocument returns a copy of doc with sensitive fields replaced by
// "[REDACTED]". Intended for debug-level logging of workflow documents only.
func RedactDocument(doc map[string]any, sensitiveFields []string) map[string]any {
	if doc == nil {
		return nil
	}

	redact := make(map[string]bool, len(defaultSensitiveFields)+len(sensitiveFields))
	for k := range defaultSensitiveFields {
		redact[k] = true
	}
	for _, f := range sensitiveFields {
		redact[f] = true
	}
	return redactMap(doc, redact)
}

func redactMap(in map[string]any, redact map[string]bool) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			if redact[k] {
				out[k] = "[REDACTED]"
			} else {
				out[k] = redactMap(t, redact)
			}
		default:
			if redact[k] {
				out[k] = "[REDACTED]"
			} else {
				out[k] = v
			}
		}
	}
	return out
}
