// Package observability provides per-operation tracing context and
// health checks for the engine, generalized from the teacher's
// per-HTTP-request middleware down to a context-scoped helper any
// Storage API call can use, regardless of transport.
package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/vaultsync/internal/metrics"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	traceIDKey   contextKey = "trace_id"
)

// WithTrace attaches a request id and trace id to ctx, generating new
// ones if the caller doesn't already have them (e.g. propagated from an
// upstream RPC).
func WithTrace(ctx context.Context, requestID, traceID string) context.Context {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	ctx = context.WithValue(ctx, traceIDKey, traceID)
	return ctx
}

// RequestID extracts the request id from ctx, if present.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// TraceID extracts the trace id from ctx, if present.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// LoggerWithTrace returns logger enriched with the request/trace ids
// carried on ctx, for use at the top of any operation handler.
func LoggerWithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	return logger.With().
		Str("request_id", RequestID(ctx)).
		Str("trace_id", TraceID(ctx)).
		Logger()
}

// TraceOperation wraps a Storage API call: it logs start/completion,
// records metrics.RecordOperation, and returns fn's error unchanged. bytes
// is the plaintext size the call processed, for OperationBytes; pass 0 if
// not meaningful for the operation.
func TraceOperation(ctx context.Context, m *metrics.Metrics, logger zerolog.Logger, operation string, bytes int64, fn func() error) error {
	log := LoggerWithTrace(ctx, logger)
	start := time.Now()

	log.Debug().Str("operation", operation).Msg("operation started")
	err := fn()
	duration := time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
	}
	if m != nil {
		m.RecordOperation(operation, result, duration.Seconds(), bytes)
	}

	entry := log.Info()
	if err != nil {
		entry = log.Warn().Err(err)
	}
	entry.
		Str("operation", operation).
		Dur("duration", duration).
		Str("result", result).
		Msg("operation completed")

	return err
}
