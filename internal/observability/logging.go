package observability

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/stagetrack/internal/config"
	"github.com/pitabwire/stagetrack/model"
)

type loggerKey struct{}

// NewLogger builds the service's JSON logger on stdout. An unparsable level
// falls back to info.
//
// Levels:
//   - error: store or broker failures, 5xx responses, ledger integrity alerts
//   - warn:  4xx responses, per-item move failures, dropped events
//   - info:  request summaries, batch results, stage configuration changes
//   - debug: individual item moves and cache activity
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	return newLogger(zapcore.Lock(os.Stdout), level), nil
}

func newLogger(out zapcore.WriteSyncer, level zapcore.Level) *zap.Logger {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), out, zap.NewAtomicLevelAt(level))
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
	)
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger carried by ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger scopes the context logger to the caller's organization,
// subject and correlation ID, plus the trace ID when one is active.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}
	return logger.With(requestFields(rctx)...)
}

func requestFields(rctx *model.RequestContext) []zap.Field {
	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("organization_id", rctx.OrganizationID),
		zap.String("subject_id", rctx.SubjectID),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return fields
}
