package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"
)

type ctxLoggerKey struct{}
type ctxAttrsKey struct{}

var (
	defaultLogger     *slog.Logger
	defaultLoggerOnce sync.Once
)

func baseLogger() *slog.Logger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = NewLogger(os.Stderr, "info", "text")
	})

	return defaultLogger
}

// NewLogger builds the root handler from the log.level / log.format settings.
func NewLogger(w io.Writer, level string, format string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

func WithAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(attrs) == 0 {
		return ctx
	}

	return context.WithValue(ctx, ctxAttrsKey{}, mergeAttrs(Attrs(ctx), attrs))
}

func WithTelemetry(ctx context.Context, traceID string, spanID string) context.Context {
	attrs := make([]slog.Attr, 0, 2)
	if traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if spanID != "" {
		attrs = append(attrs, slog.String("span_id", spanID))
	}

	return WithAttrs(ctx, attrs...)
}

// WithSpan copies the active span's identifiers into the log attributes.
func WithSpan(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}

	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ctx
	}
	return WithTelemetry(ctx, sc.TraceID().String(), sc.SpanID().String())
}

func Logger(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}

	return baseLogger()
}

func Attrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}

	attrs, ok := ctx.Value(ctxAttrsKey{}).([]slog.Attr)
	if !ok || len(attrs) == 0 {
		return nil
	}

	cloned := make([]slog.Attr, len(attrs))
	copy(cloned, attrs)
	return cloned
}

func Debug(ctx context.Context, msg string, attrs ...slog.Attr) {
	log(ctx, slog.LevelDebug, msg, attrs...)
}

func Info(ctx context.Context, msg string, attrs ...slog.Attr) {
	log(ctx, slog.LevelInfo, msg, attrs...)
}

func Warn(ctx context.Context, msg string, attrs ...slog.Attr) {
	log(ctx, slog.LevelWarn, msg, attrs...)
}

func Error(ctx context.Context, msg string, attrs ...slog.Attr) {
	log(ctx, slog.LevelError, msg, attrs...)
}

func log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	if ctx == nil {
		ctx = context.Background()
	}
	all := mergeAttrs(Attrs(ctx), attrs)
	Logger(ctx).LogAttrs(ctx, level, msg, all...)
}

func mergeAttrs(base []slog.Attr, extra []slog.Attr) []slog.Attr {
	if len(base) == 0 {
		cloned := make([]slog.Attr, len(extra))
		copy(cloned, extra)
		return cloned
	}
	if len(extra) == 0 {
		cloned := make([]slog.Attr, len(base))
		copy(cloned, base)
		return cloned
	}

	merged := make([]slog.Attr, 0, len(base)+len(extra))
	indexByKey := make(map[string]int, len(base)+len(extra))

	for _, attr := range base {
		merged = append(merged, attr)
		if attr.Key != "" {
			indexByKey[attr.Key] = len(merged) - 1
		}
	}

	for _, attr := range extra {
		if attr.Key != "" {
			if idx, ok := indexByKey[attr.Key]; ok {
				merged[idx] = attr
				continue
			}
		}

		merged = append(merged, attr)
		if attr.Key != "" {
			indexByKey[attr.Key] = len(merged) - 1
		}
	}

	return merged
}
