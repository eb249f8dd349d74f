package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type slogLogger struct {
	logger *slog.Logger
	ctx    context.Context
}

// New creates a Logger from configuration. The returned closer releases the
// log file when Output is "file" and is a no-op otherwise.
func New(cfg LogConfig) (Logger, io.Closer, error) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
	case "stderr":
		w = os.Stderr
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("log output is file but no file_path is set")
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w, closer = f, f
	default:
		return nil, nil, fmt.Errorf("unknown log output: %s", cfg.Output)
	}

	return NewWithWriter(w, cfg), closer, nil
}

// NewWithWriter creates a Logger that writes to w
func NewWithWriter(w io.Writer, cfg LogConfig) Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.IncludeCaller,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &slogLogger{logger: slog.New(handler), ctx: context.Background()}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, slog.String(f.Key, err.Error()))
			continue
		}
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

func (l *slogLogger) Debug(msg string, fields ...Field) {
	l.logger.DebugContext(l.ctx, msg, attrs(fields)...)
}

func (l *slogLogger) Info(msg string, fields ...Field) {
	l.logger.InfoContext(l.ctx, msg, attrs(fields)...)
}

func (l *slogLogger) Warn(msg string, fields ...Field) {
	l.logger.WarnContext(l.ctx, msg, attrs(fields)...)
}

func (l *slogLogger) Error(msg string, fields ...Field) {
	l.logger.ErrorContext(l.ctx, msg, attrs(fields)...)
}

func (l *slogLogger) WithFields(fields ...Field) Logger {
	return &slogLogger{logger: l.logger.With(attrs(fields)...), ctx: l.ctx}
}

func (l *slogLogger) WithContext(ctx context.Context) Logger {
	return &slogLogger{logger: l.logger, ctx: ctx}
}

func (l *slogLogger) LogNodeExecution(flowID string, nodeID string, event string, data map[string]interface{}) {
	l.logger.InfoContext(l.ctx, "node "+event,
		slog.String("flow_id", flowID),
		slog.String("node_id", nodeID),
		slog.String("event", event),
		slog.Any("data", data),
	)
}

func (l *slogLogger) LogSystemEvent(event string, data map[string]interface{}) {
	l.logger.InfoContext(l.ctx, event,
		slog.String("event", event),
		slog.Any("data", data),
	)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type nopLogger struct{}

// Nop returns a Logger that discards everything
func Nop() Logger {
	return nopLogger{}
}

func (nopLogger) Debug(string, ...Field)                                          {}
func (nopLogger) Info(string, ...Field)                                           {}
func (nopLogger) Warn(string, ...Field)                                           {}
func (nopLogger) Error(string, ...Field)                                          {}
func (n nopLogger) WithFields(...Field) Logger                                    { return n }
func (n nopLogger) WithContext(context.Context) Logger                            { return n }
func (nopLogger) LogNodeExecution(string, string, string, map[string]interface{}) {}
func (nopLogger) LogSystemEvent(string, map[string]interface{})                   {}
