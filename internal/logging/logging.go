package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"allsky/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops everything. Used by tests and dry runs.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Setup configures the process logger. With file output enabled a dated
// allsky-YYYY-MM-DD.log is appended to and allsky-current.log points at it.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}

		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("allsky-%s.log",
			time.Now().Format("2006-01-02")))

		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %v", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "allsky-current.log")
		_ = os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	out := io.MultiWriter(writers...)

	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = NewTraditionalHandler(out, level)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("allsky logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return logger, nil
}

// TraditionalHandler implements slog.Handler with "[LEVEL] message [k=v ...]" lines.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

// NewTraditionalHandler writes to w with standard log timestamp flags.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	parts := make([]string, 0, len(h.attrs)+r.NumAttrs())

	for _, a := range h.attrs {
		parts = append(parts, h.format(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, h.format(a))
		return true
	})

	if len(parts) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(parts, " "))
	}

	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return fmt.Sprintf("%s=%v", key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

func parseLevel(level string) slog.Level {
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

// LogTaskStart logs the beginning of a queued task.
func LogTaskStart(logger *slog.Logger, action string, taskID int64, data map[string]any) {
	logger.Info("task started",
		"action", action,
		"id", taskID,
		"data", data,
	)
}

// LogTaskComplete logs successful task completion.
func LogTaskComplete(logger *slog.Logger, action string, taskID int64, duration time.Duration, result map[string]any) {
	logger.Info("task completed successfully",
		"action", action,
		"id", taskID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", result,
	)
}

// LogTaskError logs task failures.
func LogTaskError(logger *slog.Logger, action string, taskID int64, duration time.Duration, err error) {
	logger.Error("task failed",
		"action", action,
		"id", taskID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogToolStatus logs external tool detection.
func LogToolStatus(logger *slog.Logger, tool string, available bool, path string, err error) {
	if available {
		logger.Debug("tool detected", "tool", tool, "path", path)
	} else {
		logger.Debug("tool not available", "tool", tool, "error", err)
	}
}

// LogStage logs one step of per-frame processing.
func LogStage(logger *slog.Logger, frame, stage string, elapsed time.Duration, details map[string]any) {
	logger.Debug("processing stage",
		"frame", frame,
		"stage", stage,
		"elapsed_ms", elapsed.Milliseconds(),
		"details", details,
	)
}
