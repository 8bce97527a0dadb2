package vecvault

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/vecvault/model"
)

// Logger wraps slog.Logger with vecvault-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithRepo adds a repository field to the logger.
func (l *Logger) WithRepo(repo model.RepoID) *Logger {
	return &Logger{
		Logger: l.Logger.With("repo", repo),
	}
}

// LogPut logs a write operation.
func (l *Logger) LogPut(ctx context.Context, repo model.RepoID, batch model.BatchID, buffered bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "put failed",
			"repo", repo,
			"batch", batch,
			"error", err,
		)
	} else if buffered {
		l.WarnContext(ctx, "put buffered",
			"repo", repo,
			"batch", batch,
		)
	} else {
		l.DebugContext(ctx, "put committed",
			"repo", repo,
			"batch", batch,
		)
	}
}

// LogQuery logs a query operation.
func (l *Logger) LogQuery(ctx context.Context, repo model.RepoID, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query failed",
			"repo", repo,
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query completed",
			"repo", repo,
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogCompaction logs a compaction run.
func (l *Logger) LogCompaction(ctx context.Context, repo model.RepoID, report model.CompactionReport, err error) {
	switch {
	case err != nil && report.Deferred:
		l.InfoContext(ctx, "compaction deferred",
			"repo", repo,
		)
	case err != nil:
		l.ErrorContext(ctx, "compaction failed",
			"repo", repo,
			"error", err,
		)
	default:
		l.InfoContext(ctx, "compaction completed",
			"repo", repo,
			"segments_before", report.SegmentsBefore,
			"segments_after", report.SegmentsAfter,
			"resealed", report.Resealed,
		)
	}
}

// LogRotation logs a key rotation pass.
func (l *Logger) LogRotation(ctx context.Context, report model.RotationReport) {
	if len(report.Failed) > 0 {
		l.WarnContext(ctx, "key rotation completed with failures",
			"succeeded", len(report.Succeeded),
			"failed", len(report.Failed),
		)
	} else {
		l.InfoContext(ctx, "key rotation completed",
			"succeeded", len(report.Succeeded),
		)
	}
}

// LogVerification logs an audit chain verification.
func (l *Logger) LogVerification(ctx context.Context, repo model.RepoID, ok bool, firstBroken uint64) {
	if ok {
		l.DebugContext(ctx, "ledger verified",
			"repo", repo,
		)
	} else {
		l.ErrorContext(ctx, "ledger verification failed",
			"repo", repo,
			"first_broken", firstBroken,
		)
	}
}

// LogRestore logs a buffer snapshot restore.
func (l *Logger) LogRestore(ctx context.Context, restored int, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "buffer restore failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "buffer restore completed",
			"entries", restored,
			"took", took,
		)
	}
}
