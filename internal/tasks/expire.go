package tasks

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ImageExpirer deletes image rows older than a cutoff; *storage.Store implements it.
type ImageExpirer interface {
	ExpireImages(ctx context.Context, before time.Time) ([]string, error)
}

// ExpireResult counts what an expiry pass removed.
type ExpireResult struct {
	Rows    int
	Files   int
	Missing int
}

// ExpireData removes image rows and files older than days. days <= 0 keeps everything.
// Hour directories left empty are removed too.
func ExpireData(ctx context.Context, store ImageExpirer, days int, now time.Time, logger *slog.Logger) (ExpireResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var res ExpireResult
	if days <= 0 {
		return res, nil
	}
	cutoff := now.AddDate(0, 0, -days)
	names, err := store.ExpireImages(ctx, cutoff)
	if err != nil {
		return res, err
	}
	res.Rows = len(names)

	dirs := map[string]struct{}{}
	for _, name := range names {
		err := os.Remove(name)
		switch {
		case err == nil:
			res.Files++
			dirs[filepath.Dir(name)] = struct{}{}
		case errors.Is(err, os.ErrNotExist):
			res.Missing++
		default:
			logger.Warn("expired file not removed", "file", name, "error", err)
		}
	}
	for dir := range dirs {
		// os.Remove leaves non-empty directories alone.
		os.Remove(dir)
	}
	logger.Info("expired image data", "cutoff", cutoff.Format(time.RFC3339), "rows", res.Rows,
		"files", res.Files, "missing", res.Missing)
	return res, nil
}
