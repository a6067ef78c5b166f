package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"allsky/internal/imgproc"
)

// KeogramRequest describes a session keogram job.
type KeogramRequest struct {
	Files   []string
	Output  string
	Angle   float64
	HScale  int // percent, 100 keeps one pixel per frame
	VScale  int // percent of the slice height
	Quality int
	Log     *slog.Logger
}

// KeogramResult captures output metadata.
type KeogramResult struct {
	Output  string
	Frames  int
	Skipped int
	Width   int
	Height  int
	Elapsed time.Duration
}

// BuildKeogram rotates every frame by the keogram angle, takes its central column and
// joins the columns in file order. Unreadable frames are skipped; a frame whose slice
// differs in height or channels from the first aborts with ErrKeogramMismatch.
func BuildKeogram(ctx context.Context, req KeogramRequest) (KeogramResult, error) {
	logger := req.Log
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	res := KeogramResult{Output: req.Output}
	if len(req.Files) == 0 {
		return res, fmt.Errorf("keogram %s: %w", req.Output, ErrNoFrames)
	}

	var cols []*imgproc.Image
	for _, path := range req.Files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raw, err := imgproc.DecodeFile(path)
		if err != nil {
			logger.Warn("keogram frame skipped", "file", path, "error", err)
			res.Skipped++
			continue
		}
		col := imgproc.KeogramSlice(raw.Image(), req.Angle)
		if len(cols) > 0 {
			first := cols[0]
			if col.Height != first.Height || col.Channels != first.Channels || col.Bits != first.Bits {
				return res, fmt.Errorf("%w: %s slice is %dx%d, expected %dx%d", ErrKeogramMismatch,
					path, col.Height, col.Channels, first.Height, first.Channels)
			}
		}
		cols = append(cols, col)
	}
	if len(cols) == 0 {
		return res, fmt.Errorf("keogram %s: %w", req.Output, ErrNoFrames)
	}

	keo, err := imgproc.HStack(cols)
	if err != nil {
		return res, err
	}
	w, h := scaled(keo.Width, req.HScale), scaled(keo.Height, req.VScale)
	if w != keo.Width || h != keo.Height {
		keo = imgproc.Resize(keo, w, h)
	}
	if err := imgproc.WriteFile(req.Output, keo, req.Quality); err != nil {
		return res, fmt.Errorf("write keogram: %w", err)
	}

	res.Frames = len(cols)
	res.Width, res.Height = keo.Width, keo.Height
	res.Elapsed = time.Since(start)
	logger.Info("keogram written", "output", req.Output, "frames", res.Frames, "skipped", res.Skipped,
		"width", res.Width, "height", res.Height)
	return res, nil
}

func scaled(n, percent int) int {
	if percent <= 0 || percent == 100 {
		return n
	}
	v := n * percent / 100
	if v < 1 {
		return 1
	}
	return v
}
