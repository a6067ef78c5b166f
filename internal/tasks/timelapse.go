package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"allsky/internal/fsutil"
)

// TimelapseRequest describes a timelapse job.
type TimelapseRequest struct {
	Files        []string
	Output       string
	Encoder      string // ffmpeg compatible binary
	Framerate    int
	Codec        string
	Bitrate      string
	VFScale      string // passed as -vf scale=<value>
	ExtraOptions string
	ScratchDir   string // parent of the symlink directory, os.TempDir when empty
	Log          *slog.Logger
}

// TimelapseResult captures output metadata.
type TimelapseResult struct {
	Output  string
	Frames  int
	Size    int64
	Elapsed time.Duration
}

// BuildTimelapse links the frames into a scratch directory as 00000.<ext>, 00001.<ext>
// and so on, then runs the encoder over that sequence. On failure any partial output is
// removed and the error wraps ErrTimelapse.
func BuildTimelapse(ctx context.Context, req TimelapseRequest) (TimelapseResult, error) {
	logger := req.Log
	if logger == nil {
		logger = slog.Default()
	}
	if req.Encoder == "" {
		req.Encoder = "ffmpeg"
	}
	if req.Framerate <= 0 {
		req.Framerate = 25
	}
	if out, err := filepath.Abs(req.Output); err == nil {
		req.Output = out
	}
	start := time.Now()
	res := TimelapseResult{Output: req.Output}

	raws, frames := fsutil.SeparateRawAndProcessed(req.Files)
	if len(raws) > 0 {
		logger.Warn("sensor frames left out of timelapse", "count", len(raws))
	}
	if len(frames) == 0 {
		return res, fmt.Errorf("%w: %s: %w", ErrTimelapse, req.Output, ErrNoFrames)
	}
	ext := strings.ToLower(filepath.Ext(frames[0]))

	scratch, err := os.MkdirTemp(req.ScratchDir, "allsky-timelapse-")
	if err != nil {
		return res, fmt.Errorf("%w: scratch dir: %v", ErrTimelapse, err)
	}
	defer os.RemoveAll(scratch)

	n := 0
	for _, f := range frames {
		if strings.ToLower(filepath.Ext(f)) != ext {
			logger.Warn("timelapse frame skipped", "file", f, "reason", "extension differs from "+ext)
			continue
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrTimelapse, err)
		}
		if err := os.Symlink(abs, filepath.Join(scratch, fmt.Sprintf("%05d%s", n, ext))); err != nil {
			return res, fmt.Errorf("%w: link frame: %v", ErrTimelapse, err)
		}
		n++
	}

	if err := os.MkdirAll(filepath.Dir(req.Output), 0o755); err != nil {
		return res, fmt.Errorf("%w: %v", ErrTimelapse, err)
	}

	args := encoderArgs(req, filepath.Join(scratch, "%05d"+ext))
	logger.Info("executing encoder", "encoder", req.Encoder, "args", args, "frames", n)

	cmd := exec.CommandContext(ctx, req.Encoder, args...)
	cmd.Dir = scratch
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(req.Output)
		logger.Error("encoder failed", "encoder", req.Encoder, "error", err, "output", string(output))
		return res, fmt.Errorf("%w: %s: %v", ErrTimelapse, req.Encoder, err)
	}

	stat, err := os.Stat(req.Output)
	if err != nil {
		return res, fmt.Errorf("%w: encoder produced no output: %v", ErrTimelapse, err)
	}
	if err := os.Chmod(req.Output, 0o644); err != nil {
		logger.Warn("failed to set timelapse mode", "file", req.Output, "error", err)
	}

	res.Frames = n
	res.Size = stat.Size()
	res.Elapsed = time.Since(start)
	logger.Info("timelapse written", "output", req.Output, "frames", n, "size", res.Size,
		"elapsed_ms", res.Elapsed.Milliseconds())
	return res, nil
}

func encoderArgs(req TimelapseRequest, pattern string) []string {
	args := []string{
		"-y",
		"-loglevel", "error",
		"-f", "image2",
		"-r", strconv.Itoa(req.Framerate),
		"-i", pattern,
	}
	if req.Codec != "" {
		args = append(args, "-vcodec", req.Codec)
	}
	if req.Bitrate != "" {
		args = append(args, "-b:v", req.Bitrate)
	}
	args = append(args, "-pix_fmt", "yuv420p", "-movflags", "+faststart")
	if req.VFScale != "" {
		args = append(args, "-vf", "scale="+req.VFScale)
	}
	args = append(args, strings.Fields(req.ExtraOptions)...)
	return append(args, req.Output)
}
