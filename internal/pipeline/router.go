package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"allsky/internal/capture"
	"allsky/internal/config"
	"allsky/internal/processing"
	"allsky/internal/storage"
	"allsky/internal/tasks"
)

// router implements Processor and routes tasks to their concrete handlers.
type router struct {
	cfg         *config.Config
	log         *slog.Logger
	images      tasks.ImageExpirer
	now         func() time.Time
	keogramFn   keogramFunc
	timelapseFn timelapseFunc
}

type keogramFunc func(ctx context.Context, req tasks.KeogramRequest) (tasks.KeogramResult, error)

type timelapseFunc func(ctx context.Context, req tasks.TimelapseRequest) (tasks.TimelapseResult, error)

func newRouter(cfg *config.Config, images tasks.ImageExpirer, now func() time.Time, logger *slog.Logger) *router {
	return &router{
		cfg:         cfg,
		log:         logger,
		images:      images,
		now:         now,
		keogramFn:   tasks.BuildKeogram,
		timelapseFn: tasks.BuildTimelapse,
	}
}

func (r *router) Process(ctx context.Context, task storage.TaskRecord) Result {
	switch task.Action {
	case capture.ActionKeogram:
		return r.handleKeogram(ctx, task)
	case capture.ActionVideo:
		return r.handleTimelapse(ctx, task, "image", "allsky")
	case capture.ActionPanoramaVideo:
		return r.handleTimelapse(ctx, task, "panorama", "allsky-panorama")
	case capture.ActionExpire:
		return r.handleExpire(ctx, task)
	default:
		return Result{Task: task, Error: fmt.Errorf("unknown task action: %s", task.Action)}
	}
}

// session decodes the task data written by the scheduler. JSON numbers arrive as float64.
func session(data map[string]any) (capture.Session, error) {
	var s capture.Session
	id, ok := number(data["camera_id"])
	if !ok {
		return s, fmt.Errorf("task data has no camera_id")
	}
	s.CameraID = int64(id)
	day, _ := data["day_date"].(string)
	if day == "" {
		return s, fmt.Errorf("task data has no day_date")
	}
	s.DayDate = day
	s.Night, _ = data["night"].(bool)
	return s, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func modeName(night bool) string {
	if night {
		return "night"
	}
	return "day"
}

func (r *router) sessionDir(s capture.Session) string {
	return processing.SessionDir(r.cfg.Paths.ImageDir, s.CameraID, s.DayDate, s.Night)
}

func (r *router) handleKeogram(ctx context.Context, task storage.TaskRecord) Result {
	s, err := session(task.Data)
	if err != nil {
		return Result{Task: task, Error: err}
	}
	dir := r.sessionDir(s)
	files, err := tasks.CollectSessionFiles(dir, "image", 0)
	if err != nil {
		return Result{Task: task, Error: err}
	}
	k := r.cfg.Keogram
	out := filepath.Join(dir, fmt.Sprintf("allsky-keogram-ccd%d-%s-%s.%s", s.CameraID, s.DayDate, modeName(s.Night), r.cfg.Image.Format))
	res, err := r.keogramFn(ctx, tasks.KeogramRequest{
		Files:   files,
		Output:  out,
		Angle:   k.Angle,
		HScale:  k.HScale,
		VScale:  k.VScale,
		Quality: r.cfg.Image.Quality,
		Log:     r.log,
	})
	return Result{Task: task, Error: err, Meta: map[string]any{
		"output":  res.Output,
		"frames":  res.Frames,
		"skipped": res.Skipped,
		"width":   res.Width,
		"height":  res.Height,
	}}
}

func (r *router) handleTimelapse(ctx context.Context, task storage.TaskRecord, prefix, name string) Result {
	s, err := session(task.Data)
	if err != nil {
		return Result{Task: task, Error: err}
	}
	tl := r.cfg.Timelapse
	dir := r.sessionDir(s)
	files, err := tasks.CollectSessionFiles(dir, prefix, tl.SkipFrames)
	if err != nil {
		return Result{Task: task, Error: err}
	}
	out := filepath.Join(dir, fmt.Sprintf("%s-ccd%d-%s-%s.%s", name, s.CameraID, s.DayDate, modeName(s.Night), tl.Format))
	res, err := r.timelapseFn(ctx, tasks.TimelapseRequest{
		Files:        files,
		Output:       out,
		Encoder:      tl.Encoder,
		Framerate:    tl.Framerate,
		Codec:        tl.Codec,
		Bitrate:      tl.Bitrate,
		VFScale:      tl.VFScale,
		ExtraOptions: tl.ExtraOptions,
		ScratchDir:   r.cfg.Processing.TempDir,
		Log:          r.log,
	})
	return Result{Task: task, Error: err, Meta: map[string]any{
		"output": res.Output,
		"frames": res.Frames,
		"size":   res.Size,
	}}
}

func (r *router) handleExpire(ctx context.Context, task storage.TaskRecord) Result {
	if r.images == nil {
		return Result{Task: task, Error: storage.ErrNotInitialized}
	}
	days := r.cfg.Image.ExpireDays
	if v, ok := number(task.Data["days"]); ok {
		days = int(v)
	}
	res, err := tasks.ExpireData(ctx, r.images, days, r.now(), r.log)
	return Result{Task: task, Error: err, Meta: map[string]any{
		"days":    days,
		"rows":    res.Rows,
		"files":   res.Files,
		"missing": res.Missing,
	}}
}
