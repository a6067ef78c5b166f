// Package cli implements the allsky command line: the capture daemon plus the
// maintenance commands that run session tasks and manage calibration frames by hand.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"allsky/internal/capture"
	"allsky/internal/config"
	"allsky/internal/pipeline"
	"allsky/internal/storage"
	"allsky/internal/tasks"
)

// taskRunner runs one task to completion; *pipeline.Pipeline implements it.
type taskRunner interface {
	Run(ctx context.Context, task storage.TaskRecord) pipeline.Result
}

type storeOpener func(path string) (*storage.Store, error)

type runnerFactory func(cfg *config.Config, store *storage.Store, log *slog.Logger) taskRunner

type keogramFunc func(ctx context.Context, req tasks.KeogramRequest) (tasks.KeogramResult, error)

type timelapseFunc func(ctx context.Context, req tasks.TimelapseRequest) (tasks.TimelapseResult, error)

type toolChecker func(ctx context.Context, name string) tasks.ToolStatus

type daemonFunc func(ctx context.Context, root *Root) error

// Root carries the configuration and the injectable pieces every command uses.
type Root struct {
	cfg         *config.Config
	log         *slog.Logger
	now         func() time.Time
	openStore   storeOpener
	newRunner   runnerFactory
	keogramFn   keogramFunc
	timelapseFn timelapseFunc
	checkTool   toolChecker
	daemonFn    daemonFunc
}

// NewRoot wires the production implementations.
func NewRoot(cfg *config.Config, logger *slog.Logger) *Root {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{
		cfg:         cfg,
		log:         logger,
		now:         time.Now,
		openStore:   openStore,
		newRunner:   newPipelineRunner,
		keogramFn:   tasks.BuildKeogram,
		timelapseFn: tasks.BuildTimelapse,
		checkTool:   tasks.CheckTool,
		daemonFn:    runDaemon,
	}
}

func openStore(path string) (*storage.Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return storage.New(path)
}

func newPipelineRunner(cfg *config.Config, store *storage.Store, log *slog.Logger) taskRunner {
	return pipeline.New(pipeline.Options{Config: cfg, Store: store, Images: store, Log: log})
}

func (r *Root) store() (*storage.Store, error) {
	s, err := r.openStore(r.cfg.Paths.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", r.cfg.Paths.DatabasePath, err)
	}
	return s, nil
}

// runManual records a manual task and runs it in the foreground.
func (r *Root) runManual(ctx context.Context, queue storage.TaskQueue, action string, data map[string]any) (pipeline.Result, error) {
	store, err := r.store()
	if err != nil {
		return pipeline.Result{}, err
	}
	defer store.Close()

	id, err := store.AddTask(ctx, queue, action, data, storage.TaskManual)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("queue %s: %w", action, err)
	}
	// Read back so the data has the same shape the workers see.
	task, err := store.Task(ctx, id)
	if err != nil {
		return pipeline.Result{}, err
	}
	r.log.Info("Manual task", "id", id, "action", action)
	res := r.newRunner(r.cfg, store, r.log).Run(ctx, *task)
	return res, res.Error
}

func sessionFlags(camera int64, day string, daytime bool) (capture.Session, error) {
	if day == "" {
		return capture.Session{}, fmt.Errorf("--day is required without a directory")
	}
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return capture.Session{}, fmt.Errorf("invalid --day %q: %w", day, err)
	}
	return capture.Session{CameraID: camera, DayDate: day, Night: !daytime}, nil
}

func printMeta(w io.Writer, meta map[string]any) {
	for _, k := range []string{"output", "frames", "skipped", "width", "height", "size", "days", "rows", "files", "missing", "duration_ms"} {
		if v, ok := meta[k]; ok {
			fmt.Fprintf(w, "  %s: %v\n", k, v)
		}
	}
}
