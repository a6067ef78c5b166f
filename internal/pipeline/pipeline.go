// Package pipeline runs the post-session tasks the capture scheduler leaves in the
// taskqueue table: keograms, timelapse videos and data expiry.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"allsky/internal/config"
	"allsky/internal/logging"
	"allsky/internal/storage"
	"allsky/internal/tasks"
)

// TaskStore hands out queued tasks and records their outcome; *storage.Store implements it.
type TaskStore interface {
	ClaimTask(ctx context.Context, queues ...storage.TaskQueue) (*storage.TaskRecord, error)
	FinishTask(ctx context.Context, id int64, state storage.TaskState, result map[string]any) error
}

// Result captures the outcome of a task.
type Result struct {
	Task  storage.TaskRecord
	Error error
	Meta  map[string]any
}

// Processor executes a task and returns a Result.
type Processor interface {
	Process(ctx context.Context, task storage.TaskRecord) Result
}

// Options configures a Pipeline. Queues defaults to the video and main queues.
type Options struct {
	Config       *config.Config
	Store        TaskStore
	Images       tasks.ImageExpirer
	Queues       []storage.TaskQueue
	Concurrency  int
	PollInterval time.Duration
	Now          func() time.Time
	Log          *slog.Logger
}

// Pipeline polls the task queue with a fixed set of workers.
type Pipeline struct {
	processor Processor
	store     TaskStore
	queues    []storage.TaskQueue
	poll      time.Duration
	log       *slog.Logger
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline. Workers start with Start.
func New(opts Options) *Pipeline {
	logger := opts.Log
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	queues := opts.Queues
	if len(queues) == 0 {
		queues = []storage.TaskQueue{storage.QueueVideo, storage.QueueMain}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = time.Duration(cfg.Processing.PollInterval * float64(time.Second))
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		processor: newRouter(cfg, opts.Images, now, logger),
		store:     opts.Store,
		queues:    queues,
		poll:      poll,
		log:       logger,
		subs:      make(map[int]chan Result),
	}
}

// Start launches concurrency workers bound to ctx.
func (p *Pipeline) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		p.log.Info("task workers started", "workers", concurrency, "queues", p.queues, "poll", p.poll.String())
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		ran, err := p.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("task queue poll failed", "worker", id, "error", err)
		}
		if ran {
			timer.Reset(0)
		} else {
			timer.Reset(p.poll)
		}
	}
}

// RunOnce claims and runs one task. It reports whether a task was found.
func (p *Pipeline) RunOnce(ctx context.Context) (bool, error) {
	task, err := p.store.ClaimTask(ctx, p.queues...)
	if err != nil || task == nil {
		return false, err
	}
	p.Run(ctx, *task)
	return true, nil
}

// Run processes task, records the outcome and broadcasts it. The task need not have
// been claimed; manual tasks are passed straight in.
func (p *Pipeline) Run(ctx context.Context, task storage.TaskRecord) Result {
	start := time.Now()
	logging.LogTaskStart(p.log, task.Action, task.ID, task.Data)
	res := p.processor.Process(ctx, task)
	duration := time.Since(start)

	state := storage.TaskDone
	meta := res.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	if res.Error != nil {
		state = storage.TaskFailed
		meta["error"] = res.Error.Error()
		logging.LogTaskError(p.log, task.Action, task.ID, duration, res.Error)
	} else {
		logging.LogTaskComplete(p.log, task.Action, task.ID, duration, meta)
	}
	meta["duration_ms"] = duration.Milliseconds()

	// The result row is written even when ctx was cancelled mid-task.
	if err := p.store.FinishTask(context.WithoutCancel(ctx), task.ID, state, meta); err != nil {
		p.log.Error("task result not recorded", "id", task.ID, "error", err)
	}
	res.Task.State = state
	res.Meta = meta
	p.broadcast(res)
	return res
}

// Subscribe returns a channel for receiving task results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "task", res.Task.ID)
		}
	}
}
