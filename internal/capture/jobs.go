package capture

import (
	"context"

	"allsky/internal/storage"
)

// Post-session task actions.
const (
	ActionKeogram       = "generate_keogram"
	ActionVideo         = "generate_video"
	ActionPanoramaVideo = "generate_panorama_video"
	ActionUploadNight   = "upload_endofnight"
	ActionExpire        = "expire_data"
)

// TaskEnqueuer inserts rows into the task queue; *storage.Store implements it.
type TaskEnqueuer interface {
	AddTask(ctx context.Context, queue storage.TaskQueue, action string, data map[string]any, state storage.TaskState) (int64, error)
}

// Session identifies the frames of one camera, day date and day/night half.
type Session struct {
	CameraID int64
	DayDate  string
	Night    bool
}

// Data is the taskqueue payload for the session.
func (s Session) Data() map[string]any {
	return map[string]any{
		"camera_id": s.CameraID,
		"day_date":  s.DayDate,
		"night":     s.Night,
	}
}

// enqueueSession emits the jobs for a finished session. Failures are logged and the
// remaining jobs still go out.
func (s *Scheduler) enqueueSession(ctx context.Context, sess Session) {
	if s.tasks == nil {
		return
	}
	type job struct {
		queue  storage.TaskQueue
		action string
		data   map[string]any
	}
	var jobs []job
	tl := s.cfg.Timelapse
	if tl.Enabled {
		jobs = append(jobs,
			job{storage.QueueVideo, ActionKeogram, sess.Data()},
			job{storage.QueueVideo, ActionVideo, sess.Data()},
		)
		if tl.Panorama && s.cfg.Image.Panorama.Enabled {
			jobs = append(jobs, job{storage.QueueVideo, ActionPanoramaVideo, sess.Data()})
		}
	}
	if sess.Night && tl.UploadNight {
		jobs = append(jobs, job{storage.QueueUpload, ActionUploadNight, sess.Data()})
	}
	jobs = append(jobs, job{storage.QueueMain, ActionExpire, map[string]any{"days": s.cfg.Image.ExpireDays}})

	for _, j := range jobs {
		id, err := s.tasks.AddTask(ctx, j.queue, j.action, j.data, storage.TaskQueued)
		if err != nil {
			s.log.Error("Task not queued", "action", j.action, "day_date", sess.DayDate, "error", err)
			continue
		}
		s.log.Info("Task queued", "id", id, "queue", j.queue, "action", j.action, "day_date", sess.DayDate, "night", sess.Night)
	}
}
