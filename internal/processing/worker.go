package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"allsky/internal/camera"
	"allsky/internal/config"
	"allsky/internal/imgproc"
	"allsky/internal/mqtt"
	"allsky/internal/notify"
	"allsky/internal/state"
	"allsky/internal/storage"
)

// ImageRecorder stores finished image rows; *storage.Store implements it.
type ImageRecorder interface {
	AddImage(ctx context.Context, rec storage.ImageRecord) (int64, error)
}

// Event describes one finished frame to subscribers.
type Event struct {
	CameraID     int64     `json:"camera_id"`
	Filename     string    `json:"filename"`
	Latest       string    `json:"latest"`
	Panorama     string    `json:"panorama,omitempty"`
	DayDate      string    `json:"day_date"`
	Night        bool      `json:"night"`
	MoonMode     bool      `json:"moonmode"`
	Exposure     float64   `json:"exposure"`
	NextExposure float64   `json:"next_exposure"`
	ADU          float64   `json:"adu"`
	SQM          float64   `json:"sqm,omitempty"`
	Stars        int       `json:"stars"`
	Lines        int       `json:"lines"`
	Stacked      int       `json:"stacked"`
	Calibrated   bool      `json:"calibrated"`
	KeogramWidth int       `json:"keogram_width"`
	ElapsedMS    int64     `json:"elapsed_ms"`
	Time         time.Time `json:"time"`
}

// WorkerOptions wires a Worker. Images, Notifier and Publisher are optional.
type WorkerOptions struct {
	Config    *config.Config
	Shared    *state.Shared
	Images    ImageRecorder
	Notifier  notify.Notifier
	Publisher mqtt.Publisher
	Log       *slog.Logger
}

// Worker drains the image queue through a Processor and persists the results.
type Worker struct {
	proc      *Processor
	cfg       *config.Config
	shared    *state.Shared
	images    ImageRecorder
	notifier  notify.Notifier
	publisher mqtt.Publisher
	log       *slog.Logger

	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
	processed int
	failed    int
	last      *Event
}

// NewWorker returns a worker around proc.
func NewWorker(proc *Processor, opts WorkerOptions) *Worker {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{Logger: opts.Log}
	}
	if opts.Config == nil {
		opts.Config = proc.cfg
	}
	if opts.Shared == nil {
		opts.Shared = proc.shared
	}
	return &Worker{
		proc:      proc,
		cfg:       opts.Config,
		shared:    opts.Shared,
		images:    opts.Images,
		notifier:  opts.Notifier,
		publisher: opts.Publisher,
		log:       opts.Log,
		subs:      make(map[int]chan Event),
	}
}

// Run handles blobs in arrival order until ctx ends or in is closed.
func (w *Worker) Run(ctx context.Context, in <-chan camera.Blob) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case blob, ok := <-in:
			if !ok {
				return nil
			}
			if _, err := w.Handle(ctx, blob); err != nil && ctx.Err() == nil {
				w.log.Error("Frame dropped", "file", blob.Filename, "error", err)
			}
		}
	}
}

// Handle processes one blob, writes the outputs, records the image and feeds the
// measured ADU back into the shared exposure. The blob file is removed either way.
func (w *Worker) Handle(ctx context.Context, blob camera.Blob) (*Event, error) {
	defer os.Remove(blob.Filename)

	res, err := w.proc.Process(ctx, blob)
	if err != nil {
		w.mu.Lock()
		w.failed++
		w.mu.Unlock()
		if errors.Is(err, imgproc.ErrBadImage) {
			w.notify(ctx, notify.CategoryCamera, "bad_image", fmt.Sprintf("Unreadable image from camera: %v", err), time.Hour)
		}
		return nil, err
	}

	ev, err := w.save(ctx, res)
	if err != nil {
		w.notify(ctx, notify.CategoryStorage, "image_write", fmt.Sprintf("Failed to write image: %v", err), time.Hour)
		return nil, err
	}
	if errors.Is(res.KeogramErr, ErrKeogramMismatch) {
		w.notify(ctx, notify.CategoryMisc, "keogram_mismatch", "Keogram reset after a frame size change", 30*time.Minute)
	}

	ev.NextExposure = w.feedback(res.Frame)
	w.mu.Lock()
	w.processed++
	w.last = ev
	w.mu.Unlock()

	w.publish(ev)
	w.broadcast(*ev)
	return ev, nil
}

// ArchivePath is <image_dir>/ccd_<id>/<day_date>/<night|day>/<hour>/<prefix>-<timestamp>.<ext>.
func ArchivePath(imageDir string, f *Frame, prefix, ext string) string {
	local := f.ExpDate.Local()
	return filepath.Join(SessionDir(imageDir, f.CameraID, f.DayDate, f.Night), local.Format("15"),
		fmt.Sprintf("%s-%s.%s", prefix, local.Format("20060102150405"), ext))
}

// SessionDir holds every output of one camera, day date and night flag.
func SessionDir(imageDir string, cameraID int64, dayDate string, night bool) string {
	mode := "day"
	if night {
		mode = "night"
	}
	return filepath.Join(imageDir, fmt.Sprintf("ccd_%d", cameraID), dayDate, mode)
}

func (w *Worker) save(ctx context.Context, res *Result) (*Event, error) {
	f := res.Frame
	dir := w.cfg.Paths.ImageDir
	ext := w.cfg.Image.Format
	quality := w.cfg.Image.Quality

	archive := ArchivePath(dir, f, "image", ext)
	if err := imgproc.WriteFile(archive, res.Image, quality); err != nil {
		return nil, err
	}
	latest := filepath.Join(dir, "latest."+ext)
	if err := imgproc.WriteFile(latest, res.Image, quality); err != nil {
		return nil, err
	}

	ev := &Event{
		CameraID:     f.CameraID,
		Filename:     archive,
		Latest:       latest,
		DayDate:      f.DayDate,
		Night:        f.Night,
		MoonMode:     f.MoonMode,
		Exposure:     f.Exposure,
		ADU:          f.ADU,
		Stars:        len(f.Stars),
		Lines:        len(f.Lines),
		Stacked:      res.Stacked,
		Calibrated:   f.Calibrated,
		KeogramWidth: res.KeogramWidth,
		ElapsedMS:    res.Elapsed.Milliseconds(),
		Time:         f.ExpDate,
	}
	if f.HasSQM {
		ev.SQM = f.SQM
	}

	if res.Panorama != nil {
		pano := ArchivePath(dir, f, "panorama", ext)
		if err := imgproc.WriteFile(pano, res.Panorama, quality); err != nil {
			w.log.Warn("Panorama write failed", "file", pano, "error", err)
		} else {
			ev.Panorama = pano
			if err := imgproc.WriteFile(filepath.Join(dir, "panorama."+ext), res.Panorama, quality); err != nil {
				w.log.Warn("Latest panorama write failed", "error", err)
			}
		}
	}
	w.saveRealtimeKeogram(f, res.KeogramWidth)

	if w.images != nil {
		rec := storage.ImageRecord{
			CameraID:   f.CameraID,
			Kind:       storage.KindImage,
			Filename:   archive,
			DayDate:    f.DayDate,
			Night:      f.Night,
			MoonMode:   f.MoonMode,
			Exposure:   f.Exposure,
			Gain:       f.Gain,
			Bin:        f.Bin,
			Temp:       f.Temperature,
			ADU:        f.ADU,
			SQM:        ev.SQM,
			Stars:      ev.Stars,
			Lines:      ev.Lines,
			Stacked:    res.Stacked,
			Calibrated: f.Calibrated,
			Width:      res.Image.Width,
			Height:     res.Image.Height,
			CreatedAt:  f.ExpDate,
		}
		if _, err := w.images.AddImage(ctx, rec); err != nil {
			w.log.Warn("Image record not stored", "file", archive, "error", err)
		}
		if ev.Panorama != "" {
			rec.Kind = storage.KindPanorama
			rec.Filename = ev.Panorama
			rec.Width, rec.Height = res.Panorama.Width, res.Panorama.Height
			if _, err := w.images.AddImage(ctx, rec); err != nil {
				w.log.Warn("Panorama record not stored", "file", ev.Panorama, "error", err)
			}
		}
	}
	return ev, nil
}

// saveRealtimeKeogram writes the running keogram every keogram.save_interval frames.
func (w *Worker) saveRealtimeKeogram(f *Frame, width int) {
	k := w.proc.Keogram()
	every := w.cfg.Keogram.SaveInterval
	if k == nil || every <= 0 || width == 0 || width%every != 0 {
		return
	}
	im, err := k.Image()
	if err != nil {
		return
	}
	path := filepath.Join(SessionDir(w.cfg.Paths.ImageDir, f.CameraID, f.DayDate, f.Night), "keogram-realtime."+w.cfg.Image.Format)
	if err := imgproc.WriteFile(path, im, w.cfg.Image.Quality); err != nil {
		w.log.Warn("Realtime keogram write failed", "file", path, "error", err)
	}
}

// feedback stores the measured ADU and, with auto exposure on, the next exposure.
func (w *Worker) feedback(f *Frame) float64 {
	w.shared.SetADU(f.ADU)
	exp := w.shared.Exposure()
	if !w.cfg.Capture.AutoExposure || w.cfg.Capture.FocusMode {
		return exp.Current
	}
	lo := exp.MinDay
	if f.Night {
		lo = exp.MinNight
	}
	hi := exp.Max
	if hi <= 0 {
		hi = w.cfg.Camera.ExposureMax
	}
	if lo <= 0 {
		lo = w.cfg.Camera.ExposureMin
	}
	next := imgproc.NextExposure(f.Exposure, f.ADU, f.TargetADU, w.cfg.Capture.TargetADUDev, lo, hi)
	w.shared.SetCurrentExposure(next)
	return next
}

func (w *Worker) notify(ctx context.Context, category, id, msg string, expire time.Duration) {
	if err := w.notifier.Notify(ctx, category, id, msg, expire); err != nil {
		w.log.Warn("Notification failed", "id", id, "error", err)
	}
}

func (w *Worker) publish(ev *Event) {
	if w.publisher == nil {
		return
	}
	topic := mqtt.Topic(w.cfg.MQTT.BaseTopic, "image", "processed")
	if err := mqtt.PublishJSON(w.publisher, topic, byte(w.cfg.MQTT.QoS), false, ev); err != nil {
		w.log.Debug("Image event not published", "topic", topic, "error", err)
	}
}

// Stats reports counters and the most recent event.
func (w *Worker) Stats() (processed, failed int, last *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed, w.failed, w.last
}

// Subscribe returns a channel of finished-frame events and an unsubscribe function.
func (w *Worker) Subscribe() (<-chan Event, func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSubID
	w.nextSubID++
	ch := make(chan Event, 8)
	w.subs[id] = ch
	unsub := func() {
		w.mu.Lock()
		if c, ok := w.subs[id]; ok {
			close(c)
			delete(w.subs, id)
		}
		w.mu.Unlock()
	}
	return ch, unsub
}

func (w *Worker) broadcast(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, ch := range w.subs {
		select {
		case ch <- ev:
		default:
			w.log.Warn("event channel full", "subscriber", id, "file", ev.Filename)
		}
	}
}
