// Package capture runs the camera control loop. It follows day and night, pushes the
// matching camera settings on every transition, paces exposures against the image
// queue and queues the post-session jobs.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/maruel/interrupt"

	"allsky/internal/astro"
	"allsky/internal/camera"
	"allsky/internal/climate"
	"allsky/internal/config"
	"allsky/internal/notify"
	"allsky/internal/state"
	"allsky/internal/storage"
)

// ErrShutdown is returned by Step once the camera has been released.
var ErrShutdown = errors.New("capture shutting down")

const (
	defaultTick       = 50 * time.Millisecond
	readyPoll         = 50 * time.Millisecond
	shortExposureSlop = -1.0
)

// Command is a control message for the running scheduler.
type Command struct {
	Stop bool
	// SetTime moves the system clock by this many seconds.
	SetTime *int
}

// CameraRecorder stores the connected camera; *storage.Store implements it.
type CameraRecorder interface {
	UpsertCamera(ctx context.Context, rec storage.CameraRecord) (int64, error)
}

// SensorPoller refreshes the shared sensor arrays; *sensors.Poller implements it.
type SensorPoller interface {
	Poll(ctx context.Context) error
}

// Workarounder is implemented by drivers that need periodic nudging.
type Workarounder interface {
	Workaround(ctx context.Context) error
}

// Options wires a Scheduler. Only Config, Driver and Shared are required.
type Options struct {
	Config      *config.Config
	Driver      camera.Driver
	Shared      *state.Shared
	Tasks       TaskEnqueuer
	Cameras     CameraRecorder
	Notifier    notify.Notifier
	QueueDepth  func() int
	Commands    <-chan Command
	ClockSetter ClockSetter
	Sensors     SensorPoller
	Climate     climate.Controller
	Interrupted func() bool
	Now         func() time.Time
	Tick        time.Duration
	// FatalDelay overrides capture.startup_retry_delay.
	FatalDelay *time.Duration
	Log        *slog.Logger
}

// Status is a snapshot of the loop for the status server.
type Status struct {
	CameraID     int64         `json:"camera_id"`
	Night        bool          `json:"night"`
	MoonMode     bool          `json:"moonmode"`
	Awaiting     bool          `json:"awaiting_frame"`
	Exposure     float64       `json:"exposure"`
	NextFrame    time.Time     `json:"next_frame"`
	LastReady    time.Time     `json:"last_ready"`
	Heartbeat    time.Time     `json:"heartbeat"`
	Backpressure time.Duration `json:"backpressure"`
	Frames       int           `json:"frames"`
	DayDate      string        `json:"day_date"`
}

// Scheduler owns the camera. Run it from a single goroutine.
type Scheduler struct {
	cfg         *config.Config
	drv         camera.Driver
	shared      *state.Shared
	tasks       TaskEnqueuer
	cameras     CameraRecorder
	notifier    notify.Notifier
	queueDepth  func() int
	commands    <-chan Command
	setter      ClockSetter
	sensors     SensorPoller
	climate     climate.Controller
	interrupted func() bool
	now         func() time.Time
	tick        time.Duration
	fatalDelay  time.Duration
	log         *slog.Logger

	cameraID     int64
	modeKnown    bool
	night        bool
	moonmode     bool
	reconfigure  bool
	stopping     bool
	pendingTime  *int
	awaiting     bool
	forceReady   bool
	frameStart   time.Time
	requested    float64
	nextFrame    time.Time
	lastReady    time.Time
	lastWatchdog time.Time
	lastPeriodic time.Time
	heartbeat    time.Time
	backpressure time.Duration
	session      Session
	frames       int

	mu     sync.Mutex
	status Status
}

// New returns a scheduler; call Start (or Run) to connect.
func New(opts Options) *Scheduler {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{Logger: opts.Log}
	}
	if opts.QueueDepth == nil {
		opts.QueueDepth = func() int { return 0 }
	}
	if opts.Interrupted == nil {
		opts.Interrupted = interrupt.IsSet
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.Climate == nil {
		opts.Climate = climate.Null{}
	}
	delay := time.Duration(opts.Config.Capture.StartupRetryDelay * float64(time.Second))
	if opts.FatalDelay != nil {
		delay = *opts.FatalDelay
	}
	return &Scheduler{
		cfg:         opts.Config,
		drv:         opts.Driver,
		shared:      opts.Shared,
		tasks:       opts.Tasks,
		cameras:     opts.Cameras,
		notifier:    opts.Notifier,
		queueDepth:  opts.QueueDepth,
		commands:    opts.Commands,
		setter:      opts.ClockSetter,
		sensors:     opts.Sensors,
		climate:     opts.Climate,
		interrupted: opts.Interrupted,
		now:         opts.Now,
		tick:        opts.Tick,
		fatalDelay:  delay,
		log:         opts.Log,
	}
}

// Run connects, loops until shutdown and releases the camera. Startup failures are
// reported, held for the retry delay and returned so a supervisor can restart.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		s.notify(ctx, notify.CategoryCamera, "startup", fmt.Sprintf("Camera startup failed: %v", err), time.Hour)
		s.log.Error("Camera startup failed", "error", err, "retry_in", s.fatalDelay)
		select {
		case <-time.After(s.fatalDelay):
		case <-ctx.Done():
		}
		return err
	}

	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown(context.Background())
			return nil
		case <-t.C:
		}
		if err := s.Step(ctx); err != nil {
			if errors.Is(err, ErrShutdown) {
				return nil
			}
			s.log.Warn("Capture step failed", "error", err)
		}
	}
}

// Start connects to the camera server with retries, finds the camera and records it.
func (s *Scheduler) Start(ctx context.Context) error {
	c := s.cfg.Camera
	s.drv.SetServer(c.Host, c.Port)

	var lastErr error
	op := func() error {
		err := s.drv.ConnectServer(ctx)
		lastErr = err
		if err != nil && errors.Is(err, camera.ErrNoServer) {
			return err
		}
		// anything else is not worth retrying
		return nil
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     250 * time.Millisecond,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Clock:               backoff.SystemClock,
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, camera.ErrNoServer) {
			return err
		}
		return fmt.Errorf("%w: %v", camera.ErrNoServer, err)
	}
	if lastErr != nil {
		return lastErr
	}

	dev, err := s.drv.FindCCD(ctx, c.Name)
	if err != nil {
		return err
	}
	info, err := s.drv.Info(ctx)
	if err != nil {
		return fmt.Errorf("camera info: %w", err)
	}
	s.setExposureLimits(info)

	if s.cameras != nil {
		pos := s.shared.Position()
		id, err := s.cameras.UpsertCamera(ctx, storage.CameraRecord{
			Name:        dev.Name,
			Driver:      dev.Driver,
			Width:       info.Width,
			Height:      info.Height,
			Bayer:       info.CFA,
			BitDepth:    info.BitDepth,
			MinExposure: info.Exposure.Min,
			MaxExposure: info.Exposure.Max,
			MinGain:     int(info.Gain.Min),
			MaxGain:     int(info.Gain.Max),
			Latitude:    pos.Lat,
			Longitude:   pos.Lon,
			Elevation:   pos.Elev,
			ConnectedAt: s.now(),
		})
		if err != nil {
			return fmt.Errorf("record camera: %w", err)
		}
		s.cameraID = id
	}
	s.drv.SetCameraID(s.cameraID)
	if err := s.drv.SetFrameType(ctx, camera.FrameLight); err != nil {
		return fmt.Errorf("set frame type: %w", err)
	}

	now := s.now()
	s.lastReady = now
	s.lastWatchdog = now
	s.lastPeriodic = time.Time{}
	s.log.Info("Camera connected", "name", dev.Name, "driver", dev.Driver, "camera_id", s.cameraID,
		"width", info.Width, "height", info.Height, "cfa", info.CFA)
	return nil
}

// setExposureLimits narrows the configured limits to what the camera supports and
// seeds the current exposure.
func (s *Scheduler) setExposureLimits(info camera.Info) {
	c := s.cfg.Camera
	lo, hi := c.ExposureMin, c.ExposureMax
	if info.Exposure.Min > lo {
		lo = info.Exposure.Min
	}
	if info.Exposure.Max > 0 && info.Exposure.Max < hi {
		hi = info.Exposure.Max
	}
	day := c.ExposureDay
	if day < info.Exposure.Min {
		day = info.Exposure.Min
	}
	exp := s.shared.Exposure()
	exp.MinNight, exp.MinDay, exp.Max = lo, day, hi
	if exp.Current <= 0 {
		exp.Current = lo
	}
	s.shared.SetExposure(exp)
}

func (s *Scheduler) clock() astro.Clock {
	pos := s.shared.Position()
	return astro.Clock{
		Observer:      astro.Observer{Lat: pos.Lat, Lon: pos.Lon, Elev: pos.Elev},
		NightSunAlt:   s.cfg.Night.SunAltDeg,
		MoonModeAlt:   s.cfg.Night.MoonModeAltDeg,
		MoonModePhase: s.cfg.Night.MoonModePhase,
	}
}

// Step runs one pass of the loop. It returns ErrShutdown once the camera has been
// released after a stop request.
func (s *Scheduler) Step(ctx context.Context) error {
	s.drainCommands()
	if s.interrupted() || ctx.Err() != nil {
		s.stopping = true
	}
	now := s.now()
	s.refreshMode(ctx, now)
	s.watchdog(ctx, now)

	if s.forceReady {
		s.forceReady = false
	} else if !s.waitReady(ctx) && !s.stopping {
		s.publishStatus()
		return nil
	}
	now = s.now()
	s.lastReady = now
	if s.awaiting {
		s.frameArrived(ctx, now)
	}

	if s.stopping {
		s.shutdown(ctx)
		return ErrShutdown
	}
	if s.reconfigure {
		if err := s.pushMode(ctx); err != nil {
			s.publishStatus()
			return err
		}
		s.reconfigure = false
	}
	if now.Sub(s.lastPeriodic) >= s.periodicInterval() {
		s.periodic(ctx, now)
	}
	if s.pendingTime != nil {
		s.applyTime(ctx, now, *s.pendingTime)
		s.pendingTime = nil
		now = s.now()
		s.nextFrame = now
	}
	if s.cfg.Capture.DaytimeCapture || s.night || s.cfg.Capture.FocusMode {
		if !now.Before(s.nextFrame) {
			if err := s.expose(ctx, now); err != nil {
				s.publishStatus()
				return err
			}
		}
	}
	s.publishStatus()
	return nil
}

func (s *Scheduler) drainCommands() {
	for {
		select {
		case cmd, ok := <-s.commands:
			if !ok {
				s.commands = nil
				return
			}
			if cmd.Stop {
				s.stopping = true
			}
			if cmd.SetTime != nil {
				off := *cmd.SetTime
				s.pendingTime = &off
			}
		default:
			return
		}
	}
}

// refreshMode updates day/night state, marks a reconfigure on change and queues the
// jobs of the session that just ended.
func (s *Scheduler) refreshMode(ctx context.Context, now time.Time) {
	night, moonmode := s.clock().Detect(now)
	if !s.modeKnown {
		s.modeKnown = true
		s.night, s.moonmode = night, moonmode
		s.reconfigure = true
		s.shared.SetModeAt(night, moonmode, now)
		return
	}
	if night == s.night && (!night || moonmode == s.moonmode) {
		return
	}

	prevNight := s.night
	s.reconfigure = true
	if night != prevNight {
		ended := s.endedSession(now, prevNight)
		switch {
		case prevNight:
			s.log.Info("End of night", "day_date", ended.DayDate)
			s.enqueueSession(ctx, ended)
		case s.cfg.Capture.DaytimeTimelapse:
			s.log.Info("End of day", "day_date", ended.DayDate)
			s.enqueueSession(ctx, ended)
		}
		// stacking and exposure limits change with the mode; expose right away
		s.nextFrame = now
	} else {
		s.log.Info("Moon mode changed", "moonmode", moonmode)
	}
	s.night, s.moonmode = night, moonmode
	s.shared.SetModeAt(night, moonmode, now)
}

// endedSession prefers the session of the last requested frame.
func (s *Scheduler) endedSession(now time.Time, night bool) Session {
	if s.session.DayDate != "" && s.session.Night == night {
		return s.session
	}
	return Session{
		CameraID: s.cameraID,
		DayDate:  s.clock().DayDate(now.Add(-time.Minute)).Format("2006-01-02"),
		Night:    night,
	}
}

// watchdog aborts an exposure that has not completed for watchdog_timeout seconds. The
// camera is then taken as ready so the next exposure is requested without polling.
func (s *Scheduler) watchdog(ctx context.Context, now time.Time) {
	if now.Sub(s.lastWatchdog) < s.periodicInterval() {
		return
	}
	s.lastWatchdog = now
	limit := time.Duration(s.cfg.Capture.WatchdogTimeout * float64(time.Second))
	if limit <= 0 || now.Sub(s.lastReady) <= limit {
		return
	}
	s.log.Error("Camera not ready, aborting exposure", "since", s.lastReady, "timeout", limit)
	if err := s.drv.AbortExposure(ctx); err != nil {
		s.log.Warn("Abort failed", "error", err)
	}
	s.notify(ctx, notify.CategoryCamera, "watchdog", fmt.Sprintf("Camera hung for %s, exposure aborted", now.Sub(s.lastReady).Round(time.Second)), time.Hour)
	s.awaiting = false
	s.forceReady = true
	s.lastReady = now
	s.nextFrame = now
}

// waitReady polls the camera for up to capture.ready_timeout seconds.
func (s *Scheduler) waitReady(ctx context.Context) bool {
	deadline := time.Now().Add(time.Duration(s.cfg.Capture.ReadyTimeout * float64(time.Second)))
	for {
		ready, _, err := s.drv.ExposureStatus(ctx)
		if err == nil && ready {
			return true
		}
		if err != nil && !errors.Is(err, camera.ErrTimeout) {
			s.log.Debug("Exposure status failed", "error", err)
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(readyPoll):
		}
	}
}

func (s *Scheduler) frameArrived(ctx context.Context, now time.Time) {
	s.awaiting = false
	s.frames++
	elapsed := now.Sub(s.frameStart).Seconds()
	s.log.Debug("Exposure complete", "requested", s.requested, "elapsed", elapsed)
	if elapsed-s.requested < shortExposureSlop && !s.cfg.Camera.IgnoreExposureTiming {
		s.notify(ctx, notify.CategoryCamera, "exposure_short",
			fmt.Sprintf("Possible camera problem: %.2fs exposure completed in %.2fs", s.requested, elapsed), 30*time.Minute)
	}
}

// pushMode sends gain, binning and cooling for the current mode.
func (s *Scheduler) pushMode(ctx context.Context) error {
	mode := s.cfg.ModeFor(s.night, s.moonmode)
	bin := max(mode.Bin, 1)
	if err := s.drv.SetGain(ctx, mode.Gain); err != nil {
		return fmt.Errorf("set gain: %w", err)
	}
	if err := s.drv.SetBinning(ctx, bin); err != nil {
		return fmt.Errorf("set binning: %w", err)
	}
	s.shared.SetGainBin(mode.Gain, bin)

	cooling := s.night && s.cfg.Night.Cooling
	if err := s.drv.SetCooling(ctx, cooling, s.cfg.Camera.CoolingSetpoint); err != nil {
		s.log.Warn("Cooling change failed", "on", cooling, "error", err)
	}
	s.log.Info("Camera reconfigured", "night", s.night, "moonmode", s.moonmode, "gain", mode.Gain, "bin", bin, "cooling", cooling)
	return nil
}

func (s *Scheduler) periodicInterval() time.Duration {
	d := time.Duration(s.cfg.Capture.PeriodicInterval * float64(time.Second))
	if d <= 0 {
		d = 5 * time.Minute
	}
	return d
}

func (s *Scheduler) periodic(ctx context.Context, now time.Time) {
	s.lastPeriodic = now
	s.heartbeat = now
	if s.sensors != nil {
		if err := s.sensors.Poll(ctx); err != nil {
			s.log.Warn("Sensor refresh failed", "error", err)
		}
	}
	if err := s.climate.Update(ctx, climate.FromShared(s.shared, s.cfg.Climate)); err != nil {
		s.log.Warn("Climate update failed", "error", err)
	}
	if w, ok := s.drv.(Workarounder); ok {
		if err := w.Workaround(ctx); err != nil {
			s.log.Warn("Driver workaround failed", "error", err)
		}
	}
}

func (s *Scheduler) applyTime(ctx context.Context, now time.Time, offset int) {
	if s.setter == nil {
		s.log.Warn("Time correction ignored, no clock setter", "offset", offset)
		return
	}
	target := now.Add(time.Duration(offset) * time.Second)
	if err := s.setter.SetTime(ctx, target); err != nil {
		s.notify(ctx, notify.CategoryMisc, "settime", fmt.Sprintf("Failed to set system time: %v", err), time.Hour)
		return
	}
	s.log.Info("System time corrected", "offset", offset)
}

// expose starts the next exposure and schedules the one after it.
func (s *Scheduler) expose(ctx context.Context, now time.Time) error {
	q := s.queueDepth()
	period := s.cfg.ExposurePeriodFor(s.night)
	bp := Backpressure(q, s.backpressure, s.cfg.Capture, period)
	if bp > 0 && q >= s.cfg.Capture.QueueMax {
		s.notify(ctx, notify.CategoryQueue, "backpressure",
			fmt.Sprintf("Image queue has %d frames, delaying exposures by %s", q, bp.Round(time.Millisecond)), 15*time.Minute)
	}
	s.backpressure = bp
	s.shared.SetQueue(q, bp)

	exp := s.shared.Exposure()
	seconds := exp.Clamp(exp.Current, s.night)
	if err := s.drv.SetExposure(ctx, seconds, false); err != nil {
		if errors.Is(err, camera.ErrBusy) {
			s.awaiting = true
			return nil
		}
		return fmt.Errorf("start exposure: %w", err)
	}
	s.awaiting = true
	s.frameStart = now
	s.requested = seconds
	s.session = Session{CameraID: s.cameraID, DayDate: s.clock().DayDate(now).Format("2006-01-02"), Night: s.night}

	if s.cfg.Capture.FocusMode {
		s.nextFrame = now.Add(time.Duration(s.cfg.Capture.FocusDelay*float64(time.Second)) + bp)
	} else {
		s.nextFrame = now.Add(time.Duration(period*float64(time.Second)) + bp)
	}
	s.log.Debug("Exposure started", "exposure", seconds, "next", s.nextFrame, "queue", q, "backpressure", bp)
	return nil
}

// shutdown releases the camera; errors are logged only.
func (s *Scheduler) shutdown(ctx context.Context) {
	s.log.Info("Capture shutting down")
	if s.awaiting {
		if err := s.drv.AbortExposure(ctx); err != nil {
			s.log.Debug("Abort on shutdown failed", "error", err)
		}
		s.awaiting = false
	}
	if err := s.drv.SetCooling(ctx, false, 0); err != nil {
		s.log.Debug("Cooler off failed", "error", err)
	}
	if err := s.climate.Off(ctx); err != nil {
		s.log.Warn("Climate off failed", "error", err)
	}
	if err := s.drv.DisconnectServer(); err != nil {
		s.log.Warn("Camera disconnect failed", "error", err)
	}
	s.publishStatus()
}

func (s *Scheduler) notify(ctx context.Context, category, id, msg string, expire time.Duration) {
	if err := s.notifier.Notify(ctx, category, id, msg, expire); err != nil {
		s.log.Warn("Notification failed", "id", id, "error", err)
	}
}

func (s *Scheduler) publishStatus() {
	st := Status{
		CameraID:     s.cameraID,
		Night:        s.night,
		MoonMode:     s.moonmode,
		Awaiting:     s.awaiting,
		Exposure:     s.requested,
		NextFrame:    s.nextFrame,
		LastReady:    s.lastReady,
		Heartbeat:    s.heartbeat,
		Backpressure: s.backpressure,
		Frames:       s.frames,
		DayDate:      s.session.DayDate,
	}
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Status returns the latest loop snapshot; safe for concurrent use.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}
