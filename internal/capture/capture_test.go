package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allsky/internal/camera"
	"allsky/internal/config"
	"allsky/internal/logging"
	"allsky/internal/state"
	"allsky/internal/storage"
)

// 2024-06-21 at lat 33 lon -84: 03:00 UTC is night, 18:00 UTC is day.
var (
	nightTime = time.Date(2024, 6, 21, 3, 0, 0, 0, time.UTC)
	dayTime   = time.Date(2024, 6, 21, 18, 0, 0, 0, time.UTC)
)

type stubDriver struct {
	mu          sync.Mutex
	connectErr  error
	ready       bool
	exposures   []float64
	gains       []int
	bins        []int
	cooling     []bool
	aborts      int
	disconnects int
}

func (d *stubDriver) SetServer(string, int)               {}
func (d *stubDriver) ConnectServer(context.Context) error { return d.connectErr }
func (d *stubDriver) DisconnectServer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnects++
	return nil
}
func (d *stubDriver) FindCCD(_ context.Context, name string) (camera.Device, error) {
	return camera.Device{Name: name, Driver: "stub"}, nil
}
func (d *stubDriver) ConfigureCCD(context.Context, camera.Settings) error  { return nil }
func (d *stubDriver) SetFrameType(context.Context, camera.FrameType) error { return nil }
func (d *stubDriver) SetCameraID(int64)                                    {}
func (d *stubDriver) Temperature(context.Context) (float64, error)         { return 0, nil }
func (d *stubDriver) SetGain(_ context.Context, g int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gains = append(d.gains, g)
	return nil
}
func (d *stubDriver) SetBinning(_ context.Context, b int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bins = append(d.bins, b)
	return nil
}
func (d *stubDriver) SetExposure(_ context.Context, s float64, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exposures = append(d.exposures, s)
	return nil
}
func (d *stubDriver) ExposureStatus(context.Context) (bool, camera.ExposureState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ready {
		return true, camera.StateOK, nil
	}
	return false, camera.StateBusy, nil
}
func (d *stubDriver) AbortExposure(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aborts++
	return nil
}
func (d *stubDriver) Info(context.Context) (camera.Info, error) {
	return camera.Info{Exposure: camera.Range{Min: 0.001, Max: 60}, Width: 64, Height: 48, CFA: "RGGB", BitDepth: 12}, nil
}
func (d *stubDriver) SetCooling(_ context.Context, on bool, _ float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cooling = append(d.cooling, on)
	return nil
}

type taskRecorder struct {
	actions []string
	queues  []storage.TaskQueue
	data    []map[string]any
}

func (r *taskRecorder) AddTask(_ context.Context, q storage.TaskQueue, action string, data map[string]any, _ storage.TaskState) (int64, error) {
	r.actions = append(r.actions, action)
	r.queues = append(r.queues, q)
	r.data = append(r.data, data)
	return int64(len(r.actions)), nil
}

type notes struct {
	ids []string
}

func (n *notes) Notify(_ context.Context, _, id, _ string, _ time.Duration) error {
	n.ids = append(n.ids, id)
	return nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	s      *Scheduler
	drv    *stubDriver
	clock  *fakeClock
	tasks  *taskRecorder
	notes  *notes
	shared *state.Shared
	cfg    *config.Config
	cmds   chan Command
	queue  int
}

func newHarness(t *testing.T, start time.Time) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Capture.ReadyTimeout = 0.1
	cfg.Night.Cooling = true
	cfg.Camera.CoolingSetpoint = -10
	h := &harness{
		drv:    &stubDriver{ready: true},
		clock:  &fakeClock{t: start},
		tasks:  &taskRecorder{},
		notes:  &notes{},
		shared: state.New(state.Position{Lat: 33, Lon: -84}, state.Exposure{}),
		cfg:    cfg,
		cmds:   make(chan Command, 4),
	}
	zero := time.Duration(0)
	h.s = New(Options{
		Config:      cfg,
		Driver:      h.drv,
		Shared:      h.shared,
		Tasks:       h.tasks,
		Notifier:    h.notes,
		QueueDepth:  func() int { return h.queue },
		Commands:    h.cmds,
		Interrupted: func() bool { return false },
		Now:         h.clock.now,
		FatalDelay:  &zero,
		Log:         logging.Discard(),
	})
	return h
}

func TestBackpressure(t *testing.T) {
	c := config.Capture{QueueMin: 2, QueueMax: 5, QueueBackoff: 0.5}
	prev := time.Duration(0)
	for q := 0; q <= 10; q++ {
		d := Backpressure(q, 0, c, 10)
		if q <= c.QueueMin {
			assert.Zero(t, d, "q=%d", q)
		}
		assert.GreaterOrEqual(t, d, prev, "q=%d", q)
		prev = d
	}
	assert.Equal(t, 5*time.Second, Backpressure(5, 0, c, 10))
	assert.Equal(t, 7*time.Second, Backpressure(7, 0, c, 10))
	assert.Equal(t, 3*time.Second, Backpressure(4, 3*time.Second, c, 10), "between the limits the delay is kept")
	assert.Zero(t, Backpressure(1, 3*time.Second, c, 10))
}

func TestStartSeedsExposureLimits(t *testing.T) {
	h := newHarness(t, dayTime)
	require.NoError(t, h.s.Start(context.Background()))
	exp := h.shared.Exposure()
	assert.Equal(t, 0.001, exp.MinNight)
	assert.Equal(t, 0.001, exp.MinDay)
	assert.Equal(t, 15.0, exp.Max)
	assert.Equal(t, 0.001, exp.Current)
}

func TestStepExposesAndPaces(t *testing.T) {
	h := newHarness(t, dayTime)
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))
	h.shared.SetCurrentExposure(2)

	require.NoError(t, h.s.Step(ctx))
	assert.Equal(t, []float64{2}, h.drv.exposures)
	assert.Equal(t, []int{0}, h.drv.gains, "first pass pushes day settings")
	assert.Equal(t, []bool{false}, h.drv.cooling)
	st := h.s.Status()
	assert.True(t, st.Awaiting)
	assert.False(t, st.Night)
	assert.Equal(t, dayTime.Add(15*time.Second), st.NextFrame)

	h.clock.advance(3 * time.Second)
	require.NoError(t, h.s.Step(ctx))
	assert.Len(t, h.drv.exposures, 1, "next frame not due yet")
	assert.Equal(t, 1, h.s.Status().Frames)

	h.clock.advance(12 * time.Second)
	require.NoError(t, h.s.Step(ctx))
	assert.Len(t, h.drv.exposures, 2)
	assert.Empty(t, h.notes.ids)
}

func TestStepBackpressureDelaysNextFrame(t *testing.T) {
	h := newHarness(t, dayTime)
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))
	h.queue = 3

	require.NoError(t, h.s.Step(ctx))
	// 3/3 × 15 s × 0.5
	assert.Equal(t, dayTime.Add(15*time.Second+7500*time.Millisecond), h.s.Status().NextFrame)
	assert.Equal(t, []string{"backpressure"}, h.notes.ids)
}

func TestShortExposureNotifies(t *testing.T) {
	h := newHarness(t, dayTime)
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))
	h.shared.SetCurrentExposure(10)

	require.NoError(t, h.s.Step(ctx))
	h.clock.advance(2 * time.Second)
	require.NoError(t, h.s.Step(ctx))
	assert.Equal(t, []string{"exposure_short"}, h.notes.ids)
}

func TestFocusModeUsesFocusDelay(t *testing.T) {
	h := newHarness(t, nightTime)
	h.cfg.Capture.FocusMode = true
	h.cfg.Capture.FocusDelay = 4
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))
	require.NoError(t, h.s.Step(ctx))
	assert.Equal(t, nightTime.Add(4*time.Second), h.s.Status().NextFrame)
}

func TestTransitionsQueueSessionJobs(t *testing.T) {
	h := newHarness(t, nightTime)
	h.cfg.Timelapse.UploadNight = true
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))

	require.NoError(t, h.s.Step(ctx))
	night, _ := h.shared.Mode()
	require.True(t, night)
	assert.Equal(t, []bool{true}, h.drv.cooling, "cooler on at night")
	nightDate := h.s.Status().DayDate
	require.NotEmpty(t, nightDate)

	h.clock.t = dayTime
	require.NoError(t, h.s.Step(ctx))
	night, _ = h.shared.Mode()
	assert.False(t, night)
	assert.Equal(t, []string{ActionKeogram, ActionVideo, ActionUploadNight, ActionExpire}, h.tasks.actions)
	assert.Equal(t, []storage.TaskQueue{storage.QueueVideo, storage.QueueVideo, storage.QueueUpload, storage.QueueMain}, h.tasks.queues)
	assert.Equal(t, nightDate, h.tasks.data[0]["day_date"])
	assert.Equal(t, true, h.tasks.data[0]["night"])
	assert.Equal(t, []bool{true, false}, h.drv.cooling)

	h.tasks.actions = nil
	h.clock.t = nightTime.Add(24 * time.Hour)
	require.NoError(t, h.s.Step(ctx))
	assert.Equal(t, []string{ActionKeogram, ActionVideo, ActionExpire}, h.tasks.actions, "end of day has no upload")
}

func TestDaytimeTimelapseDisabled(t *testing.T) {
	h := newHarness(t, dayTime)
	h.cfg.Capture.DaytimeTimelapse = false
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))
	require.NoError(t, h.s.Step(ctx))
	h.clock.t = nightTime.Add(24 * time.Hour)
	require.NoError(t, h.s.Step(ctx))
	assert.Empty(t, h.tasks.actions)
}

func TestWatchdogAbortsHungCamera(t *testing.T) {
	h := newHarness(t, dayTime)
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))
	require.NoError(t, h.s.Step(ctx))

	h.drv.mu.Lock()
	h.drv.ready = false
	h.drv.mu.Unlock()
	h.drv.mu.Lock()
	before := len(h.drv.exposures)
	h.drv.mu.Unlock()
	h.clock.advance(301 * time.Second)
	require.NoError(t, h.s.Step(ctx))
	assert.Equal(t, 1, h.drv.aborts)
	assert.Equal(t, []string{"watchdog"}, h.notes.ids)

	h.drv.mu.Lock()
	after := len(h.drv.exposures)
	h.drv.mu.Unlock()
	assert.Equal(t, before+1, after, "a new exposure follows the abort")
	assert.True(t, h.s.Status().Awaiting)

	// still hung: no further exposure until the watchdog fires again
	h.clock.advance(time.Second)
	require.NoError(t, h.s.Step(ctx))
	h.drv.mu.Lock()
	assert.Equal(t, after, len(h.drv.exposures))
	h.drv.mu.Unlock()
	assert.Equal(t, 1, h.drv.aborts)
}

type setterStub struct {
	got []time.Time
}

func (s *setterStub) SetTime(_ context.Context, t time.Time) error {
	s.got = append(s.got, t)
	return nil
}

func TestSetTimeCommand(t *testing.T) {
	h := newHarness(t, dayTime)
	setter := &setterStub{}
	h.s.setter = setter
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))

	off := 120
	h.cmds <- Command{SetTime: &off}
	require.NoError(t, h.s.Step(ctx))
	assert.Equal(t, []time.Time{dayTime.Add(2 * time.Minute)}, setter.got)
}

func TestStopCommandReleasesCamera(t *testing.T) {
	h := newHarness(t, nightTime)
	ctx := context.Background()
	require.NoError(t, h.s.Start(ctx))
	require.NoError(t, h.s.Step(ctx))

	h.cmds <- Command{Stop: true}
	err := h.s.Step(ctx)
	assert.True(t, errors.Is(err, ErrShutdown))
	assert.Equal(t, 1, h.drv.disconnects)
	assert.Equal(t, false, h.drv.cooling[len(h.drv.cooling)-1])
}

func TestRunReportsStartupFailure(t *testing.T) {
	h := newHarness(t, dayTime)
	h.drv.connectErr = camera.ErrNoCamera
	err := h.s.Run(context.Background())
	assert.True(t, errors.Is(err, camera.ErrNoCamera))
	assert.Equal(t, []string{"startup"}, h.notes.ids)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, dayTime)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	h.drv.mu.Lock()
	defer h.drv.mu.Unlock()
	assert.Equal(t, 1, h.drv.disconnects)
}
