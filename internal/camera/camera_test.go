package camera

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"allsky/internal/config"
	"allsky/internal/imgproc"
	"allsky/internal/logging"
	"allsky/internal/mqtt"
)

func smallSim() config.SimulatorCamera {
	return config.SimulatorCamera{Width: 32, Height: 24, Stars: 3, BayerPattern: "RGGB", BitDepth: 12, Temperature: 10, Seed: 7}
}

func waitBlob(t *testing.T, ch <-chan Blob) Blob {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no blob delivered")
	}
	return Blob{}
}

func TestSimulatorDeliversFITS(t *testing.T) {
	sink := make(chan Blob, 1)
	sim := NewSimulator(smallSim(), t.TempDir(), sink, logging.Discard())
	sim.TimeScale = 0
	ctx := context.Background()

	require.NoError(t, sim.ConnectServer(ctx))
	defer sim.DisconnectServer()
	sim.SetCameraID(4)
	require.NoError(t, sim.SetGain(ctx, 100))
	require.NoError(t, sim.SetExposure(ctx, 2.0, true))

	b := waitBlob(t, sink)
	assert.Equal(t, int64(4), b.CameraID)
	assert.Equal(t, 2.0, b.Exposure)
	assert.Equal(t, 100, b.Gain)

	raw, err := imgproc.DecodeFile(b.Filename)
	require.NoError(t, err)
	assert.Equal(t, 32, raw.Width)
	assert.Equal(t, 24, raw.Height)
	exp, ok := raw.Header.Float("EXPTIME")
	require.True(t, ok)
	assert.Equal(t, 2.0, exp)
	pat, _ := raw.Header.Str("BAYERPAT")
	assert.Equal(t, "RGGB", pat)
	assert.LessOrEqual(t, raw.Image().MaxValue(), uint16(4095))

	ready, _, err := sim.ExposureStatus(ctx)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestSimulatorRejectsOverlappingExposure(t *testing.T) {
	sim := NewSimulator(smallSim(), t.TempDir(), make(chan Blob, 1), logging.Discard())
	ctx := context.Background()
	require.NoError(t, sim.ConnectServer(ctx))
	defer sim.DisconnectServer()

	require.NoError(t, sim.SetExposure(ctx, 30, false))
	assert.ErrorIs(t, sim.SetExposure(ctx, 1, false), ErrBusy)

	ready, state, _ := sim.ExposureStatus(ctx)
	assert.False(t, ready)
	assert.Equal(t, StateBusy, state)

	require.NoError(t, sim.AbortExposure(ctx))
	ready, _, _ = sim.ExposureStatus(ctx)
	assert.True(t, ready)
}

func TestSimulatorNotConnected(t *testing.T) {
	sim := NewSimulator(smallSim(), t.TempDir(), make(chan Blob, 1), logging.Discard())
	assert.ErrorIs(t, sim.SetExposure(context.Background(), 1, false), ErrNotConnected)
}

func TestStackerSumsSubExposures(t *testing.T) {
	out := make(chan Blob, 1)
	cfg := config.Camera{Driver: "simulator", Decorator: "stacker", SubExposures: 3, Simulator: smallSim()}
	cfg.Simulator.Stars = 0
	d, err := New(Options{Config: cfg, TempDir: t.TempDir(), Sink: out, Log: logging.Discard()})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, d.ConnectServer(ctx))
	defer d.DisconnectServer()

	require.NoError(t, d.SetExposure(ctx, 0.03, true))
	b := waitBlob(t, out)
	assert.InDelta(t, 0.03, b.Exposure, 1e-9)

	raw, err := imgproc.DecodeFile(b.Filename)
	require.NoError(t, err)
	n, _ := raw.Header.Int("NCOMBINE")
	assert.Equal(t, int64(3), n)
	mean := raw.Image().Mean()
	// three frames of 64 ADU bias
	assert.Greater(t, mean, 150.0)
	assert.Less(t, mean, 300.0)
}

func TestCompositeIgnoresAbortedExposure(t *testing.T) {
	dir := t.TempDir()
	sim := NewSimulator(smallSim(), dir, make(chan Blob, 1), logging.Discard())
	ctx := context.Background()
	require.NoError(t, sim.ConnectServer(ctx))
	defer sim.DisconnectServer()
	c := NewStacker(sim, make(chan Blob), make(chan Blob, 1), 1, dir, logging.Discard())

	require.NoError(t, c.SetExposure(ctx, 30, false))
	c.mu.Lock()
	oldGen, oldStart := c.gen, c.start
	c.mu.Unlock()
	require.NoError(t, c.AbortExposure(ctx))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, c.SetExposure(ctx, 30, false))
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	// the aborted exposure's frame lands after the new one started
	stale := filepath.Join(dir, "stale.fits")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))
	c.receive(Blob{Filename: stale, ExpTime: oldStart}, make(chan struct{}))
	c.abandon(oldGen)

	ready, state, err := c.ExposureStatus(ctx)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, StateBusy, state)
	select {
	case <-done:
		t.Fatal("new exposure finished by a stale frame")
	default:
	}
	assert.NoFileExists(t, stale)
	c.mu.Lock()
	assert.Empty(t, c.parts)
	c.mu.Unlock()

	require.NoError(t, c.AbortExposure(ctx))
	select {
	case <-done:
	default:
		t.Fatal("abort did not release the exposure")
	}
}

func TestSplitExposure(t *testing.T) {
	assert.Equal(t, []float64{10, 10, 5}, splitExposure(25, 10))
	assert.Equal(t, []float64{4}, splitExposure(4, 10))
	assert.Equal(t, []float64{7}, splitExposure(7, 0))
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(Options{Config: config.Camera{Driver: "indi-magic"}})
	assert.Error(t, err)
	_, err = New(Options{Config: config.Camera{Driver: "simulator", Decorator: "bogus"}})
	assert.Error(t, err)
}

func TestPassiveDeliversSettledFile(t *testing.T) {
	dir := t.TempDir()
	sink := make(chan Blob, 1)
	p := NewPassive(dir, sink, logging.Discard())
	p.Settle = 50 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, p.ConnectServer(ctx))
	defer p.DisconnectServer()

	require.NoError(t, p.SetExposure(ctx, 5, false))
	ready, _, _ := p.ExposureStatus(ctx)
	assert.False(t, ready)

	path := filepath.Join(dir, "frame.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg bytes"), 0644))

	b := waitBlob(t, sink)
	assert.Equal(t, path, b.Filename)
	assert.Equal(t, 5.0, b.Exposure)
	ready, _, _ = p.ExposureStatus(ctx)
	assert.True(t, ready)
}

type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published map[string][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: map[string]mqtt.MessageHandler{}, published: map[string][]byte{}}
}

func (f *fakeBroker) Publish(topic string, _ byte, _ bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = payload
	return nil
}

func (f *fakeBroker) Subscribe(topic string, _ byte, h mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = h
	return nil
}

func (f *fakeBroker) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func TestMQTTDriverRequestReply(t *testing.T) {
	broker := newFakeBroker()
	sink := make(chan Blob, 1)
	d := NewMQTT(broker, "sky/cam", sink, logging.Discard())
	ctx := context.Background()
	require.NoError(t, d.ConnectServer(ctx))
	require.NoError(t, d.SetGain(ctx, 42))
	require.NoError(t, d.SetExposure(ctx, 2.5, false))

	var req exposureRequest
	require.NoError(t, json.Unmarshal(broker.published["sky/cam/exposure"], &req))
	assert.Equal(t, 2.5, req.Exposure)
	assert.Equal(t, 42, req.Gain)

	ready, _, _ := d.ExposureStatus(ctx)
	assert.False(t, ready)

	// replies for other requests are ignored
	stale, _ := json.Marshal(imageReply{ID: "other", Filename: "/tmp/x.fits"})
	require.NoError(t, broker.handlers["sky/cam/image"]("sky/cam/image", stale))

	reply, _ := json.Marshal(imageReply{ID: req.ID, Filename: "/tmp/frame.fits", Temperature: -5})
	require.NoError(t, broker.handlers["sky/cam/image"]("sky/cam/image", reply))

	b := waitBlob(t, sink)
	assert.Equal(t, "/tmp/frame.fits", b.Filename)
	assert.Equal(t, 2.5, b.Exposure)
	ready, _, _ = d.ExposureStatus(ctx)
	assert.True(t, ready)
	temp, _ := d.Temperature(ctx)
	assert.Equal(t, -5.0, temp)
}

func TestMQTTDriverSyncTimeoutClearsActive(t *testing.T) {
	broker := newFakeBroker()
	d := NewMQTT(broker, "", make(chan Blob, 1), logging.Discard())
	require.NoError(t, d.ConnectServer(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.SetExposure(ctx, 1, true)
	assert.ErrorIs(t, err, ErrTimeout)
	ready, _, _ := d.ExposureStatus(context.Background())
	assert.True(t, ready)
}
