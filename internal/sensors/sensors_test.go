package sensors

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/physic"

	"allsky/internal/camera"
	"allsky/internal/config"
	"allsky/internal/logging"
	"allsky/internal/state"
)

func newShared() *state.Shared {
	return state.New(state.Position{}, state.Exposure{})
}

func TestRegistryUnknownClass(t *testing.T) {
	_, err := Builtin().New(config.SensorDevice{Class: "nope"}, Env{})
	assert.True(t, errors.Is(err, ErrUnknownClass))
	assert.Equal(t, []string{"bme280", "camera_temp", "dummy", "mlx90615", "sysfs_thermal"}, Builtin().Classes())
}

func TestDewPoint(t *testing.T) {
	assert.InDelta(t, 9.26, DewPoint(20, 50), 0.05)
	assert.InDelta(t, 15.0, DewPoint(15, 100), 1e-9)
	assert.True(t, math.IsNaN(DewPoint(10, 0)))
}

func TestPollerStoresDummyReading(t *testing.T) {
	shared := newShared()
	cfg := config.Sensors{Devices: []config.SensorDevice{
		{Class: "dummy", Label: "box", Slot: 2, Options: map[string]string{"temperature": "10", "humidity": "100"}},
	}}
	p, err := NewPoller(Builtin(), cfg, Env{}, shared, logging.Discard())
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, 10.0, shared.SensorTemp(2))
	assert.InDelta(t, 10.0, shared.SensorUser(2), 1e-9)
	assert.Equal(t, 100.0, shared.SensorUser(3))
	assert.Contains(t, p.Last(), "box")
}

func TestPollerSkipsUnavailableDevices(t *testing.T) {
	cfg := config.Sensors{Devices: []config.SensorDevice{
		{Class: "mlx90615"},
		{Class: "camera_temp"},
		{Class: "dummy"},
	}}
	p, err := NewPoller(Builtin(), cfg, Env{}, newShared(), logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len())

	_, err = NewPoller(Builtin(), config.Sensors{Devices: []config.SensorDevice{{Class: "bogus"}}}, Env{}, newShared(), logging.Discard())
	assert.True(t, errors.Is(err, ErrUnknownClass))
}

func TestSysfsThermal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "temp")
	require.NoError(t, os.WriteFile(path, []byte("41250\n"), 0644))
	shared := newShared()
	cfg := config.Sensors{Devices: []config.SensorDevice{{Class: "sysfs_thermal", Options: map[string]string{"path": path}}}}
	p, err := NewPoller(Builtin(), cfg, Env{}, shared, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, 41.25, shared.SensorTemp(0))

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	assert.Error(t, p.Poll(context.Background()))
	assert.Equal(t, 41.25, shared.SensorTemp(0), "failed reads keep the previous value")
}

func TestCameraTemp(t *testing.T) {
	sim := camera.NewSimulator(config.SimulatorCamera{Width: 8, Height: 8, Temperature: -3.5}, t.TempDir(), make(chan camera.Blob, 1), logging.Discard())
	s, err := Builtin().New(config.SensorDevice{Class: "camera_temp"}, Env{Camera: sim})
	require.NoError(t, err)
	r, err := s.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{-3.5}, r.Temps)
}

func TestEnvReading(t *testing.T) {
	r := envReading(physic.Env{
		Temperature: physic.ZeroCelsius + 25*physic.Celsius,
		Humidity:    40 * physic.PercentRH,
		Pressure:    101325 * physic.Pascal,
	})
	require.Len(t, r.Temps, 1)
	assert.InDelta(t, 25.0, r.Temps[0], 1e-6)
	require.Len(t, r.User, 3)
	assert.InDelta(t, 40.0, r.User[1], 1e-6)
	assert.InDelta(t, 1013.25, r.User[2], 1e-6)
	assert.True(t, r.HasDewPoint)
	assert.InDelta(t, DewPoint(25, 40), r.DewPoint, 1e-6)
}
