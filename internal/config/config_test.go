package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)

	assert.Equal(t, -6.0, cfg.Night.SunAltDeg)
	assert.Equal(t, 3, cfg.Capture.QueueMax)
	assert.Equal(t, 1, cfg.Capture.QueueMin)
	assert.Equal(t, 0.5, cfg.Capture.QueueBackoff)
	assert.Equal(t, 1000, cfg.Keogram.MaxEntries)
	assert.Equal(t, "libx264", cfg.Timelapse.Codec)
	assert.Equal(t, "jpg", cfg.Image.Format)
}

func TestLoadFileYAMLOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	body := `
location:
  latitude: 51.5
  longitude: -0.1
capture:
  exposure_period: 30
image:
  format: PNG
  stack_count: 0
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 51.5, cfg.Location.Latitude)
	assert.Equal(t, 30.0, cfg.Capture.ExposurePeriod)
	assert.Equal(t, "png", cfg.Image.Format)
	assert.Equal(t, 1, cfg.Image.StackCount, "stack count clamps to 1")
	assert.Equal(t, 15.0, cfg.Capture.ExposurePeriodDay, "untouched keys keep defaults")
}

func TestLoadFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"keogram":{"angle":12.5}}`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 12.5, cfg.Keogram.Angle)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ALLSKY_NIGHT__SUN_ALT_DEG", "-12")
	t.Setenv("ALLSKY_PATHS__IMAGE_DIR", "/srv/allsky")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, -12.0, cfg.Night.SunAltDeg)
	assert.Equal(t, "/srv/allsky", cfg.Paths.ImageDir)
}

func TestValidateClampsQueue(t *testing.T) {
	cfg := defaultConfig()
	cfg.Capture.QueueMin = 5
	cfg.Capture.QueueMax = 2
	cfg.Validate()
	if cfg.Capture.QueueMin != 2 {
		t.Fatalf("expected queue min clamped to max, got %d", cfg.Capture.QueueMin)
	}
}

func TestModeFor(t *testing.T) {
	cfg := Default()
	cfg.Night.Night.Gain = 200
	cfg.Night.MoonMode.Gain = 20
	cfg.Night.Day.Gain = 1

	assert.Equal(t, 200, cfg.ModeFor(true, false).Gain)
	assert.Equal(t, 20, cfg.ModeFor(true, true).Gain)
	assert.Equal(t, 1, cfg.ModeFor(false, true).Gain)
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := expandUser("~/x/y.yml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x", "y.yml"), got)

	got, err = expandUser("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
}
