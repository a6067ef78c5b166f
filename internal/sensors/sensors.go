// Package sensors reads auxiliary temperature and environment sensors and stores the
// results in the shared sensor arrays. Sensor classes are looked up by name from
// configuration.
package sensors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"

	"allsky/internal/camera"
	"allsky/internal/config"
)

var (
	ErrUnknownClass = errors.New("unknown sensor class")
	ErrUnsupported  = errors.New("sensor class not supported")
)

// Reading is one sample. Temps land in the shared temperature array starting at the
// device slot, User in the user array starting at the same slot.
type Reading struct {
	Temps       []float64
	User        []float64
	DewPoint    float64
	HasDewPoint bool
}

// Sensor is one configured device.
type Sensor interface {
	Update(ctx context.Context) (Reading, error)
	Close() error
}

// Env carries the collaborators a factory may need.
type Env struct {
	Camera camera.Driver
	Log    *slog.Logger
}

// Factory builds a sensor from its configuration entry.
type Factory func(dev config.SensorDevice, env Env) (Sensor, error)

// Registry maps class names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Builtin returns a registry with every class shipped in this package.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("camera_temp", newCameraTemp)
	r.Register("sysfs_thermal", newSysfsThermal)
	r.Register("dummy", newDummy)
	r.Register("bme280", newBME280)
	r.Register("mlx90615", func(config.SensorDevice, Env) (Sensor, error) {
		return nil, fmt.Errorf("%w: mlx90615", ErrUnsupported)
	})
	return r
}

// Register adds or replaces a class.
func (r *Registry) Register(class string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[class] = f
}

// New builds the sensor named by dev.Class.
func (r *Registry) New(dev config.SensorDevice, env Env) (Sensor, error) {
	r.mu.RLock()
	f, ok := r.factories[dev.Class]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, dev.Class)
	}
	if env.Log == nil {
		env.Log = slog.Default()
	}
	return f(dev, env)
}

// Classes lists the registered class names in order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DewPoint uses the Magnus approximation; rh is in percent.
func DewPoint(tempC, rh float64) float64 {
	if rh <= 0 {
		return math.NaN()
	}
	const b, c = 17.62, 243.12
	g := math.Log(rh/100) + b*tempC/(c+tempC)
	return c * g / (b - g)
}

func optFloat(dev config.SensorDevice, key string, def float64) (float64, error) {
	s, ok := dev.Options[key]
	if !ok || s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("sensor %s option %s: %w", dev.Class, key, err)
	}
	return v, nil
}

func optString(dev config.SensorDevice, key, def string) string {
	if s, ok := dev.Options[key]; ok && s != "" {
		return s
	}
	return def
}
