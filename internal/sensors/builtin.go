package sensors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"allsky/internal/config"
)

const defaultThermalZone = "/sys/class/thermal/thermal_zone0/temp"

// cameraTemp reports the sensor temperature of the connected camera.
type cameraTemp struct {
	env Env
}

func newCameraTemp(_ config.SensorDevice, env Env) (Sensor, error) {
	if env.Camera == nil {
		return nil, errors.New("camera_temp sensor needs a camera")
	}
	return &cameraTemp{env: env}, nil
}

func (c *cameraTemp) Update(ctx context.Context) (Reading, error) {
	t, err := c.env.Camera.Temperature(ctx)
	if err != nil {
		return Reading{}, err
	}
	return Reading{Temps: []float64{t}}, nil
}

func (c *cameraTemp) Close() error { return nil }

// sysfsThermal reads a Linux thermal zone in millidegrees.
type sysfsThermal struct {
	path string
}

func newSysfsThermal(dev config.SensorDevice, _ Env) (Sensor, error) {
	return &sysfsThermal{path: optString(dev, "path", defaultThermalZone)}, nil
}

func (s *sysfsThermal) Update(context.Context) (Reading, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Reading{}, err
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return Reading{Temps: []float64{float64(milli) / 1000}}, nil
}

func (s *sysfsThermal) Close() error { return nil }

// dummy returns fixed values; used when no hardware is attached.
type dummy struct {
	temp, humidity float64
}

func newDummy(dev config.SensorDevice, _ Env) (Sensor, error) {
	t, err := optFloat(dev, "temperature", 20)
	if err != nil {
		return nil, err
	}
	rh, err := optFloat(dev, "humidity", 50)
	if err != nil {
		return nil, err
	}
	return &dummy{temp: t, humidity: rh}, nil
}

func (d *dummy) Update(context.Context) (Reading, error) {
	dp := DewPoint(d.temp, d.humidity)
	return Reading{
		Temps:       []float64{d.temp},
		User:        []float64{dp, d.humidity},
		DewPoint:    dp,
		HasDewPoint: true,
	}, nil
}

func (d *dummy) Close() error { return nil }
