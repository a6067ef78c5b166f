// Package climate drives the dew heater and the enclosure fan.
package climate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"

	"allsky/internal/config"
	"allsky/internal/state"
)

// Reading is the environment the controller acts on.
type Reading struct {
	Temp        float64
	DewPoint    float64
	HasDewPoint bool
	Night       bool
}

// FromShared reads the configured temperature and dew point slots.
func FromShared(s *state.Shared, cfg config.Climate) Reading {
	night, _ := s.Mode()
	dp := s.SensorUser(cfg.DewSlot)
	return Reading{
		Temp:        s.SensorTemp(cfg.TempSlot),
		DewPoint:    dp,
		HasDewPoint: dp != 0 && !math.IsNaN(dp),
		Night:       night,
	}
}

// Controller is the climate capability the scheduler calls from its periodic tasks.
type Controller interface {
	Update(ctx context.Context, r Reading) error
	// Off switches every output off; called on shutdown.
	Off(ctx context.Context) error
}

// Output is one switched load.
type Output interface {
	Set(on bool) error
	String() string
}

// Null does nothing.
type Null struct{}

func (Null) Update(context.Context, Reading) error { return nil }
func (Null) Off(context.Context) error             { return nil }

// Threshold turns the heater on when the temperature comes within DewMargin of the
// dew point and the fan on above FanTemp.
type Threshold struct {
	DewMargin float64
	FanTemp   float64
	Heater    Output
	Fan       Output
	Log       *slog.Logger

	heaterOn, fanOn bool
	started         bool
}

func (t *Threshold) Update(_ context.Context, r Reading) error {
	heater := r.HasDewPoint && r.Temp-r.DewPoint < t.DewMargin
	fan := t.FanTemp > 0 && r.Temp > t.FanTemp
	if err := t.set(t.Heater, heater, &t.heaterOn); err != nil {
		return err
	}
	if err := t.set(t.Fan, fan, &t.fanOn); err != nil {
		return err
	}
	t.started = true
	return nil
}

func (t *Threshold) Off(context.Context) error {
	if err := t.set(t.Heater, false, &t.heaterOn); err != nil {
		return err
	}
	return t.set(t.Fan, false, &t.fanOn)
}

// State reports the last commanded outputs.
func (t *Threshold) State() (heater, fan bool) { return t.heaterOn, t.fanOn }

func (t *Threshold) set(o Output, on bool, cur *bool) error {
	if o == nil || (t.started && *cur == on) {
		*cur = on
		return nil
	}
	if err := o.Set(on); err != nil {
		return fmt.Errorf("switch %s: %w", o, err)
	}
	if t.Log != nil && *cur != on {
		t.Log.Info("Climate output switched", "output", o.String(), "on", on)
	}
	*cur = on
	return nil
}

// Pin drives a GPIO line high for on.
type Pin struct {
	P gpio.PinIO
}

func (p Pin) Set(on bool) error {
	return p.P.Out(gpio.Level(on))
}

func (p Pin) String() string { return p.P.Name() }

// LogOutput only logs; used when no pin is configured.
type LogOutput struct {
	Name string
	Log  *slog.Logger
}

func (l LogOutput) Set(on bool) error {
	if l.Log != nil {
		l.Log.Debug("Climate output", "output", l.Name, "on", on)
	}
	return nil
}

func (l LogOutput) String() string { return l.Name }

// New builds the configured controller. Pins are looked up in the periph GPIO registry,
// so the host drivers must have been initialized when a pin name is set.
func New(cfg config.Climate, log *slog.Logger) (Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	switch strings.ToLower(cfg.Controller) {
	case "", "null":
		return Null{}, nil
	case "threshold":
		heater, err := output(cfg.HeaterPin, "heater", log)
		if err != nil {
			return nil, err
		}
		fan, err := output(cfg.FanPin, "fan", log)
		if err != nil {
			return nil, err
		}
		return &Threshold{DewMargin: cfg.DewMargin, FanTemp: cfg.FanTemp, Heater: heater, Fan: fan, Log: log}, nil
	default:
		return nil, fmt.Errorf("unknown climate controller %q", cfg.Controller)
	}
}

func output(pin, name string, log *slog.Logger) (Output, error) {
	if pin == "" {
		return LogOutput{Name: name, Log: log}, nil
	}
	p := gpioreg.ByName(pin)
	if p == nil {
		return nil, fmt.Errorf("%s pin %q not found", name, pin)
	}
	return Pin{P: p}, nil
}
