package sensors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"allsky/internal/config"
	"allsky/internal/state"
)

type device struct {
	cfg    config.SensorDevice
	sensor Sensor
}

// Poller updates every configured sensor into shared state.
type Poller struct {
	shared   *state.Shared
	interval time.Duration
	log      *slog.Logger

	mu      sync.Mutex
	devices []device
	last    map[string]Reading
}

// NewPoller builds every configured device. An unknown class is a configuration error;
// a device that fails to open (missing hardware) is logged and skipped.
func NewPoller(reg *Registry, cfg config.Sensors, env Env, shared *state.Shared, log *slog.Logger) (*Poller, error) {
	if log == nil {
		log = slog.Default()
	}
	env.Log = log
	p := &Poller{
		shared:   shared,
		interval: time.Duration(cfg.Interval * float64(time.Second)),
		log:      log,
		last:     make(map[string]Reading),
	}
	if p.interval <= 0 {
		p.interval = time.Minute
	}
	for _, dc := range cfg.Devices {
		s, err := reg.New(dc, env)
		if errors.Is(err, ErrUnknownClass) {
			p.Close()
			return nil, err
		}
		if err != nil {
			log.Warn("Sensor unavailable", "class", dc.Class, "label", dc.Label, "error", err)
			continue
		}
		p.devices = append(p.devices, device{cfg: dc, sensor: s})
	}
	return p, nil
}

// Len is the number of active devices.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devices)
}

// Poll reads every device once. Failed devices keep their previous values.
func (p *Poller) Poll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, d := range p.devices {
		r, err := d.sensor.Update(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.name(), err))
			continue
		}
		p.store(d.cfg.Slot, r)
		p.last[d.name()] = r
	}
	return errors.Join(errs...)
}

func (p *Poller) store(slot int, r Reading) {
	for i, v := range r.Temps {
		if !math.IsNaN(v) {
			p.shared.SetSensorTemp(slot+i, v)
		}
	}
	for i, v := range r.User {
		if !math.IsNaN(v) {
			p.shared.SetSensorUser(slot+i, v)
		}
	}
}

// Last returns the most recent reading per device label.
func (p *Poller) Last() map[string]Reading {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]Reading, len(p.last))
	for k, v := range p.last {
		out[k] = v
	}
	return out
}

// Run polls at the configured interval until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		if err := p.Poll(ctx); err != nil {
			p.log.Warn("Sensor update failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close releases every device.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, d := range p.devices {
		if err := d.sensor.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.devices = nil
	return errors.Join(errs...)
}

func (d device) name() string {
	if d.cfg.Label != "" {
		return d.cfg.Label
	}
	return d.cfg.Class
}
