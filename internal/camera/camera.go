// Package camera defines the driver contract the capture scheduler consumes and the
// drivers that implement it.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"allsky/internal/config"
	"allsky/internal/mqtt"
)

var (
	ErrNoServer        = errors.New("camera server not reachable")
	ErrNoCamera        = errors.New("camera not found")
	ErrMultipleCameras = errors.New("multiple cameras share the configured name")
	ErrTimeout         = errors.New("camera timeout")
	ErrNotConnected    = errors.New("camera not connected")
	ErrBusy            = errors.New("exposure in progress")
)

// FrameType selects what the next exposure is for.
type FrameType string

const (
	FrameLight FrameType = "FRAME_LIGHT"
	FrameDark  FrameType = "FRAME_DARK"
	FrameBias  FrameType = "FRAME_BIAS"
	FrameFlat  FrameType = "FRAME_FLAT"
)

// ExposureState mirrors the property states reported by the camera server.
type ExposureState string

const (
	StateIdle  ExposureState = "IDLE"
	StateBusy  ExposureState = "BUSY"
	StateOK    ExposureState = "OK"
	StateAlert ExposureState = "ALERT"
)

// Device identifies a camera found on the server.
type Device struct {
	Name   string
	Driver string
}

// Range is a numeric capability.
type Range struct {
	Min  float64
	Max  float64
	Step float64
}

// Info is the capability summary of the connected camera.
type Info struct {
	Exposure  Range
	Gain      Range
	Width     int
	Height    int
	CFA       string
	BitDepth  int
	PixelSize float64
}

// SwitchSet turns named switch elements on and off.
type SwitchSet struct {
	On  []string
	Off []string
}

// Settings is the property bundle pushed at connect and reconfigure time.
type Settings struct {
	Switches   map[string]SwitchSet
	Properties map[string]map[string]float64
	Text       map[string]map[string]string
}

// Blob is one delivered frame on the image queue. Pixels travel by file path.
type Blob struct {
	Filename    string
	Exposure    float64
	ExpTime     time.Time
	ExpElapsed  float64
	CameraID    int64
	Temperature float64
	Gain        int
	Bin         int
	CFA         string
}

// Driver is the camera contract. SetExposure with sync=false returns as soon as the
// exposure starts; the frame is delivered later on the blob sink.
type Driver interface {
	SetServer(host string, port int)
	ConnectServer(ctx context.Context) error
	DisconnectServer() error
	FindCCD(ctx context.Context, name string) (Device, error)
	ConfigureCCD(ctx context.Context, s Settings) error
	SetGain(ctx context.Context, gain int) error
	SetBinning(ctx context.Context, bin int) error
	SetFrameType(ctx context.Context, ft FrameType) error
	SetExposure(ctx context.Context, seconds float64, sync bool) error
	ExposureStatus(ctx context.Context) (ready bool, state ExposureState, err error)
	AbortExposure(ctx context.Context) error
	Temperature(ctx context.Context) (float64, error)
	Info(ctx context.Context) (Info, error)
	SetCooling(ctx context.Context, on bool, setpoint float64) error
	SetCameraID(id int64)
}

// Options carries what every driver constructor needs.
type Options struct {
	Config  config.Camera
	TempDir string
	Sink    chan<- Blob
	MQTT    mqtt.PubSub
	Topic   string
	Log     *slog.Logger
}

// New builds the configured driver and wraps it in the configured decorator. With a
// decorator the base driver delivers into a private channel that the decorator drains.
func New(opts Options) (Driver, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	decorator := strings.ToLower(opts.Config.Decorator)
	sink := opts.Sink
	var inner chan Blob
	if decorator != "" {
		inner = make(chan Blob, 1)
		sink = inner
	}

	var d Driver
	switch strings.ToLower(opts.Config.Driver) {
	case "", "simulator":
		d = NewSimulator(opts.Config.Simulator, opts.TempDir, sink, opts.Log)
	case "passive":
		d = NewPassive(opts.Config.IncomingDir, sink, opts.Log)
	case "mqtt":
		if opts.MQTT == nil {
			return nil, fmt.Errorf("mqtt camera driver needs an mqtt client")
		}
		d = NewMQTT(opts.MQTT, opts.Topic, sink, opts.Log)
	default:
		return nil, fmt.Errorf("unknown camera driver %q", opts.Config.Driver)
	}

	switch decorator {
	case "":
		return d, nil
	case "stacker":
		return NewStacker(d, inner, opts.Sink, opts.Config.SubExposures, opts.TempDir, opts.Log), nil
	case "accumulator":
		return NewAccumulator(d, inner, opts.Sink, opts.TempDir, opts.Log), nil
	default:
		return nil, fmt.Errorf("unknown camera decorator %q", opts.Config.Decorator)
	}
}
