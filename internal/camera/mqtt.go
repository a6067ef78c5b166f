package camera

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"allsky/internal/mqtt"
)

type exposureRequest struct {
	ID       string  `json:"id"`
	Exposure float64 `json:"exposure"`
	Gain     int     `json:"gain"`
	Binning  int     `json:"binning"`
	Frame    string  `json:"frame"`
}

type imageReply struct {
	ID          string  `json:"id"`
	Filename    string  `json:"filename"`
	Temperature float64 `json:"temperature"`
}

type statusReply struct {
	Temperature float64 `json:"temperature"`
}

// MQTTDriver drives a remote capture agent: requests go to <base>/exposure and the
// agent answers on <base>/image with the path of the written frame.
type MQTTDriver struct {
	client mqtt.PubSub
	base   string
	sink   chan<- Blob
	log    *slog.Logger

	mu        sync.Mutex
	connected bool
	active    string
	activeCh  chan struct{}
	start     time.Time
	exposure  float64
	cameraID  int64
	gain, bin int
	frameType FrameType
	temp      float64
}

func NewMQTT(client mqtt.PubSub, base string, sink chan<- Blob, log *slog.Logger) *MQTTDriver {
	if log == nil {
		log = slog.Default()
	}
	if base == "" {
		base = "allsky/camera"
	}
	return &MQTTDriver{client: client, base: base, sink: sink, log: log, bin: 1, frameType: FrameLight}
}

func (m *MQTTDriver) SetServer(string, int) {}

func (m *MQTTDriver) ConnectServer(context.Context) error {
	if err := m.client.Subscribe(mqtt.Topic(m.base, "image"), 1, m.onImage); err != nil {
		return fmt.Errorf("%w: %v", ErrNoServer, err)
	}
	if err := m.client.Subscribe(mqtt.Topic(m.base, "status"), 0, m.onStatus); err != nil {
		return fmt.Errorf("%w: %v", ErrNoServer, err)
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *MQTTDriver) DisconnectServer() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	err1 := m.client.Unsubscribe(mqtt.Topic(m.base, "image"))
	err2 := m.client.Unsubscribe(mqtt.Topic(m.base, "status"))
	if err1 != nil {
		return err1
	}
	return err2
}

func (m *MQTTDriver) onImage(_ string, payload []byte) error {
	var r imageReply
	if err := json.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("decode image reply: %w", err)
	}
	m.mu.Lock()
	if r.ID != m.active {
		m.mu.Unlock()
		m.log.Warn("Ignoring image for unknown exposure", "id", r.ID, "filename", r.Filename)
		return nil
	}
	blob := Blob{
		Filename:    r.Filename,
		Exposure:    m.exposure,
		ExpTime:     m.start,
		ExpElapsed:  time.Since(m.start).Seconds(),
		CameraID:    m.cameraID,
		Temperature: r.Temperature,
		Gain:        m.gain,
		Bin:         m.bin,
	}
	m.temp = r.Temperature
	m.active = ""
	done := m.activeCh
	m.activeCh = nil
	m.mu.Unlock()

	m.sink <- blob
	if done != nil {
		close(done)
	}
	return nil
}

func (m *MQTTDriver) onStatus(_ string, payload []byte) error {
	var s statusReply
	if err := json.Unmarshal(payload, &s); err != nil {
		return err
	}
	m.mu.Lock()
	m.temp = s.Temperature
	m.mu.Unlock()
	return nil
}

func (m *MQTTDriver) FindCCD(_ context.Context, name string) (Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return Device{}, ErrNotConnected
	}
	return Device{Name: name, Driver: "mqtt"}, nil
}

func (m *MQTTDriver) ConfigureCCD(_ context.Context, s Settings) error {
	return mqtt.PublishJSON(m.client, mqtt.Topic(m.base, "config"), 1, true, s)
}

func (m *MQTTDriver) SetGain(_ context.Context, gain int) error {
	m.mu.Lock()
	m.gain = gain
	m.mu.Unlock()
	return nil
}

func (m *MQTTDriver) SetBinning(_ context.Context, bin int) error {
	m.mu.Lock()
	m.bin = bin
	m.mu.Unlock()
	return nil
}

func (m *MQTTDriver) SetFrameType(_ context.Context, ft FrameType) error {
	m.mu.Lock()
	m.frameType = ft
	m.mu.Unlock()
	return nil
}

func (m *MQTTDriver) SetCameraID(id int64) {
	m.mu.Lock()
	m.cameraID = id
	m.mu.Unlock()
}

// SetExposure publishes the request. With sync it waits for the reply; the active
// exposure is cleared after the wait either way.
func (m *MQTTDriver) SetExposure(ctx context.Context, seconds float64, sync bool) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	req := exposureRequest{ID: uuid.NewString(), Exposure: seconds, Gain: m.gain, Binning: m.bin, Frame: string(m.frameType)}
	m.active = req.ID
	m.activeCh = make(chan struct{})
	done := m.activeCh
	m.start = time.Now()
	m.exposure = seconds
	m.mu.Unlock()

	if err := mqtt.PublishJSON(m.client, mqtt.Topic(m.base, "exposure"), 1, false, req); err != nil {
		m.clearActive(req.ID)
		return err
	}
	if !sync {
		return nil
	}
	defer m.clearActive(req.ID)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

func (m *MQTTDriver) clearActive(id string) {
	m.mu.Lock()
	if m.active == id {
		m.active = ""
		m.activeCh = nil
	}
	m.mu.Unlock()
}

func (m *MQTTDriver) ExposureStatus(context.Context) (bool, ExposureState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" {
		return false, StateBusy, nil
	}
	return true, StateIdle, nil
}

func (m *MQTTDriver) AbortExposure(context.Context) error {
	m.mu.Lock()
	id := m.active
	m.active = ""
	m.activeCh = nil
	m.mu.Unlock()
	if id == "" {
		return nil
	}
	return mqtt.PublishJSON(m.client, mqtt.Topic(m.base, "abort"), 1, false, map[string]string{"id": id})
}

func (m *MQTTDriver) Temperature(context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.temp, nil
}

func (m *MQTTDriver) Info(context.Context) (Info, error) {
	return Info{Exposure: Range{Min: 0.0001, Max: 3600}}, nil
}

func (m *MQTTDriver) SetCooling(context.Context, bool, float64) error { return nil }
