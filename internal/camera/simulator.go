package camera

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"allsky/internal/config"
	"allsky/internal/fsutil"
	"allsky/internal/imgproc"
)

type simStar struct {
	x, y  float64
	flux  float64
	sigma float64
}

// Simulator renders a synthetic sky into FITS files. Sky brightness scales with
// exposure and gain, so auto-exposure converges the same way it does on hardware.
type Simulator struct {
	cfg  config.SimulatorCamera
	dir  string
	sink chan<- Blob
	log  *slog.Logger

	// TimeScale multiplies the real exposure wait; zero delivers immediately.
	TimeScale float64
	// SkyRate is the background signal in ADU per second at unity gain.
	SkyRate float64

	mu        sync.Mutex
	connected bool
	cameraID  int64
	gain      int
	bin       int
	frameType FrameType
	busy      bool
	state     ExposureState
	timer     *time.Timer
	done      chan struct{}
	closed    chan struct{}
	cooling   bool
	setpoint  float64
	settings  Settings
	rng       *rand.Rand
	stars     []simStar
}

// NewSimulator returns a disconnected simulator writing frames under dir.
func NewSimulator(cfg config.SimulatorCamera, dir string, sink chan<- Blob, log *slog.Logger) *Simulator {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if cfg.BitDepth <= 8 || cfg.BitDepth > 16 {
		cfg.BitDepth = 12
	}
	if dir == "" {
		dir = os.TempDir()
	}
	if log == nil {
		log = slog.Default()
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	stars := make([]simStar, cfg.Stars)
	for i := range stars {
		stars[i] = simStar{
			x:     rng.Float64() * float64(cfg.Width),
			y:     rng.Float64() * float64(cfg.Height),
			flux:  200 + rng.ExpFloat64()*1500,
			sigma: 1.0 + rng.Float64()*0.8,
		}
	}
	return &Simulator{
		cfg:       cfg,
		dir:       dir,
		sink:      sink,
		log:       log,
		TimeScale: 1,
		SkyRate:   40,
		bin:       1,
		frameType: FrameLight,
		state:     StateIdle,
		rng:       rng,
		stars:     stars,
	}
}

func (s *Simulator) SetServer(string, int) {}

func (s *Simulator) ConnectServer(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrNoServer, err)
	}
	s.connected = true
	s.closed = make(chan struct{})
	return nil
}

func (s *Simulator) DisconnectServer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.connected = false
	s.busy = false
	close(s.closed)
	return nil
}

func (s *Simulator) FindCCD(_ context.Context, name string) (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return Device{}, ErrNotConnected
	}
	if name == "" {
		name = "CCD Simulator"
	}
	return Device{Name: name, Driver: "simulator"}, nil
}

func (s *Simulator) ConfigureCCD(_ context.Context, settings Settings) error {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetGain(_ context.Context, gain int) error {
	s.mu.Lock()
	s.gain = gain
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetBinning(_ context.Context, bin int) error {
	if bin < 1 || bin > 4 {
		return fmt.Errorf("unsupported binning %d", bin)
	}
	s.mu.Lock()
	s.bin = bin
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetFrameType(_ context.Context, ft FrameType) error {
	s.mu.Lock()
	s.frameType = ft
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SetCameraID(id int64) {
	s.mu.Lock()
	s.cameraID = id
	s.mu.Unlock()
}

func (s *Simulator) SetExposure(ctx context.Context, seconds float64, sync bool) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	s.busy = true
	s.state = StateBusy
	done := make(chan struct{})
	s.done = done
	start := time.Now()
	wait := time.Duration(seconds * s.TimeScale * float64(time.Second))
	s.timer = time.AfterFunc(wait, func() { s.complete(seconds, start, done) })
	s.mu.Unlock()

	if !sync {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

func (s *Simulator) complete(exposure float64, start time.Time, done chan struct{}) {
	s.mu.Lock()
	if !s.busy || s.done != done {
		s.mu.Unlock()
		return
	}
	blob, err := s.render(exposure, start)
	s.busy = false
	closed := s.closed
	if err != nil {
		s.state = StateAlert
		s.mu.Unlock()
		s.log.Error("Simulator frame failed", "error", err)
		close(done)
		return
	}
	s.state = StateOK
	s.mu.Unlock()

	close(done)
	select {
	case s.sink <- blob:
	case <-closed:
		os.Remove(blob.Filename)
	}
}

// render must be called with s.mu held.
func (s *Simulator) render(exposure float64, start time.Time) (Blob, error) {
	w, h := s.cfg.Width/s.bin, s.cfg.Height/s.bin
	limit := float64(int(1)<<s.cfg.BitDepth - 1)
	gainFactor := math.Pow(10, float64(s.gain)/200) * float64(s.bin*s.bin)
	light := 1.0
	if s.frameType == FrameDark || s.frameType == FrameBias {
		light = 0
	}
	const bias = 64.0
	temp := s.sensorTemp()
	darkCurrent := exposure * 0.5 * math.Pow(2, (temp-20)/6)
	sky := exposure * s.SkyRate * gainFactor * light

	im := imgproc.New(w, h, 1, 16)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			signal := bias + darkCurrent + sky
			noise := s.rng.NormFloat64() * math.Sqrt(math.Max(signal-bias, 1))
			im.Pix[y*w+x] = uint16(math.Max(0, math.Min(limit, signal+noise)))
		}
	}
	if light > 0 {
		for _, st := range s.stars {
			sx, sy := st.x/float64(s.bin), st.y/float64(s.bin)
			amp := st.flux * exposure * gainFactor
			r := int(math.Ceil(st.sigma * 3))
			for dy := -r; dy <= r; dy++ {
				for dx := -r; dx <= r; dx++ {
					x, y := int(sx)+dx, int(sy)+dy
					if x < 0 || y < 0 || x >= w || y >= h {
						continue
					}
					d2 := math.Pow(float64(x)-sx, 2) + math.Pow(float64(y)-sy, 2)
					v := float64(im.Pix[y*w+x]) + amp*math.Exp(-d2/(2*st.sigma*st.sigma))
					im.Pix[y*w+x] = uint16(math.Min(limit, v))
				}
			}
		}
	}

	hdr := imgproc.Header{
		"EXPTIME":  imgproc.Float(exposure),
		"GAIN":     imgproc.Int(int64(s.gain)),
		"XBINNING": imgproc.Int(int64(s.bin)),
		"YBINNING": imgproc.Int(int64(s.bin)),
		"CCD-TEMP": imgproc.Float(temp),
		"DATE-OBS": imgproc.Str(start.UTC().Format("2006-01-02T15:04:05.000")),
		"FRAME":    imgproc.Str(string(s.frameType)),
		"INSTRUME": imgproc.Str("CCD Simulator"),
	}
	if s.cfg.BayerPattern != "" {
		hdr["BAYERPAT"] = imgproc.Str(s.cfg.BayerPattern)
	}

	name := filepath.Join(s.dir, fmt.Sprintf("sim-%d.fits", start.UnixNano()))
	err := fsutil.AtomicWriteFunc(name, 0644, func(wr io.Writer) error {
		return imgproc.EncodeFITS(wr, im, hdr)
	})
	if err != nil {
		return Blob{}, err
	}
	return Blob{
		Filename:    name,
		Exposure:    exposure,
		ExpTime:     start,
		ExpElapsed:  time.Since(start).Seconds(),
		CameraID:    s.cameraID,
		Temperature: temp,
		Gain:        s.gain,
		Bin:         s.bin,
		CFA:         s.cfg.BayerPattern,
	}, nil
}

func (s *Simulator) sensorTemp() float64 {
	if s.cooling {
		return math.Max(s.setpoint, s.cfg.Temperature-30)
	}
	return s.cfg.Temperature
}

func (s *Simulator) ExposureStatus(context.Context) (bool, ExposureState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return false, StateAlert, ErrNotConnected
	}
	return !s.busy, s.state, nil
}

func (s *Simulator) AbortExposure(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.busy && s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.busy = false
	s.state = StateIdle
	return nil
}

func (s *Simulator) Temperature(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sensorTemp(), nil
}

func (s *Simulator) Info(context.Context) (Info, error) {
	return Info{
		Exposure: Range{Min: 0.000032, Max: 3600, Step: 0.000001},
		Gain:     Range{Min: 0, Max: 500, Step: 1},
		Width:    s.cfg.Width,
		Height:   s.cfg.Height,
		CFA:      s.cfg.BayerPattern,
		BitDepth: s.cfg.BitDepth,
	}, nil
}

func (s *Simulator) SetCooling(_ context.Context, on bool, setpoint float64) error {
	s.mu.Lock()
	s.cooling, s.setpoint = on, setpoint
	s.mu.Unlock()
	return nil
}
