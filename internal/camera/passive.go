package camera

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"allsky/internal/fsutil"
)

// Passive receives frames that an external capture program drops into a directory.
// Exposure requests only arm the readiness flag; the next settled file completes it.
type Passive struct {
	dir  string
	sink chan<- Blob
	log  *slog.Logger

	// Settle is how long a file must stop changing before it is delivered.
	Settle time.Duration

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	done      chan struct{}
	pending   map[string]*time.Timer
	waiting   bool
	exposure  float64
	start     time.Time
	cameraID  int64
	gain, bin int
}

// NewPassive watches dir once connected.
func NewPassive(dir string, sink chan<- Blob, log *slog.Logger) *Passive {
	if log == nil {
		log = slog.Default()
	}
	return &Passive{dir: dir, sink: sink, log: log, Settle: 500 * time.Millisecond, bin: 1}
}

func (p *Passive) SetServer(string, int) {}

func (p *Passive) ConnectServer(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return nil
	}
	if p.dir == "" {
		return fmt.Errorf("%w: passive driver has no incoming directory", ErrNoServer)
	}
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrNoServer, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoServer, err)
	}
	if err := w.Add(p.dir); err != nil {
		w.Close()
		return fmt.Errorf("%w: watch %s: %v", ErrNoServer, p.dir, err)
	}
	p.watcher = w
	p.done = make(chan struct{})
	p.pending = map[string]*time.Timer{}
	go p.processEvents(w, p.done)
	p.log.Info("Watching incoming directory", "dir", p.dir)
	return nil
}

func (p *Passive) DisconnectServer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return nil
	}
	close(p.done)
	for _, t := range p.pending {
		t.Stop()
	}
	err := p.watcher.Close()
	p.watcher = nil
	return err
}

func (p *Passive) processEvents(w *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !fsutil.IsImageFile(event.Name) {
				continue
			}
			p.touch(event.Name, done)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.log.Error("Incoming directory watcher error", "error", err)
		case <-done:
			return
		}
	}
}

// touch restarts the settle timer of path.
func (p *Passive) touch(path string, done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.pending[path]; ok {
		t.Reset(p.Settle)
		return
	}
	p.pending[path] = time.AfterFunc(p.Settle, func() { p.deliver(path, done) })
}

func (p *Passive) deliver(path string, done chan struct{}) {
	info, err := os.Stat(path)
	p.mu.Lock()
	delete(p.pending, path)
	if err != nil || info.Size() == 0 {
		p.mu.Unlock()
		return
	}
	now := time.Now()
	blob := Blob{
		Filename: path,
		Exposure: p.exposure,
		ExpTime:  info.ModTime(),
		CameraID: p.cameraID,
		Gain:     p.gain,
		Bin:      p.bin,
	}
	if p.waiting {
		blob.ExpElapsed = now.Sub(p.start).Seconds()
	}
	p.waiting = false
	p.mu.Unlock()

	select {
	case p.sink <- blob:
	case <-done:
	}
}

func (p *Passive) FindCCD(_ context.Context, name string) (Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return Device{}, ErrNotConnected
	}
	return Device{Name: name, Driver: "passive"}, nil
}

func (p *Passive) ConfigureCCD(context.Context, Settings) error { return nil }

func (p *Passive) SetGain(_ context.Context, gain int) error {
	p.mu.Lock()
	p.gain = gain
	p.mu.Unlock()
	return nil
}

func (p *Passive) SetBinning(_ context.Context, bin int) error {
	p.mu.Lock()
	p.bin = bin
	p.mu.Unlock()
	return nil
}

func (p *Passive) SetFrameType(context.Context, FrameType) error { return nil }

func (p *Passive) SetCameraID(id int64) {
	p.mu.Lock()
	p.cameraID = id
	p.mu.Unlock()
}

func (p *Passive) SetExposure(_ context.Context, seconds float64, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher == nil {
		return ErrNotConnected
	}
	p.waiting = true
	p.exposure = seconds
	p.start = time.Now()
	return nil
}

func (p *Passive) ExposureStatus(context.Context) (bool, ExposureState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waiting {
		return false, StateBusy, nil
	}
	return true, StateIdle, nil
}

func (p *Passive) AbortExposure(context.Context) error {
	p.mu.Lock()
	p.waiting = false
	p.mu.Unlock()
	return nil
}

func (p *Passive) Temperature(context.Context) (float64, error) { return 0, nil }

func (p *Passive) Info(context.Context) (Info, error) {
	return Info{Exposure: Range{Min: 0, Max: 3600}}, nil
}

func (p *Passive) SetCooling(context.Context, bool, float64) error { return nil }
