package camera

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"allsky/internal/fsutil"
	"allsky/internal/imgproc"
)

// Composite decorates a driver so one requested exposure is taken as several
// sub-exposures that are summed into a single delivered frame.
type Composite struct {
	Driver

	in   <-chan Blob
	out  chan<- Blob
	dir  string
	log  *slog.Logger
	plan func(ctx context.Context, total float64) []float64

	mu         sync.Mutex
	gen        uint64 // bumped per exposure and on abort
	busy       bool
	steps      []float64
	parts      []Blob
	total      float64
	start      time.Time
	done       chan struct{}
	stop       chan struct{}
	collecting bool
}

// NewStacker splits every exposure into n equal sub-exposures.
func NewStacker(d Driver, in <-chan Blob, out chan<- Blob, n int, dir string, log *slog.Logger) *Composite {
	if n < 1 {
		n = 1
	}
	return newComposite(d, in, out, dir, log, func(_ context.Context, total float64) []float64 {
		steps := make([]float64, n)
		for i := range steps {
			steps[i] = total / float64(n)
		}
		return steps
	})
}

// NewAccumulator takes sub-exposures no longer than the camera maximum until the
// requested total is reached.
func NewAccumulator(d Driver, in <-chan Blob, out chan<- Blob, dir string, log *slog.Logger) *Composite {
	return newComposite(d, in, out, dir, log, func(ctx context.Context, total float64) []float64 {
		limit := total
		if info, err := d.Info(ctx); err == nil && info.Exposure.Max > 0 {
			limit = info.Exposure.Max
		}
		return splitExposure(total, limit)
	})
}

func splitExposure(total, limit float64) []float64 {
	if limit <= 0 || total <= limit {
		return []float64{total}
	}
	n := int(math.Ceil(total / limit))
	steps := make([]float64, 0, n)
	for remaining := total; remaining > 1e-9; remaining -= limit {
		steps = append(steps, math.Min(remaining, limit))
	}
	return steps
}

func newComposite(d Driver, in <-chan Blob, out chan<- Blob, dir string, log *slog.Logger, plan func(context.Context, float64) []float64) *Composite {
	if log == nil {
		log = slog.Default()
	}
	if dir == "" {
		dir = os.TempDir()
	}
	return &Composite{Driver: d, in: in, out: out, dir: dir, log: log, plan: plan}
}

func (c *Composite) ConnectServer(ctx context.Context) error {
	if err := c.Driver.ConnectServer(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.collecting {
		c.stop = make(chan struct{})
		c.collecting = true
		go c.collect(c.stop)
	}
	return nil
}

func (c *Composite) DisconnectServer() error {
	c.mu.Lock()
	if c.collecting {
		close(c.stop)
		c.collecting = false
	}
	c.mu.Unlock()
	return c.Driver.DisconnectServer()
}

func (c *Composite) SetExposure(ctx context.Context, seconds float64, sync bool) error {
	steps := c.plan(ctx, seconds)
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.gen++
	gen := c.gen
	c.busy = true
	c.steps = steps[1:]
	c.parts = nil
	c.total = seconds
	c.start = time.Now()
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	if err := c.Driver.SetExposure(ctx, steps[0], false); err != nil {
		c.abandon(gen)
		return err
	}
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

func (c *Composite) ExposureStatus(ctx context.Context) (bool, ExposureState, error) {
	c.mu.Lock()
	busy := c.busy
	c.mu.Unlock()
	if busy {
		return false, StateBusy, nil
	}
	return c.Driver.ExposureStatus(ctx)
}

func (c *Composite) AbortExposure(ctx context.Context) error {
	c.reset()
	return c.Driver.AbortExposure(ctx)
}

func (c *Composite) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// abandon resets only if exposure gen is still the current one.
func (c *Composite) abandon(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.resetLocked()
	}
}

func (c *Composite) resetLocked() {
	c.gen++
	for _, p := range c.parts {
		os.Remove(p.Filename)
	}
	c.parts = nil
	c.steps = nil
	c.busy = false
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
}

func (c *Composite) collect(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case b := <-c.in:
			c.receive(b, stop)
		}
	}
}

func (c *Composite) receive(b Blob, stop chan struct{}) {
	c.mu.Lock()
	// a sub-frame started before this exposure belongs to an aborted one
	if !c.busy || (!b.ExpTime.IsZero() && b.ExpTime.Before(c.start)) {
		c.mu.Unlock()
		c.log.Debug("Dropping stray sub-exposure", "file", b.Filename)
		os.Remove(b.Filename)
		return
	}
	gen := c.gen
	c.parts = append(c.parts, b)
	if len(c.steps) > 0 {
		next := c.steps[0]
		c.steps = c.steps[1:]
		c.mu.Unlock()
		if err := c.Driver.SetExposure(context.Background(), next, false); err != nil {
			c.log.Error("Sub-exposure failed", "error", err)
			c.abandon(gen)
		}
		return
	}
	parts := c.parts
	total, start := c.total, c.start
	c.parts = nil
	c.mu.Unlock()

	blob, err := c.combine(parts, total, start)
	for _, p := range parts {
		os.Remove(p.Filename)
	}
	c.mu.Lock()
	if c.gen != gen {
		// aborted while combining; the current exposure is not ours to finish
		c.mu.Unlock()
		if err == nil {
			os.Remove(blob.Filename)
		}
		return
	}
	c.busy = false
	done := c.done
	c.done = nil
	c.mu.Unlock()
	if err != nil {
		c.log.Error("Combining sub-exposures failed", "error", err, "parts", len(parts))
	} else {
		select {
		case c.out <- blob:
		case <-stop:
			os.Remove(blob.Filename)
		}
	}
	if done != nil {
		close(done)
	}
}

// combine sums the sub-frames with saturation and writes a 16-bit FITS file.
func (c *Composite) combine(parts []Blob, total float64, start time.Time) (Blob, error) {
	var sum []uint32
	var first *imgproc.Raw
	for _, p := range parts {
		raw, err := imgproc.DecodeFile(p.Filename)
		if err != nil {
			return Blob{}, err
		}
		im := raw.Image()
		if first == nil {
			first = raw
			sum = make([]uint32, len(im.Pix))
		} else if raw.Width != first.Width || raw.Height != first.Height || raw.Channels != first.Channels {
			return Blob{}, fmt.Errorf("sub-exposure %s has a different shape", p.Filename)
		}
		for i, v := range im.Pix {
			sum[i] += uint32(v)
		}
	}
	out := imgproc.New(first.Width, first.Height, first.Channels, 16)
	for i, v := range sum {
		out.Pix[i] = uint16(min(v, 65535))
	}
	hdr := first.Header.Clone()
	hdr.Set("EXPTIME", imgproc.Float(total))
	hdr.Set("NCOMBINE", imgproc.Int(int64(len(parts))))

	name := filepath.Join(c.dir, fmt.Sprintf("composite-%d.fits", start.UnixNano()))
	if err := fsutil.AtomicWriteFunc(name, 0644, func(w io.Writer) error {
		return imgproc.EncodeFITS(w, out, hdr)
	}); err != nil {
		return Blob{}, err
	}
	last := parts[len(parts)-1]
	return Blob{
		Filename:    name,
		Exposure:    total,
		ExpTime:     start,
		ExpElapsed:  time.Since(start).Seconds(),
		CameraID:    last.CameraID,
		Temperature: last.Temperature,
		Gain:        last.Gain,
		Bin:         last.Bin,
		CFA:         last.CFA,
	}, nil
}
