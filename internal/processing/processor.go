package processing

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"time"

	"allsky/internal/astro"
	"allsky/internal/camera"
	"allsky/internal/config"
	"allsky/internal/imgproc"
	"allsky/internal/logging"
	"allsky/internal/state"
	"allsky/internal/storage"
)

var errNoFrame = errors.New("no frame loaded")

// CalibrationFinder looks up darks and bad-pixel maps; *storage.Store implements it.
type CalibrationFinder interface {
	FindCalibration(ctx context.Context, q storage.CalibrationQuery) (*storage.CalibrationFrame, error)
}

// Options wires a Processor.
type Options struct {
	Config      *config.Config
	Shared      *state.Shared
	Calibration CalibrationFinder
	Keogram     *Keogram
	Log         *slog.Logger
	Now         func() time.Time
}

// Result is a finished frame.
type Result struct {
	Frame        *Frame
	Image        *imgproc.Image
	Panorama     *imgproc.Image
	Stacked      int
	KeogramWidth int
	KeogramErr   error
	Elapsed      time.Duration
}

// Processor is the stateful per-camera image pipeline. It is not safe for concurrent
// use; one worker goroutine owns it.
type Processor struct {
	cfg     *config.Config
	shared  *state.Shared
	cal     CalibrationFinder
	keogram *Keogram
	log     *slog.Logger
	now     func() time.Time

	// newest first; frames[0] is the registration reference
	frames []*Frame

	// running maximum of configured and detected bit depth; never lowered
	bitDepth int

	masters  map[string]*imgproc.Image
	gamma    *imgproc.GammaLUT
	label    *imgproc.Label
	logo     image.Image
	logoErr  error
	logoDone bool
	mask     *imgproc.Image
	maskErr  bool
	lgDate   string
	lgAlts   []float64
}

// NewProcessor parses the label template and returns an empty pipeline.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Shared == nil {
		loc := opts.Config.Location
		opts.Shared = state.New(state.Position{Lat: loc.Latitude, Lon: loc.Longitude, Elev: loc.Elevation}, state.Exposure{})
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	p := &Processor{
		cfg:     opts.Config,
		shared:  opts.Shared,
		cal:     opts.Calibration,
		keogram: opts.Keogram,
		log:     opts.Log,
		now:     opts.Now,
		masters: map[string]*imgproc.Image{},
	}
	p.bitDepth = min(max(opts.Config.Camera.MaxBitDepth, 0), 16)
	if lc := opts.Config.Image.Label; lc.Enabled && lc.Template != "" {
		l, err := imgproc.NewLabel(lc.Template, lc.X, lc.Y, lc.LineHeight, imgproc.ColorFromInts(lc.Color, imgproc.BGR{200, 200, 200}))
		if err != nil {
			return nil, err
		}
		p.label = l
	}
	return p, nil
}

// Keogram exposes the running keogram, nil when disabled.
func (p *Processor) Keogram() *Keogram { return p.keogram }

// Latest returns the newest frame.
func (p *Processor) Latest() *Frame {
	if len(p.frames) == 0 {
		return nil
	}
	return p.frames[0]
}

// Frames returns the stacking history, newest first.
func (p *Processor) Frames() []*Frame {
	return append([]*Frame(nil), p.frames...)
}

func (p *Processor) clock() astro.Clock {
	pos := p.shared.Position()
	return astro.Clock{
		Observer:      astro.Observer{Lat: pos.Lat, Lon: pos.Lon, Elev: pos.Elev},
		NightSunAlt:   p.cfg.Night.SunAltDeg,
		MoonModeAlt:   p.cfg.Night.MoonModeAltDeg,
		MoonModePhase: p.cfg.Night.MoonModePhase,
	}
}

// MaxBitDepth is the depth 16-bit data is scaled from. It starts at camera.max_bit_depth
// and only ever rises, so one hot pixel cannot change the scale of later frames.
func (p *Processor) MaxBitDepth() int { return p.bitDepth }

func (p *Processor) raiseBitDepth(detected int) {
	if detected > p.bitDepth {
		p.log.Info("Max bit depth raised", "from", p.bitDepth, "to", min(detected, 16))
		p.bitDepth = min(detected, 16)
	}
}

// Add decodes a delivered blob and pushes it onto the stacking history. The history is
// cleared during the day, in moon mode and in focus mode, and trimmed to stack_count.
func (p *Processor) Add(ctx context.Context, blob camera.Blob) (*Frame, error) {
	raw, err := imgproc.DecodeFile(blob.Filename)
	if err != nil {
		return nil, err
	}
	f := newFrame(raw, blob, p.now())
	raw.Normalize()

	pos := p.shared.Position()
	f.BayerPattern = bayerPattern(p.cfg.Camera.BayerPattern, raw, blob.CFA)
	f.fillHeader(p.cfg.Camera.Name, pos.Lat, pos.Lon, pos.Elev)
	f.DetectedBitDepth = imgproc.DetectBitDepth(raw.Image())
	p.raiseBitDepth(f.DetectedBitDepth)
	f.Night, f.MoonMode = p.shared.ModeAt(f.ExpDate)
	f.DayDate = p.clock().DayDate(f.ExpDate).Format("2006-01-02")
	f.TargetADU = p.cfg.Capture.TargetADU

	if !f.Night || f.MoonMode || p.cfg.Capture.FocusMode {
		p.frames = p.frames[:0]
	}
	p.frames = append([]*Frame{f}, p.frames...)
	if n := p.cfg.Image.StackCount; n > 0 && len(p.frames) > n {
		for i := n; i < len(p.frames); i++ {
			p.frames[i] = nil
		}
		p.frames = p.frames[:n]
	}
	return f, nil
}

// Calibrate subtracts the best matching dark (combined with a bad-pixel map when one
// exists) from the newest frame. A miss falls back to the driver black level and
// returns ErrCalibrationNotFound.
func (p *Processor) Calibrate(ctx context.Context) error {
	f := p.Latest()
	if f == nil || f.Raw == nil {
		return errNoFrame
	}
	if f.Calibrated {
		return nil
	}
	if p.cal == nil {
		p.blackLevel(f)
		return fmt.Errorf("%w: no calibration store", imgproc.ErrCalibrationNotFound)
	}

	q := storage.CalibrationQuery{
		CameraID: f.CameraID,
		Kind:     storage.KindDark,
		BitDepth: f.DetectedBitDepth,
		BinMode:  f.Bin,
		Gain:     f.Gain,
		Exposure: f.Exposure,
		Temp:     f.Temperature,
	}
	dark, err := p.cal.FindCalibration(ctx, q)
	if err != nil || dark == nil {
		p.blackLevel(f)
		if err == nil {
			err = errors.New("no matching dark")
		}
		return fmt.Errorf("%w: %v", imgproc.ErrCalibrationNotFound, err)
	}
	q.Kind = storage.KindBPM
	bpm, err := p.cal.FindCalibration(ctx, q)
	if err != nil {
		p.log.Debug("Bad pixel map lookup failed", "error", err)
		bpm = nil
	}

	master, err := p.master(dark, bpm)
	if err != nil {
		return err
	}
	out, err := imgproc.SubtractMaster(f.Raw.Image(), master)
	if err != nil {
		return err
	}
	f.Raw.U16 = out.Pix
	f.Calibrated = true
	f.Header.Set("DARKFILE", imgproc.Str(filepath.Base(dark.Filename)))
	return nil
}

func (p *Processor) blackLevel(f *Frame) {
	if !p.cfg.Camera.BlackLevel {
		return
	}
	level, ok := f.Header.Int("BLKLEVEL")
	if !ok || level <= 0 {
		return
	}
	out := imgproc.SubtractBlackLevel(f.Raw.Image(), int(level), f.DetectedBitDepth)
	f.Raw.U16 = out.Pix
}

// master loads and caches the combined dark and bad-pixel map.
func (p *Processor) master(dark, bpm *storage.CalibrationFrame) (*imgproc.Image, error) {
	key := dark.Filename
	if bpm != nil {
		key += "|" + bpm.Filename
	}
	if m, ok := p.masters[key]; ok {
		return m, nil
	}

	darkRaw, err := imgproc.DecodeFile(dark.Filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", imgproc.ErrCalibrationNotFound, err)
	}
	var bpmImage *imgproc.Image
	if bpm != nil {
		bpmRaw, err := imgproc.DecodeFile(bpm.Filename)
		if err != nil {
			p.log.Warn("Bad pixel map unreadable", "file", bpm.Filename, "error", err)
		} else {
			bpmImage = bpmRaw.Image()
		}
	}
	m, err := imgproc.BuildMaster(darkRaw.Image(), bpmImage)
	if err != nil && bpmImage != nil {
		p.log.Warn("Bad pixel map ignored", "file", bpm.Filename, "error", err)
		m, err = imgproc.BuildMaster(darkRaw.Image(), nil)
	}
	if err != nil {
		return nil, err
	}
	if len(p.masters) >= 8 {
		p.masters = map[string]*imgproc.Image{}
	}
	p.masters[key] = m
	return m, nil
}

// Debayer produces the working image of the newest frame and releases the raw data.
func (p *Processor) Debayer() error {
	f := p.Latest()
	if f == nil || f.Raw == nil {
		return errNoFrame
	}
	im, err := imgproc.Debayer(f.Raw, f.BayerPattern, p.cfg.Image.Grayscale)
	if err != nil {
		return err
	}
	f.Image = im
	f.Raw = nil
	return nil
}

// Stack combines the newest frame with its eligible peers: same camera, exposure above
// the registration threshold, same shape. Alignment runs against the newest frame and is
// bounded by the exposure period less three seconds; on timeout the remaining frames
// are stacked unaligned.
func (p *Processor) Stack(ctx context.Context) (*imgproc.Image, int, error) {
	cur := p.Latest()
	if cur == nil || cur.Image == nil {
		return nil, 0, errNoFrame
	}
	images := []*imgproc.Image{cur.Image}
	if p.cfg.Image.StackCount > 1 && !p.cfg.Capture.FocusMode {
		for _, peer := range p.frames[1:] {
			if peer.Image == nil || peer.CameraID != cur.CameraID {
				continue
			}
			if peer.Exposure <= p.cfg.Image.RegistrationMinExp || !peer.Image.SameShape(cur.Image) {
				continue
			}
			images = append(images, peer.Image)
		}
	}
	if len(images) == 1 {
		return cur.Image, 1, nil
	}

	if p.cfg.Image.StackAlign && cur.Exposure > p.cfg.Image.RegistrationMinExp {
		images = p.align(ctx, cur, images)
	}
	stacked, err := imgproc.Stack(images, imgproc.ParseStackMethod(p.cfg.Image.StackMethod))
	if err != nil {
		return nil, 0, err
	}
	if p.cfg.Image.StackSplit {
		stacked = imgproc.SplitScreen(cur.Image, stacked)
	}
	return stacked, len(images), nil
}

func (p *Processor) align(ctx context.Context, cur *Frame, images []*imgproc.Image) []*imgproc.Image {
	timeout := time.Duration((p.cfg.ExposurePeriodFor(cur.Night) - 3) * float64(time.Second))
	if timeout < time.Second {
		timeout = time.Second
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ic := &p.cfg.Image
	opts := imgproc.DefaultRegisterOptions()
	if ic.AlignDetectSigma > 0 {
		opts.Sigma = ic.AlignDetectSigma
	}
	if ic.AlignPoints > 0 {
		opts.MaxPoints = ic.AlignPoints
	}
	if ic.AlignMinArea > 0 {
		opts.MinArea = ic.AlignMinArea
	}

	start := time.Now()
	ref := images[0]
	out := []*imgproc.Image{ref}
	for i, im := range images[1:] {
		reg, err := imgproc.Register(actx, ref, im, opts)
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			p.log.Warn("Registration timed out, stacking unaligned", "frame", cur.name(), "aligned", i, "elapsed", time.Since(start))
			return append(out, images[i+1:]...)
		case err != nil:
			p.log.Info("Registration failed for stack member", "frame", cur.name(), "member", i+1, "error", err)
			out = append(out, im)
		default:
			out = append(out, reg)
		}
	}
	logging.LogStage(p.log, cur.name(), "align", time.Since(start), map[string]any{"frames": len(images)})
	return out
}

// Process runs one blob through the whole pipeline.
func (p *Processor) Process(ctx context.Context, blob camera.Blob) (*Result, error) {
	start := time.Now()
	f, err := p.Add(ctx, blob)
	if err != nil {
		return nil, err
	}
	focus := p.cfg.Capture.FocusMode

	if !focus {
		if err := p.Calibrate(ctx); err != nil {
			if errors.Is(err, imgproc.ErrCalibrationNotFound) {
				p.log.Debug("Frame not calibrated", "frame", f.name(), "reason", err)
			} else {
				p.log.Warn("Calibration failed", "frame", f.name(), "error", err)
			}
		}
	}
	if err := p.Debayer(); err != nil {
		p.frames = p.frames[1:]
		return nil, err
	}
	im, n, err := p.Stack(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{Frame: f, Stacked: n}
	res.Image, res.Panorama = p.Transform(f, im)

	if !focus && p.keogram != nil {
		if err := p.keogram.Add(res.Image, f.ExpDate, f.DayDate); err != nil {
			res.KeogramErr = err
			p.log.Warn("Keogram update failed", "frame", f.name(), "error", err)
		}
		res.KeogramWidth = p.keogram.Width()
	}
	res.Elapsed = time.Since(start)
	return res, nil
}
