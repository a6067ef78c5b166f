package processing

import (
	"image"
	"time"

	"allsky/internal/astro"
	"allsky/internal/imgproc"
	"allsky/internal/logging"
)

const lightgraphBuckets = 144

type stageFunc func(*imgproc.Image) (*imgproc.Image, error)

func pure(fn func(*imgproc.Image) *imgproc.Image) stageFunc {
	return func(im *imgproc.Image) (*imgproc.Image, error) { return fn(im), nil }
}

// run applies one stage. A stage that fails or yields nothing leaves the image as it was.
func (p *Processor) run(f *Frame, name string, im *imgproc.Image, fn stageFunc) *imgproc.Image {
	start := time.Now()
	out, err := fn(im)
	if err != nil {
		p.log.Warn("Stage failed, keeping previous image", "frame", f.name(), "stage", name, "error", err)
		return im
	}
	if out == nil {
		return im
	}
	logging.LogStage(p.log, f.name(), name, time.Since(start), nil)
	return out
}

// Transform applies the ordered stage list to the stacked image and returns the
// finished image plus the optional panorama. Focus mode only converts to 8 bits and
// draws the label.
func (p *Processor) Transform(f *Frame, im *imgproc.Image) (*imgproc.Image, *imgproc.Image) {
	ic := &p.cfg.Image
	sky := p.clock().At(f.ExpDate)
	bits := p.bitDepth

	if p.cfg.Capture.FocusMode {
		im = p.run(f, "convert_16bit_to_8bit", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.Convert16To8(im, bits)
		}))
		p.measure(f, im)
		im = p.run(f, "label_image", im, func(im *imgproc.Image) (*imgproc.Image, error) {
			return p.drawLabel(im, f, sky)
		})
		return im, nil
	}

	if len(ic.ColorMatrix) == 9 {
		im = p.run(f, "color_correction_matrix", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.ApplyColorMatrix(im, ic.ColorMatrix)
		}))
	}
	im = p.run(f, "convert_16bit_to_8bit", im, pure(func(im *imgproc.Image) *imgproc.Image {
		return imgproc.Convert16To8(im, bits)
	}))

	if ic.Rotate90 != "" {
		im = p.run(f, "rotate_90", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.Rotate90(im, ic.Rotate90)
		}))
	}
	if ic.RotateAngle != 0 {
		im = p.run(f, "rotate_angle", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.RotateAngle(im, ic.RotateAngle, ic.RotateKeepSize)
		}))
	}
	if ic.FlipV || ic.FlipH {
		im = p.run(f, "flip", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.Flip(im, ic.FlipV, ic.FlipH)
		}))
	}

	mask := p.detectMask(im)
	if ic.DetectLines {
		opts := imgproc.DefaultHoughOptions()
		opts.Mask = mask
		f.Lines = imgproc.DetectLines(im, opts)
	}
	if ic.DetectStars {
		f.Stars = imgproc.DetectStars(im, imgproc.StarOptions{Threshold: ic.StarThreshold, Mask: mask})
	}
	p.measure(f, im)

	if ic.SCNR.Algorithm != "" && ((f.Night && ic.SCNR.Night) || (!f.Night && ic.SCNR.Day)) {
		im = p.run(f, "scnr", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.SCNR(im, ic.SCNR.Algorithm, ic.SCNR.Amount)
		}))
	}
	if wb := ic.WhiteBalance; wb.Auto {
		im = p.run(f, "white_balance_auto", im, pure(imgproc.AutoWhiteBalance))
	} else if wb.Red != 1 || wb.Green != 1 || wb.Blue != 1 {
		im = p.run(f, "white_balance", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.WhiteBalance(im, wb.Red, wb.Green, wb.Blue)
		}))
	}

	if ic.Saturation != 1 && ic.Saturation > 0 {
		im = p.run(f, "saturation", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.Saturation(im, ic.Saturation)
		}))
	}
	if ic.CLAHE.Enabled {
		im = p.run(f, "clahe", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.CLAHE(im, ic.CLAHE.ClipLimit, ic.CLAHE.GridSize)
		}))
	}
	if ic.Gamma != 1 {
		im = p.run(f, "gamma", im, pure(func(im *imgproc.Image) *imgproc.Image {
			if p.gamma == nil || p.gamma.Gamma != ic.Gamma || p.gamma.Bits != im.Bits {
				p.gamma = imgproc.NewGammaLUT(ic.Gamma, im.Bits)
			}
			return p.gamma.Apply(im)
		}))
	}
	if p.stretchEnabled(f) {
		im = p.run(f, "stretch", im, pure(func(im *imgproc.Image) *imgproc.Image {
			out := p.stretch(im)
			if ic.Stretch.Split {
				return imgproc.SplitScreen(im, out)
			}
			return out
		}))
	}

	if ic.ScalePercent != 100 {
		im = p.run(f, "scale_image", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.Scale(im, ic.ScalePercent)
		}))
	}
	if !ic.Crop.Empty() {
		im = p.run(f, "crop_image", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.Crop(im, ic.Crop.X1, ic.Crop.Y1, ic.Crop.X2, ic.Crop.Y2)
		}))
	}
	if b := ic.Border; b.Top > 0 || b.Left > 0 || b.Right > 0 || b.Bottom > 0 {
		im = p.run(f, "add_border", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.Border(im, b.Top, b.Left, b.Right, b.Bottom, b.Color)
		}))
	}

	if cm := ic.CircleMask; cm.Enabled {
		im = p.run(f, "image_circle_mask", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.CircleMask(im, cm.Diameter, cm.OffsetX, cm.OffsetY, cm.Blur, cm.Opacity, cm.Outline)
		}))
	}
	if ic.LogoPath != "" {
		im = p.run(f, "logo_overlay", im, p.logoOverlay)
	}
	if ic.MoonOverlay {
		waxing := astro.MoonIllumination(f.ExpDate.Add(time.Hour))*100 > sky.MoonPhase
		im = p.run(f, "moon_overlay", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.MoonOverlay(im, sky.MoonPhase, waxing)
		}))
	}
	if lg := ic.LightgraphOverlay; lg.Enabled {
		alts, now := p.lightgraph(f.ExpDate)
		im = p.run(f, "lightgraph_overlay", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.LightgraphOverlay(im, lg.Height, alts, now)
		}))
	}
	if ic.Orb.Mode != "" {
		im = p.run(f, "orb_image", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return p.drawOrbs(im, sky)
		}))
	}

	if cd := ic.Cardinal; cd.Enabled {
		col := imgproc.ColorFromInts(ic.Label.Color, imgproc.BGR{200, 200, 200})
		im = p.run(f, "cardinal_dirs_label", im, pure(func(im *imgproc.Image) *imgproc.Image {
			return imgproc.DrawCardinals(im, cd.NorthOffset, cd.SwapEW, col)
		}))
	}
	im = p.run(f, "label_image", im, func(im *imgproc.Image) (*imgproc.Image, error) {
		return p.drawLabel(im, f, sky)
	})

	var pano *imgproc.Image
	if pc := ic.Panorama; pc.Enabled {
		pano = imgproc.Panorama(im, pc.Width, pc.Height, pc.Diameter, pc.Rotation)
		if pano == im {
			pano = nil
		}
	}
	return im, pano
}

// measure records the 8-bit ADU and, at night, the SQM magnitude.
func (p *Processor) measure(f *Frame, im *imgproc.Image) {
	roi := p.cfg.Image.ADUROI
	var r image.Rectangle
	if !roi.Empty() {
		r = image.Rect(roi.X1, roi.Y1, roi.X2, roi.Y2)
	}
	f.ADU = imgproc.ADU(im, r, p.detectMask(im))
	f.HasSQM = false
	if f.Night && f.Exposure > 0 {
		f.SQM = imgproc.SQM(f.ADU, f.Exposure, f.Gain, p.cfg.Image.SQMZeroPoint)
		f.HasSQM = true
	}
}

func (p *Processor) stretchEnabled(f *Frame) bool {
	s := p.cfg.Image.Stretch
	if s.Algorithm == "" {
		return false
	}
	switch {
	case f.Night && f.MoonMode:
		return s.MoonMode
	case f.Night:
		return s.Night
	default:
		return s.Day
	}
}

func (p *Processor) stretch(im *imgproc.Image) *imgproc.Image {
	s := p.cfg.Image.Stretch
	switch s.Algorithm {
	case "stddev":
		return imgproc.StdDevStretch(im, s.ShadowsClip, 0)
	default:
		return imgproc.MTFStretch(im, s.Midtone, s.ShadowsClip)
	}
}

// detectMask loads the configured detection mask once and rescales it to the frame.
func (p *Processor) detectMask(im *imgproc.Image) *imgproc.Image {
	path := p.cfg.Image.DetectMask
	if path == "" || p.maskErr {
		return nil
	}
	if p.mask != nil && p.mask.Width == im.Width && p.mask.Height == im.Height {
		return p.mask
	}
	raw, err := imgproc.DecodeFile(path)
	if err != nil {
		p.log.Warn("Detection mask unreadable", "file", path, "error", err)
		p.maskErr = true
		return nil
	}
	p.mask = imgproc.MaskFromImage(raw.Image(), im.Width, im.Height)
	return p.mask
}

func (p *Processor) logoOverlay(im *imgproc.Image) (*imgproc.Image, error) {
	if !p.logoDone {
		p.logo, p.logoErr = imgproc.LoadLogo(p.cfg.Image.LogoPath)
		p.logoDone = true
	}
	if p.logoErr != nil {
		return nil, p.logoErr
	}
	return imgproc.LogoOverlay(im, p.logo), nil
}

// lightgraph returns sun altitudes in ten minute buckets from local midnight, cached
// per local date, and the bucket containing t.
func (p *Processor) lightgraph(t time.Time) ([]float64, int) {
	local := t.Local()
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
	step := 24 * time.Hour / lightgraphBuckets
	if key := midnight.Format("2006-01-02"); key != p.lgDate {
		clock := p.clock()
		alts := make([]float64, lightgraphBuckets)
		for i := range alts {
			alts[i] = clock.SunAltitude(midnight.Add(time.Duration(i) * step))
		}
		p.lgDate, p.lgAlts = key, alts
	}
	idx := int(local.Sub(midnight) / step)
	return p.lgAlts, min(max(idx, 0), lightgraphBuckets-1)
}

func (p *Processor) drawOrbs(im *imgproc.Image, sky astro.State) *imgproc.Image {
	o := p.cfg.Image.Orb
	north := p.cfg.Image.Cardinal.NorthOffset
	out := im
	for _, body := range []struct {
		pos astro.Position
		col imgproc.BGR
	}{
		{sky.Sun, imgproc.ColorFromInts(o.SunColor, imgproc.BGR{0, 255, 255})},
		{sky.Moon, imgproc.ColorFromInts(o.MoonColor, imgproc.BGR{255, 255, 255})},
	} {
		x, y := imgproc.OrbPoint(out.Width, out.Height, o.Mode, body.pos.Azimuth, body.pos.Altitude, body.pos.HourAngle, north)
		out = imgproc.DrawOrb(out, x, y, o.Radius, body.col)
	}
	return out
}

func (p *Processor) drawLabel(im *imgproc.Image, f *Frame, sky astro.State) (*imgproc.Image, error) {
	if p.label == nil {
		return nil, nil
	}
	return p.label.Draw(im, p.labelData(f, sky))
}

func (p *Processor) labelData(f *Frame, sky astro.State) imgproc.LabelData {
	snap := p.shared.Snapshot()
	return imgproc.LabelData{
		Timestamp:   f.ExpDate.Local(),
		Exposure:    f.Exposure,
		Gain:        f.Gain,
		Bin:         f.Bin,
		Temperature: f.Temperature,
		Stars:       len(f.Stars),
		Lines:       len(f.Lines),
		SQM:         f.SQM,
		ADU:         f.ADU,
		SunAlt:      sky.Sun.Altitude,
		MoonAlt:     sky.Moon.Altitude,
		MoonPhase:   sky.MoonPhase,
		Night:       f.Night,
		MoonMode:    f.MoonMode,
		FocusMode:   p.cfg.Capture.FocusMode,

		Latitude:  snap.Position.Lat,
		Longitude: snap.Position.Lon,
		Elevation: snap.Position.Elev,

		Queue:        snap.Queue,
		Backpressure: snap.Backoff.Seconds(),

		Sensors:     snap.SensorTemp[:],
		SensorsUser: snap.SensorUser[:],
		DewPoint:    p.shared.SensorUser(p.cfg.Climate.DewSlot),
	}
}
