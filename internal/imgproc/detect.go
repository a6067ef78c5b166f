package imgproc

import (
	"math"
	"sort"
)

// Segment is a detected straight line clipped to the image.
type Segment struct {
	X1, Y1, X2, Y2 int
	Votes          int
}

// Point is a star position in pixels.
type Point struct {
	X, Y int
}

// HoughOptions tunes line detection.
type HoughOptions struct {
	EdgeThreshold float64 // Sobel magnitude on 0..255 data
	MinVotes      int
	MaxLines      int
	Mask          *Image // optional: zero pixels are ignored
}

// DefaultHoughOptions suit satellite and aircraft trails in 8-bit frames.
func DefaultHoughOptions() HoughOptions {
	return HoughOptions{EdgeThreshold: 120, MinVotes: 80, MaxLines: 10}
}

// DetectLines finds straight features with a Sobel edge map and a Hough accumulator.
func DetectLines(im *Image, opts HoughOptions) []Segment {
	gray := to8Gray(im)
	w, h := gray.Width, gray.Height
	if w < 3 || h < 3 {
		return nil
	}

	const thetaBins = 180
	diag := int(math.Ceil(math.Hypot(float64(w), float64(h))))
	rhoBins := 2*diag + 1
	acc := make([]int32, thetaBins*rhoBins)

	sinT := make([]float64, thetaBins)
	cosT := make([]float64, thetaBins)
	for t := 0; t < thetaBins; t++ {
		a := float64(t) * math.Pi / thetaBins
		sinT[t], cosT[t] = math.Sin(a), math.Cos(a)
	}

	px := func(x, y int) float64 { return float64(gray.Pix[y*w+x]) }
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			if opts.Mask != nil && opts.Mask.SameShape(gray) && opts.Mask.Pix[y*w+x] == 0 {
				continue
			}
			gx := px(x+1, y-1) + 2*px(x+1, y) + px(x+1, y+1) - px(x-1, y-1) - 2*px(x-1, y) - px(x-1, y+1)
			gy := px(x-1, y+1) + 2*px(x, y+1) + px(x+1, y+1) - px(x-1, y-1) - 2*px(x, y-1) - px(x+1, y-1)
			if math.Hypot(gx, gy)/4 < opts.EdgeThreshold {
				continue
			}
			for t := 0; t < thetaBins; t++ {
				rho := int(math.Round(float64(x)*cosT[t]+float64(y)*sinT[t])) + diag
				acc[t*rhoBins+rho]++
			}
		}
	}

	type peak struct{ t, r, v int }
	var peaks []peak
	for t := 0; t < thetaBins; t++ {
		for r := 0; r < rhoBins; r++ {
			v := int(acc[t*rhoBins+r])
			if v < opts.MinVotes || !localMax(acc, thetaBins, rhoBins, t, r) {
				continue
			}
			peaks = append(peaks, peak{t, r, v})
		}
	}
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].v > peaks[j].v })
	if opts.MaxLines > 0 && len(peaks) > opts.MaxLines {
		peaks = peaks[:opts.MaxLines]
	}

	var lines []Segment
	for _, p := range peaks {
		if seg, ok := clipLine(float64(p.r-diag), cosT[p.t], sinT[p.t], w, h); ok {
			seg.Votes = p.v
			lines = append(lines, seg)
		}
	}
	return lines
}

func localMax(acc []int32, tb, rb, t, r int) bool {
	v := acc[t*rb+r]
	for dt := -2; dt <= 2; dt++ {
		tt := t + dt
		if tt < 0 || tt >= tb {
			continue
		}
		for dr := -2; dr <= 2; dr++ {
			rr := r + dr
			if rr < 0 || rr >= rb || (dt == 0 && dr == 0) {
				continue
			}
			o := acc[tt*rb+rr]
			if o > v || (o == v && (dt < 0 || (dt == 0 && dr < 0))) {
				return false
			}
		}
	}
	return true
}

// clipLine intersects x*cos + y*sin = rho with the image rectangle.
func clipLine(rho, c, s float64, w, h int) (Segment, bool) {
	var pts [][2]float64
	add := func(x, y float64) {
		if x >= -0.5 && x <= float64(w)-0.5 && y >= -0.5 && y <= float64(h)-0.5 {
			pts = append(pts, [2]float64{x, y})
		}
	}
	if math.Abs(s) > 1e-9 {
		add(0, rho/s)
		add(float64(w-1), (rho-float64(w-1)*c)/s)
	}
	if math.Abs(c) > 1e-9 {
		add(rho/c, 0)
		add((rho-float64(h-1)*s)/c, float64(h-1))
	}
	if len(pts) < 2 {
		return Segment{}, false
	}
	return Segment{
		X1: int(math.Round(pts[0][0])), Y1: int(math.Round(pts[0][1])),
		X2: int(math.Round(pts[len(pts)-1][0])), Y2: int(math.Round(pts[len(pts)-1][1])),
	}, true
}

// StarOptions tunes template star detection.
type StarOptions struct {
	Threshold  float64 // normalized cross-correlation score, 0..1
	MinSpacing int
	MaxStars   int
	Mask       *Image
}

// DetectStars correlates the luminance with a synthetic Gaussian star and returns the
// local maxima scoring above Threshold.
func DetectStars(im *Image, opts StarOptions) []Point {
	gray := to8Gray(im)
	w, h := gray.Width, gray.Height
	const r = 3
	const size = 2*r + 1
	if w < size || h < size {
		return nil
	}

	var tmpl [size * size]float64
	var tMean float64
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			v := math.Exp(-float64(x*x+y*y) / (2 * 1.2 * 1.2))
			tmpl[(y+r)*size+x+r] = v
			tMean += v
		}
	}
	tMean /= size * size
	var tNorm float64
	for i := range tmpl {
		tmpl[i] -= tMean
		tNorm += tmpl[i] * tmpl[i]
	}
	tNorm = math.Sqrt(tNorm)

	score := make([]float64, w*h)
	for y := r; y < h-r; y++ {
		for x := r; x < w-r; x++ {
			if opts.Mask != nil && opts.Mask.SameShape(gray) && opts.Mask.Pix[y*w+x] == 0 {
				continue
			}
			center := gray.Pix[y*w+x]
			if center < 32 {
				continue
			}
			var mean float64
			for yy := -r; yy <= r; yy++ {
				for xx := -r; xx <= r; xx++ {
					mean += float64(gray.Pix[(y+yy)*w+x+xx])
				}
			}
			mean /= size * size
			var num, den float64
			for yy := -r; yy <= r; yy++ {
				for xx := -r; xx <= r; xx++ {
					d := float64(gray.Pix[(y+yy)*w+x+xx]) - mean
					num += d * tmpl[(yy+r)*size+xx+r]
					den += d * d
				}
			}
			if den > 0 {
				score[y*w+x] = num / (math.Sqrt(den) * tNorm)
			}
		}
	}

	spacing := opts.MinSpacing
	if spacing <= 0 {
		spacing = 5
	}
	var stars []Point
	for y := r; y < h-r; y++ {
		for x := r; x < w-r; x++ {
			s := score[y*w+x]
			if s < opts.Threshold {
				continue
			}
			best := true
			for yy := max(0, y-spacing); yy <= min(h-1, y+spacing) && best; yy++ {
				for xx := max(0, x-spacing); xx <= min(w-1, x+spacing); xx++ {
					o := score[yy*w+xx]
					if o > s || (o == s && (yy < y || (yy == y && xx < x))) {
						best = false
						break
					}
				}
			}
			if best {
				stars = append(stars, Point{X: x, Y: y})
				if opts.MaxStars > 0 && len(stars) >= opts.MaxStars {
					return stars
				}
			}
		}
	}
	return stars
}

func to8Gray(im *Image) *Image {
	g := im.Gray()
	if g.Bits == 8 {
		return g
	}
	for i, v := range g.Pix {
		g.Pix[i] = v >> 8
	}
	g.Bits = 8
	return g
}
