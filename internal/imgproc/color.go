package imgproc

import (
	"math"
	"sort"
)

// ApplyColorMatrix multiplies each RGB pixel by a row-major 3×3 matrix.
func ApplyColorMatrix(im *Image, m []float64) *Image {
	if im.Channels != 3 || len(m) != 9 {
		return im
	}
	out := New(im.Width, im.Height, 3, im.Bits)
	limit := im.Limit()
	for i := 0; i < im.Width*im.Height; i++ {
		b := float64(im.Pix[i*3])
		g := float64(im.Pix[i*3+1])
		r := float64(im.Pix[i*3+2])
		out.Pix[i*3+2] = clampTo(m[0]*r+m[1]*g+m[2]*b, limit)
		out.Pix[i*3+1] = clampTo(m[3]*r+m[4]*g+m[5]*b, limit)
		out.Pix[i*3] = clampTo(m[6]*r+m[7]*g+m[8]*b, limit)
	}
	return out
}

// SCNR suppresses green casts. "average_neutral" caps green at the red/blue mean;
// "additive_mask" blends toward that cap by amount weighted by the excess.
func SCNR(im *Image, algorithm string, amount float64) *Image {
	if im.Channels != 3 {
		return im
	}
	out := im.Clone()
	limit := float64(im.Limit())
	for i := 0; i < im.Width*im.Height; i++ {
		b := float64(im.Pix[i*3])
		g := float64(im.Pix[i*3+1])
		r := float64(im.Pix[i*3+2])
		neutral := (r + b) / 2
		switch algorithm {
		case "average_neutral":
			if g > neutral {
				out.Pix[i*3+1] = clampTo(neutral, im.Limit())
			}
		case "additive_mask":
			mask := math.Min(1, (r+b)/limit)
			ng := g*(1-amount)*(1-mask) + mask*g
			if ng > g {
				ng = g
			}
			if g > neutral {
				ng = math.Max(ng, neutral)
				out.Pix[i*3+1] = clampTo(ng, im.Limit())
			}
		}
	}
	return out
}

// WhiteBalance scales the channels by fixed gains.
func WhiteBalance(im *Image, red, green, blue float64) *Image {
	if im.Channels != 3 || (red == 1 && green == 1 && blue == 1) {
		return im
	}
	out := New(im.Width, im.Height, 3, im.Bits)
	limit := im.Limit()
	for i := 0; i < im.Width*im.Height; i++ {
		out.Pix[i*3] = clampTo(float64(im.Pix[i*3])*blue, limit)
		out.Pix[i*3+1] = clampTo(float64(im.Pix[i*3+1])*green, limit)
		out.Pix[i*3+2] = clampTo(float64(im.Pix[i*3+2])*red, limit)
	}
	return out
}

// AutoWhiteBalance applies gray-world gains so every channel shares the green mean.
func AutoWhiteBalance(im *Image) *Image {
	if im.Channels != 3 {
		return im
	}
	var sum [3]float64
	for i := 0; i < im.Width*im.Height; i++ {
		sum[0] += float64(im.Pix[i*3])
		sum[1] += float64(im.Pix[i*3+1])
		sum[2] += float64(im.Pix[i*3+2])
	}
	if sum[0] == 0 || sum[2] == 0 {
		return im
	}
	return WhiteBalance(im, sum[1]/sum[2], 1, sum[1]/sum[0])
}

// GammaLUT is a precomputed gamma curve for one container depth.
type GammaLUT struct {
	Gamma float64
	Bits  int
	table []uint16
}

// NewGammaLUT builds out = limit * (in/limit)^(1/gamma).
func NewGammaLUT(gamma float64, bits int) *GammaLUT {
	limit := 65535
	if bits == 8 {
		limit = 255
	}
	t := make([]uint16, limit+1)
	inv := 1 / gamma
	for i := range t {
		t[i] = clampTo(math.Pow(float64(i)/float64(limit), inv)*float64(limit), uint16(limit))
	}
	return &GammaLUT{Gamma: gamma, Bits: bits, table: t}
}

// Apply maps every sample through the table.
func (l *GammaLUT) Apply(im *Image) *Image {
	if l == nil || l.Bits != im.Bits {
		return im
	}
	out := New(im.Width, im.Height, im.Channels, im.Bits)
	for i, v := range im.Pix {
		out.Pix[i] = l.table[v]
	}
	return out
}

// CLAHE equalizes contrast on the luminance of im with grid×grid tiles and a histogram
// clip limit, then rescales each channel by the luminance gain.
func CLAHE(im *Image, clipLimit float64, grid int) *Image {
	if grid < 1 {
		grid = 8
	}
	bins := 256
	shift := uint(0)
	if im.Bits == 16 {
		bins = 4096
		shift = 4
	}
	gray := im.Gray()
	w, h := gray.Width, gray.Height
	tw := (w + grid - 1) / grid
	th := (h + grid - 1) / grid
	if tw < 1 || th < 1 {
		return im
	}

	// per-tile cumulative mapping normalized to 0..1
	maps := make([][]float64, grid*grid)
	for ty := 0; ty < grid; ty++ {
		for tx := 0; tx < grid; tx++ {
			hist := make([]float64, bins)
			n := 0.0
			for y := ty * th; y < min((ty+1)*th, h); y++ {
				for x := tx * tw; x < min((tx+1)*tw, w); x++ {
					hist[gray.Pix[y*w+x]>>shift]++
					n++
				}
			}
			m := make([]float64, bins)
			if n == 0 {
				for i := range m {
					m[i] = float64(i) / float64(bins-1)
				}
				maps[ty*grid+tx] = m
				continue
			}
			limit := math.Max(1, clipLimit*n/float64(bins))
			excess := 0.0
			for i, v := range hist {
				if v > limit {
					excess += v - limit
					hist[i] = limit
				}
			}
			add := excess / float64(bins)
			cum := 0.0
			for i := range hist {
				cum += hist[i] + add
				m[i] = cum / n
			}
			maps[ty*grid+tx] = m
		}
	}

	out := New(im.Width, im.Height, im.Channels, im.Bits)
	limit := float64(im.Limit())
	for y := 0; y < h; y++ {
		fy := (float64(y)+0.5)/float64(th) - 0.5
		y0 := clampInt(int(math.Floor(fy)), 0, grid-1)
		y1 := clampInt(y0+1, 0, grid-1)
		ay := clampFloat(fy-float64(y0), 0, 1)
		for x := 0; x < w; x++ {
			fx := (float64(x)+0.5)/float64(tw) - 0.5
			x0 := clampInt(int(math.Floor(fx)), 0, grid-1)
			x1 := clampInt(x0+1, 0, grid-1)
			ax := clampFloat(fx-float64(x0), 0, 1)

			g := gray.Pix[y*w+x]
			bin := g >> shift
			v := (1-ay)*((1-ax)*maps[y0*grid+x0][bin]+ax*maps[y0*grid+x1][bin]) +
				ay*((1-ax)*maps[y1*grid+x0][bin]+ax*maps[y1*grid+x1][bin])
			target := v * limit

			base := (y*w + x) * im.Channels
			if im.Channels == 1 {
				out.Pix[base] = clampTo(target, im.Limit())
				continue
			}
			gain := 1.0
			if g > 0 {
				gain = target / float64(g)
			}
			for c := 0; c < 3; c++ {
				out.Pix[base+c] = clampTo(float64(im.Pix[base+c])*gain, im.Limit())
			}
		}
	}
	return out
}

// MTFStretch applies an auto screen-transfer stretch per channel: shadows are clipped at
// median - shadowsClip*MAD and the midtones balance moves the median to target.
func MTFStretch(im *Image, target, shadowsClip float64) *Image {
	if target <= 0 || target >= 1 {
		target = 0.25
	}
	out := New(im.Width, im.Height, im.Channels, im.Bits)
	limit := float64(im.Limit())
	n := im.Width * im.Height

	for c := 0; c < im.Channels; c++ {
		samples := make([]float64, n)
		for i := 0; i < n; i++ {
			samples[i] = float64(im.Pix[i*im.Channels+c]) / limit
		}
		median := medianOf(samples)
		dev := make([]float64, n)
		for i, v := range samples {
			dev[i] = math.Abs(v - median)
		}
		mad := medianOf(dev) * 1.4826

		c0 := math.Max(0, median-shadowsClip*mad)
		xmed := median - c0
		if c0 < 1 {
			xmed /= 1 - c0
		}
		if xmed <= 0 || xmed >= 1 {
			for i := 0; i < n; i++ {
				out.Pix[i*im.Channels+c] = im.Pix[i*im.Channels+c]
			}
			continue
		}
		m := mtf(target, xmed)

		for i := 0; i < n; i++ {
			v := samples[i]
			if c0 < 1 {
				v = (v - c0) / (1 - c0)
			}
			v = clampFloat(v, 0, 1)
			out.Pix[i*im.Channels+c] = clampTo(mtf(m, v)*limit, im.Limit())
		}
	}
	return out
}

// mtf is the midtones transfer function with balance m.
func mtf(m, x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	case x == m:
		return 0.5
	}
	return (m - 1) * x / ((2*m-1)*x - m)
}

func medianOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return s[len(s)/2]
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// StdDevStretch maps mean-low*stddev .. mean+high*stddev linearly onto the full range,
// per channel.
func StdDevStretch(im *Image, low, high float64) *Image {
	if low <= 0 {
		low = 2
	}
	if high <= 0 {
		high = 6
	}
	out := New(im.Width, im.Height, im.Channels, im.Bits)
	limit := float64(im.Limit())
	n := im.Width * im.Height
	for c := 0; c < im.Channels; c++ {
		var sum, sq float64
		for i := 0; i < n; i++ {
			v := float64(im.Pix[i*im.Channels+c])
			sum += v
			sq += v * v
		}
		mean := sum / float64(n)
		std := math.Sqrt(math.Max(0, sq/float64(n)-mean*mean))
		lo := math.Max(0, mean-low*std)
		hi := math.Min(limit, mean+high*std)
		if hi <= lo {
			for i := 0; i < n; i++ {
				out.Pix[i*im.Channels+c] = im.Pix[i*im.Channels+c]
			}
			continue
		}
		scale := limit / (hi - lo)
		for i := 0; i < n; i++ {
			v := (float64(im.Pix[i*im.Channels+c]) - lo) * scale
			out.Pix[i*im.Channels+c] = clampTo(v, im.Limit())
		}
	}
	return out
}
