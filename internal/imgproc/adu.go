package imgproc

import (
	"image"
	"math"
)

// ADU is the mean of the luminance inside roi scaled to 8 bits. With a mask only
// pixels where the mask is non-zero count, and an empty roi then covers the whole
// frame; without one an empty roi uses the central half of the frame.
func ADU(im *Image, roi image.Rectangle, mask *Image) float64 {
	full := image.Rect(0, 0, im.Width, im.Height)
	if mask != nil && (mask.Width != im.Width || mask.Height != im.Height) {
		mask = nil
	}
	if roi.Empty() {
		if mask != nil {
			roi = full
		} else {
			roi = image.Rect(im.Width/4, im.Height/4, im.Width*3/4, im.Height*3/4)
		}
	}
	roi = roi.Intersect(full)
	if roi.Empty() {
		return 0
	}
	var sum float64
	var n int
	for y := roi.Min.Y; y < roi.Max.Y; y++ {
		for x := roi.Min.X; x < roi.Max.X; x++ {
			if mask != nil && mask.At(x, y, 0) == 0 {
				continue
			}
			var v float64
			for c := 0; c < im.Channels; c++ {
				v += float64(im.At(x, y, c))
			}
			sum += v / float64(im.Channels)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	if im.Bits == 16 {
		mean /= 257
	}
	return mean
}

// SQM estimates sky brightness in magnitudes per square arcsecond from the mean ADU of
// an exposure. Brighter skies give smaller values.
func SQM(adu, exposure float64, gain int, zeroPoint float64) float64 {
	if adu <= 0 || exposure <= 0 {
		return 0
	}
	g := math.Pow(10, float64(gain)/200)
	return zeroPoint - 2.5*math.Log10(adu/(exposure*g))
}

// NextExposure scales the current exposure toward target ADU. Results stay within
// [minExp, maxExp]; inside tolerance the exposure is unchanged.
func NextExposure(current, adu, target, tolerance, minExp, maxExp float64) float64 {
	if adu <= 0 {
		return math.Max(minExp, math.Min(current*2, maxExp))
	}
	if math.Abs(adu-target) <= tolerance {
		return current
	}
	next := current * target / adu
	// damp large jumps
	if next > current*4 {
		next = current * 4
	} else if next < current/4 {
		next = current / 4
	}
	return clampFloat(next, minExp, maxExp)
}
