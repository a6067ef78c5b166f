package imgproc

import (
	"fmt"
	"strings"
)

// Bayer channel indices in BGR order.
const (
	chB = 0
	chG = 1
	chR = 2
)

// bayerLayout maps a CFA name to the BGR channel at (x&1, y&1) in row-major order.
var bayerLayout = map[string][4]int{
	"RGGB": {chR, chG, chG, chB},
	"GRBG": {chG, chR, chB, chG},
	"BGGR": {chB, chG, chG, chR},
	"GBRG": {chG, chB, chR, chG},
}

// ValidBayer reports whether pattern is a supported CFA layout.
func ValidBayer(pattern string) bool {
	_, ok := bayerLayout[strings.ToUpper(pattern)]
	return ok
}

// Normalize converts 32-bit integer and float data to 16-bit unsigned in place. Float
// data in 0..1 is scaled to the full range; integer data wider than 16 bits is shifted
// down. Everything is clipped. Calling it again is a no-op.
func (r *Raw) Normalize() {
	if r.F == nil {
		return
	}
	var maxV float64
	for _, v := range r.F {
		if v > maxV {
			maxV = v
		}
	}

	scale := 1.0
	switch {
	case r.Bitpix == -32 && maxV <= 1.0:
		scale = 65535
	case r.Bitpix == 32 && maxV > 65535:
		scale = 1.0 / 65536
	}

	r.U16 = make([]uint16, len(r.F))
	for i, v := range r.F {
		r.U16[i] = clamp16(v * scale)
	}
	r.F = nil
	r.Bitpix = 16
}

// Image views the raw samples as an Image sharing the pixel buffer.
func (r *Raw) Image() *Image {
	r.Normalize()
	bits := 16
	if r.Bitpix == 8 {
		bits = 8
	}
	return &Image{Width: r.Width, Height: r.Height, Channels: r.Channels, Bits: bits, Pix: r.U16}
}

// Debayer produces the working image. With a known pattern and color output, a bilinear
// demosaic yields BGR; grayscale output converts the demosaiced result to luminance.
// Without a pattern the raw planes pass through unchanged.
func Debayer(r *Raw, pattern string, grayscale bool) (*Image, error) {
	src := r.Image()
	if src.Channels != 1 || pattern == "" {
		out := src.Clone()
		if grayscale && out.Channels == 3 {
			return out.Gray(), nil
		}
		return out, nil
	}

	layout, ok := bayerLayout[strings.ToUpper(pattern)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown bayer pattern %q", ErrBadImage, pattern)
	}

	out := demosaic(src, layout)
	if grayscale {
		return out.Gray(), nil
	}
	return out, nil
}

// demosaic interpolates each missing channel as the mean of the 3×3 neighbours carrying
// that channel. Edge pixels use only the neighbours that exist, so flat input stays flat.
func demosaic(src *Image, layout [4]int) *Image {
	w, h := src.Width, src.Height
	out := New(w, h, 3, src.Bits)
	colorAt := func(x, y int) int { return layout[(y&1)*2+(x&1)] }

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			own := colorAt(x, y)
			var sum [3]uint32
			var cnt [3]uint32
			for dy := -1; dy <= 1; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w || (dx == 0 && dy == 0) {
						continue
					}
					c := colorAt(xx, yy)
					sum[c] += uint32(src.Pix[yy*w+xx])
					cnt[c]++
				}
			}
			base := (y*w + x) * 3
			for c := 0; c < 3; c++ {
				switch {
				case c == own:
					out.Pix[base+c] = src.Pix[y*w+x]
				case cnt[c] > 0:
					out.Pix[base+c] = uint16((sum[c] + cnt[c]/2) / cnt[c])
				default:
					out.Pix[base+c] = src.Pix[y*w+x]
				}
			}
		}
	}
	return out
}

// DetectBitDepth infers the sensor depth from the brightest sample.
func DetectBitDepth(im *Image) int {
	if im.Bits == 8 {
		return 8
	}
	m := im.MaxValue()
	switch {
	case m > 16383:
		return 16
	case m > 4095:
		return 14
	case m > 1023:
		return 12
	case m > 255:
		return 10
	default:
		return 8
	}
}

// Convert16To8 right-shifts every sample by maxBitDepth-8. 8-bit input is returned as is.
func Convert16To8(im *Image, maxBitDepth int) *Image {
	if im.Bits == 8 {
		return im
	}
	shift := maxBitDepth - 8
	if shift < 0 {
		shift = 0
	}
	out := New(im.Width, im.Height, im.Channels, 8)
	for i, v := range im.Pix {
		s := v >> uint(shift)
		if s > 255 {
			s = 255
		}
		out.Pix[i] = s
	}
	return out
}
