// Package imgproc holds the pure per-frame image operations: decoding, debayering,
// calibration, stacking and the ordered transformation stages. Everything here works
// on *Image and keeps no state between frames.
package imgproc

import (
	"errors"
	"image"
	"image/color"
)

var (
	// ErrBadImage marks input that cannot be decoded or has an unusable shape.
	ErrBadImage = errors.New("bad image")
	// ErrCalibrationNotFound means no usable dark or bad-pixel map matched the frame.
	ErrCalibrationNotFound = errors.New("calibration frame not found")
	// ErrRegistrationFailed means too few stars matched to estimate a transform.
	ErrRegistrationFailed = errors.New("registration failed")
)

// Image is an interleaved H×W×C pixel buffer. Three-channel images are stored in BGR
// order. Bits is the container depth (8 or 16); 8-bit images keep values in 0..255.
type Image struct {
	Width    int
	Height   int
	Channels int
	Bits     int
	Pix      []uint16
}

// New allocates a zeroed image.
func New(width, height, channels, bits int) *Image {
	return &Image{
		Width:    width,
		Height:   height,
		Channels: channels,
		Bits:     bits,
		Pix:      make([]uint16, width*height*channels),
	}
}

// Clone returns a deep copy.
func (im *Image) Clone() *Image {
	out := *im
	out.Pix = append([]uint16(nil), im.Pix...)
	return &out
}

// SameShape reports whether o has identical dimensions, channel count and depth.
func (im *Image) SameShape(o *Image) bool {
	return o != nil && im.Width == o.Width && im.Height == o.Height && im.Channels == o.Channels && im.Bits == o.Bits
}

// Equal reports whether both images are pixel-identical.
func (im *Image) Equal(o *Image) bool {
	if !im.SameShape(o) {
		return false
	}
	for i, v := range im.Pix {
		if o.Pix[i] != v {
			return false
		}
	}
	return true
}

func (im *Image) offset(x, y int) int {
	return (y*im.Width + x) * im.Channels
}

// At returns channel c of pixel (x, y).
func (im *Image) At(x, y, c int) uint16 {
	return im.Pix[im.offset(x, y)+c]
}

// Set writes channel c of pixel (x, y).
func (im *Image) Set(x, y, c int, v uint16) {
	im.Pix[im.offset(x, y)+c] = v
}

// Limit is the largest value the container holds.
func (im *Image) Limit() uint16 {
	if im.Bits == 8 {
		return 255
	}
	return 65535
}

// MaxValue is the brightest sample in the image.
func (im *Image) MaxValue() uint16 {
	var m uint16
	for _, v := range im.Pix {
		if v > m {
			m = v
		}
	}
	return m
}

// Mean is the average over every sample of every channel.
func (im *Image) Mean() float64 {
	if len(im.Pix) == 0 {
		return 0
	}
	var sum float64
	for _, v := range im.Pix {
		sum += float64(v)
	}
	return sum / float64(len(im.Pix))
}

// Gray returns a single-channel luminance copy.
func (im *Image) Gray() *Image {
	if im.Channels == 1 {
		return im.Clone()
	}
	out := New(im.Width, im.Height, 1, im.Bits)
	for i := 0; i < im.Width*im.Height; i++ {
		b := float64(im.Pix[i*3])
		g := float64(im.Pix[i*3+1])
		r := float64(im.Pix[i*3+2])
		out.Pix[i] = uint16(0.114*b + 0.587*g + 0.299*r + 0.5)
	}
	return out
}

// ToBGR returns a three-channel copy; color images are cloned.
func (im *Image) ToBGR() *Image {
	if im.Channels == 3 {
		return im.Clone()
	}
	out := New(im.Width, im.Height, 3, im.Bits)
	for i, v := range im.Pix {
		out.Pix[i*3], out.Pix[i*3+1], out.Pix[i*3+2] = v, v, v
	}
	return out
}

// ToGo converts to a standard library image for the gift filters and the encoders.
func (im *Image) ToGo() image.Image {
	r := image.Rect(0, 0, im.Width, im.Height)
	switch {
	case im.Channels == 1 && im.Bits == 8:
		g := image.NewGray(r)
		for i, v := range im.Pix {
			g.Pix[i] = uint8(v)
		}
		return g
	case im.Channels == 1:
		g := image.NewGray16(r)
		for i, v := range im.Pix {
			g.Pix[i*2] = uint8(v >> 8)
			g.Pix[i*2+1] = uint8(v)
		}
		return g
	case im.Bits == 8:
		n := image.NewNRGBA(r)
		for i := 0; i < im.Width*im.Height; i++ {
			n.Pix[i*4] = uint8(im.Pix[i*3+2])
			n.Pix[i*4+1] = uint8(im.Pix[i*3+1])
			n.Pix[i*4+2] = uint8(im.Pix[i*3])
			n.Pix[i*4+3] = 0xff
		}
		return n
	default:
		n := image.NewNRGBA64(r)
		for i := 0; i < im.Width*im.Height; i++ {
			for c, src := range [3]uint16{im.Pix[i*3+2], im.Pix[i*3+1], im.Pix[i*3]} {
				n.Pix[i*8+c*2] = uint8(src >> 8)
				n.Pix[i*8+c*2+1] = uint8(src)
			}
			n.Pix[i*8+6], n.Pix[i*8+7] = 0xff, 0xff
		}
		return n
	}
}

// FromGo converts a standard library image. Gray models produce one channel, everything
// else three BGR channels; bits selects the container depth of the result.
func FromGo(src image.Image, bits int) *Image {
	if out := fromKnown(src, bits); out != nil {
		return out
	}
	b := src.Bounds()
	channels := 3
	switch src.ColorModel() {
	case color.GrayModel, color.Gray16Model:
		channels = 1
	}
	out := New(b.Dx(), b.Dy(), channels, bits)
	shift := uint(0)
	if bits == 8 {
		shift = 8
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if channels == 1 {
				g := color.Gray16Model.Convert(src.At(x, y)).(color.Gray16)
				out.Pix[i] = g.Y >> shift
				i++
				continue
			}
			c := color.NRGBA64Model.Convert(src.At(x, y)).(color.NRGBA64)
			out.Pix[i] = c.B >> shift
			out.Pix[i+1] = c.G >> shift
			out.Pix[i+2] = c.R >> shift
			i += 3
		}
	}
	return out
}

// fromKnown handles the origin-anchored concrete types gift and the decoders produce.
func fromKnown(src image.Image, bits int) *Image {
	if src.Bounds().Min != (image.Point{}) {
		return nil
	}
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	switch s := src.(type) {
	case *image.Gray:
		out := New(w, h, 1, bits)
		for y := 0; y < h; y++ {
			row := s.Pix[y*s.Stride : y*s.Stride+w]
			for x, v := range row {
				out.Pix[y*w+x] = scaleFrom8(v, bits)
			}
		}
		return out
	case *image.Gray16:
		out := New(w, h, 1, bits)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*s.Stride + x*2
				out.Pix[y*w+x] = scaleFrom16(uint16(s.Pix[i])<<8|uint16(s.Pix[i+1]), bits)
			}
		}
		return out
	case *image.NRGBA:
		out := New(w, h, 3, bits)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*s.Stride + x*4
				o := (y*w + x) * 3
				out.Pix[o] = scaleFrom8(s.Pix[i+2], bits)
				out.Pix[o+1] = scaleFrom8(s.Pix[i+1], bits)
				out.Pix[o+2] = scaleFrom8(s.Pix[i], bits)
			}
		}
		return out
	case *image.NRGBA64:
		out := New(w, h, 3, bits)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := y*s.Stride + x*8
				o := (y*w + x) * 3
				r := uint16(s.Pix[i])<<8 | uint16(s.Pix[i+1])
				g := uint16(s.Pix[i+2])<<8 | uint16(s.Pix[i+3])
				b := uint16(s.Pix[i+4])<<8 | uint16(s.Pix[i+5])
				out.Pix[o] = scaleFrom16(b, bits)
				out.Pix[o+1] = scaleFrom16(g, bits)
				out.Pix[o+2] = scaleFrom16(r, bits)
			}
		}
		return out
	}
	return nil
}

func scaleFrom8(v uint8, bits int) uint16 {
	if bits == 8 {
		return uint16(v)
	}
	return uint16(v) * 257
}

func scaleFrom16(v uint16, bits int) uint16 {
	if bits == 8 {
		return v >> 8
	}
	return v
}

func clamp16(v float64) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= 65535 {
		return 65535
	}
	return uint16(v + 0.5)
}

func clampTo(v float64, limit uint16) uint16 {
	if v <= 0 {
		return 0
	}
	if v >= float64(limit) {
		return limit
	}
	return uint16(v + 0.5)
}
