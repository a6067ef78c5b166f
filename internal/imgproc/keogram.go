package imgproc

import "fmt"

// KeogramSlice rotates im by angle degrees (size preserved) and returns its central
// column as a one pixel wide image.
func KeogramSlice(im *Image, angle float64) *Image {
	src := im
	if angle != 0 {
		src = RotateAngle(im, angle, true)
	}
	x := src.Width / 2
	out := New(1, src.Height, src.Channels, src.Bits)
	for y := 0; y < src.Height; y++ {
		for c := 0; c < src.Channels; c++ {
			out.Pix[y*src.Channels+c] = src.At(x, y, c)
		}
	}
	return out
}

// HStack joins images of equal height, channels and depth left to right.
func HStack(cols []*Image) (*Image, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: nothing to join", ErrBadImage)
	}
	first := cols[0]
	width := 0
	for i, c := range cols {
		if c.Height != first.Height || c.Channels != first.Channels || c.Bits != first.Bits {
			return nil, fmt.Errorf("%w: column %d is %dx%dx%d, expected height %d with %d channels", ErrBadImage,
				i, c.Width, c.Height, c.Channels, first.Height, first.Channels)
		}
		width += c.Width
	}
	out := New(width, first.Height, first.Channels, first.Bits)
	x0 := 0
	for _, c := range cols {
		for y := 0; y < c.Height; y++ {
			src := c.Pix[y*c.Width*c.Channels : (y+1)*c.Width*c.Channels]
			copy(out.Pix[(y*width+x0)*c.Channels:], src)
		}
		x0 += c.Width
	}
	return out, nil
}
