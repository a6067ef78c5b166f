package imgproc

import (
	"fmt"
	"strings"
)

// StackMethod selects how stacked frames combine.
type StackMethod string

const (
	StackAverage StackMethod = "average"
	StackMaximum StackMethod = "maximum"
	StackMinimum StackMethod = "minimum"
)

// ParseStackMethod accepts "mean" as an alias for average.
func ParseStackMethod(s string) StackMethod {
	switch strings.ToLower(s) {
	case "maximum", "max":
		return StackMaximum
	case "minimum", "min":
		return StackMinimum
	default:
		return StackAverage
	}
}

// Stack combines frames of identical shape. A single frame is returned unchanged.
func Stack(frames []*Image, method StackMethod) (*Image, error) {
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrBadImage)
	}
	if len(frames) == 1 {
		return frames[0], nil
	}
	first := frames[0]
	for _, f := range frames[1:] {
		if !f.SameShape(first) {
			return nil, fmt.Errorf("%w: stack frame shape mismatch", ErrBadImage)
		}
	}

	out := New(first.Width, first.Height, first.Channels, first.Bits)
	switch method {
	case StackMaximum:
		copy(out.Pix, first.Pix)
		for _, f := range frames[1:] {
			for i, v := range f.Pix {
				if v > out.Pix[i] {
					out.Pix[i] = v
				}
			}
		}
	case StackMinimum:
		copy(out.Pix, first.Pix)
		for _, f := range frames[1:] {
			for i, v := range f.Pix {
				if v < out.Pix[i] {
					out.Pix[i] = v
				}
			}
		}
	default:
		n := uint32(len(frames))
		for i := range out.Pix {
			var sum uint32
			for _, f := range frames {
				sum += uint32(f.Pix[i])
			}
			out.Pix[i] = uint16((sum + n/2) / n)
		}
	}
	return out, nil
}

// SplitScreen places the left half of single beside the right half of stacked.
func SplitScreen(single, stacked *Image) *Image {
	if !single.SameShape(stacked) {
		return stacked
	}
	out := stacked.Clone()
	half := single.Width / 2
	for y := 0; y < single.Height; y++ {
		start := y * single.Width * single.Channels
		copy(out.Pix[start:start+half*single.Channels], single.Pix[start:start+half*single.Channels])
	}
	return out
}
