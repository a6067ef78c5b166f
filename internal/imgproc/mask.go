package imgproc

import (
	"image"
	"math"

	"github.com/disintegration/gift"
)

// CircleMask blacks out everything outside a circle of the given diameter centred on
// the image centre plus the offsets. Blur softens the edge over that many pixels and
// opacity blends the masked area (1 is fully black). Outline draws a thin ring instead.
func CircleMask(im *Image, diameter, offX, offY, blur int, opacity float64, outline bool) *Image {
	if diameter <= 0 {
		return im
	}
	alpha := circleAlpha(im.Width, im.Height, diameter, offX, offY, blur)
	out := im.Clone()
	limit := float64(im.Limit())

	if outline {
		cx := float64(im.Width/2 + offX)
		cy := float64(im.Height/2 + offY)
		r := float64(diameter) / 2
		for y := 0; y < im.Height; y++ {
			for x := 0; x < im.Width; x++ {
				d := math.Hypot(float64(x)-cx, float64(y)-cy)
				if math.Abs(d-r) <= 1 {
					for c := 0; c < im.Channels; c++ {
						out.Set(x, y, c, uint16(limit*0.5))
					}
				}
			}
		}
		return out
	}

	if opacity <= 0 {
		opacity = 1
	}
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			keep := float64(alpha.GrayAt(x, y).Y) / 255
			f := 1 - opacity*(1-keep)
			if f >= 1 {
				continue
			}
			for c := 0; c < im.Channels; c++ {
				out.Set(x, y, c, uint16(float64(im.At(x, y, c))*f+0.5))
			}
		}
	}
	return out
}

func circleAlpha(w, h, diameter, offX, offY, blur int) *image.Gray {
	m := image.NewGray(image.Rect(0, 0, w, h))
	cx := float64(w/2 + offX)
	cy := float64(h/2 + offY)
	r2 := math.Pow(float64(diameter)/2, 2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			if dx*dx+dy*dy <= r2 {
				m.Pix[y*m.Stride+x] = 255
			}
		}
	}
	if blur <= 0 {
		return m
	}
	g := gift.New(gift.GaussianBlur(float32(blur) / 2))
	dst := image.NewGray(g.Bounds(m.Bounds()))
	g.Draw(dst, m)
	return dst
}

// MaskFromImage turns a mask file into a single-channel keep map scaled to w×h.
// Non-zero pixels are kept.
func MaskFromImage(mask *Image, w, h int) *Image {
	g := mask.Gray()
	if g.Width != w || g.Height != h {
		g = Resize(g, w, h)
	}
	g.Bits = 8
	for i, v := range g.Pix {
		if v > 0 {
			g.Pix[i] = 255
		}
	}
	return g
}
