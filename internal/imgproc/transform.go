package imgproc

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/gift"
)

// applyGift runs a gift filter chain, keeping the channel count and container depth.
func applyGift(im *Image, filters ...gift.Filter) *Image {
	g := gift.New(filters...)
	src := im.ToGo()
	b := g.Bounds(src.Bounds())

	var dst draw.Image
	switch src.(type) {
	case *image.Gray:
		dst = image.NewGray(b)
	case *image.Gray16:
		dst = image.NewGray16(b)
	case *image.NRGBA:
		dst = image.NewNRGBA(b)
	default:
		dst = image.NewNRGBA64(b)
	}
	g.Draw(dst, src)
	return FromGo(dst, im.Bits)
}

// Rotate90 applies a quarter-turn rotation: "cw", "ccw" or "180". Anything else is a no-op.
func Rotate90(im *Image, mode string) *Image {
	switch mode {
	case "cw", "90cw", "ROTATE_90_CLOCKWISE":
		return applyGift(im, gift.Rotate270())
	case "ccw", "90ccw", "ROTATE_90_COUNTERCLOCKWISE":
		return applyGift(im, gift.Rotate90())
	case "180", "ROTATE_180":
		return applyGift(im, gift.Rotate180())
	}
	return im
}

// RotateAngle rotates counter-clockwise by angle degrees. With keepSize the result is
// cropped back to the original dimensions around the center.
func RotateAngle(im *Image, angle float64, keepSize bool) *Image {
	if angle == 0 {
		return im
	}
	filters := []gift.Filter{gift.Rotate(float32(angle), color.Black, gift.LinearInterpolation)}
	if keepSize {
		filters = append(filters, gift.CropToSize(im.Width, im.Height, gift.CenterAnchor))
	}
	return applyGift(im, filters...)
}

// Flip mirrors vertically and/or horizontally.
func Flip(im *Image, vertical, horizontal bool) *Image {
	var filters []gift.Filter
	if vertical {
		filters = append(filters, gift.FlipVertical())
	}
	if horizontal {
		filters = append(filters, gift.FlipHorizontal())
	}
	if len(filters) == 0 {
		return im
	}
	return applyGift(im, filters...)
}

// Scale resizes by percent with linear resampling.
func Scale(im *Image, percent int) *Image {
	if percent <= 0 || percent == 100 {
		return im
	}
	w := im.Width * percent / 100
	h := im.Height * percent / 100
	if w < 1 || h < 1 {
		return im
	}
	return applyGift(im, gift.Resize(w, h, gift.LinearResampling))
}

// Resize scales to an exact size.
func Resize(im *Image, width, height int) *Image {
	if width == im.Width && height == im.Height {
		return im
	}
	return applyGift(im, gift.Resize(width, height, gift.LinearResampling))
}

// Crop cuts the rectangle (x1,y1)-(x2,y2), clamped to the image. Empty rectangles are
// ignored.
func Crop(im *Image, x1, y1, x2, y2 int) *Image {
	r := image.Rect(x1, y1, x2, y2).Intersect(image.Rect(0, 0, im.Width, im.Height))
	if r.Empty() || r == image.Rect(0, 0, im.Width, im.Height) {
		return im
	}
	return applyGift(im, gift.Crop(r))
}

// Saturation scales color saturation; factor 1 leaves the image unchanged.
func Saturation(im *Image, factor float64) *Image {
	if factor == 1 || im.Channels != 3 {
		return im
	}
	return applyGift(im, gift.Saturation(float32((factor-1)*100)))
}

// Border pads the image with a flat BGR color.
func Border(im *Image, top, left, right, bottom int, bgr []int) *Image {
	if top <= 0 && left <= 0 && right <= 0 && bottom <= 0 {
		return im
	}
	top, left, right, bottom = max(top, 0), max(left, 0), max(right, 0), max(bottom, 0)
	w := im.Width + left + right
	h := im.Height + top + bottom
	out := New(w, h, im.Channels, im.Bits)

	fill := make([]uint16, im.Channels)
	for c := range fill {
		if c < len(bgr) {
			v := bgr[c]
			if im.Bits == 16 {
				v *= 257
			}
			fill[c] = clampTo(float64(v), im.Limit())
		}
	}
	if im.Channels == 1 && len(bgr) >= 3 {
		fill[0] = clampTo((float64(bgr[0])+float64(bgr[1])+float64(bgr[2]))/3*float64(im.Limit())/255, im.Limit())
	}
	for i := 0; i < w*h; i++ {
		copy(out.Pix[i*im.Channels:], fill)
	}
	for y := 0; y < im.Height; y++ {
		src := im.Pix[y*im.Width*im.Channels : (y+1)*im.Width*im.Channels]
		copy(out.Pix[((y+top)*w+left)*im.Channels:], src)
	}
	return out
}
