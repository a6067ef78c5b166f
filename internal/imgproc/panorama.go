package imgproc

import "math"

// Panorama unrolls the fisheye circle into a width×height strip. Row 0 is the zenith
// side, the last row the horizon. diameter 0 uses the short image side.
func Panorama(im *Image, width, height, diameter int, rotation float64) *Image {
	if width <= 0 || height <= 0 {
		return im
	}
	if diameter <= 0 {
		diameter = min(im.Width, im.Height)
	}
	out := New(width, height, im.Channels, im.Bits)
	cx, cy := float64(im.Width)/2, float64(im.Height)/2
	rMax := float64(diameter) / 2
	rot := rotation * math.Pi / 180

	for y := 0; y < height; y++ {
		// panorama covers the outer 2/3 of the circle; the zenith region is too distorted
		r := rMax/3 + (rMax-rMax/3)*float64(y)/float64(height)
		for x := 0; x < width; x++ {
			a := 2*math.Pi*float64(x)/float64(width) + rot
			sx := cx - r*math.Sin(a)
			sy := cy - r*math.Cos(a)
			for c := 0; c < im.Channels; c++ {
				out.Pix[(y*width+x)*im.Channels+c] = sampleBilinear(im, sx, sy, c)
			}
		}
	}
	return out
}

func sampleBilinear(im *Image, x, y float64, c int) uint16 {
	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	if x0 < 0 || y0 < 0 || x0+1 >= im.Width || y0+1 >= im.Height {
		return 0
	}
	fx, fy := x-float64(x0), y-float64(y0)
	v00 := float64(im.At(x0, y0, c))
	v10 := float64(im.At(x0+1, y0, c))
	v01 := float64(im.At(x0, y0+1, c))
	v11 := float64(im.At(x0+1, y0+1, c))
	v := v00*(1-fx)*(1-fy) + v10*fx*(1-fy) + v01*(1-fx)*fy + v11*fx*fy
	return uint16(v + 0.5)
}
