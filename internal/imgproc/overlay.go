package imgproc

import (
	"image"
	"math"

	"github.com/disintegration/gift"
)

// BGR is an overlay colour in the 8-bit range, blue first.
type BGR [3]uint8

// ColorFromInts reads a BGR triple from config, falling back to def when short.
func ColorFromInts(v []int, def BGR) BGR {
	if len(v) < 3 {
		return def
	}
	return BGR{uint8(clampInt(v[0], 0, 255)), uint8(clampInt(v[1], 0, 255)), uint8(clampInt(v[2], 0, 255))}
}

// blend mixes col into pixel (x, y) with weight a in 0..1. Out-of-bounds is ignored.
func blend(im *Image, x, y int, col BGR, a float64) {
	if x < 0 || y < 0 || x >= im.Width || y >= im.Height || a <= 0 {
		return
	}
	if a > 1 {
		a = 1
	}
	scale := 1.0
	if im.Bits == 16 {
		scale = 257
	}
	if im.Channels == 1 {
		v := (0.114*float64(col[0]) + 0.587*float64(col[1]) + 0.299*float64(col[2])) * scale
		old := float64(im.At(x, y, 0))
		im.Set(x, y, 0, uint16(old*(1-a)+v*a+0.5))
		return
	}
	for c := 0; c < 3; c++ {
		old := float64(im.At(x, y, c))
		im.Set(x, y, c, uint16(old*(1-a)+float64(col[c])*scale*a+0.5))
	}
}

func fillCircle(im *Image, cx, cy, r float64, col BGR) {
	for y := int(cy - r - 1); y <= int(cy+r+1); y++ {
		for x := int(cx - r - 1); x <= int(cx+r+1); x++ {
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			blend(im, x, y, col, r+0.5-d)
		}
	}
}

// LogoOverlay composites an RGBA logo into the bottom-right corner. The logo is
// shrunk with gift when it is larger than a quarter of the frame.
func LogoOverlay(im *Image, logo image.Image) *Image {
	if logo == nil {
		return im
	}
	b := logo.Bounds()
	maxW, maxH := im.Width/4, im.Height/4
	if b.Dx() > maxW || b.Dy() > maxH {
		g := gift.New(gift.ResizeToFit(maxW, maxH, gift.LanczosResampling))
		dst := image.NewNRGBA(g.Bounds(b))
		g.Draw(dst, logo)
		logo = dst
		b = dst.Bounds()
	}
	out := im.Clone()
	x0 := im.Width - b.Dx() - 10
	y0 := im.Height - b.Dy() - 10
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, a := logo.At(b.Min.X+x, b.Min.Y+y).RGBA()
			if a == 0 {
				continue
			}
			// RGBA() is premultiplied
			col := BGR{uint8(bl * 255 / a), uint8(g * 255 / a), uint8(r * 255 / a)}
			blend(out, x0+x, y0+y, col, float64(a)/65535)
		}
	}
	return out
}

// MoonOverlay draws the lunar phase in the top-right corner. phase is the illuminated
// percentage; waxing lights the right limb.
func MoonOverlay(im *Image, phase float64, waxing bool) *Image {
	out := im.Clone()
	r := math.Max(8, float64(min(im.Width, im.Height))/40)
	cx := float64(im.Width) - 2*r - 10
	cy := 2*r + 10
	lit := BGR{220, 220, 220}
	dark := BGR{40, 40, 40}

	// terminator: x = k * sqrt(r²-y²) with k running -1 (new) .. 1 (full)
	k := 1 - 2*clampFloat(phase/100, 0, 1)
	for y := -r; y <= r; y++ {
		half := math.Sqrt(math.Max(0, r*r-y*y))
		for x := -r; x <= r; x++ {
			if x*x+y*y > r*r {
				continue
			}
			term := k * half
			sx := x
			if !waxing {
				sx = -x
			}
			col := dark
			if sx >= term {
				col = lit
			}
			blend(out, int(cx+x), int(cy+y), col, 1)
		}
	}
	return out
}

// LightgraphOverlay draws a 24-hour strip of sun altitudes along the bottom edge.
// alts holds one altitude per column bucket; nowIndex is marked with a bright tick.
func LightgraphOverlay(im *Image, height int, alts []float64, nowIndex int) *Image {
	if height <= 0 || len(alts) == 0 {
		return im
	}
	out := im.Clone()
	y0 := im.Height - height
	for x := 0; x < im.Width; x++ {
		i := x * len(alts) / im.Width
		a := alts[i]
		var col BGR
		switch {
		case a > 0:
			col = BGR{200, 160, 40}
		case a > -6:
			col = BGR{140, 80, 20}
		case a > -12:
			col = BGR{90, 40, 10}
		case a > -18:
			col = BGR{50, 20, 5}
		default:
			col = BGR{10, 5, 0}
		}
		if i == nowIndex {
			col = BGR{0, 0, 255}
		}
		for y := y0; y < im.Height; y++ {
			blend(out, x, y, col, 0.7)
		}
	}
	return out
}

// OrbPoint places a body on a circle around the image centre. mode "ha" uses the hour
// angle in degrees (meridian at the bottom), "az" the azimuth with north at the top,
// "alt" maps altitude along the vertical axis.
func OrbPoint(w, h int, mode string, azimuth, altitude, hourAngle, northOffset float64) (x, y float64) {
	cx, cy := float64(w)/2, float64(h)/2
	r := float64(min(w, h))/2 - 20
	switch mode {
	case "alt":
		return cx, cy - r*clampFloat(altitude/90, -1, 1)
	case "ha":
		a := (hourAngle + northOffset) * math.Pi / 180
		return cx + r*math.Sin(a), cy + r*math.Cos(a)
	default:
		a := (azimuth + northOffset) * math.Pi / 180
		return cx - r*math.Sin(a), cy - r*math.Cos(a)
	}
}

// DrawOrb fills a disc of radius r at (x, y).
func DrawOrb(im *Image, x, y float64, r int, col BGR) *Image {
	if r <= 0 {
		return im
	}
	out := im.Clone()
	fillCircle(out, x, y, float64(r), col)
	return out
}

// CardinalPositions returns where N, E, S and W sit given the rotation of north from
// the top edge. swapEW mirrors the east and west labels for an image seen from below.
func CardinalPositions(w, h int, northOffset float64, swapEW bool) map[string]image.Point {
	cx, cy := float64(w)/2, float64(h)/2
	r := float64(min(w, h))/2 - 15
	east, west := 90.0, 270.0
	if swapEW {
		east, west = 270, 90
	}
	pos := map[string]image.Point{}
	for name, az := range map[string]float64{"N": 0, "E": east, "S": 180, "W": west} {
		a := (az + northOffset) * math.Pi / 180
		pos[name] = image.Pt(int(cx-r*math.Sin(a)), int(cy-r*math.Cos(a)))
	}
	return pos
}
