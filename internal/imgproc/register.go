package imgproc

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// StarPoint is a detected star centroid.
type StarPoint struct {
	X, Y      float64
	Intensity float64
}

// StarMatch pairs a reference star with its counterpart in the frame being aligned.
type StarMatch struct {
	Ref      StarPoint
	Target   StarPoint
	Distance float64
}

// Affine maps (x, y) to (A*x + B*y + C, D*x + E*y + F).
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// Identity is the no-op transform.
var Identity = Affine{A: 1, E: 1}

func (m Affine) Apply(x, y float64) (float64, float64) {
	return m.A*x + m.B*y + m.C, m.D*x + m.E*y + m.F
}

// RegisterOptions tunes centroid detection for registration.
type RegisterOptions struct {
	Sigma     float64 // threshold in standard deviations above the mean
	MaxPoints int     // brightest N centroids used as control points
	MinArea   int     // smallest blob in pixels
	MaxArea   int
	MatchDist float64 // largest accepted reference/target distance in pixels
}

// DefaultRegisterOptions mirrors the capture defaults.
func DefaultRegisterOptions() RegisterOptions {
	return RegisterOptions{Sigma: 5, MaxPoints: 50, MinArea: 10, MaxArea: 2000, MatchDist: 50}
}

// FindCentroids thresholds the luminance at mean + sigma*stddev and returns blob
// centroids, brightest first.
func FindCentroids(im *Image, opts RegisterOptions) []StarPoint {
	stars, _ := findCentroids(context.Background(), im, opts)
	return stars
}

// findCentroids checks ctx once per row.
func findCentroids(ctx context.Context, im *Image, opts RegisterOptions) ([]StarPoint, error) {
	gray := im.Gray()
	w, h := gray.Width, gray.Height

	var sum float64
	for _, v := range gray.Pix {
		sum += float64(v)
	}
	mean := sum / float64(len(gray.Pix))
	var variance float64
	for _, v := range gray.Pix {
		d := float64(v) - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(len(gray.Pix)))
	threshold := mean + opts.Sigma*stddev

	visited := make([]bool, len(gray.Pix))
	var stars []StarPoint
	for y := 0; y < h; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < w; x++ {
			idx := y*w + x
			if visited[idx] || float64(gray.Pix[idx]) <= threshold {
				continue
			}
			blob := floodFill(gray, visited, x, y, threshold)
			if len(blob) < opts.MinArea || (opts.MaxArea > 0 && len(blob) > opts.MaxArea) {
				continue
			}
			var sx, sy, si float64
			for _, p := range blob {
				v := float64(gray.Pix[p[1]*w+p[0]]) - mean
				sx += float64(p[0]) * v
				sy += float64(p[1]) * v
				si += v
			}
			if si > 0 {
				stars = append(stars, StarPoint{X: sx / si, Y: sy / si, Intensity: si})
			}
		}
	}

	sort.Slice(stars, func(i, j int) bool { return stars[i].Intensity > stars[j].Intensity })
	if opts.MaxPoints > 0 && len(stars) > opts.MaxPoints {
		stars = stars[:opts.MaxPoints]
	}
	return stars, nil
}

// floodFill traces the 4-connected pixels above threshold starting at (sx, sy).
func floodFill(gray *Image, visited []bool, sx, sy int, threshold float64) [][2]int {
	w, h := gray.Width, gray.Height
	var result [][2]int
	stack := [][2]int{{sx, sy}}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := p[0], p[1]
		if x < 0 || x >= w || y < 0 || y >= h {
			continue
		}
		idx := y*w + x
		if visited[idx] || float64(gray.Pix[idx]) <= threshold {
			continue
		}
		visited[idx] = true
		result = append(result, p)
		stack = append(stack, [2]int{x + 1, y}, [2]int{x - 1, y}, [2]int{x, y + 1}, [2]int{x, y - 1})
	}
	return result
}

// MatchStars pairs each reference star with its nearest target within maxDist.
func MatchStars(ref, target []StarPoint, maxDist float64) []StarMatch {
	var matches []StarMatch
	for _, r := range ref {
		best := StarPoint{}
		bestDist := math.Inf(1)
		for _, t := range target {
			d := math.Hypot(r.X-t.X, r.Y-t.Y)
			if d < bestDist && d < maxDist {
				best, bestDist = t, d
			}
		}
		if bestDist < maxDist {
			matches = append(matches, StarMatch{Ref: r, Target: best, Distance: bestDist})
		}
	}
	return matches
}

// EstimateAffine solves the least-squares affine transform taking target points onto
// reference points. At least three non-collinear matches are required.
func EstimateAffine(matches []StarMatch) (Affine, error) {
	if len(matches) < 3 {
		return Affine{}, fmt.Errorf("%w: %d matches", ErrRegistrationFailed, len(matches))
	}

	// normal equations shared by both rows: [sxx sxy sx; sxy syy sy; sx sy n]
	var sxx, sxy, syy, sx, sy, n float64
	var bx, by [3]float64
	for _, m := range matches {
		x, y := m.Target.X, m.Target.Y
		sxx += x * x
		sxy += x * y
		syy += y * y
		sx += x
		sy += y
		n++
		bx[0] += x * m.Ref.X
		bx[1] += y * m.Ref.X
		bx[2] += m.Ref.X
		by[0] += x * m.Ref.Y
		by[1] += y * m.Ref.Y
		by[2] += m.Ref.Y
	}
	a := [3][3]float64{{sxx, sxy, sx}, {sxy, syy, sy}, {sx, sy, n}}

	row1, ok1 := solve3(a, bx)
	row2, ok2 := solve3(a, by)
	if !ok1 || !ok2 {
		return Affine{}, fmt.Errorf("%w: degenerate control points", ErrRegistrationFailed)
	}
	return Affine{A: row1[0], B: row1[1], C: row1[2], D: row2[0], E: row2[1], F: row2[2]}, nil
}

func solve3(a [3][3]float64, b [3]float64) ([3]float64, bool) {
	det := func(m [3][3]float64) float64 {
		return m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
			m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
			m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	}
	d := det(a)
	if math.Abs(d) < 1e-9 {
		return [3]float64{}, false
	}
	var out [3]float64
	for col := 0; col < 3; col++ {
		m := a
		for row := 0; row < 3; row++ {
			m[row][col] = b[row]
		}
		out[col] = det(m) / d
	}
	return out, true
}

// Invert returns the inverse transform.
func (m Affine) Invert() (Affine, bool) {
	det := m.A*m.E - m.B*m.D
	if math.Abs(det) < 1e-12 {
		return Affine{}, false
	}
	ia := m.E / det
	ib := -m.B / det
	id := -m.D / det
	ie := m.A / det
	return Affine{
		A: ia, B: ib, C: -(ia*m.C + ib*m.F),
		D: id, E: ie, F: -(id*m.C + ie*m.F),
	}, true
}

// WarpAffine resamples src so that dst(x, y) = src(m⁻¹(x, y)) with bilinear interpolation.
// Pixels that map outside src become zero.
func WarpAffine(src *Image, m Affine) (*Image, error) {
	return warpAffine(context.Background(), src, m)
}

func warpAffine(ctx context.Context, src *Image, m Affine) (*Image, error) {
	inv, ok := m.Invert()
	if !ok {
		return nil, fmt.Errorf("%w: singular transform", ErrRegistrationFailed)
	}
	out := New(src.Width, src.Height, src.Channels, src.Bits)
	w, h, ch := src.Width, src.Height, src.Channels
	for y := 0; y < h; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < w; x++ {
			fx, fy := inv.Apply(float64(x), float64(y))
			if fx < 0 || fy < 0 || fx > float64(w-1) || fy > float64(h-1) {
				continue
			}
			x0, y0 := int(fx), int(fy)
			x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
			ax, ay := fx-float64(x0), fy-float64(y0)
			for c := 0; c < ch; c++ {
				v00 := float64(src.Pix[(y0*w+x0)*ch+c])
				v10 := float64(src.Pix[(y0*w+x1)*ch+c])
				v01 := float64(src.Pix[(y1*w+x0)*ch+c])
				v11 := float64(src.Pix[(y1*w+x1)*ch+c])
				v := v00*(1-ax)*(1-ay) + v10*ax*(1-ay) + v01*(1-ax)*ay + v11*ax*ay
				out.Pix[(y*w+x)*ch+c] = clampTo(v, src.Limit())
			}
		}
	}
	return out, nil
}

// Register aligns frame onto ref. ctx is checked on every row of the centroid and warp
// passes; ErrRegistrationFailed means too few stars matched.
func Register(ctx context.Context, ref, frame *Image, opts RegisterOptions) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	refStars, err := findCentroids(ctx, ref, opts)
	if err != nil {
		return nil, err
	}
	targetStars, err := findCentroids(ctx, frame, opts)
	if err != nil {
		return nil, err
	}

	matchDist := opts.MatchDist
	if matchDist <= 0 {
		matchDist = 50
	}
	matches := MatchStars(refStars, targetStars, matchDist)
	transform, err := EstimateAffine(matches)
	if err != nil {
		return nil, err
	}
	return warpAffine(ctx, frame, transform)
}
