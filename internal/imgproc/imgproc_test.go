package imgproc

import (
	"bytes"
	"context"
	"errors"
	"image"
	"math"
	"math/rand"
	"testing"
	"time"
)

func filled(w, h, ch, bits int, v uint16) *Image {
	im := New(w, h, ch, bits)
	for i := range im.Pix {
		im.Pix[i] = v
	}
	return im
}

func randomImage(r *rand.Rand, w, h, ch int, limit int) *Image {
	im := New(w, h, ch, 16)
	for i := range im.Pix {
		im.Pix[i] = uint16(r.Intn(limit + 1))
	}
	return im
}

func TestConvert16To8MatchesShift(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, depth := range []int{10, 12, 14, 16} {
		limit := 1<<depth - 1
		im := randomImage(r, 17, 9, 3, limit)
		out := Convert16To8(im, depth)
		if out.Bits != 8 {
			t.Fatalf("depth %d: expected 8-bit result, got %d", depth, out.Bits)
		}
		for i, v := range im.Pix {
			want := v >> uint(depth-8)
			if out.Pix[i] != want {
				t.Fatalf("depth %d pixel %d: got %d want %d", depth, i, out.Pix[i], want)
			}
		}
	}
}

func TestDetectBitDepth(t *testing.T) {
	cases := []struct {
		max  uint16
		want int
	}{
		{200, 8}, {1000, 10}, {1024, 12}, {4000, 12}, {4096, 14}, {16384, 16}, {65535, 16},
	}
	for _, tc := range cases {
		im := New(4, 4, 1, 16)
		im.Pix[5] = tc.max
		if got := DetectBitDepth(im); got != tc.want {
			t.Errorf("max %d: got %d want %d", tc.max, got, tc.want)
		}
	}
}

func TestSubtractMasterSaturates(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	frame := randomImage(r, 12, 8, 1, 4000)
	master := randomImage(r, 12, 8, 1, 4000)
	out, err := SubtractMaster(frame, master)
	if err != nil {
		t.Fatalf("SubtractMaster: %v", err)
	}
	if out.Bits != frame.Bits {
		t.Fatalf("depth changed from %d to %d", frame.Bits, out.Bits)
	}
	for i := range frame.Pix {
		want := int(frame.Pix[i]) - int(master.Pix[i])
		if want < 0 {
			want = 0
		}
		if int(out.Pix[i]) != want {
			t.Fatalf("pixel %d: got %d want %d", i, out.Pix[i], want)
		}
	}
}

func TestSubtractMasterShapeMismatch(t *testing.T) {
	_, err := SubtractMaster(New(4, 4, 1, 16), New(4, 5, 1, 16))
	if !errors.Is(err, ErrCalibrationNotFound) {
		t.Fatalf("expected ErrCalibrationNotFound, got %v", err)
	}
}

func TestBuildMasterTakesMaximum(t *testing.T) {
	dark := filled(3, 3, 1, 16, 10)
	bpm := New(3, 3, 1, 16)
	bpm.Pix[4] = 4095
	master, err := BuildMaster(dark, bpm)
	if err != nil {
		t.Fatal(err)
	}
	if master.Pix[4] != 4095 || master.Pix[0] != 10 {
		t.Fatalf("unexpected master %v", master.Pix)
	}
}

func TestSubtractBlackLevelScales(t *testing.T) {
	frame := filled(2, 2, 1, 16, 300)
	out := SubtractBlackLevel(frame, 4096, 12)
	// 4096 in 16-bit units is 256 at 12 bits
	if out.Pix[0] != 44 {
		t.Fatalf("got %d want 44", out.Pix[0])
	}
}

func TestStackSingleFrameIdentity(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	x := randomImage(r, 8, 8, 3, 65535)
	for _, m := range []StackMethod{StackAverage, StackMaximum, StackMinimum} {
		out, err := Stack([]*Image{x}, m)
		if err != nil {
			t.Fatal(err)
		}
		if out != x || !out.Equal(x) {
			t.Fatalf("%s: single frame stack is not the input", m)
		}
	}
}

func TestStackMaximumOfIdenticalFrames(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	a := randomImage(r, 10, 6, 1, 4095)
	b := a.Clone()
	out, err := Stack([]*Image{a, b}, StackMaximum)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Equal(a) || !out.Equal(b) {
		t.Fatal("maximum of identical frames differs from the frames")
	}
}

func TestStackAverageRounds(t *testing.T) {
	a := filled(2, 2, 1, 16, 1)
	b := filled(2, 2, 1, 16, 2)
	out, err := Stack([]*Image{a, b}, ParseStackMethod("mean"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Pix[0] != 2 {
		t.Fatalf("expected rounded mean 2, got %d", out.Pix[0])
	}
}

func TestDebayerConstantStaysFlat(t *testing.T) {
	for _, pattern := range []string{"RGGB", "GRBG", "BGGR", "GBRG"} {
		raw := &Raw{Width: 9, Height: 7, Channels: 1, Bitpix: 16, U16: filled(9, 7, 1, 16, 1024).Pix}
		out, err := Debayer(raw, pattern, false)
		if err != nil {
			t.Fatalf("%s: %v", pattern, err)
		}
		if out.Channels != 3 || out.Width != 9 || out.Height != 7 {
			t.Fatalf("%s: unexpected shape %dx%dx%d", pattern, out.Width, out.Height, out.Channels)
		}
		for i, v := range out.Pix {
			if v != 1024 {
				t.Fatalf("%s: sample %d is %d", pattern, i, v)
			}
		}
	}
}

func TestDebayerUnknownPattern(t *testing.T) {
	raw := &Raw{Width: 2, Height: 2, Channels: 1, Bitpix: 16, U16: make([]uint16, 4)}
	if _, err := Debayer(raw, "XXXX", false); !errors.Is(err, ErrBadImage) {
		t.Fatalf("expected ErrBadImage, got %v", err)
	}
}

func TestNormalizeFloatAndInt32(t *testing.T) {
	f := &Raw{Width: 2, Height: 1, Channels: 1, Bitpix: -32, F: []float64{0.5, 1.0}}
	f.Normalize()
	if f.Bitpix != 16 || f.U16[1] != 65535 || f.U16[0] != 32768 {
		t.Fatalf("float normalize: %+v", f.U16)
	}

	i := &Raw{Width: 2, Height: 1, Channels: 1, Bitpix: 32, F: []float64{-5, 65536 * 100}}
	i.Normalize()
	if i.U16[0] != 0 || i.U16[1] != 100 {
		t.Fatalf("int32 normalize: %+v", i.U16)
	}
}

func TestHeaderTypedAccess(t *testing.T) {
	h := Header{}
	h.Set("GAIN", Int(100))
	h.Set("EXPTIME", Float(2.5))
	h.Set("BAYERPAT", Str("RGGB"))
	h.SetDefault("GAIN", Int(5))

	if g, ok := h.Int("GAIN"); !ok || g != 100 {
		t.Fatalf("GAIN = %v %v", g, ok)
	}
	if e, ok := h.Float("EXPTIME"); !ok || e != 2.5 {
		t.Fatalf("EXPTIME = %v %v", e, ok)
	}
	if b, ok := h.Str("BAYERPAT"); !ok || b != "RGGB" {
		t.Fatalf("BAYERPAT = %v %v", b, ok)
	}
	if _, ok := h.Str("MISSING"); ok {
		t.Fatal("missing key reported present")
	}
}

func TestFITSRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	im := randomImage(r, 16, 12, 1, 65535)
	var buf bytes.Buffer
	hdr := Header{"EXPTIME": Float(1.5), "BAYERPAT": Str("RGGB")}
	if err := EncodeFITS(&buf, im, hdr); err != nil {
		t.Fatalf("EncodeFITS: %v", err)
	}
	raw, err := Decode(buf.Bytes(), ".fits")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if raw.Width != 16 || raw.Height != 12 || raw.Bitpix != 16 {
		t.Fatalf("unexpected geometry %dx%d bitpix %d", raw.Width, raw.Height, raw.Bitpix)
	}
	for i, v := range im.Pix {
		if raw.U16[i] != v {
			t.Fatalf("sample %d: got %d want %d", i, raw.U16[i], v)
		}
	}
	if b, _ := raw.Header.Str("BAYERPAT"); b != "RGGB" {
		t.Fatalf("BAYERPAT lost: %q", b)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := Decode([]byte("not an image"), ".jpg"); !errors.Is(err, ErrBadImage) {
		t.Fatalf("expected ErrBadImage, got %v", err)
	}
	if _, err := Decode(nil, ".bmp"); !errors.Is(err, ErrBadImage) {
		t.Fatalf("expected ErrBadImage for unknown extension, got %v", err)
	}
}

func TestEncodeDecodePNG(t *testing.T) {
	im := filled(5, 4, 3, 8, 0)
	im.Set(1, 1, 2, 200)
	data, err := EncodeBytes(im, "png", 0)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := Decode(data, "png")
	if err != nil {
		t.Fatal(err)
	}
	back := raw.Image()
	if back.Channels != 3 || back.At(1, 1, 2) != 200 || back.At(1, 1, 0) != 0 {
		t.Fatalf("png round trip mismatch: %v", back.Pix[:12])
	}
}

func TestRotateAndFlipGeometry(t *testing.T) {
	im := New(6, 4, 1, 8)
	im.Set(0, 0, 0, 255)

	cw := Rotate90(im, "cw")
	if cw.Width != 4 || cw.Height != 6 {
		t.Fatalf("cw size %dx%d", cw.Width, cw.Height)
	}
	if cw.At(3, 0, 0) != 255 {
		t.Fatal("top-left pixel should move to top-right after clockwise rotation")
	}

	f := Flip(im, false, true)
	if f.At(5, 0, 0) != 255 {
		t.Fatal("horizontal flip did not mirror")
	}
	if Rotate90(im, "") != im {
		t.Fatal("empty rotation should be a no-op")
	}
}

func TestCropAndBorder(t *testing.T) {
	im := filled(10, 10, 3, 8, 50)
	c := Crop(im, 2, 3, 8, 7)
	if c.Width != 6 || c.Height != 4 {
		t.Fatalf("crop size %dx%d", c.Width, c.Height)
	}
	b := Border(c, 1, 2, 3, 4, []int{10, 20, 30})
	if b.Width != 6+2+3 || b.Height != 4+1+4 {
		t.Fatalf("border size %dx%d", b.Width, b.Height)
	}
	if b.At(0, 0, 0) != 10 || b.At(0, 0, 2) != 30 || b.At(2, 1, 0) != 50 {
		t.Fatal("border colour or content misplaced")
	}
}

func TestColorMatrixIdentity(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	im := randomImage(r, 5, 5, 3, 60000)
	out := ApplyColorMatrix(im, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	if !out.Equal(im) {
		t.Fatal("identity matrix changed the image")
	}
}

func TestGammaLUTEndpoints(t *testing.T) {
	lut := NewGammaLUT(2.2, 8)
	im := New(3, 1, 1, 8)
	im.Pix[1], im.Pix[2] = 128, 255
	out := lut.Apply(im)
	if out.Pix[0] != 0 || out.Pix[2] != 255 || out.Pix[1] <= 128 {
		t.Fatalf("gamma output %v", out.Pix)
	}
}

func TestMTFStretchBrightensDarkSky(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	im := New(32, 32, 1, 16)
	for i := range im.Pix {
		im.Pix[i] = uint16(2000 + r.Intn(200))
	}
	out := MTFStretch(im, 0.25, 2.8)
	if out.Mean() <= im.Mean() {
		t.Fatalf("stretch did not brighten: %f -> %f", im.Mean(), out.Mean())
	}
}

func TestDetectStarsFindsGaussian(t *testing.T) {
	im := New(64, 64, 1, 8)
	for y := -4; y <= 4; y++ {
		for x := -4; x <= 4; x++ {
			v := 200 * math.Exp(-float64(x*x+y*y)/(2*1.2*1.2))
			im.Set(30+x, 30+y, 0, uint16(v+0.5))
		}
	}
	stars := DetectStars(im, StarOptions{Threshold: 0.8})
	if len(stars) != 1 {
		t.Fatalf("expected one star, got %v", stars)
	}
	if stars[0] != (Point{X: 30, Y: 30}) {
		t.Fatalf("star at %v", stars[0])
	}
}

func TestDetectLinesFindsTrail(t *testing.T) {
	im := New(100, 100, 1, 8)
	for y := 50; y <= 52; y++ {
		for x := 0; x < 100; x++ {
			im.Set(x, y, 0, 255)
		}
	}
	lines := DetectLines(im, DefaultHoughOptions())
	if len(lines) == 0 {
		t.Fatal("no lines detected")
	}
	l := lines[0]
	if d := l.Y1 - l.Y2; d < -3 || d > 3 {
		t.Fatalf("expected a horizontal segment, got %+v", l)
	}
}

func TestCircleMaskDarkensCorners(t *testing.T) {
	im := filled(40, 40, 1, 8, 200)
	out := CircleMask(im, 30, 0, 0, 0, 1, false)
	if out.At(0, 0, 0) != 0 {
		t.Fatalf("corner not masked: %d", out.At(0, 0, 0))
	}
	if out.At(20, 20, 0) != 200 {
		t.Fatalf("centre altered: %d", out.At(20, 20, 0))
	}
}

func TestLabelRendersTemplate(t *testing.T) {
	l, err := NewLabel("Exp {{printf \"%.1f\" .Exposure}}\nGain {{.Gain}}", 5, 15, 16, BGR{255, 255, 255})
	if err != nil {
		t.Fatal(err)
	}
	lines, err := l.Render(LabelData{Exposure: 2.5, Gain: 100, Timestamp: time.Unix(0, 0)})
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 || lines[0] != "Exp 2.5" || lines[1] != "Gain 100" {
		t.Fatalf("unexpected label %q", lines)
	}
	im := New(120, 60, 3, 8)
	out, err := l.Draw(im, LabelData{Exposure: 2.5, Gain: 100})
	if err != nil {
		t.Fatal(err)
	}
	if out.MaxValue() == 0 {
		t.Fatal("label drew nothing")
	}
}

func TestPanoramaSize(t *testing.T) {
	im := filled(50, 50, 3, 8, 100)
	p := Panorama(im, 120, 20, 0, 0)
	if p.Width != 120 || p.Height != 20 || p.Channels != 3 {
		t.Fatalf("panorama shape %dx%dx%d", p.Width, p.Height, p.Channels)
	}
	if p.At(60, 10, 1) != 100 {
		t.Fatalf("panorama sample %d", p.At(60, 10, 1))
	}
}

func TestADUAndSQM(t *testing.T) {
	im := filled(8, 8, 1, 16, 257*40)
	if adu := ADU(im, image.Rectangle{}, nil); math.Abs(adu-40) > 1e-9 {
		t.Fatalf("adu %f", adu)
	}
	bright := SQM(100, 1, 0, 22)
	dark := SQM(10, 1, 0, 22)
	if dark <= bright {
		t.Fatalf("darker sky should have larger SQM: %f vs %f", dark, bright)
	}
}

func TestNextExposureClamps(t *testing.T) {
	if got := NextExposure(10, 30, 30, 5, 0.001, 15); got != 10 {
		t.Fatalf("inside tolerance should keep exposure, got %f", got)
	}
	if got := NextExposure(10, 10, 40, 5, 0.001, 15); got != 15 {
		t.Fatalf("should clamp at max, got %f", got)
	}
	if got := NextExposure(1, 200, 50, 5, 0.001, 15); got != 0.25 {
		t.Fatalf("expected quarter exposure, got %f", got)
	}
}

func TestRegisterRecoversShift(t *testing.T) {
	ref := New(120, 120, 1, 16)
	stars := [][2]int{{20, 20}, {90, 30}, {40, 80}, {100, 100}, {60, 55}, {15, 105}}
	for _, s := range stars {
		drawStar(ref, s[0], s[1])
	}
	moved := New(120, 120, 1, 16)
	for _, s := range stars {
		drawStar(moved, s[0]+3, s[1]-2)
	}
	out, err := Register(context.Background(), ref, moved, DefaultRegisterOptions())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if out.At(20, 20, 0) < 30000 {
		t.Fatalf("star not realigned: %d", out.At(20, 20, 0))
	}
}

func TestRegisterHonoursDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Register(ctx, New(4, 4, 1, 16), New(4, 4, 1, 16), DefaultRegisterOptions())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// countdownCtx reports a deadline once Err has been called more than left times.
type countdownCtx struct {
	context.Context
	left, calls int
}

func (c *countdownCtx) Err() error {
	c.calls++
	if c.calls > c.left {
		return context.DeadlineExceeded
	}
	return nil
}

func TestRegisterStopsInsideCentroidPass(t *testing.T) {
	ctx := &countdownCtx{Context: context.Background(), left: 11}
	_, err := Register(ctx, New(120, 120, 1, 16), New(120, 120, 1, 16), DefaultRegisterOptions())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	// one check before the pass, ten rows, then the failing row
	if ctx.calls != 12 {
		t.Fatalf("ctx checked %d times, want 12", ctx.calls)
	}
}

func TestWarpStopsAtDeadline(t *testing.T) {
	ctx := &countdownCtx{Context: context.Background(), left: 5}
	_, err := warpAffine(ctx, New(120, 120, 1, 16), Identity)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if ctx.calls != 6 {
		t.Fatalf("warp ran %d rows past the deadline", ctx.calls-6)
	}
}

func drawStar(im *Image, cx, cy int) {
	for y := -3; y <= 3; y++ {
		for x := -3; x <= 3; x++ {
			v := 60000 * math.Exp(-float64(x*x+y*y)/8)
			im.Set(cx+x, cy+y, 0, uint16(v))
		}
	}
}
