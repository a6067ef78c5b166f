package imgproc

import (
	"image"
	"testing"
)

// horizon is bright trees in the top half over a dark sky in the bottom half.
func horizon() *Image {
	im := New(8, 8, 1, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			v := uint16(20)
			if y < 4 {
				v = 200
			}
			im.Set(x, y, 0, v)
		}
	}
	return im
}

func TestADUHonoursDetectionMask(t *testing.T) {
	im := horizon()
	mask := New(8, 8, 1, 8)
	for y := 4; y < 8; y++ {
		for x := 0; x < 8; x++ {
			mask.Set(x, y, 0, 255)
		}
	}

	if got := ADU(im, image.Rectangle{}, nil); got != 110 {
		t.Fatalf("unmasked central ADU = %f, want 110", got)
	}
	if got := ADU(im, image.Rectangle{}, mask); got != 20 {
		t.Fatalf("masked ADU = %f, want 20", got)
	}
	if got := ADU(im, image.Rect(0, 2, 8, 6), mask); got != 20 {
		t.Fatalf("masked ADU inside roi = %f, want 20", got)
	}
}

func TestADUMaskEdgeCases(t *testing.T) {
	im := horizon()
	if got := ADU(im, image.Rectangle{}, New(8, 8, 1, 8)); got != 0 {
		t.Fatalf("empty mask ADU = %f, want 0", got)
	}
	// a mask of another shape is ignored
	if got := ADU(im, image.Rectangle{}, New(4, 4, 1, 8)); got != 110 {
		t.Fatalf("mismatched mask ADU = %f, want 110", got)
	}
}
