package imgproc

import "fmt"

// BuildMaster combines a dark with an optional bad-pixel map by per-pixel maximum.
func BuildMaster(dark, bpm *Image) (*Image, error) {
	if dark == nil {
		return nil, ErrCalibrationNotFound
	}
	if bpm == nil {
		return dark, nil
	}
	if !sameGeometry(dark, bpm) {
		return nil, fmt.Errorf("%w: bad pixel map %dx%dx%d does not match dark %dx%dx%d", ErrCalibrationNotFound,
			bpm.Width, bpm.Height, bpm.Channels, dark.Width, dark.Height, dark.Channels)
	}
	out := dark.Clone()
	for i, v := range bpm.Pix {
		if v > out.Pix[i] {
			out.Pix[i] = v
		}
	}
	return out, nil
}

// SubtractMaster returns max(0, frame - master) with the frame's depth preserved.
func SubtractMaster(frame, master *Image) (*Image, error) {
	if master == nil {
		return nil, ErrCalibrationNotFound
	}
	if !sameGeometry(frame, master) {
		return nil, fmt.Errorf("%w: master %dx%dx%d does not match frame %dx%dx%d", ErrCalibrationNotFound,
			master.Width, master.Height, master.Channels, frame.Width, frame.Height, frame.Channels)
	}
	out := New(frame.Width, frame.Height, frame.Channels, frame.Bits)
	for i, f := range frame.Pix {
		if m := master.Pix[i]; f > m {
			out.Pix[i] = f - m
		}
	}
	return out, nil
}

// SubtractBlackLevel removes a driver reported offset. level16 is expressed in 16-bit
// units and is scaled into bitDepth before the saturating subtraction.
func SubtractBlackLevel(frame *Image, level16 int, bitDepth int) *Image {
	if level16 <= 0 {
		return frame
	}
	if bitDepth <= 0 || bitDepth > 16 {
		bitDepth = 16
	}
	level := uint16(level16 >> uint(16-bitDepth))
	out := New(frame.Width, frame.Height, frame.Channels, frame.Bits)
	for i, f := range frame.Pix {
		if f > level {
			out.Pix[i] = f - level
		}
	}
	return out
}

func sameGeometry(a, b *Image) bool {
	return a.Width == b.Width && a.Height == b.Height && a.Channels == b.Channels
}
