// Package processing turns delivered camera blobs into finished images: it keeps the
// stacking history and the running keogram, and the Worker persists the results.
package processing

import (
	"path/filepath"
	"strings"
	"time"

	"allsky/internal/camera"
	"allsky/internal/imgproc"
)

// Frame is one in-flight image from receipt to encoding.
type Frame struct {
	Raw    *imgproc.Raw
	Header imgproc.Header
	// Image is the debayered working image; nil until Debayer runs.
	Image *imgproc.Image

	Filename    string
	Exposure    float64
	ExpDate     time.Time // UTC
	ExpElapsed  float64
	CameraID    int64
	Gain        int
	Bin         int
	Temperature float64
	DayDate     string // 2006-01-02
	TargetADU   float64
	Night       bool
	MoonMode    bool

	Bitpix           int
	BayerPattern     string
	DetectedBitDepth int
	Calibrated       bool

	ADU    float64
	SQM    float64
	HasSQM bool
	Stars  []imgproc.Point
	Lines  []imgproc.Segment
}

func (f *Frame) name() string {
	return filepath.Base(f.Filename)
}

func newFrame(raw *imgproc.Raw, blob camera.Blob, now time.Time) *Frame {
	f := &Frame{
		Raw:         raw,
		Header:      raw.Header,
		Filename:    blob.Filename,
		Exposure:    blob.Exposure,
		ExpDate:     blob.ExpTime.UTC(),
		ExpElapsed:  blob.ExpElapsed,
		CameraID:    blob.CameraID,
		Gain:        blob.Gain,
		Bin:         blob.Bin,
		Temperature: blob.Temperature,
		Bitpix:      raw.Bitpix,
	}
	if f.Header == nil {
		f.Header = imgproc.Header{}
		raw.Header = f.Header
	}
	if blob.ExpTime.IsZero() {
		f.ExpDate = now.UTC()
	}
	if f.Exposure <= 0 {
		if v, ok := f.Header.Float("EXPTIME"); ok {
			f.Exposure = v
		}
	}
	if f.Bin < 1 {
		f.Bin = 1
	}
	return f
}

// fillHeader adds the metadata a finished image should carry when the camera left it out.
func (f *Frame) fillHeader(instrument string, lat, lon, elev float64) {
	h := f.Header
	h.SetDefault("EXPTIME", imgproc.Float(f.Exposure))
	h.SetDefault("GAIN", imgproc.Int(int64(f.Gain)))
	h.SetDefault("XBINNING", imgproc.Int(int64(f.Bin)))
	h.SetDefault("YBINNING", imgproc.Int(int64(f.Bin)))
	h.SetDefault("CCD-TEMP", imgproc.Float(f.Temperature))
	h.SetDefault("DATE-OBS", imgproc.Str(f.ExpDate.Format("2006-01-02T15:04:05.000")))
	h.SetDefault("SITELAT", imgproc.Float(lat))
	h.SetDefault("SITELONG", imgproc.Float(lon))
	h.SetDefault("SITEELEV", imgproc.Float(elev))
	if instrument != "" {
		h.SetDefault("INSTRUME", imgproc.Str(instrument))
	}
	h.Set("CAMERAID", imgproc.Int(f.CameraID))
	if f.BayerPattern != "" {
		h.SetDefault("BAYERPAT", imgproc.Str(f.BayerPattern))
	}
}

// bayerPattern picks the configured override, then the header, then the driver CFA.
// Color data never has a pattern.
func bayerPattern(override string, raw *imgproc.Raw, cfa string) string {
	if raw.Channels != 1 {
		return ""
	}
	for _, cand := range []string{override, headerStr(raw.Header, "BAYERPAT"), cfa} {
		cand = strings.ToUpper(strings.TrimSpace(cand))
		if imgproc.ValidBayer(cand) {
			return cand
		}
	}
	return ""
}

func headerStr(h imgproc.Header, key string) string {
	s, _ := h.Str(key)
	return s
}
