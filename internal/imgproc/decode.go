package imgproc

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
	_ "golang.org/x/image/tiff"
	"gopkg.in/gographics/imagick.v3/imagick"
)

// Raw is a decoded frame before debayering. Integer data of up to 16 bits lives in U16;
// 32-bit integer and float data lives in F until Debayer normalizes it.
type Raw struct {
	Width    int
	Height   int
	Channels int
	Bitpix   int // 8, 16, 32 or -32
	U16      []uint16
	F        []float64
	Header   Header
}

// DecodeFile reads a FITS, JPEG, PNG, TIFF or DNG file.
func DecodeFile(path string) (*Raw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return Decode(data, filepath.Ext(path))
}

// Decode parses data according to the file extension ext.
func Decode(data []byte, ext string) (*Raw, error) {
	var (
		raw *Raw
		err error
	)
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "fit", "fits", "fts":
		raw, err = decodeFITS(bytes.NewReader(data))
	case "jpg", "jpeg", "png", "tif", "tiff":
		raw, err = decodeStd(bytes.NewReader(data))
	case "dng":
		raw, err = decodeDNG(data)
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrBadImage, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if raw.Width <= 0 || raw.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrBadImage)
	}
	return raw, nil
}

func decodeFITS(r io.Reader) (*Raw, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	hdu := f.HDU(0)
	img, ok := hdu.(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("primary HDU is not an image")
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) < 2 {
		return nil, fmt.Errorf("image has %d axes", len(axes))
	}

	raw := &Raw{Width: axes[0], Height: axes[1], Channels: 1, Bitpix: hdr.Bitpix(), Header: Header{}}
	planes := 1
	if len(axes) > 2 {
		planes = axes[2]
		if planes != 3 && planes != 1 {
			return nil, fmt.Errorf("unsupported plane count %d", planes)
		}
	}

	for _, key := range hdr.Keys() {
		card := hdr.Get(key)
		if card == nil || card.Value == nil {
			continue
		}
		if v, err := ValueOf(card.Value); err == nil {
			raw.Header[strings.ToUpper(key)] = v
		}
	}
	bzero, _ := raw.Header.Float("BZERO")
	bscale, ok := raw.Header.Float("BSCALE")
	if !ok || bscale == 0 {
		bscale = 1
	}

	n := raw.Width * raw.Height * planes
	var samples []float64
	switch raw.Bitpix {
	case 8:
		buf := make([]uint8, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		samples = make([]float64, n)
		for i, v := range buf {
			samples[i] = float64(v)*bscale + bzero
		}
	case 16:
		buf := make([]int16, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		samples = make([]float64, n)
		for i, v := range buf {
			samples[i] = float64(v)*bscale + bzero
		}
	case 32:
		buf := make([]int32, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		samples = make([]float64, n)
		for i, v := range buf {
			samples[i] = float64(v)*bscale + bzero
		}
	case -32:
		buf := make([]float32, n)
		if err := img.Read(&buf); err != nil {
			return nil, err
		}
		samples = make([]float64, n)
		for i, v := range buf {
			samples[i] = float64(v)*bscale + bzero
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", raw.Bitpix)
	}

	// planar RGB to interleaved BGR
	if planes == 3 {
		plane := raw.Width * raw.Height
		inter := make([]float64, n)
		for i := 0; i < plane; i++ {
			inter[i*3] = samples[2*plane+i]
			inter[i*3+1] = samples[plane+i]
			inter[i*3+2] = samples[i]
		}
		samples = inter
		raw.Channels = 3
	}

	if raw.Bitpix == 8 || raw.Bitpix == 16 {
		raw.U16 = make([]uint16, n)
		for i, v := range samples {
			raw.U16[i] = clamp16(v)
		}
	} else {
		raw.F = samples
	}
	return raw, nil
}

func decodeStd(r io.Reader) (*Raw, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	bits := 8
	switch src.(type) {
	case *image.Gray16, *image.RGBA64, *image.NRGBA64:
		bits = 16
	}
	im := FromGo(src, bits)
	return &Raw{
		Width:    im.Width,
		Height:   im.Height,
		Channels: im.Channels,
		Bitpix:   bits,
		U16:      im.Pix,
		Header:   Header{"IMAGETYP": Str(format)},
	}, nil
}

func decodeDNG(data []byte) (*Raw, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.SetFormat("DNG"); err != nil {
		return nil, err
	}
	if err := mw.ReadImageBlob(data); err != nil {
		return nil, err
	}
	w, h := int(mw.GetImageWidth()), int(mw.GetImageHeight())

	px, err := mw.ExportImagePixels(0, 0, uint(w), uint(h), "BGR", imagick.PIXEL_SHORT)
	if err != nil {
		return nil, err
	}

	out := make([]uint16, w*h*3)
	switch p := px.(type) {
	case []int16:
		for i, v := range p {
			out[i] = uint16(v)
		}
	case []uint16:
		copy(out, p)
	default:
		return nil, fmt.Errorf("unexpected pixel buffer %T", px)
	}

	return &Raw{
		Width:    w,
		Height:   h,
		Channels: 3,
		Bitpix:   16,
		U16:      out,
		Header:   Header{"IMAGETYP": Str("dng")},
	}, nil
}
