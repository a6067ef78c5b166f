package imgproc

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"allsky/internal/fsutil"

	"github.com/astrogo/fitsio"
	"golang.org/x/image/tiff"
)

// structural FITS keys are regenerated by the writer
var fitsStructural = map[string]bool{
	"SIMPLE": true, "BITPIX": true, "NAXIS": true, "NAXIS1": true, "NAXIS2": true,
	"NAXIS3": true, "EXTEND": true, "BZERO": true, "BSCALE": true, "END": true,
}

// Encode writes im in the given format ("jpg", "png", "tif"). quality applies to JPEG
// and is the PNG compression hint otherwise (0..9, 9 best).
func Encode(w io.Writer, im *Image, format string, quality int) error {
	src := im.ToGo()
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "jpg", "jpeg":
		if im.Bits == 16 {
			src = Convert16To8(im, 16).ToGo()
		}
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		return jpeg.Encode(w, src, &jpeg.Options{Quality: quality})
	case "png":
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		switch {
		case quality >= 7:
			enc.CompressionLevel = png.BestCompression
		case quality > 0 && quality <= 2:
			enc.CompressionLevel = png.BestSpeed
		}
		return enc.Encode(w, src)
	case "tif", "tiff":
		return tiff.Encode(w, src, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// WriteFile encodes im atomically to path, the format taken from the extension.
func WriteFile(path string, im *Image, quality int) error {
	ext := filepath.Ext(path)
	if IsFITSExt(ext) {
		return fsutil.AtomicWriteFunc(path, 0644, func(w io.Writer) error {
			return EncodeFITS(w, im, nil)
		})
	}
	return fsutil.AtomicWriteFunc(path, 0644, func(w io.Writer) error {
		return Encode(w, im, ext, quality)
	})
}

// EncodeBytes is Encode into memory.
func EncodeBytes(im *Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, im, format, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsFITSExt reports whether ext names a FITS file.
func IsFITSExt(ext string) bool {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "fit", "fits", "fts":
		return true
	}
	return false
}

// EncodeFITS writes a 16-bit primary HDU with BZERO 32768. Color images are written
// as three RGB planes. Header values become cards in sorted key order.
func EncodeFITS(w io.Writer, im *Image, hdr Header) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()

	dims := []int{im.Width, im.Height}
	if im.Channels == 3 {
		dims = append(dims, 3)
	}
	img := fitsio.NewImage(16, dims)
	defer img.Close()

	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		if !fitsStructural[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	cards := make([]fitsio.Card, 0, len(keys)+2)
	cards = append(cards, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	for _, k := range keys {
		v := hdr[k].Interface()
		if i, ok := v.(int64); ok {
			v = int(i)
		}
		cards = append(cards, fitsio.Card{Name: k, Value: v})
	}
	if err := img.Header().Append(cards...); err != nil {
		return err
	}

	plane := im.Width * im.Height
	out := make([]int16, plane*im.Channels)
	if im.Channels == 3 {
		for i := 0; i < plane; i++ {
			out[i] = int16(int32(im.Pix[i*3+2]) - 32768)
			out[plane+i] = int16(int32(im.Pix[i*3+1]) - 32768)
			out[2*plane+i] = int16(int32(im.Pix[i*3]) - 32768)
		}
	} else {
		for i, v := range im.Pix {
			out[i] = int16(int32(v) - 32768)
		}
	}
	if err := img.Write(out); err != nil {
		return err
	}
	return f.Write(img)
}

// LoadLogo decodes a PNG or JPEG overlay keeping its alpha channel.
func LoadLogo(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	logo, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode logo %s: %w", path, err)
	}
	return logo, nil
}
