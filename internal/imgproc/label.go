package imgproc

import (
	"bytes"
	"fmt"
	"image"
	"strings"
	"text/template"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// LabelData is the context the label template is executed against.
type LabelData struct {
	Timestamp   time.Time
	Exposure    float64
	Gain        int
	Bin         int
	Temperature float64
	Stars       int
	Lines       int
	SQM         float64
	ADU         float64
	SunAlt      float64
	MoonAlt     float64
	MoonPhase   float64
	Night       bool
	MoonMode    bool
	FocusMode   bool

	Latitude  float64
	Longitude float64
	Elevation float64

	Queue        int     // frames waiting for processing
	Backpressure float64 // extra seconds between exposures

	Sensors     []float64 // temperature slots
	SensorsUser []float64
	DewPoint    float64
}

// Label renders multi-line text with a parsed template.
type Label struct {
	tmpl       *template.Template
	X, Y       int
	LineHeight int
	Color      BGR
}

// NewLabel parses the template once; it is reused for every frame.
func NewLabel(text string, x, y, lineHeight int, col BGR) (*Label, error) {
	t, err := template.New("label").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse label template: %w", err)
	}
	if lineHeight <= 0 {
		lineHeight = 16
	}
	return &Label{tmpl: t, X: x, Y: y, LineHeight: lineHeight, Color: col}, nil
}

// Render executes the template and returns the resulting lines.
func (l *Label) Render(data LabelData) ([]string, error) {
	var buf bytes.Buffer
	if err := l.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render label: %w", err)
	}
	return strings.Split(strings.TrimRight(buf.String(), "\n"), "\n"), nil
}

// Draw renders the label into a copy of im.
func (l *Label) Draw(im *Image, data LabelData) (*Image, error) {
	lines, err := l.Render(data)
	if err != nil {
		return im, err
	}
	out := im.Clone()
	for i, line := range lines {
		DrawText(out, line, l.X, l.Y+i*l.LineHeight, l.Color)
	}
	return out, nil
}

// DrawText draws one line with a one-pixel drop shadow. (x, y) is the baseline origin.
func DrawText(im *Image, text string, x, y int, col BGR) {
	if text == "" {
		return
	}
	face := basicfont.Face7x13
	mask := image.NewAlpha(image.Rect(x, y-face.Ascent, x+TextWidth(text)+1, y+face.Descent+1))
	d := &font.Drawer{
		Dst:  mask,
		Src:  image.Opaque,
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)

	b := mask.Bounds()
	for py := b.Min.Y; py < b.Max.Y; py++ {
		for px := b.Min.X; px < b.Max.X; px++ {
			if a := mask.AlphaAt(px, py).A; a > 0 {
				blend(im, px+1, py+1, BGR{0, 0, 0}, float64(a)/255)
			}
		}
	}
	for py := b.Min.Y; py < b.Max.Y; py++ {
		for px := b.Min.X; px < b.Max.X; px++ {
			if a := mask.AlphaAt(px, py).A; a > 0 {
				blend(im, px, py, col, float64(a)/255)
			}
		}
	}
}

// TextWidth is the pixel advance of text in the label face.
func TextWidth(text string) int {
	return font.MeasureString(basicfont.Face7x13, text).Ceil()
}

// DrawCardinals writes N/E/S/W at the positions from CardinalPositions.
func DrawCardinals(im *Image, northOffset float64, swapEW bool, col BGR) *Image {
	out := im.Clone()
	for name, p := range CardinalPositions(im.Width, im.Height, northOffset, swapEW) {
		DrawText(out, name, p.X-TextWidth(name)/2, p.Y+5, col)
	}
	return out
}
