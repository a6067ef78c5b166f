package processing

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"allsky/internal/fsutil"
	"allsky/internal/imgproc"
)

// ErrKeogramMismatch is returned when a slice does not fit the running mosaic. The
// state has been cleared by the time it is returned.
var ErrKeogramMismatch = errors.New("keogram slice shape mismatch")

// keogramSnapshot is the on-disk form of a Keogram.
type keogramSnapshot struct {
	DayDate  string
	Height   int
	Channels int
	Bits     int
	Columns  [][]uint16
	Times    []time.Time
}

// Keogram is the running one-column-per-frame mosaic for one camera and day date.
type Keogram struct {
	Angle      float64
	MaxEntries int

	path  string
	state keogramSnapshot
}

// NewKeogram returns an empty keogram persisted at path. An empty path disables
// persistence.
func NewKeogram(path string, angle float64, maxEntries int) *Keogram {
	return &Keogram{Angle: angle, MaxEntries: maxEntries, path: path}
}

// LoadKeogram restores a snapshot written by a previous run. A missing file yields an
// empty keogram.
func LoadKeogram(path string, angle float64, maxEntries int) (*Keogram, error) {
	k := NewKeogram(path, angle, maxEntries)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return k, nil
	}
	if err != nil {
		return k, err
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(&k.state); err != nil {
		k.state = keogramSnapshot{}
		return k, fmt.Errorf("decode keogram snapshot %s: %w", path, err)
	}
	if len(k.state.Columns) != len(k.state.Times) {
		k.state = keogramSnapshot{}
		return k, fmt.Errorf("keogram snapshot %s is inconsistent", path)
	}
	return k, nil
}

// DayDate is the observation date of the columns held.
func (k *Keogram) DayDate() string { return k.state.DayDate }

// Width is the number of columns, which always equals len(Times()).
func (k *Keogram) Width() int { return len(k.state.Columns) }

func (k *Keogram) Height() int { return k.state.Height }

func (k *Keogram) Times() []time.Time {
	return append([]time.Time(nil), k.state.Times...)
}

// Add appends the central column of im. A day date change starts a new mosaic; a
// slice whose height, channels or depth differ from the first clears the state,
// deletes the snapshot and returns ErrKeogramMismatch.
func (k *Keogram) Add(im *imgproc.Image, ts time.Time, dayDate string) error {
	if k.state.DayDate != dayDate && k.Width() > 0 {
		k.Reset()
	}
	k.state.DayDate = dayDate

	slice := imgproc.KeogramSlice(im, k.Angle)
	if k.Width() > 0 && (slice.Height != k.state.Height || slice.Channels != k.state.Channels || slice.Bits != k.state.Bits) {
		got, want := slice.Height, k.state.Height
		k.Reset()
		return fmt.Errorf("%w: slice height %d, keogram height %d", ErrKeogramMismatch, got, want)
	}
	if k.Width() == 0 {
		k.state.Height, k.state.Channels, k.state.Bits = slice.Height, slice.Channels, slice.Bits
	}
	k.state.Columns = append(k.state.Columns, slice.Pix)
	k.state.Times = append(k.state.Times, ts)

	if k.MaxEntries > 0 && k.Width() > k.MaxEntries {
		drop := k.Width() - k.MaxEntries
		k.state.Columns = append([][]uint16(nil), k.state.Columns[drop:]...)
		k.state.Times = append([]time.Time(nil), k.state.Times[drop:]...)
	}
	return k.Save()
}

// Reset empties the mosaic and removes the snapshot.
func (k *Keogram) Reset() {
	day := k.state.DayDate
	k.state = keogramSnapshot{DayDate: day}
	if k.path != "" {
		os.Remove(k.path)
	}
}

// Save writes the snapshot atomically.
func (k *Keogram) Save() error {
	if k.path == "" {
		return nil
	}
	return fsutil.AtomicWriteFunc(k.path, 0644, func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(&k.state)
	})
}

// Image assembles the mosaic, oldest column on the left.
func (k *Keogram) Image() (*imgproc.Image, error) {
	if k.Width() == 0 {
		return nil, fmt.Errorf("%w: keogram is empty", imgproc.ErrBadImage)
	}
	cols := make([]*imgproc.Image, len(k.state.Columns))
	for i, pix := range k.state.Columns {
		cols[i] = &imgproc.Image{Width: 1, Height: k.state.Height, Channels: k.state.Channels, Bits: k.state.Bits, Pix: pix}
	}
	return imgproc.HStack(cols)
}
