package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DarkTempWindow is how much warmer than the sensor a temperature-matched dark may be.
const DarkTempWindow = 5.0

// CalibrationKind selects the darkframe or badpixelmap table.
type CalibrationKind string

const (
	KindDark CalibrationKind = "dark"
	KindBPM  CalibrationKind = "bpm"
)

func (k CalibrationKind) table() (string, error) {
	switch k {
	case KindDark:
		return "darkframe", nil
	case KindBPM:
		return "badpixelmap", nil
	default:
		return "", fmt.Errorf("unknown calibration kind %q", k)
	}
}

// CalibrationFrame is a stored master dark or bad-pixel map.
type CalibrationFrame struct {
	ID        int64
	CameraID  int64
	Kind      CalibrationKind
	BitDepth  int
	BinMode   int
	Gain      int
	Exposure  float64
	Temp      float64
	Filename  string
	Active    bool
	CreatedAt time.Time
}

// CalibrationQuery describes the frame that needs calibrating.
type CalibrationQuery struct {
	CameraID int64
	Kind     CalibrationKind
	BitDepth int
	BinMode  int
	Gain     int
	Exposure float64
	Temp     float64
}

// AddCalibration registers a calibration frame and returns its id.
func (s *Store) AddCalibration(ctx context.Context, f CalibrationFrame) (int64, error) {
	if s == nil {
		return 0, nil
	}
	table, err := f.Kind.table()
	if err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO `+table+` (camera_id, bitdepth, binmode, gain, exposure, temp, filename, active, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		f.CameraID, f.BitDepth, f.BinMode, f.Gain, f.Exposure, f.Temp, f.Filename, f.Active, unixNano(f.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FindCalibration selects the best calibration frame for q, or (nil, nil) when none match.
//
// The first pass wants a frame at or above the current gain and exposure, taken no colder
// than the sensor and at most DarkTempWindow warmer. Failing that, any temperature is
// accepted and the warmest frame wins.
func (s *Store) FindCalibration(ctx context.Context, q CalibrationQuery) (*CalibrationFrame, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	table, err := q.Kind.table()
	if err != nil {
		return nil, err
	}

	base := `SELECT id, camera_id, bitdepth, binmode, gain, exposure, temp, filename, active, created_at FROM ` + table + `
        WHERE camera_id=? AND active=1 AND bitdepth=? AND binmode=? AND gain>=? AND exposure>=?`

	f, err := s.queryCalibration(ctx, q.Kind,
		base+` AND temp>=? AND temp<=? ORDER BY gain ASC, exposure ASC, temp ASC, created_at DESC LIMIT 1;`,
		q.CameraID, q.BitDepth, q.BinMode, q.Gain, q.Exposure, q.Temp, q.Temp+DarkTempWindow)
	if f != nil || err != nil {
		return f, err
	}

	return s.queryCalibration(ctx, q.Kind,
		base+` ORDER BY gain ASC, exposure ASC, temp DESC, created_at DESC LIMIT 1;`,
		q.CameraID, q.BitDepth, q.BinMode, q.Gain, q.Exposure)
}

func (s *Store) queryCalibration(ctx context.Context, kind CalibrationKind, query string, args ...any) (*CalibrationFrame, error) {
	f := CalibrationFrame{Kind: kind}
	var created int64
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&f.ID, &f.CameraID, &f.BitDepth, &f.BinMode, &f.Gain,
		&f.Exposure, &f.Temp, &f.Filename, &f.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.CreatedAt = fromUnixNano(created)
	return &f, nil
}

// Calibrations lists every frame of a kind for a camera, newest first.
func (s *Store) Calibrations(ctx context.Context, cameraID int64, kind CalibrationKind) ([]CalibrationFrame, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	table, err := kind.table()
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, camera_id, bitdepth, binmode, gain, exposure, temp, filename, active, created_at FROM `+table+`
        WHERE camera_id=? ORDER BY created_at DESC;`, cameraID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames []CalibrationFrame
	for rows.Next() {
		f := CalibrationFrame{Kind: kind}
		var created int64
		if err := rows.Scan(&f.ID, &f.CameraID, &f.BitDepth, &f.BinMode, &f.Gain, &f.Exposure, &f.Temp, &f.Filename, &f.Active, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = fromUnixNano(created)
		frames = append(frames, f)
	}
	return frames, rows.Err()
}
