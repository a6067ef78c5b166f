package storage

import (
	"context"
	"time"
)

// CameraRecord is one row of the camera table.
type CameraRecord struct {
	ID          int64
	Name        string
	Driver      string
	Width       int
	Height      int
	Bayer       string
	BitDepth    int
	MinExposure float64
	MaxExposure float64
	MinGain     int
	MaxGain     int
	Latitude    float64
	Longitude   float64
	Elevation   float64
	ConnectedAt time.Time
}

// UpsertCamera inserts or refreshes the camera row keyed by name and returns its id.
func (s *Store) UpsertCamera(ctx context.Context, rec CameraRecord) (int64, error) {
	if s == nil {
		return 0, nil
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO camera (name, driver, width, height, bayer, bit_depth, min_exposure, max_exposure, min_gain, max_gain, latitude, longitude, elevation, connect_date)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(name) DO UPDATE SET driver=excluded.driver, width=excluded.width, height=excluded.height,
            bayer=excluded.bayer, bit_depth=excluded.bit_depth, min_exposure=excluded.min_exposure,
            max_exposure=excluded.max_exposure, min_gain=excluded.min_gain, max_gain=excluded.max_gain,
            latitude=excluded.latitude, longitude=excluded.longitude, elevation=excluded.elevation,
            connect_date=excluded.connect_date;`,
		rec.Name, rec.Driver, rec.Width, rec.Height, rec.Bayer, rec.BitDepth, rec.MinExposure, rec.MaxExposure,
		rec.MinGain, rec.MaxGain, rec.Latitude, rec.Longitude, rec.Elevation, unixNano(rec.ConnectedAt))
	if err != nil {
		return 0, err
	}
	var id int64
	err = s.DB.QueryRowContext(ctx, `SELECT id FROM camera WHERE name=?;`, rec.Name).Scan(&id)
	return id, err
}

// Camera loads a camera row by id.
func (s *Store) Camera(ctx context.Context, id int64) (*CameraRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	var rec CameraRecord
	var connected int64
	err := s.DB.QueryRowContext(ctx, `SELECT id, name, driver, width, height, bayer, bit_depth, min_exposure, max_exposure, min_gain, max_gain, latitude, longitude, elevation, connect_date FROM camera WHERE id=?;`, id).
		Scan(&rec.ID, &rec.Name, &rec.Driver, &rec.Width, &rec.Height, &rec.Bayer, &rec.BitDepth, &rec.MinExposure, &rec.MaxExposure,
			&rec.MinGain, &rec.MaxGain, &rec.Latitude, &rec.Longitude, &rec.Elevation, &connected)
	if err != nil {
		return nil, err
	}
	rec.ConnectedAt = fromUnixNano(connected)
	return &rec, nil
}
