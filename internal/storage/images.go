package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ImageRecord is one row of the image table.
type ImageRecord struct {
	ID         int64
	CameraID   int64
	Kind       ImageKind
	Filename   string
	DayDate    string // 2006-01-02
	Night      bool
	MoonMode   bool
	Exposure   float64
	Gain       int
	Bin        int
	Temp       float64
	ADU        float64
	SQM        float64
	Stars      int
	Lines      int
	Stacked    int
	Calibrated bool
	Width      int
	Height     int
	CreatedAt  time.Time
}

// ImageKind separates archived frames from derived panoramas.
type ImageKind string

const (
	KindImage    ImageKind = "image"
	KindPanorama ImageKind = "panorama"
)

const imageColumns = `id, camera_id, kind, filename, day_date, night, moonmode, exposure, gain, bin, temp, adu, sqm, stars, lines, stacked, calibrated, width, height, created_at`

// AddImage records a finished image.
func (s *Store) AddImage(ctx context.Context, rec ImageRecord) (int64, error) {
	if s == nil {
		return 0, nil
	}
	if rec.Kind == "" {
		rec.Kind = KindImage
	}
	res, err := s.DB.ExecContext(ctx, `INSERT OR REPLACE INTO image (camera_id, kind, filename, day_date, night, moonmode, exposure, gain, bin, temp, adu, sqm, stars, lines, stacked, calibrated, width, height, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.CameraID, string(rec.Kind), rec.Filename, rec.DayDate, rec.Night, rec.MoonMode, rec.Exposure, rec.Gain, rec.Bin, rec.Temp,
		rec.ADU, rec.SQM, rec.Stars, rec.Lines, rec.Stacked, rec.Calibrated, rec.Width, rec.Height, unixNano(rec.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SessionImages returns the frames (not panoramas) for one camera / day date / night flag
// in capture order.
func (s *Store) SessionImages(ctx context.Context, cameraID int64, dayDate string, night bool) ([]ImageRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+imageColumns+` FROM image WHERE camera_id=? AND kind='image' AND day_date=? AND night=? ORDER BY created_at ASC;`,
		cameraID, dayDate, night)
	if err != nil {
		return nil, err
	}
	return scanImages(rows)
}

// LatestImage returns the newest frame for a camera, or nil when there is none.
func (s *Store) LatestImage(ctx context.Context, cameraID int64) (*ImageRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+imageColumns+` FROM image WHERE camera_id=? AND kind='image' ORDER BY created_at DESC LIMIT 1;`, cameraID)
	if err != nil {
		return nil, err
	}
	recs, err := scanImages(rows)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

// ExpireImages deletes rows older than before and returns their filenames.
func (s *Store) ExpireImages(ctx context.Context, before time.Time) ([]string, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT filename FROM image WHERE created_at < ?;`, before.UnixNano())
	if err != nil {
		return nil, err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM image WHERE created_at < ?;`, before.UnixNano()); err != nil {
		return nil, err
	}
	return names, tx.Commit()
}

func scanImages(rows *sql.Rows) ([]ImageRecord, error) {
	defer rows.Close()
	var recs []ImageRecord
	for rows.Next() {
		var rec ImageRecord
		var created int64
		var sqm sql.NullFloat64
		var kind string
		if err := rows.Scan(&rec.ID, &rec.CameraID, &kind, &rec.Filename, &rec.DayDate, &rec.Night, &rec.MoonMode, &rec.Exposure,
			&rec.Gain, &rec.Bin, &rec.Temp, &rec.ADU, &sqm, &rec.Stars, &rec.Lines, &rec.Stacked, &rec.Calibrated,
			&rec.Width, &rec.Height, &created); err != nil {
			return nil, err
		}
		rec.Kind = ImageKind(kind)
		rec.SQM = sqm.Float64
		rec.CreatedAt = fromUnixNano(created)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return recs, nil
}
