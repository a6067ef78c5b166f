package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned by read methods on a nil store.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps SQLite-backed persistence for cameras, images, calibration frames,
// queued tasks and notifications.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: modernc sqlite serializes writers.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS camera (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL UNIQUE,
            driver TEXT,
            width INTEGER,
            height INTEGER,
            bayer TEXT,
            bit_depth INTEGER,
            min_exposure REAL,
            max_exposure REAL,
            min_gain INTEGER,
            max_gain INTEGER,
            latitude REAL,
            longitude REAL,
            elevation REAL,
            connect_date INTEGER
        );`,
		`CREATE TABLE IF NOT EXISTS image (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            camera_id INTEGER NOT NULL,
            kind TEXT NOT NULL DEFAULT 'image',
            filename TEXT NOT NULL UNIQUE,
            day_date TEXT NOT NULL,
            night INTEGER NOT NULL,
            moonmode INTEGER NOT NULL,
            exposure REAL,
            gain INTEGER,
            bin INTEGER,
            temp REAL,
            adu REAL,
            sqm REAL,
            stars INTEGER,
            lines INTEGER,
            stacked INTEGER,
            calibrated INTEGER,
            width INTEGER,
            height INTEGER,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_image_session ON image(camera_id, day_date, night);`,
		`CREATE INDEX IF NOT EXISTS idx_image_created ON image(created_at);`,
		`CREATE TABLE IF NOT EXISTS darkframe (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            camera_id INTEGER NOT NULL,
            bitdepth INTEGER NOT NULL,
            binmode INTEGER NOT NULL,
            gain INTEGER NOT NULL,
            exposure REAL NOT NULL,
            temp REAL NOT NULL,
            filename TEXT NOT NULL,
            active INTEGER NOT NULL DEFAULT 1,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS badpixelmap (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            camera_id INTEGER NOT NULL,
            bitdepth INTEGER NOT NULL,
            binmode INTEGER NOT NULL,
            gain INTEGER NOT NULL,
            exposure REAL NOT NULL,
            temp REAL NOT NULL,
            filename TEXT NOT NULL,
            active INTEGER NOT NULL DEFAULT 1,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS tle_data (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            title TEXT NOT NULL UNIQUE,
            line1 TEXT NOT NULL,
            line2 TEXT NOT NULL,
            group_id INTEGER,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS taskqueue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            queue TEXT NOT NULL,
            state TEXT NOT NULL,
            action TEXT NOT NULL,
            data TEXT,
            result TEXT,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_taskqueue_state ON taskqueue(queue, state);`,
		`CREATE TABLE IF NOT EXISTS notification (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            category TEXT NOT NULL,
            item TEXT NOT NULL,
            notification TEXT NOT NULL,
            ack INTEGER NOT NULL DEFAULT 0,
            expire_at INTEGER NOT NULL,
            created_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_notification_item ON notification(category, item);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixNano()
}

func fromUnixNano(v int64) time.Time {
	return time.Unix(0, v).UTC()
}
