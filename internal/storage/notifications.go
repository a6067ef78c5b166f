package storage

import (
	"context"
	"time"
)

// NotificationRecord is one row of the notification table.
type NotificationRecord struct {
	ID        int64
	Category  string
	Item      string
	Message   string
	Ack       bool
	ExpireAt  time.Time
	CreatedAt time.Time
}

// AddNotification stores a message unless an unacknowledged, unexpired notification for
// the same category and item already exists. It reports whether a row was written.
func (s *Store) AddNotification(ctx context.Context, category, item, message string, expire time.Duration) (bool, error) {
	if s == nil {
		return false, nil
	}
	now := time.Now()

	var existing int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM notification WHERE category=? AND item=? AND ack=0 AND expire_at>?;`,
		category, item, now.UnixNano()).Scan(&existing)
	if err != nil {
		return false, err
	}
	if existing > 0 {
		return false, nil
	}

	_, err = s.DB.ExecContext(ctx, `INSERT INTO notification (category, item, notification, ack, expire_at, created_at) VALUES (?, ?, ?, 0, ?, ?);`,
		category, item, message, now.Add(expire).UnixNano(), now.UnixNano())
	return err == nil, err
}

// ActiveNotifications returns unacknowledged, unexpired notifications, newest first.
func (s *Store) ActiveNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, category, item, notification, ack, expire_at, created_at FROM notification
        WHERE ack=0 AND expire_at>? ORDER BY id DESC LIMIT ?;`, time.Now().UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []NotificationRecord
	for rows.Next() {
		var rec NotificationRecord
		var expire, created int64
		if err := rows.Scan(&rec.ID, &rec.Category, &rec.Item, &rec.Message, &rec.Ack, &expire, &created); err != nil {
			return nil, err
		}
		rec.ExpireAt = fromUnixNano(expire)
		rec.CreatedAt = fromUnixNano(created)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// AckNotification marks a notification as seen.
func (s *Store) AckNotification(ctx context.Context, id int64) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE notification SET ack=1 WHERE id=?;`, id)
	return err
}
