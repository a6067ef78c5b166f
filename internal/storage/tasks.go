package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TaskQueue names a consumer queue.
type TaskQueue string

const (
	QueueVideo  TaskQueue = "video"
	QueueUpload TaskQueue = "upload"
	QueueMain   TaskQueue = "main"
)

// TaskState is the lifecycle of a queued task.
type TaskState string

const (
	TaskQueued  TaskState = "queued"
	TaskManual  TaskState = "manual"
	TaskRunning TaskState = "running"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
)

// TaskRecord is one row of the taskqueue table.
type TaskRecord struct {
	ID        int64
	Queue     TaskQueue
	State     TaskState
	Action    string
	Data      map[string]any
	Result    map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AddTask inserts a task and returns its id.
func (s *Store) AddTask(ctx context.Context, queue TaskQueue, action string, data map[string]any, state TaskState) (int64, error) {
	if s == nil {
		return 0, nil
	}
	if state == "" {
		state = TaskQueued
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal task data: %w", err)
	}
	now := time.Now().UnixNano()
	res, err := s.DB.ExecContext(ctx, `INSERT INTO taskqueue (queue, state, action, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?);`,
		string(queue), string(state), action, string(dataJSON), now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ClaimTask moves the oldest queued task in any of queues to running and returns it.
// It returns (nil, nil) when nothing is waiting.
func (s *Store) ClaimTask(ctx context.Context, queues ...TaskQueue) (*TaskRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	if len(queues) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(queues)), ",")
	args := make([]any, 0, len(queues)+1)
	args = append(args, string(TaskQueued))
	for _, q := range queues {
		args = append(args, string(q))
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rec, err := scanTask(tx.QueryRowContext(ctx, `SELECT id, queue, state, action, data, result, created_at, updated_at FROM taskqueue
        WHERE state=? AND queue IN (`+placeholders+`) ORDER BY id ASC LIMIT 1;`, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE taskqueue SET state=?, updated_at=? WHERE id=?;`, string(TaskRunning), now.UnixNano(), rec.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	rec.State = TaskRunning
	rec.UpdatedAt = now.UTC()
	return rec, nil
}

// FinishTask records the final state and result of a task.
func (s *Store) FinishTask(ctx context.Context, id int64, state TaskState, result map[string]any) error {
	if s == nil {
		return nil
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `UPDATE taskqueue SET state=?, result=?, updated_at=? WHERE id=?;`,
		string(state), string(resultJSON), time.Now().UnixNano(), id)
	return err
}

// Task loads a single task.
func (s *Store) Task(ctx context.Context, id int64) (*TaskRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	return scanTask(s.DB.QueryRowContext(ctx, `SELECT id, queue, state, action, data, result, created_at, updated_at FROM taskqueue WHERE id=?;`, id))
}

// RecentTasks returns the latest tasks up to limit.
func (s *Store) RecentTasks(ctx context.Context, limit int) ([]TaskRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, queue, state, action, data, result, created_at, updated_at FROM taskqueue ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskRecord, error) {
	var rec TaskRecord
	var queue, state string
	var data, result sql.NullString
	var created, updated int64
	if err := row.Scan(&rec.ID, &queue, &state, &rec.Action, &data, &result, &created, &updated); err != nil {
		return nil, err
	}
	rec.Queue = TaskQueue(queue)
	rec.State = TaskState(state)
	rec.CreatedAt = fromUnixNano(created)
	rec.UpdatedAt = fromUnixNano(updated)
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &rec.Data); err != nil {
			return nil, fmt.Errorf("unmarshal task data: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &rec.Result); err != nil {
			return nil, fmt.Errorf("unmarshal task result: %w", err)
		}
	}
	return &rec, nil
}
