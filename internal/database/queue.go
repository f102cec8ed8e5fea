package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fluentsync/internal/domain"
	"fluentsync/internal/models"
)

var _ domain.QueueStore = (*DB)(nil)

const queueColumns = `id, url, method, headers, body, idempotency_key, priority, created_at, retries`

const upsertQueueSQL = `INSERT INTO queue (` + queueColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            url = excluded.url,
            method = excluded.method,
            headers = excluded.headers,
            body = excluded.body,
            idempotency_key = excluded.idempotency_key,
            priority = excluded.priority,
            created_at = excluded.created_at,
            retries = excluded.retries`

const upsertFailedSQL = `INSERT INTO failed (` + queueColumns + `, error, failed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            url = excluded.url,
            method = excluded.method,
            headers = excluded.headers,
            body = excluded.body,
            idempotency_key = excluded.idempotency_key,
            priority = excluded.priority,
            created_at = excluded.created_at,
            retries = excluded.retries,
            error = excluded.error,
            failed_at = excluded.failed_at`

// Put inserts or overwrites the pending item with the same id.
func (db *DB) Put(ctx context.Context, item *models.QueueItem) error {
	args, err := queueArgs(item)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, db.rebind(upsertQueueSQL), args...); err != nil {
		return fmt.Errorf("failed to put queue item %s: %w", item.ID, err)
	}
	return nil
}

// Get returns models.ErrItemNotFound when the id is not pending.
func (db *DB) Get(ctx context.Context, id string) (*models.QueueItem, error) {
	query := db.rebind(`SELECT ` + queueColumns + ` FROM queue WHERE id = ?`)
	item, err := scanQueueItem(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %s: %w", id, err)
	}
	return item, nil
}

// GetAll returns every pending item. Order is not part of the contract.
func (db *DB) GetAll(ctx context.Context) ([]*models.QueueItem, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+queueColumns+` FROM queue ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue items: %w", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Delete is a no-op for unknown ids.
func (db *DB) Delete(ctx context.Context, id string) error {
	if _, err := db.ExecContext(ctx, db.rebind(`DELETE FROM queue WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete queue item %s: %w", id, err)
	}
	return nil
}

// MoveToFailed records the item as failed and drops it from the queue in one
// transaction. The failed insert is an upsert, so replaying an interrupted move is safe.
func (db *DB) MoveToFailed(ctx context.Context, item *models.QueueItem, errMsg string) error {
	args, err := queueArgs(item)
	if err != nil {
		return err
	}
	args = append(args, errMsg, time.Now().UnixMilli())

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin move of %s: %w", item.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, db.rebind(upsertFailedSQL), args...); err != nil {
		return fmt.Errorf("failed to insert failed item %s: %w", item.ID, err)
	}
	if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM queue WHERE id = ?`), item.ID); err != nil {
		return fmt.Errorf("failed to remove %s from queue: %w", item.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit move of %s: %w", item.ID, err)
	}
	return nil
}

// ListFailed returns failed items, most recent failure first.
func (db *DB) ListFailed(ctx context.Context) ([]*models.FailedItem, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+queueColumns+`, error, failed_at FROM failed ORDER BY failed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed items: %w", err)
	}
	defer rows.Close()

	var items []*models.FailedItem
	for rows.Next() {
		var (
			f        models.FailedItem
			headers  string
			priority string
			created  int64
			failedAt int64
		)
		err := rows.Scan(&f.ID, &f.URL, &f.Method, &headers, &f.Body, &f.IdempotencyKey,
			&priority, &created, &f.Retries, &f.Error, &failedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failed item: %w", err)
		}
		if err := decodeHeaders(headers, &f.QueueItem); err != nil {
			return nil, err
		}
		f.Priority = models.Priority(priority)
		f.Timestamp = time.UnixMilli(created)
		f.FailedAt = time.UnixMilli(failedAt)
		items = append(items, &f)
	}
	return items, rows.Err()
}

func (db *DB) ClearFailed(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM failed`); err != nil {
		return fmt.Errorf("failed to clear failed items: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*models.QueueItem, error) {
	var (
		item     models.QueueItem
		headers  string
		priority string
		created  int64
	)
	err := row.Scan(&item.ID, &item.URL, &item.Method, &headers, &item.Body,
		&item.IdempotencyKey, &priority, &created, &item.Retries)
	if err != nil {
		return nil, err
	}
	if err := decodeHeaders(headers, &item); err != nil {
		return nil, err
	}
	item.Priority = models.Priority(priority)
	item.Timestamp = time.UnixMilli(created)
	return &item, nil
}

func decodeHeaders(raw string, item *models.QueueItem) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &item.Headers); err != nil {
		return fmt.Errorf("decode headers of %s: %w", item.ID, err)
	}
	return nil
}

func queueArgs(item *models.QueueItem) ([]any, error) {
	if item == nil || item.ID == "" {
		return nil, errors.New("queue item id is required")
	}
	headers := []byte("{}")
	if len(item.Headers) > 0 {
		var err error
		if headers, err = json.Marshal(item.Headers); err != nil {
			return nil, fmt.Errorf("encode headers of %s: %w", item.ID, err)
		}
	}
	priority := item.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	return []any{
		item.ID,
		item.URL,
		item.Method,
		string(headers),
		item.Body,
		item.IdempotencyKey,
		string(priority),
		item.Timestamp.UnixMilli(),
		item.Retries,
	}, nil
}
