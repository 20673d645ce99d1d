package repo

import (
	"context"
	"database/sql"
	"time"

	"vaultline/internal/domain"
)

// DefaultLedgerCap bounds the processed-message ledger per source.
const DefaultLedgerCap = 1000

// IsProcessed reports whether a message id from source was already ingested.
func (r Repo) IsProcessed(ctx context.Context, source, id string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM processed_messages WHERE source=? AND message_id=?`, source, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// MarkProcessed records a message id with its ingestion time.
func (r Repo) MarkProcessed(ctx context.Context, source, id string, seenAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO processed_messages(source,message_id,seen_at) VALUES (?,?,?)
ON CONFLICT(source,message_id) DO UPDATE SET seen_at=excluded.seen_at`, source, id, seenAt.UTC().Format(time.RFC3339Nano))
	return err
}

// TrimProcessed keeps the keep most recently seen ids of source and returns
// how many were removed.
func (r Repo) TrimProcessed(ctx context.Context, source string, keep int) (int64, error) {
	if keep <= 0 {
		keep = DefaultLedgerCap
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM processed_messages WHERE source=? AND message_id NOT IN (
  SELECT message_id FROM processed_messages WHERE source=? ORDER BY seen_at DESC, message_id DESC LIMIT ?
)`, source, source, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountProcessed returns the ledger size for source.
func (r Repo) CountProcessed(ctx context.Context, source string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_messages WHERE source=?`, source).Scan(&n)
	return n, err
}

// GetNotification returns the delivery record of file to endpoint.
func (r Repo) GetNotification(ctx context.Context, file, endpoint string) (domain.Notification, error) {
	var n domain.Notification
	var lastErr sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT file,endpoint,status,attempts,last_error,updated_at FROM notifications WHERE file=? AND endpoint=?`, file, endpoint).
		Scan(&n.File, &n.Endpoint, &n.Status, &n.Attempts, &lastErr, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.LastError = stringPtr(lastErr)
	return n, nil
}

// UpsertNotification replaces the delivery record of n.File to n.Endpoint.
func (r Repo) UpsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO notifications(file,endpoint,status,attempts,last_error,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(file,endpoint) DO UPDATE SET status=excluded.status, attempts=excluded.attempts, last_error=excluded.last_error, updated_at=excluded.updated_at`,
		n.File, n.Endpoint, n.Status, n.Attempts, nullableStringPtr(n.LastError), n.UpdatedAt)
	return err
}

// ListNotifications returns delivery records, newest first.
func (r Repo) ListNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT file,endpoint,status,attempts,last_error,updated_at FROM notifications ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var lastErr sql.NullString
		if err := rows.Scan(&n.File, &n.Endpoint, &n.Status, &n.Attempts, &lastErr, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.LastError = stringPtr(lastErr)
		res = append(res, n)
	}
	return res, rows.Err()
}
