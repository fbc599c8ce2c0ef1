package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	commands "devicelink/internal/commands/domain"
)

// CommandRepository is a Postgres implementation of the command queue.
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

const selectColumns = `id, device_uid, tenant, cmd, params, status, created_at, sent_at, acked_at`

// Create inserts a pending entry.
func (r *CommandRepository) Create(ctx context.Context, entry commands.Entry) (*commands.Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if entry.DeviceUID == "" || entry.Cmd == "" {
		return nil, errors.New("command repo: invalid entry")
	}
	var params any
	if len(entry.Params) > 0 {
		if !json.Valid(entry.Params) {
			return nil, errors.New("command repo: invalid params")
		}
		params = string(entry.Params)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	row := r.db.QueryRowContext(ctx, `
INSERT INTO command_queue (
	device_uid, tenant, cmd, params, status, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6
)
RETURNING `+selectColumns, entry.DeviceUID, entry.Tenant, entry.Cmd, params, string(commands.StatusPending), createdAt.UTC())
	return scanEntry(row)
}

// Get fetches an entry by id.
func (r *CommandRepository) Get(ctx context.Context, id int64) (*commands.Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, `
SELECT `+selectColumns+`
FROM command_queue
WHERE id = $1`, id)
	return scanEntry(row)
}

// MarkSent moves a pending entry to sent.
func (r *CommandRepository) MarkSent(ctx context.Context, id int64, sentAt time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("command repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE command_queue
SET status = $1, sent_at = $2
WHERE id = $3 AND status = $4`, string(commands.StatusSent), sentAt.UTC(), id, string(commands.StatusPending))
	if err != nil {
		return false, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return count == 1, nil
}

// Ack moves a sent entry of deviceUID to acked.
func (r *CommandRepository) Ack(ctx context.Context, id int64, deviceUID string, ackedAt time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("command repo: nil db")
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE command_queue
SET status = $1, acked_at = $2
WHERE id = $3 AND device_uid = $4 AND status = $5`, string(commands.StatusAcked), ackedAt.UTC(), id, deviceUID, string(commands.StatusSent))
	if err != nil {
		return false, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if count == 1 {
		return true, nil
	}

	var status commands.Status
	err = r.db.QueryRowContext(ctx, `
SELECT status
FROM command_queue
WHERE id = $1 AND device_uid = $2`, id, deviceUID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, commands.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	switch status {
	case commands.StatusAcked:
		return false, nil
	case commands.StatusPending:
		return false, commands.ErrNotSent
	default:
		// Lost a race with a concurrent ack between the update and the read.
		return false, nil
	}
}

// ListSent returns sent entries of a device.
func (r *CommandRepository) ListSent(ctx context.Context, deviceUID string) ([]commands.Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+selectColumns+`
FROM command_queue
WHERE device_uid = $1 AND status = $2
ORDER BY id ASC`, deviceUID, string(commands.StatusSent))
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ListByDevice returns the newest entries of a device.
func (r *CommandRepository) ListByDevice(ctx context.Context, deviceUID string, limit int) ([]commands.Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+selectColumns+`
FROM command_queue
WHERE device_uid = $1
ORDER BY id DESC
LIMIT $2`, deviceUID, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

// ListPendingBefore returns stuck pending entries, filtered by tenant when set.
func (r *CommandRepository) ListPendingBefore(ctx context.Context, tenant string, before time.Time) ([]commands.Entry, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+selectColumns+`
FROM command_queue
WHERE status = $1 AND created_at <= $2 AND ($3 = '' OR tenant = $3)
ORDER BY created_at ASC, id ASC`, string(commands.StatusPending), before.UTC(), tenant)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]commands.Entry, error) {
	defer rows.Close()
	var result []commands.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*commands.Entry, error) {
	var entry commands.Entry
	var params []byte
	var sentAt sql.NullTime
	var ackedAt sql.NullTime
	if err := row.Scan(
		&entry.ID,
		&entry.DeviceUID,
		&entry.Tenant,
		&entry.Cmd,
		&params,
		&entry.Status,
		&entry.CreatedAt,
		&sentAt,
		&ackedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(params) > 0 {
		entry.Params = append(json.RawMessage(nil), params...)
	}
	if sentAt.Valid {
		entry.SentAt = sentAt.Time.UTC()
	}
	if ackedAt.Valid {
		entry.AckedAt = ackedAt.Time.UTC()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}
