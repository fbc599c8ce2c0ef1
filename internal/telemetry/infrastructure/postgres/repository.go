package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	telemetry "devicelink/internal/telemetry/domain"
)

const defaultTelemetryTable = "telemetry"

// TelemetryRepository is a Postgres implementation for telemetry records.
type TelemetryRepository struct {
	db    *sql.DB
	table string
}

// NewTelemetryRepository constructs a repository with default table name.
func NewTelemetryRepository(db *sql.DB, opts ...RepositoryOption) *TelemetryRepository {
	repo := &TelemetryRepository{db: db, table: defaultTelemetryTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*TelemetryRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *TelemetryRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Insert stores a record. The unique (device_uid, msg_id) constraint resolves races.
func (r *TelemetryRepository) Insert(ctx context.Context, record telemetry.Record) (telemetry.InsertResult, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("telemetry repo: nil db")
	}
	if record.DeviceUID == "" || record.MsgID == "" || len(record.Payload) == 0 || record.ReceivedAt.IsZero() {
		return 0, errors.New("telemetry repo: invalid record")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	device_uid,
	msg_id,
	payload,
	received_at
) VALUES (
	$1, $2, $3, $4
)
ON CONFLICT (device_uid, msg_id) DO NOTHING`, r.table)

	res, err := r.db.ExecContext(ctx, query, record.DeviceUID, record.MsgID, string(record.Payload), record.ReceivedAt.UTC())
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return telemetry.ResultDuplicate, nil
	}
	return telemetry.ResultInserted, nil
}

// ListRecent returns up to limit records of a device, newest first.
func (r *TelemetryRepository) ListRecent(ctx context.Context, deviceUID string, limit int) ([]telemetry.Record, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("telemetry repo: nil db")
	}
	if deviceUID == "" || limit <= 0 {
		return nil, errors.New("telemetry repo: invalid arguments")
	}

	query := fmt.Sprintf(`
SELECT id, device_uid, msg_id, payload, received_at
FROM %s
WHERE device_uid = $1
ORDER BY id DESC
LIMIT $2`, r.table)

	rows, err := r.db.QueryContext(ctx, query, deviceUID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []telemetry.Record
	for rows.Next() {
		var rec telemetry.Record
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.DeviceUID, &rec.MsgID, &payload, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		rec.Payload = append([]byte(nil), payload...)
		rec.ReceivedAt = rec.ReceivedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
