package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	devices "devicelink/internal/devices/domain"
)

const (
	defaultDevicesTable = "devices"
	uniqueViolation     = "23505"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DeviceRepository is a Postgres implementation for devices.
type DeviceRepository struct {
	db    DBTX
	table string
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db DBTX, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

const deviceColumns = `device_uid, secret, name, tenant, last_status, last_seen_at, created_at`

// Register inserts the device with its secret. A device created earlier without
// a secret receives this one; a device that already holds a secret keeps it.
func (r *DeviceRepository) Register(ctx context.Context, device devices.Device) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if device.UID == "" || device.Secret == "" {
		return nil, errors.New("device repo: uid and secret required")
	}

	query := fmt.Sprintf(`
INSERT INTO %[1]s (device_uid, secret, name, tenant)
VALUES ($1, $2, $3, $4)
ON CONFLICT (device_uid)
DO UPDATE SET
	secret = COALESCE(%[1]s.secret, EXCLUDED.secret),
	name = CASE WHEN %[1]s.secret IS NULL THEN EXCLUDED.name ELSE %[1]s.name END
RETURNING `+deviceColumns, r.table)

	stored, err := scanDevice(r.db.QueryRowContext(ctx, query, device.UID, device.Secret, device.Name, device.Tenant))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, devices.ErrSecretConflict
		}
		return nil, err
	}
	return stored, nil
}

// EnsureExists creates the device with name = uid when unknown.
func (r *DeviceRepository) EnsureExists(ctx context.Context, uid, tenant string) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (device_uid, name, tenant)
VALUES ($1, $1, $2)
ON CONFLICT (device_uid) DO NOTHING`, r.table)
	_, err := r.db.ExecContext(ctx, query, uid, tenant)
	return err
}

// Get loads a device by uid.
func (r *DeviceRepository) Get(ctx context.Context, uid string) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if uid == "" {
		return nil, errors.New("device repo: empty uid")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_uid = $1`, deviceColumns, r.table)
	device, err := scanDevice(r.db.QueryRowContext(ctx, query, uid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return device, err
}

// GetBySecret loads the device holding secret.
func (r *DeviceRepository) GetBySecret(ctx context.Context, secret string) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if secret == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE secret = $1`, deviceColumns, r.table)
	device, err := scanDevice(r.db.QueryRowContext(ctx, query, secret))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return device, err
}

// List returns devices ordered by uid, filtered by tenant when set.
func (r *DeviceRepository) List(ctx context.Context, tenant string) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE ($1 = '' OR tenant = $1)
ORDER BY device_uid ASC`, deviceColumns, r.table)

	rows, err := r.db.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []devices.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// TouchStatus stores the latest status document, creating the device when unknown.
func (r *DeviceRepository) TouchStatus(ctx context.Context, uid, tenant string, status json.RawMessage, seenAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (device_uid, name, tenant, last_status, last_seen_at)
VALUES ($1, $1, $2, $3, $4)
ON CONFLICT (device_uid)
DO UPDATE SET
	last_status = EXCLUDED.last_status,
	last_seen_at = EXCLUDED.last_seen_at`, r.table)
	_, err := r.db.ExecContext(ctx, query, uid, tenant, []byte(status), seenAt.UTC())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*devices.Device, error) {
	var device devices.Device
	var secret sql.NullString
	var status []byte
	var lastSeen sql.NullTime
	if err := row.Scan(
		&device.UID,
		&secret,
		&device.Name,
		&device.Tenant,
		&status,
		&lastSeen,
		&device.CreatedAt,
	); err != nil {
		return nil, err
	}
	if secret.Valid {
		device.Secret = secret.String
	}
	if len(status) > 0 {
		device.LastStatus = status
	}
	if lastSeen.Valid {
		device.LastSeenAt = lastSeen.Time.UTC()
	}
	device.CreatedAt = device.CreatedAt.UTC()
	return &device, nil
}
