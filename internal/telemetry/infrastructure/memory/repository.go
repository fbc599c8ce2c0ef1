package memory

import (
	"context"
	"errors"
	"sync"

	telemetry "devicelink/internal/telemetry/domain"
)

// TelemetryRepository stores records in memory.
type TelemetryRepository struct {
	mu      sync.Mutex
	nextID  int64
	records []telemetry.Record
	keys    map[string]struct{}
}

// NewTelemetryRepository constructs an in-memory repository.
func NewTelemetryRepository() *TelemetryRepository {
	return &TelemetryRepository{keys: make(map[string]struct{})}
}

// Insert stores record unless the dedup key exists.
func (r *TelemetryRepository) Insert(_ context.Context, record telemetry.Record) (telemetry.InsertResult, error) {
	if record.DeviceUID == "" || record.MsgID == "" {
		return 0, errors.New("telemetry repo: invalid record")
	}
	key := record.DeviceUID + "\x00" + record.MsgID

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key]; ok {
		return telemetry.ResultDuplicate, nil
	}
	r.nextID++
	record.ID = r.nextID
	record.Payload = append([]byte(nil), record.Payload...)
	r.records = append(r.records, record)
	r.keys[key] = struct{}{}
	return telemetry.ResultInserted, nil
}

// ListRecent returns up to limit records of a device, newest first.
func (r *TelemetryRepository) ListRecent(_ context.Context, deviceUID string, limit int) ([]telemetry.Record, error) {
	if deviceUID == "" || limit <= 0 {
		return nil, errors.New("telemetry repo: invalid arguments")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []telemetry.Record
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		if r.records[i].DeviceUID == deviceUID {
			out = append(out, r.records[i])
		}
	}
	return out, nil
}

// Count returns the number of stored records for a device.
func (r *TelemetryRepository) Count(deviceUID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.DeviceUID == deviceUID {
			n++
		}
	}
	return n
}
