package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	commands "devicelink/internal/commands/domain"
)

// CommandRepository keeps the command queue in memory.
type CommandRepository struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*commands.Entry
}

// NewCommandRepository constructs an in-memory repository.
func NewCommandRepository() *CommandRepository {
	return &CommandRepository{entries: make(map[int64]*commands.Entry)}
}

// Create stores a pending entry.
func (r *CommandRepository) Create(_ context.Context, entry commands.Entry) (*commands.Entry, error) {
	if entry.DeviceUID == "" || entry.Cmd == "" {
		return nil, errors.New("command repo: invalid entry")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	entry.ID = r.nextID
	entry.Status = commands.StatusPending
	entry.Params = append(json.RawMessage(nil), entry.Params...)
	if len(entry.Params) == 0 {
		entry.Params = nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.SentAt = time.Time{}
	entry.AckedAt = time.Time{}
	stored := entry
	r.entries[entry.ID] = &stored
	return &entry, nil
}

// Get fetches an entry by id.
func (r *CommandRepository) Get(_ context.Context, id int64) (*commands.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[id]
	if entry == nil {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

// MarkSent moves a pending entry to sent.
func (r *CommandRepository) MarkSent(_ context.Context, id int64, sentAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[id]
	if entry == nil || entry.Status != commands.StatusPending {
		return false, nil
	}
	entry.Status = commands.StatusSent
	entry.SentAt = sentAt.UTC()
	return true, nil
}

// Ack moves a sent entry of deviceUID to acked.
func (r *CommandRepository) Ack(_ context.Context, id int64, deviceUID string, ackedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.entries[id]
	if entry == nil || entry.DeviceUID != deviceUID {
		return false, commands.ErrNotFound
	}
	switch entry.Status {
	case commands.StatusSent:
		entry.Status = commands.StatusAcked
		entry.AckedAt = ackedAt.UTC()
		return true, nil
	case commands.StatusAcked:
		return false, nil
	default:
		return false, commands.ErrNotSent
	}
}

// ListSent returns sent entries of a device, oldest first.
func (r *CommandRepository) ListSent(_ context.Context, deviceUID string) ([]commands.Entry, error) {
	return r.filter(func(e *commands.Entry) bool {
		return e.DeviceUID == deviceUID && e.Status == commands.StatusSent
	}, false, 0), nil
}

// ListByDevice returns the newest entries of a device.
func (r *CommandRepository) ListByDevice(_ context.Context, deviceUID string, limit int) ([]commands.Entry, error) {
	return r.filter(func(e *commands.Entry) bool {
		return e.DeviceUID == deviceUID
	}, true, limit), nil
}

// ListPendingBefore returns pending entries older than before.
func (r *CommandRepository) ListPendingBefore(_ context.Context, tenant string, before time.Time) ([]commands.Entry, error) {
	return r.filter(func(e *commands.Entry) bool {
		return e.Status == commands.StatusPending && !e.CreatedAt.After(before) && (tenant == "" || e.Tenant == tenant)
	}, false, 0), nil
}

// CountPending counts pending entries, optionally only those created before the cutoff.
func (r *CommandRepository) CountPending(before time.Time) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, e := range r.entries {
		if e.Status != commands.StatusPending {
			continue
		}
		if !before.IsZero() && !e.CreatedAt.Before(before) {
			continue
		}
		n++
	}
	return n
}

func (r *CommandRepository) filter(keep func(*commands.Entry) bool, newestFirst bool, limit int) []commands.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []commands.Entry
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
