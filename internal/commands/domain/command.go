package commands

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a queue entry. It only moves forward.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusAcked   Status = "acked"
)

var (
	// ErrNotFound covers unknown ids and ids owned by another device.
	ErrNotFound = errors.New("commands: not found")
	// ErrNotSent is returned when acking an entry that was never handed to the broker.
	ErrNotSent = errors.New("commands: entry not sent")
	// ErrAlreadyDispatched is returned when dispatching an entry that left pending.
	ErrAlreadyDispatched = errors.New("commands: entry already dispatched")
	// ErrInvalidCommand indicates a missing opcode or malformed params.
	ErrInvalidCommand = errors.New("commands: invalid command")
	// ErrUnknownDevice indicates the target device does not exist.
	ErrUnknownDevice = errors.New("commands: unknown device")
	// ErrPublishFailed wraps broker failures; the entry stays pending.
	ErrPublishFailed = errors.New("commands: publish failed")
)

// Entry is one delivery attempt of a command.
type Entry struct {
	ID        int64
	DeviceUID string
	Tenant    string
	Cmd       string
	Params    json.RawMessage
	Status    Status
	CreatedAt time.Time
	SentAt    time.Time
	AckedAt   time.Time
}

// Message is the document published on the device command topic.
type Message struct {
	ID     int64           `json:"id"`
	Cmd    string          `json:"cmd"`
	Params json.RawMessage `json:"params,omitempty"`
}

// MessageFor builds the broker document of an entry.
func MessageFor(entry Entry) Message {
	return Message{ID: entry.ID, Cmd: entry.Cmd, Params: entry.Params}
}

// Repository is the store boundary of the command queue.
type Repository interface {
	// Create persists a pending entry and assigns its id.
	Create(ctx context.Context, entry Entry) (*Entry, error)
	Get(ctx context.Context, id int64) (*Entry, error)
	// MarkSent moves pending to sent. It reports false when the entry was not pending.
	MarkSent(ctx context.Context, id int64, sentAt time.Time) (bool, error)
	// Ack moves sent to acked for the owning device. It reports false for an entry already acked,
	// and fails with ErrNotFound for unknown or foreign ids and ErrNotSent for pending ones.
	Ack(ctx context.Context, id int64, deviceUID string, ackedAt time.Time) (bool, error)
	// ListSent returns the device's sent entries, oldest first.
	ListSent(ctx context.Context, deviceUID string) ([]Entry, error)
	// ListByDevice returns the device's entries, newest first.
	ListByDevice(ctx context.Context, deviceUID string, limit int) ([]Entry, error)
	// ListPendingBefore returns pending entries created at or before the cutoff, oldest first.
	ListPendingBefore(ctx context.Context, tenant string, before time.Time) ([]Entry, error)
}
