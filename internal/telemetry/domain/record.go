package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Transports a record can arrive on.
const (
	TransportMQTT = "mqtt"
	TransportHTTP = "http"
)

// ReservedMsgIDPrefix marks server-generated message ids.
const ReservedMsgIDPrefix = "srv-"

const maxMsgIDLength = 128

var (
	// ErrReservedMsgID indicates a device-supplied id inside the server-generated namespace.
	ErrReservedMsgID = errors.New("telemetry: msg_id uses reserved prefix")
	// ErrInvalidMsgID indicates an id that cannot be stored.
	ErrInvalidMsgID = errors.New("telemetry: invalid msg_id")
	// ErrInvalidPayload indicates the payload is not a structured document.
	ErrInvalidPayload = errors.New("telemetry: invalid payload")
)

// Record is one stored telemetry message. Records are append-only.
type Record struct {
	ID         int64
	DeviceUID  string
	MsgID      string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// InsertResult is the outcome of storing a record.
type InsertResult int

const (
	ResultInserted InsertResult = iota + 1
	// ResultDuplicate means (device_uid, msg_id) was already stored; nothing changed.
	ResultDuplicate
)

func (r InsertResult) String() string {
	switch r {
	case ResultInserted:
		return "inserted"
	case ResultDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// GenerateMsgID returns a transport-tagged id that cannot collide with device ids.
func GenerateMsgID(transport string) string {
	if transport == "" {
		transport = "unknown"
	}
	return ReservedMsgIDPrefix + transport + "-" + uuid.NewString()
}

// IsReservedMsgID reports whether id lies in the server-generated namespace.
func IsReservedMsgID(id string) bool {
	return strings.HasPrefix(id, ReservedMsgIDPrefix)
}

// ValidateDeviceMsgID checks a device-supplied id.
func ValidateDeviceMsgID(id string) error {
	if id == "" || len(id) > maxMsgIDLength {
		return ErrInvalidMsgID
	}
	if IsReservedMsgID(id) {
		return ErrReservedMsgID
	}
	return nil
}

// Repository persists telemetry records.
type Repository interface {
	// Insert stores record unless its (device_uid, msg_id) pair exists.
	Insert(ctx context.Context, record Record) (InsertResult, error)
	// ListRecent returns the newest records of a device first.
	ListRecent(ctx context.Context, deviceUID string, limit int) ([]Record, error)
}
