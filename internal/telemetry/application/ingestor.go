package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	devices "devicelink/internal/devices/domain"
	"devicelink/internal/eventing"
	"devicelink/internal/logging"
	"devicelink/internal/observability/metrics"
	telemetry "devicelink/internal/telemetry/domain"
)

// DeviceEnsurer records unseen devices.
type DeviceEnsurer interface {
	EnsureExists(ctx context.Context, uid, tenant string) error
}

// Input is one inbound telemetry message.
type Input struct {
	DeviceUID string
	Tenant    string
	// MsgID is optional; an empty id is replaced by a generated one.
	MsgID     string
	Payload   json.RawMessage
	Transport string
}

// Outcome reports the stored id and whether the record was new.
type Outcome struct {
	MsgID  string
	Result telemetry.InsertResult
}

// Ingestor is the single persistence path for both transports.
type Ingestor struct {
	repo    telemetry.Repository
	devices DeviceEnsurer
	bus     eventing.Bus
	logger  logrus.FieldLogger
	now     func() time.Time
}

// IngestorOption configures the ingestor.
type IngestorOption func(*Ingestor)

// WithEventBus publishes TelemetryIngested for new records.
func WithEventBus(bus eventing.Bus) IngestorOption {
	return func(i *Ingestor) {
		i.bus = bus
	}
}

// WithLogger sets the ingestor logger.
func WithLogger(logger logrus.FieldLogger) IngestorOption {
	return func(i *Ingestor) {
		i.logger = logger
	}
}

// WithClock overrides the receive clock.
func WithClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIngestor constructs the ingestor.
func NewIngestor(repo telemetry.Repository, registry DeviceEnsurer, opts ...IngestorOption) (*Ingestor, error) {
	if repo == nil {
		return nil, errors.New("telemetry: nil repo")
	}
	if registry == nil {
		return nil, errors.New("telemetry: nil device registry")
	}
	i := &Ingestor{repo: repo, devices: registry, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = logging.OrDefault(i.logger)
	return i, nil
}

// Ingest stores one message. A repeated (device, msg_id) yields ResultDuplicate, not an error.
func (i *Ingestor) Ingest(ctx context.Context, in Input) (Outcome, error) {
	start := i.now()
	out, err := i.ingest(ctx, in)
	result := metrics.IngestResultError
	switch {
	case err == nil:
		result = out.Result.String()
	case errors.Is(err, telemetry.ErrReservedMsgID), errors.Is(err, telemetry.ErrInvalidMsgID),
		errors.Is(err, telemetry.ErrInvalidPayload), errors.Is(err, devices.ErrInvalidUID):
		result = metrics.IngestResultRejected
	}
	metrics.ObserveIngest(in.Transport, result, i.now().Sub(start))
	return out, err
}

func (i *Ingestor) ingest(ctx context.Context, in Input) (Outcome, error) {
	if err := devices.ValidateUID(in.DeviceUID); err != nil {
		return Outcome{}, err
	}
	if doc := bytes.TrimSpace(in.Payload); len(doc) == 0 || bytes.Equal(doc, []byte("null")) || !json.Valid(doc) {
		return Outcome{}, telemetry.ErrInvalidPayload
	}

	msgID := in.MsgID
	if msgID == "" {
		msgID = telemetry.GenerateMsgID(in.Transport)
	} else if err := telemetry.ValidateDeviceMsgID(msgID); err != nil {
		return Outcome{}, err
	}

	if err := i.devices.EnsureExists(ctx, in.DeviceUID, in.Tenant); err != nil {
		return Outcome{}, err
	}

	receivedAt := i.now().UTC()
	result, err := i.repo.Insert(ctx, telemetry.Record{
		DeviceUID:  in.DeviceUID,
		MsgID:      msgID,
		Payload:    in.Payload,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return Outcome{}, err
	}

	if result == telemetry.ResultInserted && i.bus != nil {
		evt := eventing.TelemetryIngested{
			DeviceUID:  in.DeviceUID,
			MsgID:      msgID,
			Transport:  in.Transport,
			OccurredAt: receivedAt,
		}
		if err := i.bus.Publish(ctx, evt); err != nil {
			i.logger.WithError(err).WithField("device_uid", in.DeviceUID).Warn("telemetry event handler failed")
		}
	}
	return Outcome{MsgID: msgID, Result: result}, nil
}

// Recent returns the newest records of a device.
func (i *Ingestor) Recent(ctx context.Context, deviceUID string, limit int) ([]telemetry.Record, error) {
	return i.repo.ListRecent(ctx, deviceUID, limit)
}
