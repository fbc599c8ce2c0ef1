package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	gojson "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"devicelink/internal/broker"
	"devicelink/internal/logging"
	"devicelink/internal/observability/metrics"
	"devicelink/internal/telemetry/application"
	telemetry "devicelink/internal/telemetry/domain"
)

// Ingester is the persistence entry point used by the consumer.
type Ingester interface {
	Ingest(ctx context.Context, in application.Input) (application.Outcome, error)
}

// StatusRecorder stores device status documents.
type StatusRecorder interface {
	RecordStatus(ctx context.Context, uid, tenant string, status json.RawMessage, seenAt time.Time) error
}

// Consumer turns broker messages into ingest calls. It never fails the receive loop.
type Consumer struct {
	ingestor Ingester
	status   StatusRecorder
	logger   logrus.FieldLogger
	now      func() time.Time
}

// NewConsumer constructs a consumer. status may be nil when the status topic is not subscribed.
func NewConsumer(ingestor Ingester, status StatusRecorder, logger logrus.FieldLogger) (*Consumer, error) {
	if ingestor == nil {
		return nil, errors.New("telemetry mqtt: nil ingestor")
	}
	return &Consumer{
		ingestor: ingestor,
		status:   status,
		logger:   logging.OrDefault(logger).WithField("component", "telemetry_consumer"),
		now:      time.Now,
	}, nil
}

// HandleTelemetry ingests one telemetry message.
func (c *Consumer) HandleTelemetry(ctx context.Context, msg broker.Message) {
	topic, err := broker.ParseDeviceTopic(msg.Topic)
	if err != nil || topic.Kind != broker.KindTelemetry {
		metrics.IncBrokerDropped("malformed_topic")
		c.logger.WithField("topic", msg.Topic).Warn("dropping telemetry on malformed topic")
		return
	}

	payload := NormalizePayload(msg.Payload)
	msgID := ExtractMsgID(msg.Payload)
	if msgID != "" && telemetry.ValidateDeviceMsgID(msgID) != nil {
		c.logger.WithFields(logrus.Fields{"device_uid": topic.DeviceUID, "msg_id": msgID}).
			Warn("unusable msg_id, storing under generated id")
		msgID = ""
	}

	out, err := c.ingestor.Ingest(ctx, application.Input{
		DeviceUID: topic.DeviceUID,
		Tenant:    topic.Tenant,
		MsgID:     msgID,
		Payload:   payload,
		Transport: telemetry.TransportMQTT,
	})
	if err != nil {
		c.logger.WithError(err).WithField("device_uid", topic.DeviceUID).Error("telemetry ingest failed")
		return
	}
	if out.Result == telemetry.ResultDuplicate {
		c.logger.WithFields(logrus.Fields{"device_uid": topic.DeviceUID, "msg_id": out.MsgID}).Debug("duplicate telemetry dropped")
	}
}

// HandleStatus records a device status document.
func (c *Consumer) HandleStatus(ctx context.Context, msg broker.Message) {
	if c.status == nil {
		return
	}
	topic, err := broker.ParseDeviceTopic(msg.Topic)
	if err != nil || topic.Kind != broker.KindStatus {
		metrics.IncBrokerDropped("malformed_topic")
		c.logger.WithField("topic", msg.Topic).Warn("dropping status on malformed topic")
		return
	}
	if err := c.status.RecordStatus(ctx, topic.DeviceUID, topic.Tenant, NormalizePayload(msg.Payload), c.now()); err != nil {
		c.logger.WithError(err).WithField("device_uid", topic.DeviceUID).Error("status update failed")
	}
}

// NormalizePayload keeps a valid UTF-8 JSON document and wraps anything else
// as {"raw": text}, with invalid bytes replaced.
func NormalizePayload(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) && utf8.Valid(trimmed) && gojson.Valid(trimmed) {
		return append(json.RawMessage(nil), body...)
	}
	wrapped, err := gojson.Marshal(map[string]string{"raw": strings.ToValidUTF8(string(body), "\uFFFD")})
	if err != nil {
		return json.RawMessage(`{"raw":""}`)
	}
	return wrapped
}

// ExtractMsgID returns the document's msg_id as text, or "" when absent or unusable.
func ExtractMsgID(payload []byte) string {
	var envelope struct {
		MsgID json.RawMessage `json:"msg_id"`
	}
	if err := gojson.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	return telemetry.MsgIDText(envelope.MsgID)
}
