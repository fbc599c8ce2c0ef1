package interfaces

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	commands "devicelink/internal/commands/domain"
	"devicelink/internal/eventing"
	"devicelink/internal/logging"
)

// Dispatcher publishes a pending entry.
type Dispatcher interface {
	Dispatch(ctx context.Context, id int64) (*commands.Entry, error)
}

// QueueConsumer dispatches entries as they are queued.
type QueueConsumer struct {
	dispatcher Dispatcher
	logger     logrus.FieldLogger
}

// NewQueueConsumer constructs the consumer.
func NewQueueConsumer(dispatcher Dispatcher, logger logrus.FieldLogger) (*QueueConsumer, error) {
	if dispatcher == nil {
		return nil, errors.New("queue consumer: nil dispatcher")
	}
	return &QueueConsumer{dispatcher: dispatcher, logger: logging.OrDefault(logger)}, nil
}

// Register subscribes the consumer to CommandQueued.
func (c *QueueConsumer) Register(bus eventing.Bus) {
	eventing.Subscribe(bus, c.HandleCommandQueued)
}

// HandleCommandQueued dispatches the queued entry. A failed publish leaves it pending
// and is reported but not retried.
func (c *QueueConsumer) HandleCommandQueued(ctx context.Context, evt eventing.CommandQueued) error {
	_, err := c.dispatcher.Dispatch(ctx, evt.CommandID)
	if err == nil || errors.Is(err, commands.ErrAlreadyDispatched) {
		return nil
	}
	c.logger.WithError(err).WithFields(logrus.Fields{
		"command_id": evt.CommandID,
		"device_uid": evt.DeviceUID,
		"tenant":     evt.Tenant,
	}).Warn("command dispatch failed, entry stays pending")
	return nil
}
