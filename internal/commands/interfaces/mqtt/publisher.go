package mqtt

import (
	"context"
	"errors"

	gojson "github.com/goccy/go-json"

	"devicelink/internal/broker"
	commands "devicelink/internal/commands/domain"
)

// CommandQoS is the delivery level of command messages.
const CommandQoS byte = 1

// Broker is the publishing side of the broker connection.
type Broker interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

// Publisher sends queue entries to the device command topic.
type Publisher struct {
	broker Broker
}

// NewPublisher constructs a publisher.
func NewPublisher(b Broker) (*Publisher, error) {
	if b == nil {
		return nil, errors.New("command publisher: nil broker")
	}
	return &Publisher{broker: b}, nil
}

// PublishCommand publishes {"id","cmd","params"} and returns once the broker acknowledged it.
func (p *Publisher) PublishCommand(ctx context.Context, entry commands.Entry) error {
	payload, err := gojson.Marshal(commands.MessageFor(entry))
	if err != nil {
		return err
	}
	return p.broker.Publish(ctx, broker.CommandTopic(entry.Tenant, entry.DeviceUID), CommandQoS, false, payload)
}
