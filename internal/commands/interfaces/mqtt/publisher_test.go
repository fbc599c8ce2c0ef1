package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	commands "devicelink/internal/commands/domain"
)

type recordingBroker struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
	err      error
}

func (b *recordingBroker) Publish(_ context.Context, topic string, qos byte, retained bool, payload []byte) error {
	b.topic, b.qos, b.retained, b.payload = topic, qos, retained, payload
	return b.err
}

func TestPublisher_PublishesCommandDocument(t *testing.T) {
	rb := &recordingBroker{}
	pub, err := NewPublisher(rb)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	entry := commands.Entry{ID: 7, DeviceUID: "dev-01", Tenant: "t0", Cmd: "reboot", Params: json.RawMessage(`{"delay":5}`)}
	if err := pub.PublishCommand(context.Background(), entry); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if rb.topic != "t0/devices/dev-01/commands" {
		t.Fatalf("topic = %q", rb.topic)
	}
	if rb.qos != 1 || rb.retained {
		t.Fatalf("qos=%d retained=%v", rb.qos, rb.retained)
	}
	var msg struct {
		ID     int64          `json:"id"`
		Cmd    string         `json:"cmd"`
		Params map[string]int `json:"params"`
	}
	if err := json.Unmarshal(rb.payload, &msg); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if msg.ID != 7 || msg.Cmd != "reboot" || msg.Params["delay"] != 5 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestPublisher_OmitsEmptyParams(t *testing.T) {
	rb := &recordingBroker{}
	pub, _ := NewPublisher(rb)
	if err := pub.PublishCommand(context.Background(), commands.Entry{ID: 1, DeviceUID: "d", Tenant: "t", Cmd: "ping"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if string(rb.payload) != `{"id":1,"cmd":"ping"}` {
		t.Fatalf("payload = %s", rb.payload)
	}
}

func TestPublisher_SurfacesBrokerError(t *testing.T) {
	boom := errors.New("boom")
	pub, _ := NewPublisher(&recordingBroker{err: boom})
	if err := pub.PublishCommand(context.Background(), commands.Entry{ID: 1, DeviceUID: "d", Tenant: "t", Cmd: "ping"}); !errors.Is(err, boom) {
		t.Fatalf("expected broker error, got %v", err)
	}
}
