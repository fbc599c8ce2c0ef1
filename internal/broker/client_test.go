package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeConn struct {
	mu         sync.Mutex
	opts       *mqtt.ClientOptions
	handlers   map[string]mqtt.MessageHandler
	published  []string
	publishErr error
}

func (f *fakeConn) IsConnected() bool      { return true }
func (f *fakeConn) IsConnectionOpen() bool { return true }
func (f *fakeConn) Connect() mqtt.Token    { return newToken(nil) }
func (f *fakeConn) Disconnect(uint)        {}
func (f *fakeConn) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic)
	return newToken(f.publishErr)
}
func (f *fakeConn) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = callback
	return newToken(nil)
}
func (f *fakeConn) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return newToken(nil)
}
func (f *fakeConn) Unsubscribe(...string) mqtt.Token        { return newToken(nil) }
func (f *fakeConn) AddRoute(string, mqtt.MessageHandler)    {}
func (f *fakeConn) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (f *fakeConn) deliver(topic string, payload []byte) {
	f.mu.Lock()
	handler := f.handlers["+/devices/+/telemetry"]
	f.mu.Unlock()
	handler(f, fakeMessage{topic: topic, payload: payload})
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
	made  chan *fakeConn
}

func (f *fakeFactory) build(opts *mqtt.ClientOptions) mqtt.Client {
	conn := &fakeConn{opts: opts, handlers: map[string]mqtt.MessageHandler{}}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	f.made <- conn
	return conn
}

func TestClient_ResubscribesAfterConnectionLost(t *testing.T) {
	factory := &fakeFactory{made: make(chan *fakeConn, 4)}
	readyCalls := 0
	var readyMu sync.Mutex
	received := make(chan Message, 4)

	client, err := New(Options{
		URL:               "tcp://broker:1883",
		ClientID:          "test",
		ReconnectDelay:    time.Millisecond,
		ReconnectMaxDelay: time.Millisecond,
		Factory:           factory.build,
		Ready: func(context.Context) error {
			readyMu.Lock()
			defer readyMu.Unlock()
			readyCalls++
			if readyCalls == 1 {
				return errors.New("store down")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	client.Handle("+/devices/+/telemetry", 1, func(ctx context.Context, msg Message) {
		received <- msg
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	first := waitConn(t, factory.made)
	waitConnected(t, client)
	first.deliver("t0/devices/dev-02/telemetry", []byte(`{"msg_id":"0001"}`))
	select {
	case msg := <-received:
		if msg.Topic != "t0/devices/dev-02/telemetry" {
			t.Fatalf("unexpected topic %q", msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatalf("message not delivered")
	}

	first.opts.OnConnectionLost(first, errors.New("eof"))
	second := waitConn(t, factory.made)
	waitConnected(t, client)
	second.mu.Lock()
	_, resubscribed := second.handlers["+/devices/+/telemetry"]
	second.mu.Unlock()
	if !resubscribed {
		t.Fatalf("expected resubscription after reconnect")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
	if client.Connected() {
		t.Fatalf("expected disconnected after shutdown")
	}
	readyMu.Lock()
	defer readyMu.Unlock()
	if readyCalls < 3 {
		t.Fatalf("expected store ping before each attempt, got %d", readyCalls)
	}
}

func TestClient_PublishNotConnected(t *testing.T) {
	client, err := New(Options{URL: "tcp://broker:1883", ClientID: "test"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := client.Publish(context.Background(), "t0/devices/dev-01/commands", 1, false, []byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_PublishSurfacesBrokerError(t *testing.T) {
	factory := &fakeFactory{made: make(chan *fakeConn, 1)}
	client, err := New(Options{URL: "tcp://broker:1883", ClientID: "test", Factory: factory.build})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()
	conn := waitConn(t, factory.made)
	waitConnected(t, client)

	if err := client.Publish(ctx, "t0/devices/dev-01/commands", 1, false, []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	conn.mu.Lock()
	conn.publishErr = errors.New("quota")
	conn.mu.Unlock()
	if err := client.Publish(ctx, "t0/devices/dev-01/commands", 1, false, []byte(`{}`)); err == nil {
		t.Fatalf("expected publish error")
	}
}

func waitConn(t *testing.T, made chan *fakeConn) *fakeConn {
	t.Helper()
	select {
	case conn := <-made:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("no connection attempt")
	}
	return nil
}

func waitConnected(t *testing.T, client *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !client.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("client never connected")
		}
		time.Sleep(time.Millisecond)
	}
}
