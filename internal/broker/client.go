package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"devicelink/internal/logging"
	"devicelink/internal/observability/metrics"
)

var (
	// ErrNotConnected is returned by Publish while the connection is down.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrPublishTimeout is returned when the broker does not acknowledge in time.
	ErrPublishTimeout = errors.New("broker: publish timeout")
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	disconnectQuiesceMs   = 250
)

// Message is an inbound broker message.
type Message struct {
	Topic   string
	Payload []byte
}

// MessageHandler consumes inbound messages. It runs on the receive loop.
type MessageHandler func(ctx context.Context, msg Message)

// ClientFactory builds the underlying paho client.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Options configures the process-wide broker connection.
type Options struct {
	URL               string
	ClientID          string
	Username          string
	Password          string
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	// Ready is checked before every connection attempt; an error counts as a failed attempt.
	Ready   func(ctx context.Context) error
	Logger  logrus.FieldLogger
	Factory ClientFactory
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Client owns the broker connection and its reconnect loop.
type Client struct {
	opts   Options
	logger logrus.FieldLogger

	mu   sync.Mutex
	conn mqtt.Client
	subs []subscription

	connected atomic.Bool
	lost      chan error
}

// New constructs a client. Call Handle before Run.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("broker: empty url")
	}
	if opts.ClientID == "" {
		return nil, errors.New("broker: empty client id")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Factory == nil {
		opts.Factory = mqtt.NewClient
	}
	return &Client{
		opts:   opts,
		logger: logging.OrDefault(opts.Logger).WithField("component", "broker"),
		lost:   make(chan error, 1),
	}, nil
}

// Handle registers a subscription that is (re)established on every connect.
func (c *Client) Handle(topic string, qos byte, handler MessageHandler) {
	if topic == "" || handler == nil {
		return
	}
	c.mu.Lock()
	c.subs = append(c.subs, subscription{topic: topic, qos: qos, handler: handler})
	c.mu.Unlock()
}

// Connected reports whether the connection is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run connects and keeps reconnecting until ctx is cancelled.
// Only Run reconnects, so at most one attempt is in flight.
func (c *Client) Run(ctx context.Context) error {
	backoff := NewBackoff(c.opts.ReconnectDelay, c.opts.ReconnectMaxDelay)
	for {
		if err := c.connect(ctx); err != nil {
			c.logger.WithError(err).Warn("broker connect failed")
		} else {
			backoff.Reset()
			c.logger.WithField("url", c.opts.URL).Info("broker connected")
			select {
			case <-ctx.Done():
				c.disconnect()
				return nil
			case err := <-c.lost:
				c.logger.WithError(err).Warn("broker connection lost")
			}
		}
		if ctx.Err() != nil {
			c.disconnect()
			return nil
		}

		wait := backoff.Next()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.disconnect()
			return nil
		case <-timer.C:
		}
		metrics.IncBrokerReconnect()
		c.logger.WithField("after", wait.String()).Info("broker reconnecting")
	}
}

func (c *Client) connect(ctx context.Context) error {
	select {
	case <-c.lost:
	default:
	}

	if c.opts.Ready != nil {
		if err := c.opts.Ready(ctx); err != nil {
			return fmt.Errorf("broker: store not ready: %w", err)
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(c.opts.URL).
		SetClientID(c.opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(c.opts.ConnectTimeout)
	if c.opts.Username != "" {
		opts.SetUsername(c.opts.Username)
		opts.SetPassword(c.opts.Password)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.connected.Store(false)
		metrics.SetBrokerConnected(false)
		select {
		case c.lost <- err:
		default:
		}
	})

	conn := c.opts.Factory(opts)
	if err := wait(conn.Connect(), c.opts.ConnectTimeout); err != nil {
		return fmt.Errorf("broker: connect: %w", err)
	}

	c.mu.Lock()
	subs := append([]subscription(nil), c.subs...)
	c.mu.Unlock()
	for _, sub := range subs {
		handler := sub.handler
		token := conn.Subscribe(sub.topic, sub.qos, func(_ mqtt.Client, m mqtt.Message) {
			handler(ctx, Message{Topic: m.Topic(), Payload: m.Payload()})
		})
		if err := wait(token, c.opts.ConnectTimeout); err != nil {
			conn.Disconnect(0)
			return fmt.Errorf("broker: subscribe %s: %w", sub.topic, err)
		}
		c.logger.WithField("topic", sub.topic).Debug("broker subscribed")
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	metrics.SetBrokerConnected(true)
	return nil
}

func (c *Client) disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.connected.Store(false)
	metrics.SetBrokerConnected(false)
	if conn != nil {
		conn.Disconnect(disconnectQuiesceMs)
		c.logger.Info("broker disconnected")
	}
}

// Publish sends payload and waits for the broker acknowledgement (QoS >= 1).
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		metrics.IncBrokerPublish("not_connected")
		return ErrNotConnected
	}

	timeout := c.opts.PublishTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	token := conn.Publish(topic, qos, retained, payload)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		metrics.IncBrokerPublish(metrics.ResultError)
		return ctx.Err()
	case <-timer.C:
		metrics.IncBrokerPublish("timeout")
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		metrics.IncBrokerPublish(metrics.ResultError)
		return fmt.Errorf("broker: publish %s: %w", topic, err)
	}
	metrics.IncBrokerPublish(metrics.ResultSuccess)
	return nil
}

func wait(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return errors.New("timeout")
	}
	return token.Error()
}
