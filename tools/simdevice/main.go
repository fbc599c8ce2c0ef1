package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	gojson "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"devicelink/internal/auth"
	"devicelink/internal/broker"
	deviceshttp "devicelink/internal/devices/interfaces/http"
	"devicelink/internal/logging"
)

type config struct {
	apiBase           string
	brokerURL         string
	deviceUID         string
	name              string
	tenant            string
	provisioningToken string
	telemetryEvery    time.Duration
	pollEvery         time.Duration
	httpFallback      bool
}

type command struct {
	ID     int64             `json:"id"`
	Cmd    string            `json:"cmd"`
	Params gojson.RawMessage `json:"params,omitempty"`
}

const (
	ackAttempts   = 5
	ackRetryDelay = 200 * time.Millisecond
)

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return e.msg }

type device struct {
	cfg    config
	logger logrus.FieldLogger
	http   *http.Client
	mqtt   mqtt.Client
	secret string
	led    atomic.Bool
}

func main() {
	cfg := parseConfig()
	logger := logging.New(envOrDefault("LOG_LEVEL", "info"), "text").WithField("device_uid", cfg.deviceUID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := &device{cfg: cfg, logger: logger, http: &http.Client{Timeout: 5 * time.Second}}
	if err := d.register(ctx); err != nil {
		logger.WithError(err).Fatal("register failed")
	}
	d.connect(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.telemetryLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.pollLoop(ctx)
	}()
	logger.Info("simulator running, press Ctrl+C to stop")

	<-ctx.Done()
	wg.Wait()
	d.mqtt.Disconnect(250)
	logger.Info("simulator stopped")
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.apiBase, "api", envOrDefault("API_BASE", "http://localhost:8000"), "device API base url")
	flag.StringVar(&cfg.brokerURL, "broker", envOrDefault("MQTT_URL", "tcp://localhost:1883"), "broker url")
	flag.StringVar(&cfg.deviceUID, "uid", envOrDefault("DEVICE_UID", "dev-01"), "device uid")
	flag.StringVar(&cfg.name, "name", "", "device name (defaults to uid)")
	flag.StringVar(&cfg.tenant, "tenant", envOrDefault("DEFAULT_TENANT", "t0"), "tenant segment of the topic tree")
	flag.StringVar(&cfg.provisioningToken, "provisioning-token", os.Getenv("PROVISIONING_TOKEN"), "registration gate token")
	flag.DurationVar(&cfg.telemetryEvery, "telemetry-interval", 2*time.Second, "telemetry period")
	flag.DurationVar(&cfg.pollEvery, "poll-interval", 5*time.Second, "command poll period")
	flag.BoolVar(&cfg.httpFallback, "http-fallback", false, "send telemetry over HTTP when the broker publish fails")
	flag.Parse()
	if cfg.name == "" {
		cfg.name = cfg.deviceUID
	}
	cfg.apiBase = strings.TrimRight(cfg.apiBase, "/")
	return cfg
}

func (d *device) register(ctx context.Context) error {
	headers := map[string]string{}
	if d.cfg.provisioningToken != "" {
		headers[deviceshttp.ProvisioningTokenHeader] = d.cfg.provisioningToken
	}
	var resp struct {
		DeviceUID string `json:"device_uid"`
		Secret    string `json:"secret"`
	}
	body := map[string]string{"device_uid": d.cfg.deviceUID, "name": d.cfg.name}
	if err := d.call(ctx, http.MethodPost, "/devices/register", headers, body, &resp); err != nil {
		return err
	}
	if resp.Secret == "" {
		return errors.New("register: empty secret")
	}
	d.secret = resp.Secret
	d.logger.Info("registered")
	return nil
}

func (d *device) connect(ctx context.Context) {
	statusTopic := broker.StatusTopic(d.cfg.tenant, d.cfg.deviceUID)
	commandTopic := broker.CommandTopic(d.cfg.tenant, d.cfg.deviceUID)

	opts := mqtt.NewClientOptions().
		AddBroker(d.cfg.brokerURL).
		SetClientID("sim-" + d.cfg.deviceUID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(3 * time.Second)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		d.logger.Info("broker connected")
		c.Subscribe(commandTopic, 1, func(_ mqtt.Client, m mqtt.Message) {
			var cmd command
			if err := gojson.Unmarshal(m.Payload(), &cmd); err != nil || cmd.Cmd == "" {
				d.logger.WithField("payload", string(m.Payload())).Warn("ignored command message")
				return
			}
			d.handle(cmd, "mqtt")
			if cmd.ID > 0 {
				go d.ack(ctx, cmd.ID)
			}
		})
		status, _ := gojson.Marshal(map[string]any{"online": true, "ts": time.Now().Unix()})
		c.Publish(statusTopic, 1, true, status)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		d.logger.WithError(err).Warn("broker connection lost")
	})
	d.mqtt = mqtt.NewClient(opts)
	// With connect retry the token completes once connected; do not block startup on it.
	d.mqtt.Connect()
}

func (d *device) telemetryLoop(ctx context.Context) {
	topic := broker.TelemetryTopic(d.cfg.tenant, d.cfg.deviceUID)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(d.cfg.telemetryEvery)
	defer ticker.Stop()
	for counter := 0; ; counter++ {
		msgID := fmt.Sprintf("%04d", counter)
		data := map[string]any{
			"temp_c": float64(int((24+rng.Float64()*3)*100)) / 100,
			"led":    d.led.Load(),
		}
		payload, _ := gojson.Marshal(map[string]any{"msg_id": msgID, "ts": time.Now().Unix(), "data": data})
		token := d.mqtt.Publish(topic, 1, false, payload)
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			d.logger.WithError(token.Error()).WithField("msg_id", msgID).Warn("telemetry publish failed")
			if d.cfg.httpFallback {
				d.sendHTTP(ctx, msgID, data)
			}
		} else {
			d.logger.WithField("msg_id", msgID).Debug("telemetry sent")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *device) sendHTTP(ctx context.Context, msgID string, data map[string]any) {
	var resp struct {
		Status string `json:"status"`
		MsgID  string `json:"msg_id"`
	}
	body := map[string]any{"msg_id": msgID, "payload": data}
	if err := d.call(ctx, http.MethodPost, "/devices/"+d.cfg.deviceUID+"/telemetry", d.secretHeader(), body, &resp); err != nil {
		d.logger.WithError(err).Warn("http telemetry failed")
		return
	}
	d.logger.WithFields(logrus.Fields{"msg_id": resp.MsgID, "status": resp.Status}).Info("http telemetry sent")
}

func (d *device) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.pollEvery)
	defer ticker.Stop()
	for {
		var pending []command
		if err := d.call(ctx, http.MethodGet, "/devices/"+d.cfg.deviceUID+"/commands/poll", d.secretHeader(), nil, &pending); err != nil {
			if ctx.Err() == nil {
				d.logger.WithError(err).Warn("command poll failed")
			}
		}
		for _, cmd := range pending {
			d.handle(cmd, fmt.Sprintf("queue:%d", cmd.ID))
			d.ack(ctx, cmd.ID)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ack retries on 409: a pushed command can arrive before the server has
// recorded it as sent.
func (d *device) ack(ctx context.Context, id int64) {
	path := fmt.Sprintf("/devices/%s/commands/%d/ack", d.cfg.deviceUID, id)
	var err error
	for attempt := 0; attempt < ackAttempts; attempt++ {
		err = d.call(ctx, http.MethodPost, path, d.secretHeader(), map[string]any{}, nil)
		var se *statusError
		if err == nil || !errors.As(err, &se) || se.code != http.StatusConflict {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(ackRetryDelay):
		}
	}
	if err != nil {
		d.logger.WithError(err).WithField("command_id", id).Warn("ack failed")
		return
	}
	d.logger.WithField("command_id", id).Info("command acked")
}

func (d *device) handle(cmd command, source string) {
	switch cmd.Cmd {
	case "led_on":
		d.led.Store(true)
	case "led_off":
		d.led.Store(false)
	case "reboot":
		d.logger.Info("reboot simulated")
		time.Sleep(2 * time.Second)
	}
	d.logger.WithFields(logrus.Fields{"cmd": cmd.Cmd, "source": source, "led": d.led.Load()}).Info("command handled")
}

func (d *device) secretHeader() map[string]string {
	return map[string]string{auth.DeviceSecretHeader: d.secret}
}

func (d *device) call(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := gojson.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.cfg.apiBase+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, msg: fmt.Sprintf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return gojson.Unmarshal(data, out)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
