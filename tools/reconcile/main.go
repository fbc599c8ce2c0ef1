package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"devicelink/internal/auth"
	"devicelink/internal/broker"
	commandsapp "devicelink/internal/commands/application"
	commands "devicelink/internal/commands/domain"
	commandsrepo "devicelink/internal/commands/infrastructure/postgres"
	commandsmqtt "devicelink/internal/commands/interfaces/mqtt"
	devicesapp "devicelink/internal/devices/application"
	devicesrepo "devicelink/internal/devices/infrastructure/postgres"
	"devicelink/internal/eventing"
	"devicelink/internal/logging"
	"devicelink/internal/store"
)

const timeLayout = time.RFC3339

type config struct {
	dbURL          string
	tenant         string
	olderThan      time.Duration
	outPath        string
	dispatch       bool
	mqttURL        string
	mqttClientID   string
	connectTimeout time.Duration
}

func main() {
	cfg := parseConfig()
	logger := logging.New(envOrDefault("LOG_LEVEL", "info"), "text")
	if cfg.dbURL == "" {
		logger.Fatal("PG_DSN or DATABASE_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db, err := store.OpenPostgres(ctx, cfg.dbURL, store.Options{})
	if err != nil {
		logger.WithError(err).Fatal("open db")
	}
	defer db.Close()

	repo := commandsrepo.NewCommandRepository(db)
	cutoff := time.Now().UTC().Add(-cfg.olderThan)
	stuck, err := repo.ListPendingBefore(ctx, cfg.tenant, cutoff)
	if err != nil {
		logger.WithError(err).Fatal("list stuck commands")
	}
	logger.WithFields(logrus.Fields{
		"tenant":     tenantLabel(cfg.tenant),
		"older_than": cfg.olderThan.String(),
		"count":      len(stuck),
	}).Info("stuck commands")

	if cfg.outPath != "" {
		if err := writeCSV(cfg.outPath, stuck); err != nil {
			logger.WithError(err).Fatal("write report")
		}
		logger.WithField("path", cfg.outPath).Info("report written")
	}

	if !cfg.dispatch || len(stuck) == 0 {
		return
	}

	client, err := broker.New(broker.Options{
		URL:               cfg.mqttURL,
		ClientID:          cfg.mqttClientID,
		Username:          os.Getenv("MQTT_USERNAME"),
		Password:          os.Getenv("MQTT_PASSWORD"),
		ReconnectDelay:    time.Second,
		ReconnectMaxDelay: time.Second,
		Logger:            logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("broker client")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	if err := waitConnected(ctx, client, cfg.connectTimeout); err != nil {
		logger.WithError(err).Fatal("broker connect")
	}

	registry, err := devicesapp.NewRegistry(devicesrepo.NewDeviceRepository(db), envOrDefault("DEFAULT_TENANT", "t0"))
	if err != nil {
		logger.WithError(err).Fatal("registry")
	}
	publisher, err := commandsmqtt.NewPublisher(client)
	if err != nil {
		logger.WithError(err).Fatal("publisher")
	}
	service, err := commandsapp.NewService(repo, publisher, registry, eventing.NewInMemoryBus(), commandsapp.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Fatal("command service")
	}

	opCtx := auth.WithIdentity(ctx, cfg.tenant, auth.RoleAdmin, "reconcile")
	var sent, failed int
	for _, entry := range stuck {
		fields := logrus.Fields{"command_id": entry.ID, "device_uid": entry.DeviceUID, "cmd": entry.Cmd}
		if _, err := service.Redispatch(opCtx, entry.ID); err != nil {
			if errors.Is(err, commands.ErrAlreadyDispatched) {
				continue
			}
			failed++
			logger.WithError(err).WithFields(fields).Warn("redispatch failed")
			continue
		}
		sent++
		logger.WithFields(fields).Info("redispatched")
	}
	logger.WithFields(logrus.Fields{"sent": sent, "failed": failed}).Info("reconcile completed")

	cancel()
	<-done
	if failed > 0 {
		_ = db.Close()
		os.Exit(1)
	}
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.dbURL, "db", envOrDefault("PG_DSN", envOrDefault("DATABASE_URL", "")), "Postgres DSN")
	flag.StringVar(&cfg.tenant, "tenant", "", "only entries of this tenant (empty for all)")
	flag.DurationVar(&cfg.olderThan, "older-than", envOrDuration("STUCK_COMMAND_AFTER", 5*time.Minute), "pending age that counts as stuck")
	flag.StringVar(&cfg.outPath, "out", "", "optional CSV report path")
	flag.BoolVar(&cfg.dispatch, "dispatch", false, "publish stuck entries again")
	flag.StringVar(&cfg.mqttURL, "mqtt-url", envOrDefault("MQTT_URL", "tcp://localhost:1883"), "broker url used with -dispatch")
	flag.StringVar(&cfg.mqttClientID, "mqtt-client-id", "devicelink-reconcile", "broker client id used with -dispatch")
	flag.DurationVar(&cfg.connectTimeout, "connect-timeout", 15*time.Second, "broker connect timeout")
	flag.Parse()
	return cfg
}

func waitConnected(ctx context.Context, client *broker.Client, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !client.Connected() {
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for broker")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

func writeCSV(path string, entries []commands.Entry) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "tenant", "device_uid", "cmd", "params", "created_at"}); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := w.Write([]string{
			strconv.FormatInt(entry.ID, 10),
			entry.Tenant,
			entry.DeviceUID,
			entry.Cmd,
			string(entry.Params),
			entry.CreatedAt.UTC().Format(timeLayout),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func tenantLabel(tenant string) string {
	if tenant == "" {
		return "all"
	}
	return tenant
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
