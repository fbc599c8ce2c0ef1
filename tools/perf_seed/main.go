package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	commands "devicelink/internal/commands/domain"
	commandsrepo "devicelink/internal/commands/infrastructure/postgres"
	devicesapp "devicelink/internal/devices/application"
	devicesrepo "devicelink/internal/devices/infrastructure/postgres"
	"devicelink/internal/logging"
	"devicelink/internal/store"
	telemetry "devicelink/internal/telemetry/domain"
	telemetryrepo "devicelink/internal/telemetry/infrastructure/postgres"
)

type config struct {
	dsn          string
	tenant       string
	devicePrefix string
	deviceCount  int
	records      int
	interval     time.Duration
	pendingEvery int
	registerAll  bool
	logLevel     string
}

func main() {
	cfg := parseConfig()
	logger := logging.New(cfg.logLevel, "text")
	if cfg.dsn == "" {
		logger.Fatal("PG_DSN or DATABASE_URL is required")
	}
	if cfg.deviceCount <= 0 {
		logger.Fatal("device-count must be > 0")
	}
	if cfg.records < 0 {
		logger.Fatal("records must be >= 0")
	}

	ctx := context.Background()
	db, err := store.OpenPostgres(ctx, cfg.dsn, store.Options{Migrate: true})
	if err != nil {
		logger.WithError(err).Fatal("open db")
	}
	defer db.Close()

	deviceRepo := devicesrepo.NewDeviceRepository(db)
	registry, err := devicesapp.NewRegistry(deviceRepo, cfg.tenant)
	if err != nil {
		logger.WithError(err).Fatal("registry")
	}
	telemetryStore := telemetryrepo.NewTelemetryRepository(db)
	commandStore := commandsrepo.NewCommandRepository(db)

	uids := buildDeviceUIDs(cfg.devicePrefix, cfg.deviceCount)
	start := time.Now().UTC().Add(-time.Duration(cfg.records) * cfg.interval)
	rng := rand.New(rand.NewSource(start.UnixNano()))

	var inserted, duplicates, pending int
	for i, uid := range uids {
		if cfg.registerAll || i%2 == 0 {
			if _, err := registry.Register(ctx, uid, uid); err != nil {
				logger.WithError(err).WithField("device_uid", uid).Fatal("register device")
			}
		} else if err := registry.EnsureExists(ctx, uid, cfg.tenant); err != nil {
			logger.WithError(err).WithField("device_uid", uid).Fatal("ensure device")
		}

		for n := 0; n < cfg.records; n++ {
			payload, _ := json.Marshal(map[string]any{
				"temp_c": 24 + rng.Float64()*3,
				"led":    n%2 == 0,
			})
			result, err := telemetryStore.Insert(ctx, telemetry.Record{
				DeviceUID:  uid,
				MsgID:      fmt.Sprintf("%04d", n),
				Payload:    payload,
				ReceivedAt: start.Add(time.Duration(n) * cfg.interval),
			})
			if err != nil {
				logger.WithError(err).WithField("device_uid", uid).Fatal("insert telemetry")
			}
			if result == telemetry.ResultDuplicate {
				duplicates++
			} else {
				inserted++
			}
		}

		if cfg.pendingEvery > 0 && i%cfg.pendingEvery == 0 {
			if _, err := commandStore.Create(ctx, commands.Entry{
				DeviceUID: uid,
				Tenant:    cfg.tenant,
				Cmd:       "reboot",
				CreatedAt: start,
			}); err != nil {
				logger.WithError(err).WithField("device_uid", uid).Fatal("create pending command")
			}
			pending++
		}
	}

	logger.WithFields(logrus.Fields{
		"devices":    len(uids),
		"inserted":   inserted,
		"duplicates": duplicates,
		"pending":    pending,
	}).Info("perf seed completed")
}

func parseConfig() config {
	cfg := config{}
	flag.StringVar(&cfg.dsn, "pg-dsn", envOrDefault("PG_DSN", envOrDefault("DATABASE_URL", "")), "Postgres DSN")
	flag.StringVar(&cfg.tenant, "tenant", envOrDefault("DEFAULT_TENANT", "t0"), "tenant of seeded devices")
	flag.StringVar(&cfg.devicePrefix, "device-prefix", envOrDefault("DEVICE_PREFIX", "dev-perf-"), "device uid prefix")
	flag.IntVar(&cfg.deviceCount, "device-count", envOrInt("DEVICE_COUNT", 10), "number of devices to seed")
	flag.IntVar(&cfg.records, "records", envOrInt("RECORDS", 1000), "telemetry records per device")
	flag.DurationVar(&cfg.interval, "interval", 2*time.Second, "spacing between seeded records")
	flag.IntVar(&cfg.pendingEvery, "pending-every", envOrInt("PENDING_EVERY", 5), "create a stuck pending command on every Nth device (0 disables)")
	flag.BoolVar(&cfg.registerAll, "register-all", envOrBool("REGISTER_ALL", false), "register every device instead of half")
	flag.StringVar(&cfg.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level")
	flag.Parse()
	return cfg
}

func buildDeviceUIDs(prefix string, count int) []string {
	out := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		out = append(out, fmt.Sprintf("%s%03d", prefix, i))
	}
	return out
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func envOrBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}
