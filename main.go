package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	apihttp "devicelink/internal/api/http"
	"devicelink/internal/audit"
	"devicelink/internal/auth"
	"devicelink/internal/broker"
	commandsapp "devicelink/internal/commands/application"
	commands "devicelink/internal/commands/domain"
	commandsmemory "devicelink/internal/commands/infrastructure/memory"
	commandsrepo "devicelink/internal/commands/infrastructure/postgres"
	commandsinterfaces "devicelink/internal/commands/interfaces"
	commandshttp "devicelink/internal/commands/interfaces/http"
	commandsmqtt "devicelink/internal/commands/interfaces/mqtt"
	"devicelink/internal/config"
	devicesapp "devicelink/internal/devices/application"
	devices "devicelink/internal/devices/domain"
	devicesmemory "devicelink/internal/devices/infrastructure/memory"
	devicesrepo "devicelink/internal/devices/infrastructure/postgres"
	deviceshttp "devicelink/internal/devices/interfaces/http"
	"devicelink/internal/eventing"
	"devicelink/internal/logging"
	"devicelink/internal/observability/metrics"
	"devicelink/internal/store"
	telemetryapp "devicelink/internal/telemetry/application"
	telemetry "devicelink/internal/telemetry/domain"
	telemetrymemory "devicelink/internal/telemetry/infrastructure/memory"
	telemetryrepo "devicelink/internal/telemetry/infrastructure/postgres"
	telemetryhttp "devicelink/internal/telemetry/interfaces/http"
	telemetrymqtt "devicelink/internal/telemetry/interfaces/mqtt"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("config error")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("store open error")
	}
	defer st.close()
	logger.WithField("store", cfg.Store).Info("store ready")

	metrics.Init(st.gauges, logger)

	bus := eventing.NewInMemoryBus()
	registry, err := devicesapp.NewRegistry(st.devices, cfg.DefaultTenant)
	if err != nil {
		logger.WithError(err).Fatal("device registry error")
	}
	ingestor, err := telemetryapp.NewIngestor(st.telemetry, registry,
		telemetryapp.WithEventBus(bus),
		telemetryapp.WithLogger(logger),
	)
	if err != nil {
		logger.WithError(err).Fatal("telemetry ingestor error")
	}

	brokerClient, err := broker.New(broker.Options{
		URL:               cfg.MQTT.URL,
		ClientID:          cfg.MQTT.ClientID,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		ReconnectDelay:    cfg.MQTT.ReconnectDelay,
		ReconnectMaxDelay: cfg.MQTT.ReconnectMaxDelay,
		PublishTimeout:    cfg.MQTT.PublishTimeout,
		Ready:             st.pinger.PingContext,
		Logger:            logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("broker client error")
	}
	consumer, err := telemetrymqtt.NewConsumer(ingestor, registry, logger)
	if err != nil {
		logger.WithError(err).Fatal("telemetry consumer error")
	}
	brokerClient.Handle(cfg.MQTT.TelemetryTopic, 1, consumer.HandleTelemetry)
	if cfg.MQTT.StatusTopic != "" {
		brokerClient.Handle(cfg.MQTT.StatusTopic, 1, consumer.HandleStatus)
	}

	publisher, err := commandsmqtt.NewPublisher(brokerClient)
	if err != nil {
		logger.WithError(err).Fatal("command publisher error")
	}
	commandService, err := commandsapp.NewService(st.commands, publisher, registry, bus, commandsapp.WithLogger(logger))
	if err != nil {
		logger.WithError(err).Fatal("command service error")
	}
	queueConsumer, err := commandsinterfaces.NewQueueConsumer(commandService, logger)
	if err != nil {
		logger.WithError(err).Fatal("queue consumer error")
	}
	queueConsumer.Register(bus)
	subscribeTrace(bus, logger)

	mux, err := buildMux(cfg, st, registry, ingestor, commandService, logger)
	if err != nil {
		logger.WithError(err).Fatal("http wiring error")
	}

	policy := auth.NewDefaultPolicy(
		[]string{"/auth/login", "/healthz", "/metrics"},
		[]string{"/devices/"},
	)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	var handler http.Handler = authMiddleware.Wrap(mux)
	handler = handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins()),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", auth.DeviceSecretHeader, deviceshttp.ProvisioningTokenHeader}),
	)(handler)
	handler = handlers.RecoveryHandler(handlers.RecoveryLogger(logger), handlers.PrintRecoveryStack(true))(handler)
	handler = logging.Middleware(handler, logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := brokerClient.Run(ctx); err != nil {
			logger.WithError(err).Error("broker loop stopped")
		}
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serverErr:
		if err != nil {
			logger.WithError(err).Error("http server failed")
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown error")
	}
	wg.Wait()
	logger.Info("stopped")
}

func buildMux(cfg config.Config, st *stores, registry *devicesapp.Registry, ingestor *telemetryapp.Ingestor, commandService *commandsapp.Service, logger logrus.FieldLogger) (*http.ServeMux, error) {
	operators := make([]auth.Operator, 0, len(cfg.Operators))
	for _, op := range cfg.Operators {
		if op.Role == "" {
			op.Role = string(auth.RoleViewer)
		}
		role, ok := auth.NormalizeRole(op.Role)
		if !ok {
			return nil, errors.New("config: unknown operator role " + op.Role)
		}
		operators = append(operators, auth.Operator{Email: op.Email, PasswordHash: op.PasswordHash, Role: role, Tenant: op.Tenant})
	}
	if cfg.DemoLogin {
		logger.Warn("demo login enabled: any email and password is accepted")
	}
	loginHandler, err := auth.NewLoginHandler([]byte(cfg.JWTSecret), cfg.TokenTTL, cfg.DefaultTenant, operators, auth.WithDemoLogin(cfg.DemoLogin))
	if err != nil {
		return nil, err
	}

	registerHandler, err := deviceshttp.NewRegisterHandler(registry, cfg.ProvisioningToken, st.audit)
	if err != nil {
		return nil, err
	}
	ingestHandler, err := telemetryhttp.NewIngestHandler(registry, ingestor)
	if err != nil {
		return nil, err
	}
	commandHandler, err := commandshttp.NewHandler(commandService, st.audit, cfg.StuckCommandAfter)
	if err != nil {
		return nil, err
	}
	deviceCommandHandler, err := commandshttp.NewDeviceHandler(commandService, st.audit)
	if err != nil {
		return nil, err
	}
	devicesHandler, err := apihttp.NewDevicesHandler(registry)
	if err != nil {
		return nil, err
	}
	telemetryHandler, err := apihttp.NewTelemetryHandler(registry, ingestor)
	if err != nil {
		return nil, err
	}
	firmwareHandler, err := apihttp.NewFirmwareHandler(registry, cfg.FirmwareVersion)
	if err != nil {
		return nil, err
	}
	exportHandler, err := apihttp.NewTelemetryExportHandler(registry, ingestor)
	if err != nil {
		return nil, err
	}
	stuckReportHandler, err := apihttp.NewStuckReportHandler(commandService, cfg.StuckCommandAfter)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginHandler)

	mux.Handle("POST /devices/register", registerHandler)
	mux.Handle("POST /devices/{uid}/telemetry", ingestHandler)
	mux.HandleFunc("GET /devices/{uid}/commands/poll", deviceCommandHandler.ServePoll)
	mux.HandleFunc("POST /devices/{uid}/commands/{id}/ack", deviceCommandHandler.ServeAck)

	mux.Handle("GET /api/v1/devices", devicesHandler)
	mux.Handle("GET /api/v1/telemetry/{device_uid}", telemetryHandler)
	mux.Handle("GET /api/v1/firmware/{device_uid}", firmwareHandler)
	mux.Handle("/api/v1/commands", commandHandler)
	mux.HandleFunc("GET /api/v1/commands/stuck", commandHandler.ServeStuck)
	mux.HandleFunc("POST /api/v1/commands/{id}/dispatch", commandHandler.ServeDispatch)
	mux.Handle("GET /api/v1/exports/telemetry.xlsx", exportHandler)
	mux.Handle("GET /api/v1/reports/stuck-commands.pdf", stuckReportHandler)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.pinger.PingContext(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux, nil
}

// subscribeTrace logs lifecycle events at debug level.
func subscribeTrace(bus eventing.Bus, logger logrus.FieldLogger) {
	eventing.Subscribe(bus, func(_ context.Context, evt eventing.TelemetryIngested) error {
		logger.WithFields(logrus.Fields{"device_uid": evt.DeviceUID, "msg_id": evt.MsgID, "transport": evt.Transport}).Debug("telemetry ingested")
		return nil
	})
	eventing.Subscribe(bus, func(_ context.Context, evt eventing.CommandSent) error {
		logger.WithFields(logrus.Fields{"command_id": evt.CommandID, "device_uid": evt.DeviceUID}).Debug("command sent")
		return nil
	})
	eventing.Subscribe(bus, func(_ context.Context, evt eventing.CommandAcked) error {
		logger.WithFields(logrus.Fields{"command_id": evt.CommandID, "device_uid": evt.DeviceUID}).Debug("command acked")
		return nil
	})
}

// ---- Stores ----

type stores struct {
	devices   devices.Repository
	telemetry telemetry.Repository
	commands  commands.Repository
	audit     audit.Logger
	pinger    store.Pinger
	gauges    metrics.GaugeSources
	db        *sql.DB
}

func (s *stores) close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		commandRepo := commandsmemory.NewCommandRepository()
		stuckAfter := cfg.StuckCommandAfter
		return &stores{
			devices:   devicesmemory.NewDeviceRepository(),
			telemetry: telemetrymemory.NewTelemetryRepository(),
			commands:  commandRepo,
			audit:     audit.NewMemoryLogger(),
			pinger:    store.NopPinger{},
			gauges: metrics.GaugeSources{
				PendingCommands: func(context.Context) (int64, error) {
					return commandRepo.CountPending(time.Time{}), nil
				},
				StuckCommands: func(context.Context) (int64, error) {
					return commandRepo.CountPending(time.Now().UTC().Add(-stuckAfter)), nil
				},
			},
		}, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := store.OpenPostgres(openCtx, cfg.DatabaseURL, store.Options{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		Migrate:         true,
	})
	if err != nil {
		return nil, err
	}
	return &stores{
		devices:   devicesrepo.NewDeviceRepository(db),
		telemetry: telemetryrepo.NewTelemetryRepository(db),
		commands:  commandsrepo.NewCommandRepository(db),
		audit:     audit.NewRepository(db),
		pinger:    db,
		gauges:    metrics.DBSources(db, cfg.StuckCommandAfter),
		db:        db,
	}, nil
}
