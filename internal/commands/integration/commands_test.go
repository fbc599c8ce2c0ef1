package integration_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	commandsapp "devicelink/internal/commands/application"
	commands "devicelink/internal/commands/domain"
	commandsrepo "devicelink/internal/commands/infrastructure/postgres"
	commandsinterfaces "devicelink/internal/commands/interfaces"
	devicesapp "devicelink/internal/devices/application"
	devicesrepo "devicelink/internal/devices/infrastructure/postgres"
	"devicelink/internal/eventing"
	"devicelink/internal/store"
)

const devicePrefix = "it-cmd-"

type switchPublisher struct {
	mu   sync.Mutex
	fail bool
}

func (p *switchPublisher) PublishCommand(context.Context, commands.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unreachable")
	}
	return nil
}

func (p *switchPublisher) set(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

func TestCommandQueue_LifecycleAgainstPostgres(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	cleanup(t, db)
	defer cleanup(t, db)

	registry, err := devicesapp.NewRegistry(devicesrepo.NewDeviceRepository(db), "t0")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	device, err := registry.Register(ctx, devicePrefix+"01", "Integration 1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	bus := eventing.NewInMemoryBus()
	publisher := &switchPublisher{}
	repo := commandsrepo.NewCommandRepository(db)
	service, err := commandsapp.NewService(repo, publisher, registry, bus)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	consumer, err := commandsinterfaces.NewQueueConsumer(service, nil)
	if err != nil {
		t.Fatalf("consumer: %v", err)
	}
	consumer.Register(bus)

	entry, err := service.Enqueue(ctx, commandsapp.EnqueueRequest{DeviceUID: device.UID, Cmd: "reboot", Params: json.RawMessage(`{"delay":1}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if entry.Status != commands.StatusSent {
		t.Fatalf("expected sent, got %s", entry.Status)
	}

	polled, err := service.Poll(ctx, device.UID, device.Secret)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(polled) != 1 || string(polled[0].Params) != `{"delay":1}` {
		t.Fatalf("unexpected poll %+v", polled)
	}

	// Concurrent acks of the same entry all succeed and move it once.
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- service.Ack(ctx, device.UID, device.Secret, entry.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	stored, err := repo.Get(ctx, entry.ID)
	if err != nil || stored == nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != commands.StatusAcked || stored.AckedAt.IsZero() || stored.SentAt.IsZero() {
		t.Fatalf("unexpected stored entry %+v", stored)
	}

	publisher.set(true)
	stuck, err := service.Enqueue(ctx, commandsapp.EnqueueRequest{DeviceUID: device.UID, Cmd: "led_on"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if stuck.Status != commands.StatusPending {
		t.Fatalf("expected pending, got %s", stuck.Status)
	}
	if err := service.Ack(ctx, device.UID, device.Secret, stuck.ID); !errors.Is(err, commands.ErrNotSent) {
		t.Fatalf("expected ErrNotSent, got %v", err)
	}
	listed, err := service.ListStuck(ctx, 0)
	if err != nil {
		t.Fatalf("list stuck: %v", err)
	}
	found := false
	for _, e := range listed {
		if e.ID == stuck.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("stuck entry %d not listed", stuck.ID)
	}

	publisher.set(false)
	if _, err := service.Redispatch(ctx, stuck.ID); err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if _, err := service.Redispatch(ctx, stuck.ID); !errors.Is(err, commands.ErrAlreadyDispatched) {
		t.Fatalf("expected ErrAlreadyDispatched, got %v", err)
	}
}

func TestCommandQueue_AckForeignDeviceIsNotFound(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	cleanup(t, db)
	defer cleanup(t, db)

	registry, _ := devicesapp.NewRegistry(devicesrepo.NewDeviceRepository(db), "t0")
	owner, err := registry.Register(ctx, devicePrefix+"owner", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	other, err := registry.Register(ctx, devicePrefix+"other", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	repo := commandsrepo.NewCommandRepository(db)
	entry, err := repo.Create(ctx, commands.Entry{DeviceUID: owner.UID, Tenant: owner.Tenant, Cmd: "ping"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if moved, err := repo.MarkSent(ctx, entry.ID, time.Now()); err != nil || !moved {
		t.Fatalf("mark sent: %v %v", moved, err)
	}
	if moved, err := repo.MarkSent(ctx, entry.ID, time.Now()); err != nil || moved {
		t.Fatalf("second mark sent should not move: %v %v", moved, err)
	}
	if _, err := repo.Ack(ctx, entry.ID, other.UID, time.Now()); !errors.Is(err, commands.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Ack(ctx, entry.ID+100000, owner.UID, time.Now()); !errors.Is(err, commands.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := store.OpenPostgres(context.Background(), dsn, store.Options{Migrate: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func cleanup(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	for _, q := range []string{
		"DELETE FROM command_queue WHERE device_uid LIKE $1",
		"DELETE FROM telemetry WHERE device_uid LIKE $1",
		"DELETE FROM devices WHERE device_uid LIKE $1",
	} {
		if _, err := db.ExecContext(ctx, q, devicePrefix+"%"); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
	}
}
