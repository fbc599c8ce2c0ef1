package application

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	devices "devicelink/internal/devices/domain"
	devicesmemory "devicelink/internal/devices/infrastructure/memory"
	"devicelink/internal/eventing"
	telemetry "devicelink/internal/telemetry/domain"
	"devicelink/internal/telemetry/infrastructure/memory"
)

func newTestIngestor(t *testing.T, opts ...IngestorOption) (*Ingestor, *memory.TelemetryRepository, *devicesmemory.DeviceRepository) {
	t.Helper()
	repo := memory.NewTelemetryRepository()
	deviceRepo := devicesmemory.NewDeviceRepository()
	ingestor, err := NewIngestor(repo, deviceRepo, opts...)
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	return ingestor, repo, deviceRepo
}

func TestIngest_DuplicateIsNotAnError(t *testing.T) {
	ingestor, repo, _ := newTestIngestor(t)
	in := Input{
		DeviceUID: "dev-02",
		Tenant:    "t0",
		MsgID:     "0001",
		Payload:   json.RawMessage(`{"msg_id":"0001","data":{"temp_c":24.5}}`),
		Transport: telemetry.TransportMQTT,
	}

	first, err := ingestor.Ingest(context.Background(), in)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Result != telemetry.ResultInserted {
		t.Fatalf("expected inserted, got %v", first.Result)
	}
	second, err := ingestor.Ingest(context.Background(), in)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Result != telemetry.ResultDuplicate {
		t.Fatalf("expected duplicate, got %v", second.Result)
	}
	if repo.Count("dev-02") != 1 {
		t.Fatalf("expected one record, got %d", repo.Count("dev-02"))
	}
}

func TestIngest_CreatesUnseenDeviceWithoutSecret(t *testing.T) {
	ingestor, _, deviceRepo := newTestIngestor(t)
	if _, err := ingestor.Ingest(context.Background(), Input{
		DeviceUID: "dev-09",
		Tenant:    "t0",
		Payload:   json.RawMessage(`{"data":{}}`),
		Transport: telemetry.TransportMQTT,
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	device, err := deviceRepo.Get(context.Background(), "dev-09")
	if err != nil || device == nil {
		t.Fatalf("expected device, got %v %v", device, err)
	}
	if device.Registered() {
		t.Fatalf("auto-created device must not have a secret")
	}
	if device.Name != "dev-09" {
		t.Fatalf("expected default name, got %q", device.Name)
	}
}

func TestIngest_GeneratesTransportTaggedIDs(t *testing.T) {
	ingestor, _, _ := newTestIngestor(t)
	mqttOut, err := ingestor.Ingest(context.Background(), Input{DeviceUID: "dev-01", Payload: json.RawMessage(`{}`), Transport: telemetry.TransportMQTT})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	httpOut, err := ingestor.Ingest(context.Background(), Input{DeviceUID: "dev-01", Payload: json.RawMessage(`{}`), Transport: telemetry.TransportHTTP})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !strings.HasPrefix(mqttOut.MsgID, "srv-mqtt-") || !strings.HasPrefix(httpOut.MsgID, "srv-http-") {
		t.Fatalf("unexpected generated ids %q %q", mqttOut.MsgID, httpOut.MsgID)
	}
	if mqttOut.Result != telemetry.ResultInserted || httpOut.Result != telemetry.ResultInserted {
		t.Fatalf("generated ids must not collide")
	}
}

func TestIngest_RejectsBadInput(t *testing.T) {
	ingestor, _, _ := newTestIngestor(t)
	cases := []struct {
		name string
		in   Input
		want error
	}{
		{"reserved id", Input{DeviceUID: "dev-01", MsgID: "srv-mqtt-x", Payload: json.RawMessage(`{}`)}, telemetry.ErrReservedMsgID},
		{"null payload", Input{DeviceUID: "dev-01", Payload: json.RawMessage(`null`)}, telemetry.ErrInvalidPayload},
		{"broken payload", Input{DeviceUID: "dev-01", Payload: json.RawMessage(`{`)}, telemetry.ErrInvalidPayload},
		{"bad uid", Input{DeviceUID: "a/b", Payload: json.RawMessage(`{}`)}, devices.ErrInvalidUID},
	}
	for _, tc := range cases {
		if _, err := ingestor.Ingest(context.Background(), tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestIngest_PublishesOnlyNewRecords(t *testing.T) {
	bus := eventing.NewInMemoryBus()
	var events []eventing.TelemetryIngested
	eventing.Subscribe(bus, func(ctx context.Context, evt eventing.TelemetryIngested) error {
		events = append(events, evt)
		return nil
	})
	ingestor, _, _ := newTestIngestor(t, WithEventBus(bus))
	in := Input{DeviceUID: "dev-02", MsgID: "7", Payload: json.RawMessage(`{}`), Transport: telemetry.TransportHTTP}
	for i := 0; i < 2; i++ {
		if _, err := ingestor.Ingest(context.Background(), in); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	if len(events) != 1 || events[0].MsgID != "7" {
		t.Fatalf("unexpected events %+v", events)
	}
}

type failingRepo struct{}

func (failingRepo) Insert(context.Context, telemetry.Record) (telemetry.InsertResult, error) {
	return 0, errors.New("db down")
}

func (failingRepo) ListRecent(context.Context, string, int) ([]telemetry.Record, error) {
	return nil, errors.New("db down")
}

func TestIngest_SurfacesStoreErrors(t *testing.T) {
	ingestor, err := NewIngestor(failingRepo{}, devicesmemory.NewDeviceRepository())
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	if _, err := ingestor.Ingest(context.Background(), Input{DeviceUID: "dev-01", Payload: json.RawMessage(`{}`)}); err == nil {
		t.Fatalf("expected store error")
	}
}
