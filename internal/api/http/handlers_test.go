package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"devicelink/internal/auth"
	commands "devicelink/internal/commands/domain"
	devices "devicelink/internal/devices/domain"
	devicesmemory "devicelink/internal/devices/infrastructure/memory"
	telemetry "devicelink/internal/telemetry/domain"
	telemetrymemory "devicelink/internal/telemetry/infrastructure/memory"
)

type recentReader struct {
	repo *telemetrymemory.TelemetryRepository
}

func (r recentReader) Recent(ctx context.Context, uid string, limit int) ([]telemetry.Record, error) {
	return r.repo.ListRecent(ctx, uid, limit)
}

type stuckStub struct {
	entries   []commands.Entry
	olderThan time.Duration
}

func (s *stuckStub) ListStuck(_ context.Context, olderThan time.Duration) ([]commands.Entry, error) {
	s.olderThan = olderThan
	return s.entries, nil
}

func seed(t *testing.T, n int) (*devicesmemory.DeviceRepository, recentReader) {
	t.Helper()
	ctx := context.Background()
	deviceRepo := devicesmemory.NewDeviceRepository()
	if _, err := deviceRepo.Register(ctx, devices.Device{UID: "dev-01", Secret: "dls_a", Name: "Device 1", Tenant: "t0"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := deviceRepo.EnsureExists(ctx, "dev-09", "t9"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	status := json.RawMessage(`{"online":true,"fw_version":"0.9.2"}`)
	if err := deviceRepo.TouchStatus(ctx, "dev-01", "t0", status, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("status: %v", err)
	}

	repo := telemetrymemory.NewTelemetryRepository()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		_, err := repo.Insert(ctx, telemetry.Record{
			DeviceUID:  "dev-01",
			MsgID:      fmt.Sprintf("%04d", i),
			Payload:    json.RawMessage(fmt.Sprintf(`{"temp_c":%d}`, 20+i)),
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return deviceRepo, recentReader{repo: repo}
}

func operatorRequest(method, target, tenant string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	return req.WithContext(auth.WithIdentity(req.Context(), tenant, auth.RoleViewer, "viewer@example.com"))
}

func TestDevicesHandler_FiltersByTenant(t *testing.T) {
	deviceRepo, _ := seed(t, 0)
	handler, err := NewDevicesHandler(deviceRepo)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, operatorRequest(http.MethodGet, "/api/v1/devices", "t0"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var out []deviceView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].DeviceUID != "dev-01" || !out[0].Registered || out[0].LastSeenAt == "" {
		t.Fatalf("unexpected devices %+v", out)
	}
}

func TestTelemetryHandler_NewestFirstWithLimit(t *testing.T) {
	deviceRepo, reader := seed(t, 5)
	handler, err := NewTelemetryHandler(deviceRepo, reader)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/telemetry/{device_uid}", handler)

	resp := httptest.NewRecorder()
	mux.ServeHTTP(resp, operatorRequest(http.MethodGet, "/api/v1/telemetry/dev-01?limit=2", "t0"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var out []telemetryView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0].MsgID != "0004" || out[1].MsgID != "0003" {
		t.Fatalf("unexpected records %+v", out)
	}

	cases := []struct {
		target string
		tenant string
		want   int
	}{
		{"/api/v1/telemetry/dev-01?limit=0", "t0", http.StatusBadRequest},
		{"/api/v1/telemetry/dev-01?limit=x", "t0", http.StatusBadRequest},
		{"/api/v1/telemetry/ghost", "t0", http.StatusNotFound},
		{"/api/v1/telemetry/dev-01", "t9", http.StatusNotFound},
	}
	for _, tc := range cases {
		resp := httptest.NewRecorder()
		mux.ServeHTTP(resp, operatorRequest(http.MethodGet, tc.target, tc.tenant))
		if resp.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.target, tc.want, resp.Code)
		}
	}
}

func TestParseLimit_CapsAtMax(t *testing.T) {
	got, err := parseLimit("5000", defaultTelemetryLimit, maxTelemetryLimit)
	if err != nil || got != maxTelemetryLimit {
		t.Fatalf("expected cap %d, got %d (%v)", maxTelemetryLimit, got, err)
	}
	got, err = parseLimit("", defaultTelemetryLimit, maxTelemetryLimit)
	if err != nil || got != defaultTelemetryLimit {
		t.Fatalf("expected default, got %d (%v)", got, err)
	}
}

func TestFirmwareHandler_ReportsVersions(t *testing.T) {
	deviceRepo, _ := seed(t, 0)
	handler, err := NewFirmwareHandler(deviceRepo, "1.0.0")
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/firmware/{device_uid}", handler)
	resp := httptest.NewRecorder()
	mux.ServeHTTP(resp, operatorRequest(http.MethodGet, "/api/v1/firmware/dev-01", "t0"))
	var out firmwareView
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.CurrentVersion != "0.9.2" || out.LatestVersion != "1.0.0" || out.UpdateAvailable {
		t.Fatalf("unexpected firmware view %+v", out)
	}
}

func TestTelemetryExport_WritesWorkbook(t *testing.T) {
	deviceRepo, reader := seed(t, 3)
	handler, err := NewTelemetryExportHandler(deviceRepo, reader)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, operatorRequest(http.MethodGet, "/api/v1/exports/telemetry.xlsx?device_uid=dev-01", "t0"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Header().Get("Content-Disposition"), "telemetry-dev-01.xlsx") {
		t.Fatalf("unexpected disposition %q", resp.Header().Get("Content-Disposition"))
	}
	book, err := excelize.OpenReader(bytes.NewReader(resp.Body.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer book.Close()
	rows, err := book.GetRows("telemetry")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	// header block, blank row, column titles, three records
	if len(rows) != 6 {
		t.Fatalf("expected 6 rows, got %d: %v", len(rows), rows)
	}
	if rows[3][1] != "0002" || rows[3][2] != `{"temp_c":22}` {
		t.Fatalf("unexpected first record row %v", rows[3])
	}
}

func TestStuckReport_RendersPDF(t *testing.T) {
	stub := &stuckStub{entries: []commands.Entry{{
		ID:        3,
		DeviceUID: "dev-01",
		Tenant:    "t0",
		Cmd:       "reboot",
		Status:    commands.StatusPending,
		CreatedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}}}
	handler, err := NewStuckReportHandler(stub, 5*time.Minute)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, operatorRequest(http.MethodGet, "/api/v1/reports/stuck-commands.pdf", "t0"))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if stub.olderThan != 5*time.Minute {
		t.Fatalf("expected default threshold, got %s", stub.olderThan)
	}
	if !bytes.HasPrefix(resp.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("response is not a pdf")
	}

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, operatorRequest(http.MethodGet, "/api/v1/reports/stuck-commands.pdf?older_than=-1m", "t0"))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}
