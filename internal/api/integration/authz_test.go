package integration_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	apihttp "devicelink/internal/api/http"
	"devicelink/internal/auth"
	devicesapp "devicelink/internal/devices/application"
	devicesrepo "devicelink/internal/devices/infrastructure/postgres"
	"devicelink/internal/store"
	"devicelink/internal/telemetry/application"
	telemetry "devicelink/internal/telemetry/domain"
	telemetryrepo "devicelink/internal/telemetry/infrastructure/postgres"
)

const devicePrefix = "it-api-"

func TestOperatorSurface_TenantIsolationAndRoles(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	ctx := context.Background()
	db, err := store.OpenPostgres(ctx, dsn, store.Options{Migrate: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	cleanup(t, db)
	defer cleanup(t, db)

	registry, err := devicesapp.NewRegistry(devicesrepo.NewDeviceRepository(db), "tenant-a")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	ingestor, err := application.NewIngestor(telemetryrepo.NewTelemetryRepository(db), registry)
	if err != nil {
		t.Fatalf("ingestor: %v", err)
	}
	uid := devicePrefix + "a1"
	if _, err := ingestor.Ingest(ctx, application.Input{
		DeviceUID: uid,
		Tenant:    "tenant-a",
		MsgID:     "0001",
		Payload:   []byte(`{"temp_c":24.1}`),
		Transport: telemetry.TransportMQTT,
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("pw-b"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	secret := []byte("test-secret")
	login, err := auth.NewLoginHandler(secret, time.Hour, "tenant-a", []auth.Operator{
		{Email: "b@example.com", PasswordHash: string(hash), Role: auth.RoleViewer, Tenant: "tenant-b"},
	})
	if err != nil {
		t.Fatalf("login handler: %v", err)
	}
	telemetryHandler, err := apihttp.NewTelemetryHandler(registry, ingestor)
	if err != nil {
		t.Fatalf("telemetry handler: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", login)
	mux.Handle("GET /api/v1/telemetry/{device_uid}", telemetryHandler)
	mux.HandleFunc("POST /api/v1/commands", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mw := auth.NewMiddleware(secret, auth.NewDefaultPolicy([]string{"/auth/login"}, nil))
	server := httptest.NewServer(mw.Wrap(mux))
	defer server.Close()

	resp, err := http.Post(server.URL+"/auth/login", "application/json", strings.NewReader(`{"email":"b@example.com","password":"pw-b"}`))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	resp.Body.Close()
	if tok.AccessToken == "" || tok.TokenType != "bearer" {
		t.Fatalf("unexpected login response %+v", tok)
	}

	tenantB := tok.AccessToken
	tenantA := mustToken(t, secret, "tenant-a", auth.RoleViewer)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"no token", http.MethodGet, "/api/v1/telemetry/" + uid, "", http.StatusUnauthorized},
		{"other tenant", http.MethodGet, "/api/v1/telemetry/" + uid, tenantB, http.StatusNotFound},
		{"same tenant", http.MethodGet, "/api/v1/telemetry/" + uid, tenantA, http.StatusOK},
		{"viewer cannot submit", http.MethodPost, "/api/v1/commands", tenantA, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, server.URL+tc.path, nil)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("do request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.StatusCode)
			}
		})
	}
}

func mustToken(t *testing.T, secret []byte, tenant string, role auth.Role) string {
	t.Helper()
	token, err := auth.IssueJWT(secret, "it@example.com", tenant, role, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func cleanup(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	for _, q := range []string{
		"DELETE FROM telemetry WHERE device_uid LIKE $1",
		"DELETE FROM devices WHERE device_uid LIKE $1",
	} {
		if _, err := db.ExecContext(ctx, q, devicePrefix+"%"); err != nil {
			t.Fatalf("cleanup: %v", err)
		}
	}
}
