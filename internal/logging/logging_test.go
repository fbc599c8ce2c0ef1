package logging

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestMiddleware_RequestIDAndAccessLine(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json")
	logger.SetOutput(&buf)

	var sawEntry bool
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()).(*logrus.Entry); ok {
			sawEntry = true
		}
		w.WriteHeader(http.StatusTeapot)
	}), logger)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if !sawEntry {
		t.Fatalf("expected request-scoped entry in context")
	}
	if resp.Header().Get(RequestIDHeader) != "req-1" {
		t.Fatalf("request id not echoed")
	}
	line := buf.String()
	for _, want := range []string{`"request_id":"req-1"`, `"status":418`, `"path":"/healthz"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("access line missing %s: %s", want, line)
		}
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger := New("loud", "text")
	if logger.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", logger.GetLevel())
	}
}
