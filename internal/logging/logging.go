package logging

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const contextKeyLogger contextKey = "logging.entry"

// RequestIDHeader carries the request id back to the caller.
const RequestIDHeader = "X-Request-ID"

// New builds the process logger. Unknown levels fall back to info.
func New(level, format string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

// OrDefault returns logger, or the logrus standard logger when nil.
func OrDefault(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger == nil {
		return logrus.StandardLogger()
	}
	return logger
}

// WithLogger stores a request-scoped entry in the context.
func WithLogger(ctx context.Context, entry logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, contextKeyLogger, entry)
}

// FromContext returns the request-scoped entry or the standard logger.
func FromContext(ctx context.Context) logrus.FieldLogger {
	if ctx != nil {
		if entry, ok := ctx.Value(contextKeyLogger).(logrus.FieldLogger); ok {
			return entry
		}
	}
	return logrus.StandardLogger()
}

// Middleware assigns a request id, attaches a request logger and writes one access line per request.
func Middleware(next http.Handler, logger logrus.FieldLogger) http.Handler {
	logger = OrDefault(logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		entry := logger.WithField("request_id", requestID)
		w.Header().Set(RequestIDHeader, requestID)

		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r.WithContext(WithLogger(r.Context(), entry)))
		entry.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   resp.status,
			"duration": time.Since(start).String(),
		}).Info("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
