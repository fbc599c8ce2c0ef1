package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"devicelink/internal/auth"
	devices "devicelink/internal/devices/domain"
	"devicelink/internal/logging"
	"devicelink/internal/telemetry/application"
	telemetry "devicelink/internal/telemetry/domain"
)

const maxBodyBytes = 1 << 20

// DeviceVerifier checks a device secret against the addressed device.
type DeviceVerifier interface {
	ResolveAndVerify(ctx context.Context, uid, secret string) (*devices.Device, error)
}

// Ingester is the persistence entry point.
type Ingester interface {
	Ingest(ctx context.Context, in application.Input) (application.Outcome, error)
}

// IngestHandler serves POST /devices/{uid}/telemetry for devices without a broker connection.
type IngestHandler struct {
	verifier DeviceVerifier
	ingestor Ingester
}

// NewIngestHandler constructs the fallback ingest handler.
func NewIngestHandler(verifier DeviceVerifier, ingestor Ingester) (*IngestHandler, error) {
	if verifier == nil || ingestor == nil {
		return nil, errors.New("telemetry http: nil dependency")
	}
	return &IngestHandler{verifier: verifier, ingestor: ingestor}, nil
}

type ingestRequest struct {
	MsgID   json.RawMessage `json:"msg_id"`
	Payload json.RawMessage `json:"payload"`
}

type ingestResponse struct {
	Status string `json:"status"`
	MsgID  string `json:"msg_id"`
}

// ServeHTTP ingests one telemetry document.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	logger := logging.FromContext(r.Context())
	uid := r.PathValue("uid")

	device, err := h.verifier.ResolveAndVerify(r.Context(), uid, auth.DeviceSecret(r))
	if err != nil {
		if auth.WriteDeviceAuthError(w, err) {
			return
		}
		logger.WithError(err).Error("telemetry ingest: device lookup failed")
		http.Error(w, "device lookup failed", http.StatusInternalServerError)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	msgID := ""
	if len(req.MsgID) > 0 && string(req.MsgID) != "null" {
		msgID = telemetry.MsgIDText(req.MsgID)
		if msgID == "" {
			http.Error(w, "invalid msg_id", http.StatusBadRequest)
			return
		}
	}

	out, err := h.ingestor.Ingest(r.Context(), application.Input{
		DeviceUID: device.UID,
		Tenant:    device.Tenant,
		MsgID:     msgID,
		Payload:   req.Payload,
		Transport: telemetry.TransportHTTP,
	})
	switch {
	case errors.Is(err, telemetry.ErrReservedMsgID):
		http.Error(w, "msg_id prefix is reserved", http.StatusBadRequest)
		return
	case errors.Is(err, telemetry.ErrInvalidMsgID):
		http.Error(w, "invalid msg_id", http.StatusBadRequest)
		return
	case errors.Is(err, telemetry.ErrInvalidPayload):
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	case err != nil:
		logger.WithError(err).WithField("device_uid", device.UID).Error("telemetry ingest: insert failed")
		http.Error(w, "insert error", http.StatusInternalServerError)
		return
	}

	status := "ok"
	if out.Result == telemetry.ResultDuplicate {
		status = "duplicate"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ingestResponse{Status: status, MsgID: out.MsgID})
}
