package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"devicelink/internal/audit"
	devices "devicelink/internal/devices/domain"
	"devicelink/internal/logging"
	"devicelink/internal/observability/metrics"
)

// ProvisioningTokenHeader gates registration when a provisioning token is configured.
const ProvisioningTokenHeader = "X-Provisioning-Token"

// Registrar issues device secrets.
type Registrar interface {
	Register(ctx context.Context, uid, name string) (*devices.Device, error)
}

// RegisterHandler serves POST /devices/register.
type RegisterHandler struct {
	registrar         Registrar
	provisioningToken string
	auditLogger       audit.Logger
}

// NewRegisterHandler constructs the register handler. An empty provisioning token leaves registration open.
func NewRegisterHandler(registrar Registrar, provisioningToken string, auditLogger audit.Logger) (*RegisterHandler, error) {
	if registrar == nil {
		return nil, errors.New("devices handler: nil registrar")
	}
	return &RegisterHandler{registrar: registrar, provisioningToken: provisioningToken, auditLogger: auditLogger}, nil
}

type registerRequest struct {
	DeviceUID string `json:"device_uid"`
	Name      string `json:"name"`
}

type registerResponse struct {
	DeviceUID string `json:"device_uid"`
	Secret    string `json:"secret"`
}

// ServeHTTP registers a device. Re-registering returns the existing secret.
func (h *RegisterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.provisioningToken != "" {
		presented := r.Header.Get(ProvisioningTokenHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.provisioningToken)) != 1 {
			metrics.IncDeviceRegistration("unauthorized")
			http.Error(w, "invalid provisioning token", http.StatusUnauthorized)
			return
		}
	}

	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	device, err := h.registrar.Register(r.Context(), req.DeviceUID, req.Name)
	if errors.Is(err, devices.ErrInvalidUID) {
		metrics.IncDeviceRegistration("rejected")
		http.Error(w, "invalid device_uid", http.StatusBadRequest)
		return
	}
	if err != nil {
		metrics.IncDeviceRegistration(metrics.ResultError)
		logging.FromContext(r.Context()).WithError(err).WithField("device_uid", req.DeviceUID).Error("device register failed")
		http.Error(w, "register failed", http.StatusInternalServerError)
		return
	}
	metrics.IncDeviceRegistration(metrics.ResultSuccess)

	if h.auditLogger != nil {
		entry := audit.FromRequest(r, audit.Entry{
			TenantID:     device.Tenant,
			Actor:        device.UID,
			Role:         "device",
			Action:       audit.ActionDeviceRegister,
			ResourceType: "device",
			ResourceID:   device.UID,
			DeviceUID:    device.UID,
			Metadata:     audit.Metadata(map[string]any{"name": device.Name}),
		})
		if err := h.auditLogger.Log(r.Context(), entry); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("audit log failed")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(registerResponse{DeviceUID: device.UID, Secret: device.Secret})
}
