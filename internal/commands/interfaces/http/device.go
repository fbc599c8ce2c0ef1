package http

import (
	"errors"
	"net/http"
	"strconv"

	"devicelink/internal/audit"
	"devicelink/internal/auth"
	commandsapp "devicelink/internal/commands/application"
	commands "devicelink/internal/commands/domain"
	"devicelink/internal/logging"
)

// DeviceHandler serves the secret-authenticated poll and ack endpoints.
type DeviceHandler struct {
	service     *commandsapp.Service
	auditLogger audit.Logger
}

// NewDeviceHandler constructs the device command handler.
func NewDeviceHandler(service *commandsapp.Service, auditLogger audit.Logger) (*DeviceHandler, error) {
	if service == nil {
		return nil, errors.New("commands device handler: nil service")
	}
	return &DeviceHandler{service: service, auditLogger: auditLogger}, nil
}

// ServePoll handles GET /devices/{uid}/commands/poll.
func (h *DeviceHandler) ServePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entries, err := h.service.Poll(r.Context(), r.PathValue("uid"), auth.DeviceSecret(r))
	if err != nil {
		if auth.WriteDeviceAuthError(w, err) {
			return
		}
		logging.FromContext(r.Context()).WithError(err).Error("command poll failed")
		http.Error(w, "command store error", http.StatusInternalServerError)
		return
	}
	items := make([]PollItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, PollItem{ID: entry.ID, Cmd: entry.Cmd, Params: entry.Params})
	}
	writeJSON(w, http.StatusOK, items)
}

// ServeAck handles POST /devices/{uid}/commands/{id}/ack.
func (h *DeviceHandler) ServeAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	uid := r.PathValue("uid")
	// An unparsable id is passed as 0 so the device is authenticated before
	// the lookup reports not found.
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		id = 0
	}

	err = h.service.Ack(r.Context(), uid, auth.DeviceSecret(r), id)
	switch {
	case err == nil:
	case auth.WriteDeviceAuthError(w, err):
		return
	case errors.Is(err, commands.ErrNotFound):
		http.Error(w, "command not found", http.StatusNotFound)
		return
	case errors.Is(err, commands.ErrNotSent):
		http.Error(w, "command not sent yet", http.StatusConflict)
		return
	default:
		logging.FromContext(r.Context()).WithError(err).Error("command ack failed")
		http.Error(w, "command store error", http.StatusInternalServerError)
		return
	}

	if h.auditLogger != nil {
		record := audit.FromRequest(r, audit.Entry{
			Actor:        uid,
			Role:         "device",
			Action:       audit.ActionCommandAck,
			ResourceType: "command",
			ResourceID:   strconv.FormatInt(id, 10),
			DeviceUID:    uid,
		})
		if err := h.auditLogger.Log(r.Context(), record); err != nil {
			logging.FromContext(r.Context()).WithError(err).Warn("audit log failed")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "id": id})
}
