package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"devicelink/internal/audit"
	"devicelink/internal/auth"
	commandsapp "devicelink/internal/commands/application"
	commands "devicelink/internal/commands/domain"
	"devicelink/internal/logging"
)

const (
	maxBodyBytes     = 1 << 16
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler provides the operator command endpoints.
type Handler struct {
	service     *commandsapp.Service
	auditLogger audit.Logger
	stuckAfter  time.Duration
}

// NewHandler constructs a handler. stuckAfter is the default age of a stuck entry.
func NewHandler(service *commandsapp.Service, auditLogger audit.Logger, stuckAfter time.Duration) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	if stuckAfter <= 0 {
		stuckAfter = 5 * time.Minute
	}
	return &Handler{service: service, auditLogger: auditLogger, stuckAfter: stuckAfter}, nil
}

// ServeHTTP handles POST/GET /api/v1/commands.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	var req commandsapp.EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	entry, err := h.service.Enqueue(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.logAudit(r, audit.ActionCommandSubmit, *entry, req.Params)
	writeJSON(w, http.StatusCreated, toView(*entry))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	deviceUID := r.URL.Query().Get("device_uid")
	if deviceUID == "" {
		http.Error(w, "device_uid is required", http.StatusBadRequest)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	entries, err := h.service.ListByDevice(r.Context(), deviceUID, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toViews(entries))
}

// ServeStuck handles GET /api/v1/commands/stuck?older_than=.
func (h *Handler) ServeStuck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	olderThan := h.stuckAfter
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid older_than", http.StatusBadRequest)
			return
		}
		olderThan = parsed
	}
	entries, err := h.service.ListStuck(r.Context(), olderThan)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toViews(entries))
}

// ServeDispatch handles POST /api/v1/commands/{id}/dispatch for entries left pending.
func (h *Handler) ServeDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid command id", http.StatusBadRequest)
		return
	}
	entry, err := h.service.Redispatch(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	h.logAudit(r, audit.ActionCommandDispatch, *entry, nil)
	writeJSON(w, http.StatusOK, toView(*entry))
}

func (h *Handler) logAudit(r *http.Request, action string, entry commands.Entry, params json.RawMessage) {
	if h.auditLogger == nil {
		return
	}
	role := auth.RoleFromContext(r.Context())
	record := audit.FromRequest(r, audit.Entry{
		TenantID:      entry.Tenant,
		Actor:         auth.SubjectFromContext(r.Context()),
		Role:          string(role),
		Action:        action,
		ResourceType:  "command",
		ResourceID:    strconv.FormatInt(entry.ID, 10),
		DeviceUID:     entry.DeviceUID,
		Metadata:      audit.Metadata(map[string]any{"cmd": entry.Cmd, "status": string(entry.Status)}),
		PayloadDigest: audit.DigestJSON(params),
	})
	if err := h.auditLogger.Log(r.Context(), record); err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("audit log failed")
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, commands.ErrInvalidCommand):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, commands.ErrUnknownDevice):
		http.Error(w, "device not found", http.StatusNotFound)
	case errors.Is(err, commands.ErrNotFound):
		http.Error(w, "command not found", http.StatusNotFound)
	case errors.Is(err, commands.ErrAlreadyDispatched):
		http.Error(w, "command already dispatched", http.StatusConflict)
	case errors.Is(err, commands.ErrPublishFailed):
		logging.FromContext(r.Context()).WithError(err).Warn("command dispatch failed")
		http.Error(w, "broker publish failed, command stays pending", http.StatusBadGateway)
	default:
		logging.FromContext(r.Context()).WithError(err).Error("command request failed")
		http.Error(w, "command store error", http.StatusInternalServerError)
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("invalid limit")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
