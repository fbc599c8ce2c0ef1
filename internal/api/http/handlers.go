package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"devicelink/internal/auth"
	devices "devicelink/internal/devices/domain"
	"devicelink/internal/logging"
	telemetry "devicelink/internal/telemetry/domain"
)

const (
	timeLayout            = time.RFC3339
	defaultTelemetryLimit = 100
	maxTelemetryLimit     = 1000
)

var errInvalidLimit = errors.New("limit must be a positive integer")

// DeviceDirectory reads registered and discovered devices.
type DeviceDirectory interface {
	Get(ctx context.Context, uid string) (*devices.Device, error)
	List(ctx context.Context, tenant string) ([]devices.Device, error)
}

// TelemetryReader reads stored telemetry, newest first.
type TelemetryReader interface {
	Recent(ctx context.Context, deviceUID string, limit int) ([]telemetry.Record, error)
}

type deviceView struct {
	DeviceUID  string          `json:"device_uid"`
	Name       string          `json:"name"`
	Tenant     string          `json:"tenant"`
	Registered bool            `json:"registered"`
	LastStatus json.RawMessage `json:"last_status,omitempty"`
	LastSeenAt string          `json:"last_seen_at,omitempty"`
}

type telemetryView struct {
	DeviceUID string          `json:"device_uid"`
	MsgID     string          `json:"msg_id"`
	Payload   json.RawMessage `json:"payload"`
	TS        string          `json:"ts"`
}

// DevicesHandler serves GET /api/v1/devices.
type DevicesHandler struct {
	devices DeviceDirectory
}

// NewDevicesHandler constructs a DevicesHandler.
func NewDevicesHandler(directory DeviceDirectory) (*DevicesHandler, error) {
	if directory == nil {
		return nil, errors.New("api: nil device directory")
	}
	return &DevicesHandler{devices: directory}, nil
}

// ServeHTTP lists the caller tenant's devices.
func (h *DevicesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	list, err := h.devices.List(r.Context(), auth.TenantIDFromContext(r.Context()))
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("list devices failed")
		http.Error(w, "query devices error", http.StatusInternalServerError)
		return
	}
	out := make([]deviceView, 0, len(list))
	for _, d := range list {
		view := deviceView{
			DeviceUID:  d.UID,
			Name:       d.Name,
			Tenant:     d.Tenant,
			Registered: d.Registered(),
			LastStatus: d.LastStatus,
		}
		if !d.LastSeenAt.IsZero() {
			view.LastSeenAt = d.LastSeenAt.UTC().Format(timeLayout)
		}
		out = append(out, view)
	}
	writeJSON(w, out)
}

// TelemetryHandler serves GET /api/v1/telemetry/{device_uid}.
type TelemetryHandler struct {
	devices DeviceDirectory
	reader  TelemetryReader
}

// NewTelemetryHandler constructs a TelemetryHandler.
func NewTelemetryHandler(directory DeviceDirectory, reader TelemetryReader) (*TelemetryHandler, error) {
	if directory == nil || reader == nil {
		return nil, errors.New("api: nil telemetry dependency")
	}
	return &TelemetryHandler{devices: directory, reader: reader}, nil
}

// ServeHTTP returns the newest records of a device.
func (h *TelemetryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultTelemetryLimit, maxTelemetryLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	device, ok := visibleDevice(w, r, h.devices, r.PathValue("device_uid"))
	if !ok {
		return
	}
	records, err := h.reader.Recent(r.Context(), device.UID, limit)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("query telemetry failed")
		http.Error(w, "query telemetry error", http.StatusInternalServerError)
		return
	}
	out := make([]telemetryView, 0, len(records))
	for _, rec := range records {
		out = append(out, telemetryView{
			DeviceUID: rec.DeviceUID,
			MsgID:     rec.MsgID,
			Payload:   rec.Payload,
			TS:        rec.ReceivedAt.UTC().Format(timeLayout),
		})
	}
	writeJSON(w, out)
}

// FirmwareHandler serves GET /api/v1/firmware/{device_uid}. No update is ever offered.
type FirmwareHandler struct {
	devices       DeviceDirectory
	latestVersion string
}

// NewFirmwareHandler constructs a FirmwareHandler.
func NewFirmwareHandler(directory DeviceDirectory, latestVersion string) (*FirmwareHandler, error) {
	if directory == nil {
		return nil, errors.New("api: nil device directory")
	}
	return &FirmwareHandler{devices: directory, latestVersion: latestVersion}, nil
}

type firmwareView struct {
	DeviceUID       string `json:"device_uid"`
	CurrentVersion  string `json:"current_version,omitempty"`
	LatestVersion   string `json:"latest_version"`
	UpdateAvailable bool   `json:"update_available"`
}

// ServeHTTP reports the firmware state of a device.
func (h *FirmwareHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	device, ok := visibleDevice(w, r, h.devices, r.PathValue("device_uid"))
	if !ok {
		return
	}
	writeJSON(w, firmwareView{
		DeviceUID:      device.UID,
		CurrentVersion: reportedVersion(device.LastStatus),
		LatestVersion:  h.latestVersion,
	})
}

// reportedVersion reads "fw_version" from the last status document.
func reportedVersion(status json.RawMessage) string {
	if len(status) == 0 {
		return ""
	}
	var doc struct {
		FWVersion string `json:"fw_version"`
	}
	if err := json.Unmarshal(status, &doc); err != nil {
		return ""
	}
	return doc.FWVersion
}

// visibleDevice writes 404 for unknown devices and devices of another tenant.
func visibleDevice(w http.ResponseWriter, r *http.Request, directory DeviceDirectory, uid string) (*devices.Device, bool) {
	if uid == "" {
		http.Error(w, "device_uid is required", http.StatusBadRequest)
		return nil, false
	}
	device, err := directory.Get(r.Context(), uid)
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Error("device lookup failed")
		http.Error(w, "query device error", http.StatusInternalServerError)
		return nil, false
	}
	tenant := auth.TenantIDFromContext(r.Context())
	if device == nil || (tenant != "" && device.Tenant != tenant) {
		http.Error(w, "device not found", http.StatusNotFound)
		return nil, false
	}
	return device, true
}

func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errInvalidLimit
	}
	if limit > max {
		limit = max
	}
	return limit, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
