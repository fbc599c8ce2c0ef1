package auth

import (
	"errors"
	"net/http"

	devices "devicelink/internal/devices/domain"
	"devicelink/internal/observability/metrics"
)

// WriteDeviceAuthError maps a device credential failure to a response.
// It reports false when err is not an authentication failure.
func WriteDeviceAuthError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, devices.ErrMissingSecret):
		metrics.IncDeviceAuthFailure("missing")
		http.Error(w, "missing device secret", http.StatusUnauthorized)
	case errors.Is(err, devices.ErrInvalidSecret):
		metrics.IncDeviceAuthFailure("invalid")
		http.Error(w, "invalid device secret", http.StatusUnauthorized)
	case errors.Is(err, devices.ErrMismatch):
		metrics.IncDeviceAuthFailure("mismatch")
		http.Error(w, "device secret does not match device", http.StatusForbidden)
	default:
		return false
	}
	return true
}
