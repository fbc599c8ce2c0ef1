package devices

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrMissingSecret indicates no device secret was presented.
	ErrMissingSecret = errors.New("devices: missing secret")
	// ErrInvalidSecret indicates the secret does not belong to any registered device.
	ErrInvalidSecret = errors.New("devices: invalid secret")
	// ErrMismatch indicates the secret belongs to a different device than the one addressed.
	ErrMismatch = errors.New("devices: secret does not match device")
	// ErrInvalidUID indicates a device uid that cannot be used as a topic segment.
	ErrInvalidUID = errors.New("devices: invalid device uid")
	// ErrSecretConflict is returned by repositories when a generated secret collides.
	ErrSecretConflict = errors.New("devices: secret already in use")
)

// Device is a registered or auto-discovered device.
type Device struct {
	UID        string
	Secret     string
	Name       string
	Tenant     string
	LastStatus json.RawMessage
	LastSeenAt time.Time
	CreatedAt  time.Time
}

// Registered reports whether a secret has been issued.
func (d Device) Registered() bool {
	return d.Secret != ""
}

// ValidateUID checks a device uid is usable as a single broker topic segment.
func ValidateUID(uid string) error {
	if uid == "" || len(uid) > 128 {
		return ErrInvalidUID
	}
	if strings.ContainsAny(uid, "/+# \t\r\n") {
		return ErrInvalidUID
	}
	return nil
}

// Repository is the store boundary for devices.
type Repository interface {
	// Register creates the device with secret, or assigns secret to a known device that has none.
	// It returns the device as stored; an already-set secret is never replaced.
	Register(ctx context.Context, device Device) (*Device, error)
	// EnsureExists creates the device without a secret when unknown.
	EnsureExists(ctx context.Context, uid, tenant string) error
	Get(ctx context.Context, uid string) (*Device, error)
	GetBySecret(ctx context.Context, secret string) (*Device, error)
	List(ctx context.Context, tenant string) ([]Device, error)
	// TouchStatus records a status document and last-seen time, creating the device when unknown.
	TouchStatus(ctx context.Context, uid, tenant string, status json.RawMessage, seenAt time.Time) error
}
