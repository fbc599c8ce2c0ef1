package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	devices "devicelink/internal/devices/domain"
)

// DeviceRepository is an in-memory device store for demo/testing.
type DeviceRepository struct {
	mu       sync.RWMutex
	byUID    map[string]*devices.Device
	bySecret map[string]string
	now      func() time.Time
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{
		byUID:    make(map[string]*devices.Device),
		bySecret: make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register creates or completes registration. An existing secret always wins.
func (r *DeviceRepository) Register(_ context.Context, device devices.Device) (*devices.Device, error) {
	if device.UID == "" || device.Secret == "" {
		return nil, errors.New("device repo: uid and secret required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.byUID[device.UID]
	if existing != nil && existing.Secret != "" {
		copied := *existing
		return &copied, nil
	}
	if owner, taken := r.bySecret[device.Secret]; taken && owner != device.UID {
		return nil, devices.ErrSecretConflict
	}
	if existing == nil {
		existing = &devices.Device{
			UID:       device.UID,
			Tenant:    device.Tenant,
			CreatedAt: r.now(),
		}
		r.byUID[device.UID] = existing
	}
	existing.Secret = device.Secret
	if device.Name != "" {
		existing.Name = device.Name
	}
	r.bySecret[device.Secret] = device.UID
	copied := *existing
	return &copied, nil
}

// EnsureExists creates the device without a secret when unknown.
func (r *DeviceRepository) EnsureExists(_ context.Context, uid, tenant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLocked(uid, tenant)
	return nil
}

func (r *DeviceRepository) ensureLocked(uid, tenant string) *devices.Device {
	if existing := r.byUID[uid]; existing != nil {
		return existing
	}
	device := &devices.Device{UID: uid, Name: uid, Tenant: tenant, CreatedAt: r.now()}
	r.byUID[uid] = device
	return device
}

// Get loads a device by uid.
func (r *DeviceRepository) Get(_ context.Context, uid string) (*devices.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device := r.byUID[uid]
	if device == nil {
		return nil, nil
	}
	copied := *device
	return &copied, nil
}

// GetBySecret loads the device holding secret.
func (r *DeviceRepository) GetBySecret(_ context.Context, secret string) (*devices.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uid, ok := r.bySecret[secret]
	if !ok {
		return nil, nil
	}
	copied := *r.byUID[uid]
	return &copied, nil
}

// List returns devices ordered by uid.
func (r *DeviceRepository) List(_ context.Context, tenant string) ([]devices.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]devices.Device, 0, len(r.byUID))
	for _, device := range r.byUID {
		if tenant != "" && device.Tenant != tenant {
			continue
		}
		result = append(result, *device)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UID < result[j].UID })
	return result, nil
}

// TouchStatus records the latest status document.
func (r *DeviceRepository) TouchStatus(_ context.Context, uid, tenant string, status json.RawMessage, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device := r.ensureLocked(uid, tenant)
	device.LastStatus = append(json.RawMessage(nil), status...)
	device.LastSeenAt = seenAt.UTC()
	return nil
}
