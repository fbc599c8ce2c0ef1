package application

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	devices "devicelink/internal/devices/domain"
)

const (
	secretPrefix = "dls_"
	secretBytes  = 32
	// secretAttempts bounds retries when a generated secret collides with an existing one.
	secretAttempts = 3
)

// SecretGenerator produces new device secrets.
type SecretGenerator interface {
	NewSecret() (string, error)
}

// RandomSecrets draws secrets from a cryptographic entropy source.
type RandomSecrets struct {
	Source io.Reader
}

// NewSecret returns a prefixed base64url secret of 32 random bytes.
func (g RandomSecrets) NewSecret() (string, error) {
	source := g.Source
	if source == nil {
		source = rand.Reader
	}
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(source, buf); err != nil {
		return "", err
	}
	return secretPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Registry issues and validates device secrets.
type Registry struct {
	repo          devices.Repository
	secrets       SecretGenerator
	defaultTenant string
}

// Option configures the registry.
type Option func(*Registry)

// WithSecretGenerator overrides the entropy-backed generator.
func WithSecretGenerator(gen SecretGenerator) Option {
	return func(r *Registry) {
		if gen != nil {
			r.secrets = gen
		}
	}
}

// NewRegistry constructs a device registry.
func NewRegistry(repo devices.Repository, defaultTenant string, opts ...Option) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("devices: nil repo")
	}
	if defaultTenant == "" {
		return nil, errors.New("devices: empty default tenant")
	}
	r := &Registry{repo: repo, secrets: RandomSecrets{}, defaultTenant: defaultTenant}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register returns the device secret, issuing one on first registration.
// Calling it again for a registered device returns the same secret.
func (r *Registry) Register(ctx context.Context, uid, name string) (*devices.Device, error) {
	if err := devices.ValidateUID(uid); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = uid
	}

	existing, err := r.repo.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Registered() {
		return existing, nil
	}

	var lastErr error
	for attempt := 0; attempt < secretAttempts; attempt++ {
		secret, err := r.secrets.NewSecret()
		if err != nil {
			return nil, err
		}
		device, err := r.repo.Register(ctx, devices.Device{
			UID:    uid,
			Secret: secret,
			Name:   name,
			Tenant: r.defaultTenant,
		})
		if errors.Is(err, devices.ErrSecretConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		return device, nil
	}
	return nil, lastErr
}

// Authenticate resolves the device owning secret. It fails closed.
func (r *Registry) Authenticate(ctx context.Context, secret string) (*devices.Device, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, devices.ErrMissingSecret
	}
	device, err := r.repo.GetBySecret(ctx, secret)
	if err != nil {
		return nil, err
	}
	if device == nil || !device.Registered() {
		return nil, devices.ErrInvalidSecret
	}
	if subtle.ConstantTimeCompare([]byte(device.Secret), []byte(secret)) != 1 {
		return nil, devices.ErrInvalidSecret
	}
	return device, nil
}

// ResolveAndVerify authenticates secret and checks it belongs to uid.
func (r *Registry) ResolveAndVerify(ctx context.Context, uid, secret string) (*devices.Device, error) {
	device, err := r.Authenticate(ctx, secret)
	if err != nil {
		return nil, err
	}
	if device.UID != uid {
		return nil, devices.ErrMismatch
	}
	return device, nil
}

// EnsureExists records an unseen device without issuing a secret.
func (r *Registry) EnsureExists(ctx context.Context, uid, tenant string) error {
	if err := devices.ValidateUID(uid); err != nil {
		return err
	}
	if tenant == "" {
		tenant = r.defaultTenant
	}
	return r.repo.EnsureExists(ctx, uid, tenant)
}

// RecordStatus stores the latest status document reported by a device.
func (r *Registry) RecordStatus(ctx context.Context, uid, tenant string, status json.RawMessage, seenAt time.Time) error {
	if err := devices.ValidateUID(uid); err != nil {
		return err
	}
	if tenant == "" {
		tenant = r.defaultTenant
	}
	return r.repo.TouchStatus(ctx, uid, tenant, status, seenAt)
}

// Get returns a device by uid, or nil when unknown.
func (r *Registry) Get(ctx context.Context, uid string) (*devices.Device, error) {
	return r.repo.Get(ctx, uid)
}

// List returns devices, filtered by tenant when set.
func (r *Registry) List(ctx context.Context, tenant string) ([]devices.Device, error) {
	return r.repo.List(ctx, tenant)
}

// IsAuthError reports whether err is a device authentication failure.
func IsAuthError(err error) bool {
	return errors.Is(err, devices.ErrMissingSecret) ||
		errors.Is(err, devices.ErrInvalidSecret) ||
		errors.Is(err, devices.ErrMismatch)
}
