package application

import (
	"bytes"
	"context"
	"errors"
	"testing"

	devices "devicelink/internal/devices/domain"
	"devicelink/internal/devices/infrastructure/memory"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *memory.DeviceRepository) {
	t.Helper()
	repo := memory.NewDeviceRepository()
	registry, err := NewRegistry(repo, "t0", opts...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registry, repo
}

func TestRegister_ReturnsSameSecret(t *testing.T) {
	registry, _ := newTestRegistry(t)
	var secrets []string
	for i := 0; i < 3; i++ {
		device, err := registry.Register(context.Background(), "dev-01", "Device 1")
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		secrets = append(secrets, device.Secret)
	}
	if secrets[0] == "" || secrets[0] != secrets[1] || secrets[1] != secrets[2] {
		t.Fatalf("secret rotated: %v", secrets)
	}
}

func TestRegister_SecretIndependentOfUID(t *testing.T) {
	registry, _ := newTestRegistry(t)
	device, err := registry.Register(context.Background(), "dev-01", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if device.Secret == "10-ved" || device.Secret == "dev-01" {
		t.Fatalf("secret derived from uid: %q", device.Secret)
	}
	other, err := registry.Register(context.Background(), "dev-02", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if other.Secret == device.Secret {
		t.Fatalf("secrets must be unique")
	}
}

func TestRegister_AssignsSecretToAutoCreatedDevice(t *testing.T) {
	registry, _ := newTestRegistry(t)
	if err := registry.EnsureExists(context.Background(), "dev-03", ""); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := registry.Authenticate(context.Background(), ""); !errors.Is(err, devices.ErrMissingSecret) {
		t.Fatalf("expected missing secret, got %v", err)
	}
	device, err := registry.Register(context.Background(), "dev-03", "Three")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !device.Registered() {
		t.Fatalf("expected secret after register")
	}
	if device.Tenant != "t0" {
		t.Fatalf("expected default tenant, got %q", device.Tenant)
	}
}

type fixedSecrets struct {
	values []string
}

func (f *fixedSecrets) NewSecret() (string, error) {
	value := f.values[0]
	if len(f.values) > 1 {
		f.values = f.values[1:]
	}
	return value, nil
}

func TestRegister_RetriesOnSecretCollision(t *testing.T) {
	gen := &fixedSecrets{values: []string{"dls_a", "dls_a", "dls_b"}}
	registry, _ := newTestRegistry(t, WithSecretGenerator(gen))
	first, err := registry.Register(context.Background(), "dev-01", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := registry.Register(context.Background(), "dev-02", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.Secret != "dls_a" || second.Secret != "dls_b" {
		t.Fatalf("unexpected secrets %q %q", first.Secret, second.Secret)
	}
}

func TestAuthenticate_FailsClosed(t *testing.T) {
	registry, _ := newTestRegistry(t)
	device, err := registry.Register(context.Background(), "dev-01", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := registry.Authenticate(context.Background(), "dls_unknown"); !errors.Is(err, devices.ErrInvalidSecret) {
		t.Fatalf("expected invalid secret, got %v", err)
	}
	got, err := registry.Authenticate(context.Background(), device.Secret)
	if err != nil || got.UID != "dev-01" {
		t.Fatalf("authenticate: %v %v", got, err)
	}
}

func TestResolveAndVerify_Mismatch(t *testing.T) {
	registry, _ := newTestRegistry(t)
	one, _ := registry.Register(context.Background(), "dev-01", "")
	if _, err := registry.Register(context.Background(), "dev-02", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := registry.ResolveAndVerify(context.Background(), "dev-02", one.Secret); !errors.Is(err, devices.ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if _, err := registry.ResolveAndVerify(context.Background(), "dev-01", one.Secret); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !IsAuthError(devices.ErrMismatch) || IsAuthError(errors.New("db")) {
		t.Fatalf("IsAuthError misclassifies")
	}
}

func TestRandomSecrets_UsesSource(t *testing.T) {
	gen := RandomSecrets{Source: bytes.NewReader(make([]byte, 32))}
	secret, err := gen.NewSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	if secret != "dls_AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA" {
		t.Fatalf("unexpected encoding %q", secret)
	}
	if _, err := (RandomSecrets{Source: bytes.NewReader(nil)}).NewSecret(); err == nil {
		t.Fatalf("expected short read error")
	}
}
