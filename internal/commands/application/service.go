package application

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"devicelink/internal/auth"
	commands "devicelink/internal/commands/domain"
	devices "devicelink/internal/devices/domain"
	"devicelink/internal/eventing"
	"devicelink/internal/logging"
	"devicelink/internal/observability/metrics"
)

const maxCmdLength = 64

// Publisher hands a command to the transport. Success means the broker accepted it.
type Publisher interface {
	PublishCommand(ctx context.Context, entry commands.Entry) error
}

// DeviceDirectory resolves devices and device credentials.
type DeviceDirectory interface {
	Get(ctx context.Context, uid string) (*devices.Device, error)
	ResolveAndVerify(ctx context.Context, uid, secret string) (*devices.Device, error)
}

// EnqueueRequest is an operator command submission.
type EnqueueRequest struct {
	DeviceUID string          `json:"device_uid"`
	Cmd       string          `json:"cmd"`
	Params    json.RawMessage `json:"params"`
}

// Service owns the command lifecycle: enqueue, dispatch, poll and ack.
type Service struct {
	repo      commands.Repository
	publisher Publisher
	devices   DeviceDirectory
	bus       eventing.Bus
	logger    logrus.FieldLogger
	now       func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the lifecycle clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs a command service.
func NewService(repo commands.Repository, publisher Publisher, directory DeviceDirectory, bus eventing.Bus, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("commands: nil repo")
	}
	if publisher == nil {
		return nil, errors.New("commands: nil publisher")
	}
	if directory == nil {
		return nil, errors.New("commands: nil device directory")
	}
	if bus == nil {
		return nil, errors.New("commands: nil event bus")
	}
	s := &Service{repo: repo, publisher: publisher, devices: directory, bus: bus, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s, nil
}

// Enqueue persists a pending entry, then announces it so it gets dispatched.
// A failed dispatch does not fail Enqueue; the returned entry shows the resulting status.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*commands.Entry, error) {
	cmd := strings.TrimSpace(req.Cmd)
	if cmd == "" || len(cmd) > maxCmdLength {
		return nil, fmt.Errorf("%w: cmd required", commands.ErrInvalidCommand)
	}
	params, err := normalizeParams(req.Params)
	if err != nil {
		return nil, err
	}
	device, err := s.targetDevice(ctx, req.DeviceUID)
	if err != nil {
		return nil, err
	}

	entry, err := s.repo.Create(ctx, commands.Entry{
		DeviceUID: device.UID,
		Tenant:    device.Tenant,
		Cmd:       cmd,
		Params:    params,
		Status:    commands.StatusPending,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	metrics.IncCommandIssued()
	metrics.IncCommandResult(metrics.CommandResultPending)

	evt := eventing.CommandQueued{
		CommandID:  entry.ID,
		DeviceUID:  entry.DeviceUID,
		Tenant:     entry.Tenant,
		OccurredAt: entry.CreatedAt,
	}
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.WithError(err).WithField("command_id", entry.ID).Warn("command left pending after enqueue")
	}

	current, err := s.repo.Get(ctx, entry.ID)
	if err != nil || current == nil {
		return entry, nil
	}
	return current, nil
}

// Dispatch publishes a pending entry and marks it sent only when the broker accepted it.
func (s *Service) Dispatch(ctx context.Context, id int64) (*commands.Entry, error) {
	entry, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, commands.ErrNotFound
	}
	if entry.Status != commands.StatusPending {
		return entry, commands.ErrAlreadyDispatched
	}

	if err := s.publisher.PublishCommand(ctx, *entry); err != nil {
		metrics.IncCommandResult(metrics.CommandResultFailed)
		return entry, fmt.Errorf("%w: %v", commands.ErrPublishFailed, err)
	}

	sentAt := s.now().UTC()
	moved, err := s.repo.MarkSent(ctx, entry.ID, sentAt)
	if err != nil {
		return entry, err
	}
	if !moved {
		// A concurrent dispatch won; the device may see the command twice and acks once.
		current, err := s.repo.Get(ctx, entry.ID)
		if err != nil || current == nil {
			return entry, err
		}
		return current, nil
	}
	entry.Status = commands.StatusSent
	entry.SentAt = sentAt
	metrics.IncCommandResult(metrics.CommandResultSent)

	if err := s.bus.Publish(ctx, eventing.CommandSent{
		CommandID:  entry.ID,
		DeviceUID:  entry.DeviceUID,
		Tenant:     entry.Tenant,
		OccurredAt: sentAt,
	}); err != nil {
		s.logger.WithError(err).WithField("command_id", entry.ID).Warn("command sent handler failed")
	}
	return entry, nil
}

// Redispatch is the operator retry of a stuck entry within the caller's tenant.
func (s *Service) Redispatch(ctx context.Context, id int64) (*commands.Entry, error) {
	entry, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry == nil || !tenantAllowed(ctx, entry.Tenant) {
		return nil, commands.ErrNotFound
	}
	return s.Dispatch(ctx, id)
}

// Poll returns the device's sent, unacknowledged entries.
func (s *Service) Poll(ctx context.Context, deviceUID, secret string) ([]commands.Entry, error) {
	device, err := s.devices.ResolveAndVerify(ctx, deviceUID, secret)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListSent(ctx, device.UID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []commands.Entry{}
	}
	return entries, nil
}

// Ack confirms receipt. Repeating an ack is a no-op.
func (s *Service) Ack(ctx context.Context, deviceUID, secret string, id int64) error {
	device, err := s.devices.ResolveAndVerify(ctx, deviceUID, secret)
	if err != nil {
		return err
	}
	if id <= 0 {
		return commands.ErrNotFound
	}
	ackedAt := s.now().UTC()
	moved, err := s.repo.Ack(ctx, id, device.UID, ackedAt)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	metrics.IncCommandResult(metrics.CommandResultAcked)
	if err := s.bus.Publish(ctx, eventing.CommandAcked{
		CommandID:  id,
		DeviceUID:  device.UID,
		OccurredAt: ackedAt,
	}); err != nil {
		s.logger.WithError(err).WithField("command_id", id).Warn("command acked handler failed")
	}
	return nil
}

// ListByDevice returns the newest entries of a device visible to the caller.
func (s *Service) ListByDevice(ctx context.Context, deviceUID string, limit int) ([]commands.Entry, error) {
	device, err := s.devices.Get(ctx, deviceUID)
	if err != nil {
		return nil, err
	}
	if device == nil || !tenantAllowed(ctx, device.Tenant) {
		return nil, commands.ErrUnknownDevice
	}
	return s.repo.ListByDevice(ctx, device.UID, limit)
}

// ListStuck returns entries still pending after olderThan. They are never retried automatically.
func (s *Service) ListStuck(ctx context.Context, olderThan time.Duration) ([]commands.Entry, error) {
	if olderThan < 0 {
		olderThan = 0
	}
	cutoff := s.now().UTC().Add(-olderThan)
	return s.repo.ListPendingBefore(ctx, auth.TenantIDFromContext(ctx), cutoff)
}

func (s *Service) targetDevice(ctx context.Context, uid string) (*devices.Device, error) {
	if err := devices.ValidateUID(uid); err != nil {
		return nil, fmt.Errorf("%w: device_uid required", commands.ErrInvalidCommand)
	}
	device, err := s.devices.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	if device == nil || !tenantAllowed(ctx, device.Tenant) {
		return nil, commands.ErrUnknownDevice
	}
	return device, nil
}

// tenantAllowed hides other tenants' devices from operators. Calls without an operator identity pass.
func tenantAllowed(ctx context.Context, tenant string) bool {
	caller := auth.TenantIDFromContext(ctx)
	return caller == "" || caller == tenant
}

func normalizeParams(params json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: params must be a json document", commands.ErrInvalidCommand)
	}
	return append(json.RawMessage(nil), trimmed...), nil
}
