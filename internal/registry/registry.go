// Package registry owns device ownership: provisioning, claiming with a
// serial key, release, and the live-tree mirror of each record. The durable
// store is the source of truth; the mirror is written after it, best effort,
// and repaired by Reconcile.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/livetree"
	"irrigation-registry-backend/internal/metrics"
	"irrigation-registry-backend/internal/model"
	"irrigation-registry-backend/internal/payload"
	"irrigation-registry-backend/internal/store"
)

// Registry coordinates the durable registry and its live-tree mirror.
type Registry struct {
	store   store.Store
	tree    livetree.Tree
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics records registration outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a Registry.
func New(s store.Store, tree livetree.Tree, log *zap.Logger, opts ...Option) *Registry {
	r := &Registry{store: s, tree: tree, log: log.Named("registry"), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ValidateID rejects ids that cannot be used as a single tree path segment.
func ValidateID(id string) error {
	if id == "" || len(id) > 64 || strings.ContainsAny(id, "/+#* \t\n") {
		return fmt.Errorf("%w: invalid device id %q", apperr.ErrInvalidArgument, id)
	}
	return nil
}

// Provision creates or renames a pre-provisioned device. It never changes
// ownership or the serial key of an existing device.
func (r *Registry) Provision(ctx context.Context, id, name, serialKey string) (model.Device, error) {
	if err := r.ProvisionMany(ctx, []model.Device{{ID: id, Name: name, SerialKey: serialKey}}); err != nil {
		return model.Device{}, err
	}
	return r.store.GetDevice(ctx, id)
}

// ProvisionMany provisions a batch and refreshes the mirrors of every device
// in it.
func (r *Registry) ProvisionMany(ctx context.Context, devices []model.Device) error {
	now := r.now()
	batch := make([]model.Device, 0, len(devices))
	for _, d := range devices {
		if err := ValidateID(d.ID); err != nil {
			return err
		}
		if strings.TrimSpace(d.SerialKey) == "" {
			return fmt.Errorf("%w: device %s has no serial key", apperr.ErrInvalidArgument, d.ID)
		}
		batch = append(batch, model.Device{ID: d.ID, Name: strings.TrimSpace(d.Name), SerialKey: d.SerialKey, ProvisionedAt: now})
	}
	if err := r.store.UpsertDevices(ctx, batch); err != nil {
		return err
	}
	for _, d := range batch {
		current, err := r.store.GetDevice(ctx, d.ID)
		if err != nil {
			r.log.Warn("re-read after provision failed", zap.String("device", d.ID), zap.Error(err))
			continue
		}
		r.mirror(ctx, current)
	}
	return nil
}

// Register claims deviceID for ownerID when suppliedKey matches. It fails
// closed with ErrNotFound, ErrKeyMismatch or ErrAlreadyRegistered.
func (r *Registry) Register(ctx context.Context, deviceID, ownerID, suppliedKey string) (model.Device, error) {
	if ownerID == "" {
		return model.Device{}, fmt.Errorf("%w: empty owner", apperr.ErrInvalidArgument)
	}
	d, err := r.store.ClaimDevice(ctx, deviceID, ownerID, suppliedKey, r.now())
	r.metrics.Registration(resultLabel(err))
	if err != nil {
		return model.Device{}, fmt.Errorf("register %s: %w", deviceID, err)
	}
	r.log.Info("device registered", zap.String("device", deviceID), zap.String("owner", ownerID))
	r.mirror(ctx, d)
	return d, nil
}

// Release clears ownership so any user can claim the device again.
func (r *Registry) Release(ctx context.Context, deviceID, callerID string) error {
	d, err := r.store.ReleaseDevice(ctx, deviceID, callerID, r.now())
	if err != nil {
		return fmt.Errorf("release %s: %w", deviceID, err)
	}
	r.log.Info("device released", zap.String("device", deviceID), zap.String("owner", callerID))
	r.mirror(ctx, d)
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (model.Device, error) {
	return r.store.GetDevice(ctx, id)
}

func (r *Registry) ListOwned(ctx context.Context, ownerID string) ([]model.Device, error) {
	return r.store.ListDevicesByOwner(ctx, ownerID)
}

// Authorize returns the device when callerID owns it.
func (r *Registry) Authorize(ctx context.Context, id, callerID string) (model.Device, error) {
	d, err := r.store.GetDevice(ctx, id)
	if err != nil {
		return model.Device{}, err
	}
	if !d.Registered || d.OwnerID != callerID {
		return model.Device{}, apperr.ErrNotOwner
	}
	return d, nil
}

// AuthenticateDevice checks a device's own serial key, used by HTTP ingest.
func (r *Registry) AuthenticateDevice(ctx context.Context, id, serialKey string) (model.Device, error) {
	d, err := r.store.GetDevice(ctx, id)
	if err != nil {
		return model.Device{}, err
	}
	if serialKey == "" || d.SerialKey != serialKey {
		return model.Device{}, apperr.ErrKeyMismatch
	}
	return d, nil
}

// mirror writes the device's live-tree projection. Failures are left to the
// reconciler.
func (r *Registry) mirror(ctx context.Context, d model.Device) {
	if err := r.writeMirror(ctx, d); err != nil {
		r.log.Warn("registry mirror write failed", zap.String("device", d.ID), zap.Error(err))
	}
}

func (r *Registry) writeMirror(ctx context.Context, d model.Device) error {
	raw, err := payload.Encode(payload.KindDevice, r.now(), payload.MirrorOf(d))
	if err != nil {
		return err
	}
	return r.tree.Set(ctx, livetree.DevicePath(d.ID), raw)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrKeyMismatch):
		return "key_mismatch"
	case errors.Is(err, apperr.ErrAlreadyRegistered):
		return "already_registered"
	default:
		return "error"
	}
}
