package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/model"
)

// Store defines the interface for all durable-store operations.
type Store interface {
	// Registry
	UpsertDevices(ctx context.Context, devices []model.Device) error
	GetDevice(ctx context.Context, id string) (model.Device, error)
	ListDevices(ctx context.Context) ([]model.Device, error)
	ListDevicesByOwner(ctx context.Context, ownerID string) ([]model.Device, error)
	ClaimDevice(ctx context.Context, id, ownerID, serialKey string, at time.Time) (model.Device, error)
	ReleaseDevice(ctx context.Context, id, callerID string, at time.Time) (model.Device, error)

	// History
	AppendReading(ctx context.Context, h model.ReadingHistory) error
	ReadingsSince(ctx context.Context, deviceID string, since time.Time) ([]model.ReadingHistory, error)
	AverageSince(ctx context.Context, deviceID string, field Field, since time.Time) (Aggregate, error)
	AppendWateringEvent(ctx context.Context, e model.WateringEvent) error
	ListWateringEvents(ctx context.Context, deviceID string, limit int) ([]model.WateringEvent, error)
	AppendModeTransition(ctx context.Context, t model.ModeTransition) error
	LatestModeTransition(ctx context.Context, deviceID string) (model.ModeTransition, error)
	RecordIngestionError(ctx context.Context, e model.IngestionError) error

	// Push subscriptions
	SavePushSubscription(ctx context.Context, sub model.PushSubscription) error
	GetPushSubscription(ctx context.Context, endpoint, ownerID string) (model.PushSubscription, error)
	ListPushSubscriptions(ctx context.Context, ownerID string) ([]model.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint, ownerID string) error
	ExpirePushSubscription(ctx context.Context, endpoint string) error

	Ping(ctx context.Context) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// Ping checks that the database answers.
func (s *gormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return unreachable(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unreachable(err)
	}
	return nil
}

// unreachable wraps a driver failure so callers can match apperr.ErrUnreachable.
func unreachable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", apperr.ErrUnreachable, err)
}

// classify maps gorm's not-found onto apperr.ErrNotFound and everything else
// onto apperr.ErrUnreachable.
func classify(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound
	}
	return unreachable(err)
}
