package store

import (
	"context"
	"fmt"
	"time"

	"irrigation-registry-backend/internal/model"
)

// AppendReading inserts an immutable history sample.
func (s *gormStore) AppendReading(ctx context.Context, h model.ReadingHistory) error {
	h.RecordedAt = h.RecordedAt.UTC()
	if err := s.db.WithContext(ctx).Create(&h).Error; err != nil {
		return unreachable(fmt.Errorf("append reading for %s: %w", h.DeviceID, err))
	}
	return nil
}

// ReadingsSince returns the samples at or after since, oldest first.
func (s *gormStore) ReadingsSince(ctx context.Context, deviceID string, since time.Time) ([]model.ReadingHistory, error) {
	var rows []model.ReadingHistory
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND recorded_at >= ?", deviceID, since.UTC()).
		Order("recorded_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, unreachable(err)
	}
	return rows, nil
}

// AverageSince averages field over the samples at or after since. An empty
// window yields a zero Aggregate.
func (s *gormStore) AverageSince(ctx context.Context, deviceID string, field Field, since time.Time) (Aggregate, error) {
	column, err := ParseField(string(field))
	if err != nil {
		return Aggregate{}, err
	}

	var agg Aggregate
	err = s.db.WithContext(ctx).
		Model(&model.ReadingHistory{}).
		Select(fmt.Sprintf("COALESCE(AVG(%s), 0) AS value, COUNT(*) AS count", column)).
		Where("device_id = ? AND recorded_at >= ?", deviceID, since.UTC()).
		Scan(&agg).Error
	if err != nil {
		return Aggregate{}, unreachable(err)
	}
	return agg, nil
}

// AppendWateringEvent inserts a pump transition record.
func (s *gormStore) AppendWateringEvent(ctx context.Context, e model.WateringEvent) error {
	e.OccurredAt = e.OccurredAt.UTC()
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		return unreachable(fmt.Errorf("append watering event for %s: %w", e.DeviceID, err))
	}
	return nil
}

// ListWateringEvents returns up to limit events, newest first.
func (s *gormStore) ListWateringEvents(ctx context.Context, deviceID string, limit int) ([]model.WateringEvent, error) {
	var events []model.WateringEvent
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("occurred_at DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, unreachable(err)
	}
	return events, nil
}

// AppendModeTransition records a pump mode change.
func (s *gormStore) AppendModeTransition(ctx context.Context, t model.ModeTransition) error {
	t.OccurredAt = t.OccurredAt.UTC()
	if err := s.db.WithContext(ctx).Create(&t).Error; err != nil {
		return unreachable(fmt.Errorf("append mode transition for %s: %w", t.DeviceID, err))
	}
	return nil
}

// LatestModeTransition returns the most recent transition, or ErrNotFound
// when the mode was never changed.
func (s *gormStore) LatestModeTransition(ctx context.Context, deviceID string) (model.ModeTransition, error) {
	var t model.ModeTransition
	err := s.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("occurred_at DESC").
		First(&t).Error
	if err != nil {
		return model.ModeTransition{}, classify(err)
	}
	return t, nil
}

// RecordIngestionError keeps a rejected device payload for inspection.
func (s *gormStore) RecordIngestionError(ctx context.Context, e model.IngestionError) error {
	e.CreatedAt = e.CreatedAt.UTC()
	if err := s.db.WithContext(ctx).Create(&e).Error; err != nil {
		return unreachable(err)
	}
	return nil
}
