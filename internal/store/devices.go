package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/model"
)

// UpsertDevices provisions devices. Existing rows only get their name
// refreshed; ownership and serial keys are never touched.
func (s *gormStore) UpsertDevices(ctx context.Context, devices []model.Device) error {
	if len(devices) == 0 {
		return nil
	}
	for i := range devices {
		devices[i].ProvisionedAt = devices[i].ProvisionedAt.UTC()
		devices[i].UpdatedAt = devices[i].ProvisionedAt
		devices[i].OwnerID = ""
		devices[i].Registered = false
		devices[i].RegisteredAt = nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
		}).Create(&devices).Error
		if err != nil {
			return unreachable(fmt.Errorf("batch upsert devices failed: %w", err))
		}
		return nil
	})
}

func (s *gormStore) GetDevice(ctx context.Context, id string) (model.Device, error) {
	var d model.Device
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return model.Device{}, classify(err)
	}
	return d, nil
}

func (s *gormStore) ListDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	if err := s.db.WithContext(ctx).Order("id").Find(&devices).Error; err != nil {
		return nil, unreachable(err)
	}
	return devices, nil
}

// ListDevicesByOwner is the equality query used for a user's device list.
func (s *gormStore) ListDevicesByOwner(ctx context.Context, ownerID string) ([]model.Device, error) {
	var devices []model.Device
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND registered = ?", ownerID, true).
		Order("registered_at, id").
		Find(&devices).Error
	if err != nil {
		return nil, unreachable(err)
	}
	return devices, nil
}

// ClaimDevice binds an unregistered device to ownerID with a single
// conditional update, so concurrent claims produce exactly one winner. When
// nothing was updated the row is re-read in the same transaction to report
// why.
func (s *gormStore) ClaimDevice(ctx context.Context, id, ownerID, serialKey string, at time.Time) (model.Device, error) {
	at = at.UTC()
	var claimed model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Device{}).
			Where("id = ? AND registered = ? AND serial_key = ?", id, false, serialKey).
			Updates(map[string]any{
				"owner_id":      ownerID,
				"registered":    true,
				"registered_at": at,
				"updated_at":    at,
			})
		if res.Error != nil {
			return unreachable(res.Error)
		}

		var current model.Device
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			return classify(err)
		}
		if res.RowsAffected == 1 {
			claimed = current
			return nil
		}
		if current.SerialKey != serialKey {
			return apperr.ErrKeyMismatch
		}
		return apperr.ErrAlreadyRegistered
	})
	if err != nil {
		return model.Device{}, err
	}
	return claimed, nil
}

// ReleaseDevice clears ownership when callerID is the current owner.
func (s *gormStore) ReleaseDevice(ctx context.Context, id, callerID string, at time.Time) (model.Device, error) {
	at = at.UTC()
	var released model.Device
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Device{}).
			Where("id = ? AND registered = ? AND owner_id = ?", id, true, callerID).
			Updates(map[string]any{
				"owner_id":      "",
				"registered":    false,
				"registered_at": nil,
				"updated_at":    at,
			})
		if res.Error != nil {
			return unreachable(res.Error)
		}

		var current model.Device
		if err := tx.First(&current, "id = ?", id).Error; err != nil {
			return classify(err)
		}
		if res.RowsAffected == 0 {
			return apperr.ErrNotOwner
		}
		released = current
		return nil
	})
	if err != nil {
		return model.Device{}, err
	}
	return released, nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, apperr.ErrNotFound)
}
