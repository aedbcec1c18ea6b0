package store

import (
	"context"

	"gorm.io/gorm/clause"

	"irrigation-registry-backend/internal/apperr"
	"irrigation-registry-backend/internal/model"
)

// SavePushSubscription creates or replaces a subscription by endpoint.
func (s *gormStore) SavePushSubscription(ctx context.Context, sub model.PushSubscription) error {
	sub.CreatedAt = sub.CreatedAt.UTC()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "owner_id"}),
	}).Create(&sub).Error
	return unreachable(err)
}

func (s *gormStore) GetPushSubscription(ctx context.Context, endpoint, ownerID string) (model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).First(&sub, "endpoint = ? AND owner_id = ?", endpoint, ownerID).Error
	if err != nil {
		return model.PushSubscription{}, classify(err)
	}
	return sub, nil
}

func (s *gormStore) ListPushSubscriptions(ctx context.Context, ownerID string) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Find(&subs).Error; err != nil {
		return nil, unreachable(err)
	}
	return subs, nil
}

// DeletePushSubscription removes one of the owner's subscriptions.
func (s *gormStore) DeletePushSubscription(ctx context.Context, endpoint, ownerID string) error {
	res := s.db.WithContext(ctx).
		Where("endpoint = ? AND owner_id = ?", endpoint, ownerID).
		Delete(&model.PushSubscription{})
	if res.Error != nil {
		return unreachable(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ExpirePushSubscription drops a subscription the push service reported gone.
func (s *gormStore) ExpirePushSubscription(ctx context.Context, endpoint string) error {
	err := s.db.WithContext(ctx).
		Where("endpoint = ?", endpoint).
		Delete(&model.PushSubscription{}).Error
	return unreachable(err)
}
