package model

import (
	"context"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/keyarbiter/keyarbiter/common/helper"
)

// SystemDailyTracking is one row per (model, calendar day). It is a derived observability view:
// admission decisions are per-user and never read this table.
type SystemDailyTracking struct {
	Id        int    `json:"id"`
	ModelName string `json:"model_name" gorm:"index:idx_model_day,unique;size:128"`
	Day       string `json:"day" gorm:"index:idx_model_day,unique;size:10"`

	TotalAvailable  int `json:"total_available"`
	TotalUsed       int `json:"total_used"`
	ActiveUsers     int `json:"active_users"`
	RequestsPerUser int `json:"requests_per_user"`

	CreatedTime int64 `json:"created_time" gorm:"bigint"`
	CreatedAt   int64 `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt   int64 `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

// GetSystemTracking returns the tracking row for (model, day), or nil when nothing was recorded yet.
func (s *Store) GetSystemTracking(ctx context.Context, modelName, day string) (*SystemDailyTracking, error) {
	var row SystemDailyTracking
	err := s.db.WithContext(ctx).
		Where("model_name = ? AND day = ?", modelName, day).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get system tracking")
	}
	return &row, nil
}

// UpsertSystemTracking refreshes the computed fields after a fair-share recomputation.
// Update-first approach, same discipline as the allocation counter.
func (s *Store) UpsertSystemTracking(ctx context.Context, modelName, day string, totalAvailable, activeUsers, requestsPerUser int) error {
	fields := map[string]any{
		"total_available":   totalAvailable,
		"active_users":      activeUsers,
		"requests_per_user": requestsPerUser,
	}
	tx := s.db.WithContext(ctx).Model(&SystemDailyTracking{}).
		Where("model_name = ? AND day = ?", modelName, day).
		Updates(fields)
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "failed to update system tracking")
	}
	if tx.RowsAffected > 0 {
		return nil
	}

	row := &SystemDailyTracking{
		ModelName:       modelName,
		Day:             day,
		TotalAvailable:  totalAvailable,
		ActiveUsers:     activeUsers,
		RequestsPerUser: requestsPerUser,
		CreatedTime:     helper.GetTimestamp(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err == nil {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&SystemDailyTracking{}).
		Where("model_name = ? AND day = ?", modelName, day).
		Updates(fields).Error; err != nil {
		return errors.Wrap(err, "failed to update system tracking after create race")
	}
	return nil
}

// IncrementSystemUsage adds one to the model-wide usage counter for the day.
func (s *Store) IncrementSystemUsage(ctx context.Context, modelName, day string) error {
	tx := s.db.WithContext(ctx).Model(&SystemDailyTracking{}).
		Where("model_name = ? AND day = ?", modelName, day).
		Update("total_used", gorm.Expr("total_used + 1"))
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "failed to increment system usage")
	}
	if tx.RowsAffected > 0 {
		return nil
	}

	row := &SystemDailyTracking{
		ModelName:   modelName,
		Day:         day,
		TotalUsed:   1,
		CreatedTime: helper.GetTimestamp(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err == nil {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(&SystemDailyTracking{}).
		Where("model_name = ? AND day = ?", modelName, day).
		Update("total_used", gorm.Expr("total_used + 1")).Error; err != nil {
		return errors.Wrap(err, "failed to increment system usage after create race")
	}
	return nil
}
