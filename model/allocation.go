package model

import (
	"context"

	"github.com/Laisky/errors/v2"
	"gorm.io/gorm"

	"github.com/keyarbiter/keyarbiter/common/helper"
)

// UserDailyAllocation is one row per (user, model, calendar day). AllocatedToday holds the last
// computed fair share; UsedToday grows monotonically within the day. Day rollover supersedes the
// row with a fresh one keyed on the new day, it never deletes old rows.
type UserDailyAllocation struct {
	Id        int    `json:"id"`
	UserId    string `json:"user_id" gorm:"index:idx_user_model_day,unique;size:64"`
	ModelName string `json:"model_name" gorm:"index:idx_user_model_day,unique;size:128"`
	Day       string `json:"day" gorm:"index:idx_user_model_day,unique;index:idx_alloc_model_day;size:10"`

	AllocatedToday           int `json:"allocated_today"`
	UsedToday                int `json:"used_today"`
	ActiveUsersAtComputation int `json:"active_users_at_computation"`

	CreatedTime int64 `json:"created_time" gorm:"bigint"`
	CreatedAt   int64 `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt   int64 `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

// GetUserAllocation returns the user's row for the day, or nil when no request has been made yet.
// A missing row is not an error: the first allocation check of the day creates it lazily.
func (s *Store) GetUserAllocation(ctx context.Context, userID, modelName, day string) (*UserDailyAllocation, error) {
	var row UserDailyAllocation
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND model_name = ? AND day = ?", userID, modelName, day).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get user allocation")
	}
	return &row, nil
}

// EnsureUserAllocation returns the row for (user, model, day), creating it with zero usage when
// absent. The allocated share and active-user snapshot are refreshed on every read because the
// fair share is recomputed live as the user population changes.
func (s *Store) EnsureUserAllocation(ctx context.Context, userID, modelName, day string, allocated, activeUsers int) (*UserDailyAllocation, error) {
	row, err := s.GetUserAllocation(ctx, userID, modelName, day)
	if err != nil {
		return nil, err
	}
	if row != nil {
		if row.AllocatedToday != allocated || row.ActiveUsersAtComputation != activeUsers {
			err = s.db.WithContext(ctx).Model(&UserDailyAllocation{}).
				Where("id = ?", row.Id).
				Updates(map[string]any{
					"allocated_today":             allocated,
					"active_users_at_computation": activeUsers,
				}).Error
			if err != nil {
				return nil, errors.Wrap(err, "failed to refresh allocation share")
			}
			row.AllocatedToday = allocated
			row.ActiveUsersAtComputation = activeUsers
		}
		return row, nil
	}

	row = &UserDailyAllocation{
		UserId:                   userID,
		ModelName:                modelName,
		Day:                      day,
		AllocatedToday:           allocated,
		UsedToday:                0,
		ActiveUsersAtComputation: activeUsers,
		CreatedTime:              helper.GetTimestamp(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err == nil {
		return row, nil
	}
	// Create lost a unique race against a concurrent request; the row exists now.
	row, err = s.GetUserAllocation(ctx, userID, modelName, day)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errors.New("user allocation row vanished after create race")
	}
	return row, nil
}

// IncrementUserUsage atomically adds one to the user's daily usage counter, creating the row with
// count 1 when absent. Update-first approach to avoid unique conflict races without using
// clause.OnConflict.
func (s *Store) IncrementUserUsage(ctx context.Context, userID, modelName, day string, allocated, activeUsers int) error {
	tx := s.db.WithContext(ctx).Model(&UserDailyAllocation{}).
		Where("user_id = ? AND model_name = ? AND day = ?", userID, modelName, day).
		Update("used_today", gorm.Expr("used_today + 1"))
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "failed to increment user usage")
	}
	if tx.RowsAffected > 0 {
		return nil
	}

	row := &UserDailyAllocation{
		UserId:                   userID,
		ModelName:                modelName,
		Day:                      day,
		AllocatedToday:           allocated,
		UsedToday:                1,
		ActiveUsersAtComputation: activeUsers,
		CreatedTime:              helper.GetTimestamp(),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err == nil {
		return nil
	}
	// If create failed (possibly due to unique race), retry the increment once
	if err := s.db.WithContext(ctx).Model(&UserDailyAllocation{}).
		Where("user_id = ? AND model_name = ? AND day = ?", userID, modelName, day).
		Update("used_today", gorm.Expr("used_today + 1")).Error; err != nil {
		return errors.Wrap(err, "failed to increment user usage after create race")
	}
	return nil
}

// CountActiveUsers counts distinct users with at least one recorded request for (model, day).
func (s *Store) CountActiveUsers(ctx context.Context, modelName, day string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&UserDailyAllocation{}).
		Where("model_name = ? AND day = ? AND used_today > 0", modelName, day).
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active users")
	}
	return count, nil
}
