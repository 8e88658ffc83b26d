package model

import (
	"context"
	"math/rand"
	"sync"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/keyarbiter/keyarbiter/common/config"
	"github.com/keyarbiter/keyarbiter/common/helper"
	"github.com/keyarbiter/keyarbiter/common/logger"
)

// UsageRecord is the append-only "who made how many requests when" event log. It is the source
// of truth for audit and powers the trailing-window active-user fallback; admission reads the
// cheaper summary rows instead.
type UsageRecord struct {
	Id int `json:"id"`
	// Enforce uniqueness to avoid duplicate rows for the same request
	RequestId string `json:"request_id" gorm:"uniqueIndex;size:64"`
	UserId    string `json:"user_id" gorm:"index:idx_usage_model_day_user;size:64"`
	ModelName string `json:"model_name" gorm:"index:idx_usage_model_day_user;size:128"`
	Day       string `json:"day" gorm:"index:idx_usage_model_day_user;size:10"`
	KeyIndex  int    `json:"key_index"`

	CreatedTime int64 `json:"created_time" gorm:"bigint"`
	CreatedAt   int64 `json:"created_at" gorm:"bigint;autoCreateTime:milli"`
	UpdatedAt   int64 `json:"updated_at" gorm:"bigint;autoUpdateTime:milli"`
}

// InsertUsageRecord appends one usage event.
func (s *Store) InsertUsageRecord(ctx context.Context, rec *UsageRecord) error {
	go s.removeOldUsageRecords()

	if rec.CreatedTime == 0 {
		rec.CreatedTime = helper.GetTimestamp()
	}
	err := s.db.WithContext(ctx).Create(rec).Error
	return errors.Wrap(err, "failed to insert usage record")
}

// CountActiveUsersSince counts distinct users with at least one usage event for the model on or
// after fromDay. Day strings sort lexicographically, so a >= comparison covers the window.
func (s *Store) CountActiveUsersSince(ctx context.Context, modelName, fromDay string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&UsageRecord{}).
		Where("model_name = ? AND day >= ?", modelName, fromDay).
		Distinct("user_id").
		Count(&count).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to count active users in lookback window")
	}
	return count, nil
}

var muRemoveOldUsageRecords sync.Mutex

// removeOldUsageRecords purges expired usage events,
// this function will be executed every 1/1000 times.
func (s *Store) removeOldUsageRecords() {
	if rand.Float32() > 0.001 {
		return
	}

	if ok := muRemoveOldUsageRecords.TryLock(); !ok {
		return
	}
	defer muRemoveOldUsageRecords.Unlock()

	cutoff := helper.GetTimestamp() - int64(config.UsageRetentionDays)*24*3600
	err := s.db.
		Where("created_time < ?", cutoff).
		Delete(&UsageRecord{}).Error
	if err != nil {
		logger.Logger.Error("failed to remove old usage records", zap.Error(err))
	}
}

// RecentUsage returns the newest usage events for a model, newest first. Admin surface only.
func (s *Store) RecentUsage(ctx context.Context, modelName string, limit int) ([]UsageRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []UsageRecord
	err := s.db.WithContext(ctx).
		Where("model_name = ?", modelName).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent usage")
	}
	return rows, nil
}
