package allocator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/keyarbiter/keyarbiter/common"
	"github.com/keyarbiter/keyarbiter/common/helper"
	"github.com/keyarbiter/keyarbiter/common/logger"
	"github.com/keyarbiter/keyarbiter/model"
)

// Store is what the engine needs from the persistent counter store. *model.Store satisfies it;
// tests may substitute fakes.
type Store interface {
	CountActiveUsers(ctx context.Context, modelName, day string) (int64, error)
	CountActiveUsersSince(ctx context.Context, modelName, fromDay string) (int64, error)
	GetUserAllocation(ctx context.Context, userID, modelName, day string) (*model.UserDailyAllocation, error)
	EnsureUserAllocation(ctx context.Context, userID, modelName, day string, allocated, activeUsers int) (*model.UserDailyAllocation, error)
	IncrementUserUsage(ctx context.Context, userID, modelName, day string, allocated, activeUsers int) error
	UpsertSystemTracking(ctx context.Context, modelName, day string, totalAvailable, activeUsers, requestsPerUser int) error
	IncrementSystemUsage(ctx context.Context, modelName, day string) error
}

// Config carries the fair-share knobs.
type Config struct {
	// KeyPoolSize × PerKeyDailyLimit is the fixed total the pool can serve per day.
	KeyPoolSize      int
	PerKeyDailyLimit int

	// MinimumGuarantee floors every user's share; beyond the divisor cap the system intentionally
	// stops being zero-sum.
	MinimumGuarantee int
	MaxDivisorUsers  int
	LookbackDays     int

	// CacheTTL > 0 enables the short in-process cache on the fair-share computation. Zero keeps
	// the recompute-on-every-read behavior.
	CacheTTL time.Duration

	// SnapshotTTL bounds how long a fair-share snapshot published to Redis outlives the
	// instance that wrote it.
	SnapshotTTL time.Duration
}

// FairShare is one recomputation result for a model.
type FairShare struct {
	ActiveUsers     int `json:"active_users"`
	RequestsPerUser int `json:"requests_per_user"`
	TotalAvailable  int `json:"total_available"`
}

// WarningLevel grades how close a user is to their daily share.
type WarningLevel string

const (
	WarningLow      WarningLevel = "LOW"
	WarningMedium   WarningLevel = "MEDIUM"
	WarningHigh     WarningLevel = "HIGH"
	WarningCritical WarningLevel = "CRITICAL"
)

// WarningLevelFor is a pure function of the percentage used.
func WarningLevelFor(percentUsed float64) WarningLevel {
	switch {
	case percentUsed >= 95:
		return WarningCritical
	case percentUsed >= 80:
		return WarningHigh
	case percentUsed >= 60:
		return WarningMedium
	default:
		return WarningLow
	}
}

// Allocation is the live snapshot returned to admission checks and the admin surface.
type Allocation struct {
	UserID         string       `json:"user_id"`
	ModelName      string       `json:"model_name"`
	Day            string       `json:"day"`
	Allocated      int          `json:"allocated"`
	Used           int          `json:"used"`
	Remaining      int          `json:"remaining"`
	PercentUsed    float64      `json:"percentage_used"`
	CanMakeRequest bool         `json:"can_make_request"`
	WarningLevel   WarningLevel `json:"warning_level"`
	ActiveUsers    int          `json:"active_users"`
}

// Engine recomputes each user's fair slice of the daily budget from the live active-user count.
// Recomputation happens on every read: stale allocations would be unfair as the population
// changes through the day, and the cost is a handful of counter reads.
type Engine struct {
	store Store
	cfg   Config

	cache *gocache.Cache
	sf    singleflight.Group

	now func() time.Time
}

// NewEngine builds an allocation engine. The cache stays nil unless cfg.CacheTTL is positive.
func NewEngine(store Store, cfg Config) *Engine {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 2 * time.Minute
	}
	e := &Engine{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
	if cfg.CacheTTL > 0 {
		e.cache = gocache.New(cfg.CacheTTL, 10*cfg.CacheTTL)
	}
	return e
}

// TotalAvailable is the fixed daily capacity of the pool for any model it serves.
func (e *Engine) TotalAvailable() int {
	return e.cfg.KeyPoolSize * e.cfg.PerKeyDailyLimit
}

// ComputeFairShare counts today's active users (falling back to the trailing lookback window
// right after day rollover) and splits the fixed daily total across them, floored by the
// minimum guarantee and capped by the divisor limit.
func (e *Engine) ComputeFairShare(ctx context.Context, modelName string) (FairShare, error) {
	day := helper.DayString(e.now())
	cacheKey := modelName + ":" + day

	if e.cache != nil {
		if v, ok := e.cache.Get(cacheKey); ok {
			return v.(FairShare), nil
		}
	}

	v, err, _ := e.sf.Do(cacheKey, func() (any, error) {
		fs, err := e.computeFairShare(ctx, modelName, day)
		if err != nil {
			return FairShare{}, err
		}
		if e.cache != nil {
			e.cache.SetDefault(cacheKey, fs)
		}
		return fs, nil
	})
	if err != nil {
		return FairShare{}, err
	}
	return v.(FairShare), nil
}

func (e *Engine) computeFairShare(ctx context.Context, modelName, day string) (FairShare, error) {
	active, err := e.store.CountActiveUsers(ctx, modelName, day)
	if err != nil {
		return FairShare{}, errors.Wrap(err, "count today's active users")
	}
	if active == 0 {
		// Right after rollover nobody has a request yet; counting recently-active users keeps a
		// momentary zero from granting everyone the entire pool.
		fromDay := helper.DayString(e.now().AddDate(0, 0, -e.cfg.LookbackDays))
		active, err = e.store.CountActiveUsersSince(ctx, modelName, fromDay)
		if err != nil {
			return FairShare{}, errors.Wrap(err, "count lookback active users")
		}
	}
	if active < 1 {
		active = 1
	}

	divisor := int(active)
	if divisor > e.cfg.MaxDivisorUsers {
		divisor = e.cfg.MaxDivisorUsers
	}

	total := e.TotalAvailable()
	share := total / divisor
	if share < e.cfg.MinimumGuarantee {
		share = e.cfg.MinimumGuarantee
	}

	fs := FairShare{
		ActiveUsers:     int(active),
		RequestsPerUser: share,
		TotalAvailable:  total,
	}

	// Tracking rows are observability only; a failed write must not block admission.
	if err := e.store.UpsertSystemTracking(ctx, modelName, day, fs.TotalAvailable, fs.ActiveUsers, fs.RequestsPerUser); err != nil {
		logger.Logger.Warn("failed to persist system tracking", zap.String("model", modelName), zap.Error(err))
	}
	e.publishSnapshot(ctx, modelName, day, fs)

	return fs, nil
}

// GetUserAllocation recomputes the fair share, lazily creates the user's row for today, and
// returns the live snapshot. A store with no row yet means zero usage, never an error: the
// first request of the day must succeed.
func (e *Engine) GetUserAllocation(ctx context.Context, userID, modelName string) (Allocation, error) {
	day := helper.DayString(e.now())

	fs, err := e.ComputeFairShare(ctx, modelName)
	if err != nil {
		return Allocation{}, err
	}

	row, err := e.store.EnsureUserAllocation(ctx, userID, modelName, day, fs.RequestsPerUser, fs.ActiveUsers)
	if err != nil {
		return Allocation{}, errors.Wrap(err, "ensure user allocation row")
	}

	alloc := Allocation{
		UserID:      userID,
		ModelName:   modelName,
		Day:         day,
		Allocated:   fs.RequestsPerUser,
		Used:        row.UsedToday,
		ActiveUsers: fs.ActiveUsers,
	}
	alloc.Remaining = alloc.Allocated - alloc.Used
	if alloc.Remaining < 0 {
		alloc.Remaining = 0
	}
	if alloc.Allocated > 0 {
		alloc.PercentUsed = float64(alloc.Used) / float64(alloc.Allocated) * 100
	} else {
		alloc.PercentUsed = 100
	}
	alloc.CanMakeRequest = alloc.Used < alloc.Allocated
	alloc.WarningLevel = WarningLevelFor(alloc.PercentUsed)
	return alloc, nil
}

// RecordUserRequest charges one successful request to the user's daily counter and the model's
// system-wide total. The per-user upsert-increment is atomic at the store so two requests
// finishing together are both reflected.
func (e *Engine) RecordUserRequest(ctx context.Context, userID, modelName string) error {
	day := helper.DayString(e.now())

	fs, err := e.ComputeFairShare(ctx, modelName)
	if err != nil {
		return err
	}
	if err := e.store.IncrementUserUsage(ctx, userID, modelName, day, fs.RequestsPerUser, fs.ActiveUsers); err != nil {
		return err
	}
	if err := e.store.IncrementSystemUsage(ctx, modelName, day); err != nil {
		logger.Logger.Warn("failed to increment system usage", zap.String("model", modelName), zap.Error(err))
	}
	return nil
}

// publishSnapshot mirrors the latest fair share into Redis for other instances' dashboards.
// Best effort: Redis is optional and never on the admission path.
func (e *Engine) publishSnapshot(ctx context.Context, modelName, day string, fs FairShare) {
	if !common.IsRedisEnabled() {
		return
	}
	payload, err := json.Marshal(fs)
	if err != nil {
		return
	}
	key := fmt.Sprintf("keyarbiter:fairshare:%s:%s", modelName, day)
	if err := common.RDB.Set(ctx, key, payload, e.cfg.SnapshotTTL).Err(); err != nil {
		logger.Logger.Debug("failed to publish fair-share snapshot", zap.Error(err))
	}
}
