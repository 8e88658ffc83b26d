package keypool

import (
	"sync"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/keyarbiter/keyarbiter/common/logger"
)

// Status is the health state of one credential slot.
type Status string

const (
	StatusAvailable      Status = "available"
	StatusRateLimited    Status = "rate_limited"
	StatusDailyExhausted Status = "daily_exhausted"
	StatusErrored        Status = "errored"
)

// Config carries the per-key limits shared by every slot in a pool. Heterogeneous per-key
// limits are intentionally unsupported.
type Config struct {
	MinuteLimit  int
	DailyLimit   int
	BanThreshold int
}

type slot struct {
	index          int
	secret         string
	usedToday      int
	usedThisMinute int
	lastUsedAt     time.Time
	status         Status
	consecErrors   int
}

// selectable reports whether the slot satisfies the availability invariant.
func (s *slot) selectable(cfg Config) bool {
	return s.status == StatusAvailable &&
		s.usedToday < cfg.DailyLimit &&
		s.usedThisMinute < cfg.MinuteLimit &&
		s.consecErrors < cfg.BanThreshold
}

// recomputeStatus derives status from the counters. Only counter-driven states are recomputed
// here; errored and classified-daily states are sticky until their own recovery path runs.
func (s *slot) recomputeStatus(cfg Config) {
	if s.consecErrors >= cfg.BanThreshold {
		s.status = StatusErrored
		return
	}
	if s.usedToday >= cfg.DailyLimit {
		s.status = StatusDailyExhausted
		return
	}
	if s.usedThisMinute >= cfg.MinuteLimit {
		s.status = StatusRateLimited
		return
	}
	s.status = StatusAvailable
}

// SelectedKey is what a dispatcher gets back from Select: the slot identity plus the credential
// to present upstream.
type SelectedKey struct {
	Index  int
	Secret string
}

// SlotSnapshot is a read-only copy of one slot for dashboards and metrics. The secret is not
// included; RedactedSecret carries only the last four characters.
type SlotSnapshot struct {
	Index             int       `json:"index"`
	RedactedSecret    string    `json:"secret"`
	UsedToday         int       `json:"requests_used_today"`
	UsedThisMinute    int       `json:"requests_used_this_minute"`
	LastUsedAt        time.Time `json:"last_used_at"`
	Status            Status    `json:"status"`
	ConsecutiveErrors int       `json:"consecutive_error_count"`
}

// Registry owns the credential slots and the rotating selection cursor. All mutation goes
// through its mutex; there is no ambient/global pool so tests can run independent instances.
type Registry struct {
	mu     sync.Mutex
	cfg    Config
	slots  []*slot
	cursor int

	now func() time.Time
}

// NewRegistry builds a pool with one slot per secret. Slots are created once at process start
// and never destroyed while the process runs.
func NewRegistry(secrets []string, cfg Config) (*Registry, error) {
	if len(secrets) == 0 {
		return nil, errors.New("key pool requires at least one credential")
	}
	if cfg.MinuteLimit <= 0 || cfg.DailyLimit <= 0 || cfg.BanThreshold <= 0 {
		return nil, errors.Errorf("invalid key pool limits: %+v", cfg)
	}
	r := &Registry{
		cfg: cfg,
		now: time.Now,
	}
	for i, secret := range secrets {
		if secret == "" {
			return nil, errors.Errorf("credential for slot %d is empty", i)
		}
		r.slots = append(r.slots, &slot{
			index:  i,
			secret: secret,
			status: StatusAvailable,
		})
	}
	return r, nil
}

// Size returns the number of slots in the pool.
func (r *Registry) Size() int {
	return len(r.slots)
}

// Config returns the shared per-key limits.
func (r *Registry) Config() Config {
	return r.cfg
}

// Select scans slots round-robin starting from the rotating cursor and returns the first slot
// satisfying the availability invariant. The cursor advances past the returned slot regardless
// of what the caller does with it. One full wrap bounds the scan; an empty result means no slot
// in the pool currently qualifies.
func (r *Registry) Select() (SelectedKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.slots)
	for i := 0; i < n; i++ {
		s := r.slots[(r.cursor+i)%n]
		if !s.selectable(r.cfg) {
			continue
		}
		r.cursor = (s.index + 1) % n
		return SelectedKey{Index: s.index, Secret: s.secret}, true
	}
	return SelectedKey{}, false
}

// HasAvailable reports whether any slot currently satisfies the availability invariant.
func (r *Registry) HasAvailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.slots {
		if s.selectable(r.cfg) {
			return true
		}
	}
	return false
}

// RecordSuccess charges one request against the slot's minute and day windows and clears its
// error streak. Status is recomputed so a slot that just spent its last unit stops being
// selectable before the bound is exceeded, not after.
func (r *Registry) RecordSuccess(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slotAt(index)
	if !ok {
		return
	}
	s.usedToday++
	s.usedThisMinute++
	s.lastUsedAt = r.now()
	s.consecErrors = 0
	s.recomputeStatus(r.cfg)
}

// RecordFailure registers a failed attempt on the slot and classifies the error into the slot's
// next health state. Minute-rate errors recover on the next minute tick; daily exhaustion holds
// until day rollover; anything else counts toward the ban threshold.
func (r *Registry) RecordFailure(index int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slotAt(index)
	if !ok {
		return
	}
	s.consecErrors++
	s.lastUsedAt = r.now()

	switch Classify(err) {
	case KindMinuteLimited:
		s.status = StatusRateLimited
	case KindDailyExhausted:
		s.status = StatusDailyExhausted
	default:
		if s.consecErrors >= r.cfg.BanThreshold {
			logger.Logger.Warn("key slot banned after consecutive failures",
				zap.Int("index", s.index),
				zap.Int("consecutive_errors", s.consecErrors))
			s.status = StatusErrored
		}
	}
}

// ResetSlot is the operator escape hatch: zero all counters, clear the error streak, and mark
// the slot available again.
func (r *Registry) ResetSlot(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slotAt(index)
	if !ok {
		return errors.Errorf("no key slot with index %d", index)
	}
	s.usedToday = 0
	s.usedThisMinute = 0
	s.consecErrors = 0
	s.status = StatusAvailable
	logger.Logger.Info("key slot reset by operator", zap.Int("index", index))
	return nil
}

// OnMinuteBoundary zeroes every slot's minute window. Slots that were rate limited recover to
// available unless their day budget or error streak still holds them back.
func (r *Registry) OnMinuteBoundary() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.slots {
		s.usedThisMinute = 0
		if s.status == StatusRateLimited {
			s.recomputeStatus(r.cfg)
		}
	}
}

// OnDayBoundary resets the whole pool at local midnight: both counters zeroed, error streaks
// cleared, every slot available.
func (r *Registry) OnDayBoundary() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.slots {
		s.usedToday = 0
		s.usedThisMinute = 0
		s.consecErrors = 0
		s.status = StatusAvailable
	}
	logger.Logger.Info("key pool reset at day boundary", zap.Int("slots", len(r.slots)))
}

// Snapshot returns a read-only copy of every slot for the admin surface and metrics.
func (r *Registry) Snapshot() []SlotSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SlotSnapshot, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, SlotSnapshot{
			Index:             s.index,
			RedactedSecret:    redactSecret(s.secret),
			UsedToday:         s.usedToday,
			UsedThisMinute:    s.usedThisMinute,
			LastUsedAt:        s.lastUsedAt,
			Status:            s.status,
			ConsecutiveErrors: s.consecErrors,
		})
	}
	return out
}

func (r *Registry) slotAt(index int) (*slot, bool) {
	if index < 0 || index >= len(r.slots) {
		logger.Logger.Error("key slot index out of range", zap.Int("index", index))
		return nil, false
	}
	return r.slots[index], true
}

func redactSecret(secret string) string {
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
