package keypool

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{MinuteLimit: 3, DailyLimit: 5, BanThreshold: 2}
}

func testSecrets(n int) []string {
	secrets := make([]string, n)
	for i := range secrets {
		secrets[i] = fmt.Sprintf("sk-test-key-%04d", i)
	}
	return secrets
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry(nil, testConfig())
	require.Error(t, err)

	_, err = NewRegistry([]string{"sk-a", ""}, testConfig())
	require.Error(t, err)

	_, err = NewRegistry([]string{"sk-a"}, Config{MinuteLimit: 0, DailyLimit: 5, BanThreshold: 2})
	require.Error(t, err)

	reg, err := NewRegistry(testSecrets(3), testConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Size())
}

func TestSelectRoundRobin(t *testing.T) {
	reg, err := NewRegistry(testSecrets(3), testConfig())
	require.NoError(t, err)

	var order []int
	for i := 0; i < 6; i++ {
		key, ok := reg.Select()
		require.True(t, ok)
		order = append(order, key.Index)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, order)
}

func TestSelectSkipsUnavailableSlots(t *testing.T) {
	cfg := testConfig()
	reg, err := NewRegistry(testSecrets(3), cfg)
	require.NoError(t, err)

	// Exhaust slot 1's minute window.
	for i := 0; i < cfg.MinuteLimit; i++ {
		reg.RecordSuccess(1)
	}

	seen := map[int]bool{}
	for i := 0; i < 4; i++ {
		key, ok := reg.Select()
		require.True(t, ok)
		seen[key.Index] = true
		assert.NotEqual(t, 1, key.Index)
	}
	assert.True(t, seen[0])
	assert.True(t, seen[2])
}

func TestSelectExhaustedPool(t *testing.T) {
	cfg := testConfig()
	reg, err := NewRegistry(testSecrets(2), cfg)
	require.NoError(t, err)

	for index := 0; index < 2; index++ {
		for i := 0; i < cfg.MinuteLimit; i++ {
			reg.RecordSuccess(index)
		}
	}

	_, ok := reg.Select()
	assert.False(t, ok)
	assert.False(t, reg.HasAvailable())
}

func TestRecordSuccessEnforcesBounds(t *testing.T) {
	cfg := Config{MinuteLimit: 10, DailyLimit: 2, BanThreshold: 3}
	reg, err := NewRegistry(testSecrets(1), cfg)
	require.NoError(t, err)

	reg.RecordSuccess(0)
	assert.True(t, reg.HasAvailable())

	reg.RecordSuccess(0)
	// Slot spent its last daily unit; it must stop being selectable now, not after the next use.
	assert.False(t, reg.HasAvailable())

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, cfg.DailyLimit, snap[0].UsedToday)
	assert.Equal(t, StatusDailyExhausted, snap[0].Status)
}

func TestRecordFailureClassification(t *testing.T) {
	reg, err := NewRegistry(testSecrets(3), testConfig())
	require.NoError(t, err)

	reg.RecordFailure(0, &UpstreamError{StatusCode: http.StatusTooManyRequests, Message: "rate limit"})
	reg.RecordFailure(1, &UpstreamError{StatusCode: http.StatusForbidden, Message: "daily quota exceeded"})

	snap := reg.Snapshot()
	assert.Equal(t, StatusRateLimited, snap[0].Status)
	assert.Equal(t, StatusDailyExhausted, snap[1].Status)
	assert.Equal(t, StatusAvailable, snap[2].Status)
}

func TestRecordFailureBanThreshold(t *testing.T) {
	cfg := testConfig()
	reg, err := NewRegistry(testSecrets(1), cfg)
	require.NoError(t, err)

	transient := fmt.Errorf("connection reset by peer")
	for i := 0; i < cfg.BanThreshold-1; i++ {
		reg.RecordFailure(0, transient)
	}
	assert.True(t, reg.HasAvailable())

	reg.RecordFailure(0, transient)
	assert.False(t, reg.HasAvailable())
	assert.Equal(t, StatusErrored, reg.Snapshot()[0].Status)

	// A ban only clears through an explicit reset or the day boundary; success can't reach a
	// banned slot because Select never returns it.
	require.NoError(t, reg.ResetSlot(0))
	assert.True(t, reg.HasAvailable())
	assert.Equal(t, 0, reg.Snapshot()[0].ConsecutiveErrors)
}

func TestSuccessClearsErrorStreak(t *testing.T) {
	reg, err := NewRegistry(testSecrets(1), testConfig())
	require.NoError(t, err)

	reg.RecordFailure(0, fmt.Errorf("timeout"))
	reg.RecordSuccess(0)
	assert.Equal(t, 0, reg.Snapshot()[0].ConsecutiveErrors)
	assert.Equal(t, StatusAvailable, reg.Snapshot()[0].Status)
}

func TestOnMinuteBoundary(t *testing.T) {
	cfg := testConfig()
	reg, err := NewRegistry(testSecrets(2), cfg)
	require.NoError(t, err)

	for i := 0; i < cfg.MinuteLimit; i++ {
		reg.RecordSuccess(0)
	}
	reg.RecordFailure(1, &UpstreamError{StatusCode: http.StatusForbidden, Message: "daily limit reached"})
	assert.Equal(t, StatusRateLimited, reg.Snapshot()[0].Status)

	reg.OnMinuteBoundary()

	snap := reg.Snapshot()
	assert.Equal(t, StatusAvailable, snap[0].Status)
	assert.Equal(t, 0, snap[0].UsedThisMinute)
	assert.Equal(t, cfg.MinuteLimit, snap[0].UsedToday, "day counter survives the minute tick")
	assert.Equal(t, StatusDailyExhausted, snap[1].Status, "minute tick never clears daily exhaustion")
}

func TestOnDayBoundary(t *testing.T) {
	cfg := testConfig()
	reg, err := NewRegistry(testSecrets(3), cfg)
	require.NoError(t, err)

	for i := 0; i < cfg.DailyLimit; i++ {
		reg.OnMinuteBoundary()
		reg.RecordSuccess(0)
	}
	for i := 0; i < cfg.BanThreshold; i++ {
		reg.RecordFailure(1, fmt.Errorf("boom"))
	}
	reg.RecordFailure(2, &UpstreamError{StatusCode: http.StatusTooManyRequests, Message: "too many requests"})

	reg.OnDayBoundary()

	for _, s := range reg.Snapshot() {
		assert.Equal(t, StatusAvailable, s.Status)
		assert.Equal(t, 0, s.UsedToday)
		assert.Equal(t, 0, s.UsedThisMinute)
		assert.Equal(t, 0, s.ConsecutiveErrors)
	}
}

func TestResetSlotUnknownIndex(t *testing.T) {
	reg, err := NewRegistry(testSecrets(2), testConfig())
	require.NoError(t, err)

	assert.Error(t, reg.ResetSlot(-1))
	assert.Error(t, reg.ResetSlot(2))
}

func TestSnapshotRedactsSecrets(t *testing.T) {
	reg, err := NewRegistry([]string{"sk-live-abcdef1234"}, testConfig())
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "****1234", snap[0].RedactedSecret)

	reg2, err := NewRegistry([]string{"abc"}, testConfig())
	require.NoError(t, err)
	assert.Equal(t, "****", reg2.Snapshot()[0].RedactedSecret)
}

func TestConcurrentSelectNeverOverbooks(t *testing.T) {
	cfg := Config{MinuteLimit: 50, DailyLimit: 100, BanThreshold: 5}
	reg, err := NewRegistry(testSecrets(4), cfg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if key, ok := reg.Select(); ok {
					reg.RecordSuccess(key.Index)
				}
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, s := range reg.Snapshot() {
		assert.LessOrEqual(t, s.UsedToday, cfg.DailyLimit)
		assert.LessOrEqual(t, s.UsedThisMinute, cfg.MinuteLimit)
		total += s.UsedToday
	}
	assert.LessOrEqual(t, total, 4*cfg.MinuteLimit, "minute windows bound the pool-wide throughput")
}

func TestLastUsedAtTracksClock(t *testing.T) {
	reg, err := NewRegistry(testSecrets(1), testConfig())
	require.NoError(t, err)

	fixed := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	reg.now = func() time.Time { return fixed }

	reg.RecordSuccess(0)
	assert.Equal(t, fixed, reg.Snapshot()[0].LastUsedAt)
}
