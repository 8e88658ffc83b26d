package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyarbiter/keyarbiter/keypool"
)

func TestUpdatePoolGauges(t *testing.T) {
	reg, err := keypool.NewRegistry(
		[]string{"sk-test-0001", "sk-test-0002", "sk-test-0003"},
		keypool.Config{MinuteLimit: 10, DailyLimit: 100, BanThreshold: 2},
	)
	require.NoError(t, err)

	reg.RecordSuccess(0)
	reg.RecordSuccess(0)
	reg.RecordFailure(1, &keypool.UpstreamError{StatusCode: 429, Message: "rate limit"})

	UpdatePoolGauges(reg.Snapshot())

	assert.Equal(t, float64(2), testutil.ToFloat64(keySlotsByStatus.WithLabelValues(string(keypool.StatusAvailable))))
	assert.Equal(t, float64(1), testutil.ToFloat64(keySlotsByStatus.WithLabelValues(string(keypool.StatusRateLimited))))
	assert.Equal(t, float64(0), testutil.ToFloat64(keySlotsByStatus.WithLabelValues(string(keypool.StatusErrored))))
	assert.Equal(t, float64(2), testutil.ToFloat64(keyRequestsToday.WithLabelValues("0")))
}

func TestRecordDispatchOutcomes(t *testing.T) {
	before := testutil.ToFloat64(dispatchTotal.WithLabelValues("gemini-pro", "success"))
	RecordDispatch("gemini-pro", "success", time.Now().Add(-time.Second))
	after := testutil.ToFloat64(dispatchTotal.WithLabelValues("gemini-pro", "success"))
	assert.Equal(t, before+1, after)
}
