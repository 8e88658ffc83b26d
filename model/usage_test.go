package model

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertUsageRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &UsageRecord{
		RequestId: "req-001",
		UserId:    "user-1",
		ModelName: "gemini-pro",
		Day:       "2025-06-10",
		KeyIndex:  3,
	}
	require.NoError(t, store.InsertUsageRecord(ctx, rec))
	assert.NotZero(t, rec.CreatedTime)

	// A duplicate request id must be rejected by the unique index.
	dup := &UsageRecord{
		RequestId: "req-001",
		UserId:    "user-1",
		ModelName: "gemini-pro",
		Day:       "2025-06-10",
	}
	assert.Error(t, store.InsertUsageRecord(ctx, dup))
}

func TestCountActiveUsersSince(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	insert := func(id, user, day string) {
		require.NoError(t, store.InsertUsageRecord(ctx, &UsageRecord{
			RequestId: id, UserId: user, ModelName: "gemini-pro", Day: day,
		}))
	}
	insert("r1", "user-1", "2025-06-03")
	insert("r2", "user-1", "2025-06-09")
	insert("r3", "user-2", "2025-06-09")
	insert("r4", "user-3", "2025-06-01")

	count, err := store.CountActiveUsersSince(ctx, "gemini-pro", "2025-06-03")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "distinct users within the window, old events excluded")

	count, err = store.CountActiveUsersSince(ctx, "gemini-flash", "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRecentUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.InsertUsageRecord(ctx, &UsageRecord{
			RequestId: fmt.Sprintf("req-%03d", i),
			UserId:    "user-1",
			ModelName: "gemini-pro",
			Day:       "2025-06-10",
		}))
	}

	rows, err := store.RecentUsage(ctx, "gemini-pro", 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "req-004", rows[0].RequestId, "newest first")
}
