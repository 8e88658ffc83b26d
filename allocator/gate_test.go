package allocator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanProceedAllows(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.activeToday = 4
	gate := NewGate(NewEngine(store, testEngineConfig()))

	d, err := gate.CanProceed(ctx, "user-1", "gemini-pro")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
	assert.Equal(t, 100, d.Allocation.Allocated)
}

func TestCanProceedDenies(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.activeToday = 100
	engine := NewEngine(store, testEngineConfig())
	gate := NewGate(engine)

	for i := 0; i < 30; i++ {
		require.NoError(t, engine.RecordUserRequest(ctx, "user-1", "gemini-pro"))
	}

	d, err := gate.CanProceed(ctx, "user-1", "gemini-pro")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "Daily request limit exceeded. You've used 30/30 requests today.", d.Reason)
}

func TestCanProceedNeverConsumesQuota(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.activeToday = 1
	engine := NewEngine(store, testEngineConfig())
	gate := NewGate(engine)

	for i := 0; i < 50; i++ {
		d, err := gate.CanProceed(ctx, "user-1", "gemini-pro")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	alloc, err := engine.GetUserAllocation(ctx, "user-1", "gemini-pro")
	require.NoError(t, err)
	assert.Equal(t, 0, alloc.Used, "admission checks are read-only")
}
