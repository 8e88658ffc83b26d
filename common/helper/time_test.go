package helper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDayString(t *testing.T) {
	ts := time.Date(2025, 6, 10, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, "2025-06-10", DayString(ts))
}

func TestNextMinuteBoundary(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 30, 45, 0, time.UTC)
	assert.Equal(t, 15*time.Second, NextMinuteBoundary(now))

	// Exactly on the boundary means a full minute until the next one.
	now = time.Date(2025, 6, 10, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Minute, NextMinuteBoundary(now))
}

func TestNextDayBoundary(t *testing.T) {
	now := time.Date(2025, 6, 10, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Hour, NextDayBoundary(now))

	now = time.Date(2025, 6, 10, 0, 0, 1, 0, time.UTC)
	assert.Equal(t, 24*time.Hour-time.Second, NextDayBoundary(now))
}

func TestGenRequestID(t *testing.T) {
	a := GenRequestID()
	b := GenRequestID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestMessageWithRequestId(t *testing.T) {
	assert.Equal(t, "boom (request id: r-1)", MessageWithRequestId("boom", "r-1"))
}
