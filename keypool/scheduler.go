package keypool

import (
	"context"
	"time"

	"github.com/keyarbiter/keyarbiter/common/helper"
	"github.com/keyarbiter/keyarbiter/common/logger"
)

// StartScheduler drives the registry's minute and day ticks off the wall clock until ctx is
// cancelled. The ticks themselves are plain methods so tests invoke them directly instead of
// waiting on timers.
func StartScheduler(ctx context.Context, reg *Registry) {
	go minuteLoop(ctx, reg)
	go dayLoop(ctx, reg)
}

func minuteLoop(ctx context.Context, reg *Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(helper.NextMinuteBoundary(time.Now())):
			reg.OnMinuteBoundary()
		}
	}
}

func dayLoop(ctx context.Context, reg *Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(helper.NextDayBoundary(time.Now())):
			logger.Logger.Info("day boundary reached, resetting key pool")
			reg.OnDayBoundary()
		}
	}
}
