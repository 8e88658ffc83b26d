package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/Laisky/errors/v2"
	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"

	"github.com/keyarbiter/keyarbiter/allocator"
	"github.com/keyarbiter/keyarbiter/common/graceful"
	"github.com/keyarbiter/keyarbiter/common/helper"
	"github.com/keyarbiter/keyarbiter/common/logger"
	"github.com/keyarbiter/keyarbiter/keypool"
	"github.com/keyarbiter/keyarbiter/model"
)

// Invoker performs the underlying generation call with the selected credential. The dispatcher
// is agnostic to the payload shape; it only classifies the returned error.
type Invoker func(ctx context.Context, credential string, req *Request) (any, error)

// UsageRecorder persists the append-only audit trail. *model.Store satisfies it.
type UsageRecorder interface {
	InsertUsageRecord(ctx context.Context, rec *model.UsageRecord) error
}

// ProgressFunc streams human-readable status to the caller during minute-quota waits and
// retries so the UI is never silent for up to a minute.
type ProgressFunc func(message string)

// Request is one logical generation request.
type Request struct {
	// RequestID is generated when empty.
	RequestID string
	// UserID is optional; without it admission and usage tracking are skipped (internal calls).
	UserID     string
	ModelName  string
	Payload    any
	OnProgress ProgressFunc
}

// Options bound the retry policy.
type Options struct {
	// MaxRetries bounds attempts consumed by daily-exhaustion rotation and transient failures.
	// Minute-quota waits do not consume retry slots.
	MaxRetries int
	// BaseBackoff seeds the exponential backoff for transient failures: base × 2^(attempt-1).
	BaseBackoff time.Duration
	// MinuteWaitBuffer pads the computed next-minute-boundary wait.
	MinuteWaitBuffer time.Duration
	// MinuteWaitCap bounds any single minute-quota wait.
	MinuteWaitCap time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MinuteWaitBuffer <= 0 {
		o.MinuteWaitBuffer = 2 * time.Second
	}
	if o.MinuteWaitCap <= 0 {
		o.MinuteWaitCap = 62 * time.Second
	}
}

// Dispatcher orchestrates one logical generation request: admission, key selection, invocation,
// outcome classification, and the retry/rotation policy. Many dispatch calls run concurrently
// against the same registry; the registry's own locking makes that safe.
type Dispatcher struct {
	pool   *keypool.Registry
	gate   *allocator.Gate
	engine *allocator.Engine
	usage  UsageRecorder
	invoke Invoker
	opts   Options

	// injected for tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New wires a dispatcher. usage may be nil when no audit trail is wanted.
func New(pool *keypool.Registry, gate *allocator.Gate, engine *allocator.Engine, usage UsageRecorder, invoke Invoker, opts Options) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		pool:   pool,
		gate:   gate,
		engine: engine,
		usage:  usage,
		invoke: invoke,
		opts:   opts,
		sleep:  sleepCtx,
		now:    time.Now,
	}
}

// Dispatch runs the per-request state machine. It returns the upstream payload, or a *Failure
// carrying one of the terminal codes. Classified minute-quota errors wait for the window to
// reset without consuming the retry budget; daily exhaustion rotates to another key; anything
// else backs off exponentially. Cancellation is honored before every retry step, never
// mid-invocation.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (any, error) {
	if req.RequestID == "" {
		req.RequestID = helper.GenRequestID()
	}
	lg := logger.Logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("user_id", req.UserID),
		zap.String("model", req.ModelName),
	)

	if req.UserID != "" {
		decision, err := d.gate.CanProceed(ctx, req.UserID, req.ModelName)
		if err != nil {
			return nil, errors.Wrap(err, "admission check")
		}
		if !decision.Allowed {
			lg.Info("request denied by quota gate",
				zap.Int("used", decision.Allocation.Used),
				zap.Int("allocated", decision.Allocation.Allocated))
			return nil, &Failure{Code: FailureQuotaExceeded, Reason: decision.Reason}
		}
	}

	attempt := 1
	var lastErr error
	for attempt <= d.opts.MaxRetries {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "dispatch cancelled before retry")
		}

		key, ok := d.pool.Select()
		if !ok {
			lg.Warn("no usable key in pool")
			return nil, &Failure{
				Code:   FailureNoKeysAvailable,
				Reason: "All API keys are currently rate limited or exhausted. Please try again later.",
			}
		}

		result, err := d.invoke(ctx, key.Secret, req)
		if err == nil {
			d.pool.RecordSuccess(key.Index)
			d.recordSuccess(ctx, req, key.Index, lg)
			return result, nil
		}

		d.pool.RecordFailure(key.Index, err)
		lastErr = err

		switch keypool.Classify(err) {
		case keypool.KindMinuteLimited:
			// Expected and self-healing: the minute window resets every 60s, so this must not
			// burn the retry budget meant for genuine failures.
			wait := d.minuteWait(err)
			lg.Info("minute rate limit hit, waiting for window reset",
				zap.Int("key_index", key.Index),
				zap.Duration("wait", wait))
			if werr := d.waitWithCountdown(ctx, wait, req.OnProgress); werr != nil {
				return nil, errors.Wrap(werr, "dispatch cancelled during minute wait")
			}
		case keypool.KindDailyExhausted:
			lg.Info("key exhausted its daily budget, rotating",
				zap.Int("key_index", key.Index),
				zap.Int("attempt", attempt))
			notify(req.OnProgress, "API key exhausted for today, switching to another key...")
			attempt++
		default:
			backoff := d.opts.BaseBackoff << (attempt - 1)
			lg.Warn("transient upstream failure, backing off",
				zap.Int("key_index", key.Index),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			notify(req.OnProgress, fmt.Sprintf("Temporary error, retrying in %s...", backoff))
			if werr := d.sleep(ctx, backoff); werr != nil {
				return nil, errors.Wrap(werr, "dispatch cancelled during backoff")
			}
			attempt++
		}
	}

	return nil, &Failure{
		Code:   FailureAllRetriesExhausted,
		Reason: fmt.Sprintf("Request failed after %d attempts. Last error: %v", d.opts.MaxRetries, lastErr),
		Err:    lastErr,
	}
}

// recordSuccess charges the user synchronously (so their next admission check reads their own
// write) and appends the audit record in a tracked background task.
func (d *Dispatcher) recordSuccess(ctx context.Context, req *Request, keyIndex int, lg glog.Logger) {
	if req.UserID == "" {
		return
	}
	if err := d.engine.RecordUserRequest(ctx, req.UserID, req.ModelName); err != nil {
		lg.Error("failed to record user request", zap.Error(err))
	}
	if d.usage == nil {
		return
	}
	rec := &model.UsageRecord{
		RequestId: req.RequestID,
		UserId:    req.UserID,
		ModelName: req.ModelName,
		Day:       helper.DayString(d.now()),
		KeyIndex:  keyIndex,
	}
	graceful.GoCritical(context.WithoutCancel(ctx), "insertUsageRecord", func(ctx context.Context) {
		if err := d.usage.InsertUsageRecord(ctx, rec); err != nil {
			lg.Error("failed to insert usage record", zap.Error(err))
		}
	})
}

// minuteWait computes how long to sleep for a minute-quota rejection: the upstream retry-after
// hint when present, otherwise the next minute boundary plus a small buffer. Always capped.
func (d *Dispatcher) minuteWait(err error) time.Duration {
	if hint, ok := keypool.RetryAfterHint(err); ok {
		if hint > d.opts.MinuteWaitCap {
			return d.opts.MinuteWaitCap
		}
		return hint
	}
	wait := helper.NextMinuteBoundary(d.now()) + d.opts.MinuteWaitBuffer
	if wait > d.opts.MinuteWaitCap {
		wait = d.opts.MinuteWaitCap
	}
	return wait
}

// waitWithCountdown sleeps in one-second steps, emitting a countdown to the caller each second.
func (d *Dispatcher) waitWithCountdown(ctx context.Context, wait time.Duration, onProgress ProgressFunc) error {
	remaining := wait
	for remaining > 0 {
		notify(onProgress, fmt.Sprintf("Rate limit reached, retrying in %ds...", int(remaining.Round(time.Second)/time.Second)))
		step := time.Second
		if remaining < step {
			step = remaining
		}
		if err := d.sleep(ctx, step); err != nil {
			return err
		}
		remaining -= step
	}
	return nil
}

func notify(onProgress ProgressFunc, message string) {
	if onProgress != nil {
		onProgress(message)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
