package dispatcher

import (
	"fmt"

	"github.com/Laisky/errors/v2"
)

// FailureCode is the typed terminal outcome a caller can branch on. Transient and
// rotation-related failures never surface with a code; they are absorbed by the retry loop.
type FailureCode string

const (
	// FailureQuotaExceeded means the user's fair-share daily budget is spent. Recoverable only by
	// waiting for tomorrow or by the active-user population shrinking.
	FailureQuotaExceeded FailureCode = "QUOTA_EXCEEDED"
	// FailureNoKeysAvailable means every slot in the pool is currently rate-limited, exhausted,
	// or errored. Terminal for this call; rotating will not produce a key that doesn't exist.
	FailureNoKeysAvailable FailureCode = "NO_KEYS_AVAILABLE"
	// FailureAllRetriesExhausted means the bounded retry budget ran out; the last underlying
	// error is attached.
	FailureAllRetriesExhausted FailureCode = "ALL_RETRIES_EXHAUSTED"
)

// Failure is the typed error returned to callers. Reason is human-readable and meant to be
// rendered verbatim to the end user.
type Failure struct {
	Code   FailureCode
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// AsFailure unwraps err into a typed dispatch failure when it is one.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}
