package keypool

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
)

// UpstreamError is the classifiable failure shape invokers hand back: the upstream HTTP status
// plus the raw provider message. RetryAfter is populated when the upstream supplied a hint.
type UpstreamError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Message)
}

// ErrorKind discriminates the recovery strategy an attempt failure requires.
type ErrorKind int

const (
	// KindOther is a transient failure (network, malformed response): retry with backoff.
	KindOther ErrorKind = iota
	// KindMinuteLimited means the key's per-minute window is spent: wait for the window, same key pool.
	KindMinuteLimited
	// KindDailyExhausted means the key is done for the day: rotate to another key.
	KindDailyExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case KindMinuteLimited:
		return "minute_limited"
	case KindDailyExhausted:
		return "daily_exhausted"
	default:
		return "transient"
	}
}

// dailyMarkers identify upstream daily-quota rejections. Checked before the generic rate-limit
// markers because provider messages like "daily quota exceeded" also contain "quota exceeded".
var dailyMarkers = []string{
	"daily quota",
	"daily limit",
	"requests per day",
}

var minuteMarkers = []string{
	"rate limit",
	"too many requests",
	"quota exceeded",
	"requests per minute",
}

// Classify maps an attempt error onto its recovery strategy by inspecting the upstream status
// code and message substrings. Non-upstream errors (network, decode) are transient.
func Classify(err error) ErrorKind {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return KindOther
	}

	msg := strings.ToLower(ue.Message)
	for _, marker := range dailyMarkers {
		if strings.Contains(msg, marker) {
			return KindDailyExhausted
		}
	}
	if ue.StatusCode == http.StatusTooManyRequests {
		return KindMinuteLimited
	}
	for _, marker := range minuteMarkers {
		if strings.Contains(msg, marker) {
			return KindMinuteLimited
		}
	}
	return KindOther
}

// RetryAfterHint extracts the upstream retry-after hint, when the error carries one.
func RetryAfterHint(err error) (time.Duration, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.RetryAfter > 0 {
		return ue.RetryAfter, true
	}
	return 0, false
}
