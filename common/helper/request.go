package helper

import (
	"fmt"

	"github.com/keyarbiter/keyarbiter/common/random"
)

const RequestIdKey = "X-Keyarbiter-Request-Id"

// GenRequestID builds a sortable per-request identifier: timestamp prefix plus random suffix.
func GenRequestID() string {
	return GetTimeString() + random.GetRandomNumberString(8)
}

// MessageWithRequestId appends the request id so user-facing errors stay traceable in logs.
func MessageWithRequestId(message string, id string) string {
	return fmt.Sprintf("%s (request id: %s)", message, id)
}
