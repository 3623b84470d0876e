// Package budget provides resource limit types and enforcement for
// sandboxed WASI execution.
package budget

import (
	"fmt"
	"time"
)

// Deterministic error codes for budget violations.
const (
	ErrTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
)

// Budget defines resource limits for a single sandboxed execution. Zero
// values mean unlimited.
type Budget struct {
	TimeLimitMs      int64 `json:"time_limit_ms"`
	MemoryLimitBytes int64 `json:"memory_limit_bytes"`
}

// Default returns a conservative default budget.
func Default() Budget {
	return Budget{
		TimeLimitMs:      5000,
		MemoryLimitBytes: 64 * 1024 * 1024, // 64MB
	}
}

// TimeLimit returns the time limit as a Duration. Zero means unlimited.
func (b Budget) TimeLimit() time.Duration {
	return time.Duration(b.TimeLimitMs) * time.Millisecond
}

// Error is a typed budget violation.
type Error struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Limit    int64  `json:"limit"`
	Consumed int64  `json:"consumed"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (limit=%d, consumed=%d)", e.Code, e.Message, e.Limit, e.Consumed)
}

// TimeExceeded builds the violation reported when execution outlives the
// time limit.
func TimeExceeded(b Budget, elapsed time.Duration) *Error {
	return &Error{
		Code:     ErrTimeExhausted,
		Message:  "execution time limit exceeded",
		Limit:    b.TimeLimitMs,
		Consumed: elapsed.Milliseconds(),
	}
}

// CheckMemory returns a budget error if consumed exceeds the memory limit.
func CheckMemory(b Budget, consumed int64) error {
	if b.MemoryLimitBytes > 0 && consumed > b.MemoryLimitBytes {
		return &Error{
			Code:     ErrMemoryExhausted,
			Message:  "memory limit exceeded",
			Limit:    b.MemoryLimitBytes,
			Consumed: consumed,
		}
	}
	return nil
}
