package breaker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen 熔断器处于打开状态时快速失败
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrOperationTimeout 被包装的调用超过了超时时间
	ErrOperationTimeout = errors.New("operation timed out")
)

// CircuitOpenError 熔断打开时返回，被包装的调用不会执行
type CircuitOpenError struct {
	Name       string
	OpenedAt   time.Time
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s is open, retry after %s", e.Name, e.RetryAfter)
}

// Is 支持 errors.Is(err, ErrCircuitOpen)
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// TimeoutError 调用超时，会被计为一次失败
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("circuit breaker %s: operation timed out after %s", e.Name, e.Timeout)
}

// Is 支持 errors.Is(err, ErrOperationTimeout)
func (e *TimeoutError) Is(target error) bool {
	return target == ErrOperationTimeout
}
