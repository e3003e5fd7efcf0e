package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// 错误类型，可用 errors.Is 判断 *Error 的类别
var (
	ErrRouteNotFound      = errors.New("route not found")
	ErrMethodNotAllowed   = errors.New("method not allowed")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrNoHealthyInstances = errors.New("no healthy instances")
	ErrDownstream         = errors.New("downstream error")
	ErrTransformFailed    = errors.New("transform failed")
	ErrInvalidRoute       = errors.New("invalid route")
)

// Error 网关分发失败时返回，携带足够的上下文用于日志
type Error struct {
	Kind       error
	Method     string
	Path       string
	Service    string
	InstanceID string
	RetryCount int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	fmt.Fprintf(&b, ": %s %s", e.Method, e.Path)
	if e.Service != "" {
		fmt.Fprintf(&b, " service=%s", e.Service)
	}
	if e.InstanceID != "" {
		fmt.Fprintf(&b, " instance=%s", e.InstanceID)
	}
	if e.RetryCount > 0 {
		fmt.Fprintf(&b, " retries=%d", e.RetryCount)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap 同时暴露错误类别和原始错误
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Retryable 判断该错误是否会被网关重试
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrNoHealthyInstances, ErrDownstream:
		return true
	}
	return false
}
