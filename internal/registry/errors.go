package registry

import "errors"

// 错误代码
const (
	// ErrCodeNotFound 资源不存在
	ErrCodeNotFound = iota + 1
	// ErrCodeAlreadyExists 资源已存在
	ErrCodeAlreadyExists
	// ErrCodeInvalidArgument 参数无效
	ErrCodeInvalidArgument
)

// Error 注册中心操作返回的错误
type Error struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *Error) Error() string {
	return e.Message
}

// Is 按错误代码比较，支持 errors.Is(err, registry.ErrNotFound)
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	// ErrNotFound 用于 errors.Is 比较的哨兵错误
	ErrNotFound = &Error{Code: ErrCodeNotFound, Message: "not found"}
	// ErrAlreadyExists 用于 errors.Is 比较的哨兵错误
	ErrAlreadyExists = &Error{Code: ErrCodeAlreadyExists, Message: "already exists"}
	// ErrInvalidArgument 用于 errors.Is 比较的哨兵错误
	ErrInvalidArgument = &Error{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
)

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: message}
}

// NewAlreadyExistsError 创建资源已存在错误
func NewAlreadyExistsError(message string) *Error {
	return &Error{Code: ErrCodeAlreadyExists, Message: message}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *Error {
	return &Error{Code: ErrCodeInvalidArgument, Message: message}
}
