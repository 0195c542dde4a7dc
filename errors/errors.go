package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误代码类型
type ErrorCode string

// 预定义错误代码
const (
	// 通用错误代码
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"

	// 基础设施错误代码
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"

	// 映射引擎错误代码
	ErrCodeInvalidMapping          ErrorCode = "INVALID_MAPPING"
	ErrCodeIdentityConflict        ErrorCode = "IDENTITY_CONFLICT"
	ErrCodeTransientReference      ErrorCode = "TRANSIENT_REFERENCE"
	ErrCodeLazyInitialization      ErrorCode = "LAZY_INITIALIZATION"
	ErrCodeOrphanDeleteConflict    ErrorCode = "ORPHAN_DELETE_CONFLICT"
	ErrCodeFlush                   ErrorCode = "FLUSH_ERROR"
	ErrCodeIgnoredAssociationWrite ErrorCode = "IGNORED_ASSOCIATION_WRITE"
	ErrCodeClosed                  ErrorCode = "UOW_CLOSED"
)

// IError 错误接口
type IError interface {
	error

	// 获取错误代码
	Code() ErrorCode

	// 获取错误消息
	Message() string

	// 获取原始错误
	Cause() error

	// 获取错误详情
	Details() map[string]any

	// 获取堆栈信息
	Stack() string

	// 是否为指定类型的错误
	Is(target error) bool

	// 包装错误
	Wrap(msg string) IError

	// 添加上下文
	WithContext(key string, value any) IError
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &AppError{
		code:    code,
		message: message,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// WrapError 包装错误
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}

	return &AppError{
		code:    code,
		message: message,
		cause:   err,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Code 获取错误代码
func (e *AppError) Code() ErrorCode {
	return e.code
}

// Message 获取错误消息
func (e *AppError) Message() string {
	return e.message
}

// Cause 获取原始错误
func (e *AppError) Cause() error {
	return e.cause
}

// Details 获取错误详情
func (e *AppError) Details() map[string]any {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	return e.details
}

// Stack 获取堆栈信息
func (e *AppError) Stack() string {
	return e.stack
}

// Is 检查是否为指定类型的错误
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}

	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}

	if e.cause != nil {
		return stdErrors.Is(e.cause, target)
	}

	return false
}

// Unwrap 解包错误（支持 errors.Unwrap）
func (e *AppError) Unwrap() error {
	return e.cause
}

// Wrap 包装错误
func (e *AppError) Wrap(msg string) IError {
	return &AppError{
		code:    e.code,
		message: fmt.Sprintf("%s: %s", msg, e.message),
		cause:   e,
		details: copyMap(e.details),
		stack:   captureStack(),
	}
}

// WithContext 添加上下文
func (e *AppError) WithContext(key string, value any) IError {
	newDetails := copyMap(e.details)
	newDetails[key] = value

	return &AppError{
		code:    e.code,
		message: e.message,
		cause:   e.cause,
		details: newDetails,
		stack:   e.stack,
	}
}

// 预定义错误变量，可配合 errors.Is 按错误码匹配
var (
	ErrInternal                = NewError(ErrCodeInternal, "内部错误")
	ErrInvalidInput            = NewError(ErrCodeInvalidInput, "无效的输入参数")
	ErrNotFound                = NewError(ErrCodeNotFound, "资源未找到")
	ErrDatabase                = NewError(ErrCodeDatabase, "数据库错误")
	ErrInvalidMapping          = NewError(ErrCodeInvalidMapping, "关联映射定义无效")
	ErrIdentityConflict        = NewError(ErrCodeIdentityConflict, "同一标识存在多个实例")
	ErrTransientReference      = NewError(ErrCodeTransientReference, "引用了未托管的实体")
	ErrLazyInitialization      = NewError(ErrCodeLazyInitialization, "延迟加载的工作单元已结束")
	ErrOrphanDeleteConflict    = NewError(ErrCodeOrphanDeleteConflict, "孤儿实体仍被其他所有者引用")
	ErrFlush                   = NewError(ErrCodeFlush, "刷新失败")
	ErrIgnoredAssociationWrite = NewError(ErrCodeIgnoredAssociationWrite, "非拥有方的关联写入被忽略")
	ErrClosed                  = NewError(ErrCodeClosed, "工作单元已关闭")
)

// IsNotFound 检查是否为未找到错误
func IsNotFound(err error) bool {
	return IsErrorCode(err, ErrCodeNotFound)
}

// IsValidation 检查是否为字段校验错误
func IsValidation(err error) bool {
	return IsErrorCode(err, ErrCodeValidation)
}

// IsIdentityConflict 检查是否为标识冲突
func IsIdentityConflict(err error) bool {
	return IsErrorCode(err, ErrCodeIdentityConflict)
}

// IsTransientReference 检查是否引用了未托管实体
func IsTransientReference(err error) bool {
	return IsErrorCode(err, ErrCodeTransientReference)
}

// IsLazyInitialization 检查是否为延迟加载失败
func IsLazyInitialization(err error) bool {
	return IsErrorCode(err, ErrCodeLazyInitialization)
}

// IsFlushError 检查是否为刷新失败
func IsFlushError(err error) bool {
	return IsErrorCode(err, ErrCodeFlush)
}

// IsIgnoredAssociationWrite 检查是否为被忽略的非拥有方写入
func IsIgnoredAssociationWrite(err error) bool {
	return IsErrorCode(err, ErrCodeIgnoredAssociationWrite)
}

// IsErrorCode 检查错误链中是否存在指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stdErrors.As(err, &appErr) {
			return false
		}
		if appErr.code == code {
			return true
		}
		err = appErr.cause
	}
	return false
}

// GetErrorCode 获取最外层的错误代码
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}

	return ErrCodeInternal
}

// captureStack 捕获堆栈信息
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))

		if !more {
			break
		}
	}

	return builder.String()
}

// copyMap 复制映射
func copyMap(original map[string]any) map[string]any {
	if original == nil {
		return make(map[string]any)
	}

	copied := make(map[string]any, len(original))
	for k, v := range original {
		copied[k] = v
	}

	return copied
}
