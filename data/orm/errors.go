package orm

import "relmap/errors"

var (
	// ErrNotFound 表示记录未找到。
	ErrNotFound = errors.NewError(errors.ErrCodeNotFound, "orm: record not found")
	// ErrUnsupported 表示当前存储不支持请求的能力。
	ErrUnsupported = errors.NewError(errors.ErrCodeInvalidInput, "orm: capability unsupported")
	// ErrMappingFrozen 表示描述表冻结后仍尝试注册。
	ErrMappingFrozen = errors.NewError(errors.ErrCodeInvalidMapping, "orm: mapping is frozen")
)
