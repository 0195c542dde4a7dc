package errors

import (
	"context"
	"database/sql"
	stdErrors "errors"
)

// Normalize 将存储层/运行时的常见错误规范化为 AppError。
//
// 约定：
//   - 已经是 IError 的错误原样返回；
//   - sql.ErrNoRows 归为 NOT_FOUND；
//   - context 取消/超时归为 TIMEOUT；
//   - 未识别的错误保持原样，交由调用方决定是否 Wrap。
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := err.(IError); ok {
		return err
	}

	if stdErrors.Is(err, sql.ErrNoRows) {
		return WrapError(err, ErrCodeNotFound, "记录未找到")
	}

	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return WrapError(err, ErrCodeTimeout, "操作已取消或超时")
	}

	return err
}
