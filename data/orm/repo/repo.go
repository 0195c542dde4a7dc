// Package repo 在工作单元之上提供按结构体读写单一实体类型的仓储。
//
// 仓储不持有状态：实体仍由传入的 UnitOfWork 托管，写入在 Flush 时发生。
package repo

import (
	"relmap/data/orm/session"
	"relmap/errors"
)

// Repo 以结构体 T 读写类型为 typeName 的实体。
// T 的标量字段通过 db / relmap 标签映射到列，关联槽位不在 T 中表达。
type Repo[T any] struct {
	typeName string
}

// New 创建仓储。
func New[T any](typeName string) *Repo[T] {
	return &Repo[T]{typeName: typeName}
}

// TypeName 返回实体类型名。
func (r *Repo[T]) TypeName() string { return r.typeName }

func (r *Repo[T]) checkType(e *session.Entity) error {
	if e == nil {
		return errors.NewError(errors.ErrCodeInvalidInput, "entity is nil")
	}
	if e.Type() != r.typeName {
		return errors.NewError(errors.ErrCodeInvalidInput,
			"repository of "+r.typeName+" cannot handle "+e.Type())
	}
	return nil
}
