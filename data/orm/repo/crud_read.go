package repo

import (
	"context"

	"relmap/data/orm/session"
	"relmap/errors"
)

// Get 按主键读取实体并绑定到 T。不存在时返回 NOT_FOUND。
func (r *Repo[T]) Get(ctx context.Context, u *session.UnitOfWork, id int64) (*session.Entity, T, error) {
	var model T
	e, err := u.FindByID(ctx, r.typeName, id)
	if err != nil {
		return nil, model, err
	}
	if err := e.ScanInto(&model); err != nil {
		return nil, model, err
	}
	return e, model, nil
}

// Exists 判断主键对应的实体是否存在（已计划删除的视为不存在）。
func (r *Repo[T]) Exists(ctx context.Context, u *session.UnitOfWork, id int64) (bool, error) {
	_, err := u.FindByID(ctx, r.typeName, id)
	switch {
	case err == nil:
		return true, nil
	case errors.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// Bind 将已托管实体的当前属性绑定到 T。
func (r *Repo[T]) Bind(e *session.Entity) (T, error) {
	var model T
	if err := r.checkType(e); err != nil {
		return model, err
	}
	err := e.ScanInto(&model)
	return model, err
}
