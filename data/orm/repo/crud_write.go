package repo

import (
	"context"

	"relmap/data/orm/session"
	"relmap/validation"
)

// Add 校验 model 后创建新实体并保存到工作单元。
func (r *Repo[T]) Add(ctx context.Context, u *session.UnitOfWork, model T) (*session.Entity, error) {
	if err := validation.Validate(model); err != nil {
		return nil, err
	}
	e := session.NewEntity(r.typeName)
	if err := e.Assign(model); err != nil {
		return nil, err
	}
	if err := u.Save(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// AddAll 批量新增；任一校验失败时不保存任何实体。
func (r *Repo[T]) AddAll(ctx context.Context, u *session.UnitOfWork, models []T) ([]*session.Entity, error) {
	for _, m := range models {
		if err := validation.Validate(m); err != nil {
			return nil, err
		}
	}
	out := make([]*session.Entity, 0, len(models))
	for _, m := range models {
		e, err := r.Add(ctx, u, m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Update 校验 model 后覆盖实体的标量属性，主键字段被忽略。
// 只修改内存状态，Flush 时按脏字段写回。
func (r *Repo[T]) Update(e *session.Entity, model T) error {
	if err := r.checkType(e); err != nil {
		return err
	}
	if err := validation.Validate(model); err != nil {
		return err
	}
	return e.Assign(model)
}

// Remove 按主键计划删除实体，按描述符级联。
func (r *Repo[T]) Remove(ctx context.Context, u *session.UnitOfWork, id int64) error {
	e, err := u.FindByID(ctx, r.typeName, id)
	if err != nil {
		return err
	}
	return u.Delete(ctx, e)
}
