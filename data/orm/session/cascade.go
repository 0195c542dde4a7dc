package session

import (
	"context"

	"relmap/data/orm"
)

func cascadesOver(d *orm.AssociationDescriptor, op orm.CascadeType) bool {
	if op == orm.CascadeRemove {
		return d.CascadesRemove()
	}
	return d.Cascade.Has(op)
}

// cascade 从 root 出发，沿级联集合包含 op 的关联深度优先遍历，访问集合按实体实例去重。
//
// 持久化只遍历已加载的槽位；删除会先通过本工作单元加载延迟槽位。
// 结果包含 root：持久化按外键目标在前排序，删除按依赖方在前排序。
func (u *UnitOfWork) cascade(ctx context.Context, root *Entity, op orm.CascadeType) ([]*Entity, error) {
	visited := make(map[*Entity]bool)
	var found []*Entity

	var visit func(e *Entity) error
	visit = func(e *Entity) error {
		if visited[e] {
			return nil
		}
		visited[e] = true
		found = append(found, e)

		for _, d := range u.mapping.Describe(e.typeName) {
			if !cascadesOver(d, op) {
				continue
			}
			s := e.slots[d.Name]
			if s == nil {
				continue
			}
			if !s.loaded {
				if op != orm.CascadeRemove || e.uow != u {
					continue
				}
				if err := s.checkLoadable(e); err != nil {
					return err
				}
				if err := s.origin.loadSlot(ctx, e, s); err != nil {
					return err
				}
			}
			for _, m := range s.members {
				if err := visit(m); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := visit(root); err != nil {
		return nil, err
	}

	ordered, _, _ := orderByDependency(found, u.dependencies(found))
	if op == orm.CascadeRemove {
		reverse(ordered)
	}
	return ordered, nil
}
