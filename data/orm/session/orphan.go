package session

import (
	"context"
	"fmt"

	"relmap/data/orm"
	"relmap/errors"
	"relmap/logging"
	"relmap/metrics"
)

// detectOrphans 对所有存活实体上已加载、声明了孤儿删除的槽位比较快照与当前成员。
// 被移出的成员沿级联删除计划删除；若仍被同一批次中另一个存活的所有者引用，
// 记录 ORPHAN_DELETE_CONFLICT 警告并跳过。
func (p *flushPlan) detectOrphans(ctx context.Context) error {
	u := p.u
	for i := 0; i < len(p.participants); i++ {
		owner := p.participants[i]
		if !p.surviving(owner) {
			continue
		}
		for _, d := range u.mapping.Describe(owner.typeName) {
			if !d.OrphanRemoval {
				continue
			}
			s := owner.slots[d.Name]
			if s == nil || !s.loaded {
				continue
			}
			for _, orphan := range minus(s.snapshot, s.members) {
				if !p.bound(orphan) || p.state(orphan) != StateManaged {
					continue
				}
				if holder := p.stillReferenced(orphan, owner, d); holder != nil {
					conflict := errors.NewError(errors.ErrCodeOrphanDeleteConflict,
						fmt.Sprintf("%s left %s.%s but is still referenced by %s", orphan, owner, d.Name, holder))
					u.logger.Warn(ctx, "[session] orphan kept",
						logging.String("slot", d.Key()),
						logging.String("orphan", orphan.String()),
						logging.String("holder", holder.String()),
						logging.Error(conflict))
					u.recorder.IncOrphan(metrics.OrphanSkipped)
					continue
				}
				if err := p.remove(ctx, orphan); err != nil {
					return err
				}
				u.recorder.IncOrphan(metrics.OrphanRemoved)
				u.logger.Debug(ctx, "[session] orphan removed",
					logging.String("slot", d.Key()), logging.String("orphan", orphan.String()))
			}
		}
	}
	return nil
}

// stillReferenced 返回除 owner 与 orphan 本身以外、仍引用 orphan 的存活实体。
// 检查同一描述符的其他所有者槽位，以及 orphan 自身的拥有方反向槽位。
func (p *flushPlan) stillReferenced(orphan, owner *Entity, d *orm.AssociationDescriptor) *Entity {
	for _, x := range p.participants {
		if x == owner || x == orphan || x.typeName != d.OwnerType || !p.surviving(x) {
			continue
		}
		if s := x.slots[d.Name]; s != nil && s.loaded && s.contains(orphan) {
			return x
		}
	}
	if inv, ok := p.u.mapping.Inverse(d); ok {
		if s := orphan.slots[inv.Name]; s != nil && s.loaded {
			for _, m := range s.members {
				if m != owner && p.surviving(m) {
					return m
				}
			}
		}
	}
	return nil
}

// remove 在计划中删除 root 及其级联删除的实体（不修改实体本身的状态）。
func (p *flushPlan) remove(ctx context.Context, root *Entity) error {
	list, err := p.u.cascade(ctx, root, orm.CascadeRemove)
	if err != nil {
		return err
	}
	for _, x := range list {
		if !p.bound(x) {
			continue
		}
		switch p.state(x) {
		case StateManaged:
			if x.uow == p.u {
				if err := p.u.loadOwnedCollections(ctx, x); err != nil {
					return err
				}
			}
			p.pending[x] = StateRemoved
		case StateNew:
			p.pending[x] = StateDetached
			p.discarded[x] = true
		}
	}
	return nil
}
