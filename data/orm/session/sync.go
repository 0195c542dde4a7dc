package session

import (
	"context"
	"fmt"

	"relmap/data/orm"
	"relmap/errors"
)

// Link 在 owner 的 name 槽位加入 target，并同步更新另一端的镜像槽位。
//
// 单值槽位改指新目标时，owner 会从旧目标的镜像集合中移除；
// 双方的延迟槽位在修改前先加载，加载失败时两端都不修改。
func (u *UnitOfWork) Link(ctx context.Context, owner *Entity, name string, target *Entity) error {
	d, inv, err := u.prepareSync(owner, name, target)
	if err != nil {
		return err
	}
	slotOf, err := u.prepareSlot(ctx, owner, d)
	if err != nil {
		return err
	}
	var ts *slot
	if inv != nil {
		if ts, err = u.prepareMirror(ctx, target, inv); err != nil {
			return err
		}
	}

	displaced := attachMember(slotOf, target)
	if inv == nil {
		return nil
	}
	if displaced != nil {
		if ds, ok := displaced.slots[inv.Name]; ok && ds.loaded {
			detachMember(ds, owner)
		}
	}
	if ts == nil {
		return nil
	}
	if prev := attachMember(ts, owner); prev != nil {
		if ps, ok := prev.slots[d.Name]; ok && ps.loaded {
			detachMember(ps, target)
		}
	}
	return nil
}

// Unlink 从 owner 的 name 槽位移除 target，并同步移除镜像槽位中的 owner。
// target 不在槽位中时不做任何修改。
func (u *UnitOfWork) Unlink(ctx context.Context, owner *Entity, name string, target *Entity) error {
	d, inv, err := u.prepareSync(owner, name, target)
	if err != nil {
		return err
	}
	slotOf, err := u.prepareSlot(ctx, owner, d)
	if err != nil {
		return err
	}
	if !slotOf.contains(target) {
		return nil
	}
	var ts *slot
	if inv != nil {
		if ts, err = u.prepareMirror(ctx, target, inv); err != nil {
			return err
		}
	}

	detachMember(slotOf, target)
	if ts != nil {
		detachMember(ts, owner)
	}
	return nil
}

func (u *UnitOfWork) prepareSync(owner *Entity, name string, target *Entity) (*orm.AssociationDescriptor, *orm.AssociationDescriptor, error) {
	if err := u.usable(); err != nil {
		return nil, nil, err
	}
	if owner == nil || target == nil {
		return nil, nil, errors.NewError(errors.ErrCodeInvalidInput, "link requires both owner and target")
	}
	d, ok := u.mapping.Descriptor(owner.typeName, name)
	if !ok {
		return nil, nil, unknownSlotError(owner.typeName, name)
	}
	if target.typeName != d.TargetType {
		return nil, nil, errors.NewError(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s expects %s, got %s", d.Key(), d.TargetType, target.typeName))
	}
	if err := u.checkForeign(owner); err != nil {
		return nil, nil, err
	}
	if err := u.checkForeign(target); err != nil {
		return nil, nil, err
	}
	inv, _ := u.mapping.Inverse(d)
	return d, inv, nil
}

// prepareSlot 返回可修改的槽位：不存在时创建空槽位，未加载时先加载。
func (u *UnitOfWork) prepareSlot(ctx context.Context, e *Entity, d *orm.AssociationDescriptor) (*slot, error) {
	s, ok := e.slots[d.Name]
	if !ok {
		s = &slot{desc: d, loaded: true, origin: u}
		e.slots[d.Name] = s
		return s, nil
	}
	if s.loaded {
		return s, nil
	}
	if err := s.checkLoadable(e); err != nil {
		return nil, err
	}
	if err := s.origin.loadSlot(ctx, e, s); err != nil {
		return nil, err
	}
	return s, nil
}

// prepareMirror 与 prepareSlot 相同，但镜像槽位属于已脱离的实体而无法加载时返回 nil：
// 该槽位之后会从存储重新加载，此时拥有方的修改已经写入。
func (u *UnitOfWork) prepareMirror(ctx context.Context, e *Entity, d *orm.AssociationDescriptor) (*slot, error) {
	if s, ok := e.slots[d.Name]; ok && !s.loaded && s.checkLoadable(e) != nil {
		return nil, nil
	}
	return u.prepareSlot(ctx, e, d)
}

// attachMember 只修改一端。单值槽位返回被替换的旧目标。
func attachMember(s *slot, m *Entity) (displaced *Entity) {
	if s.contains(m) {
		return nil
	}
	if s.desc != nil && !s.desc.Cardinality.IsCollection() {
		if len(s.members) > 0 {
			displaced = s.members[0]
		}
		s.members = []*Entity{m}
		s.dangling = false
		return displaced
	}
	s.members = append(s.members, m)
	return nil
}

// detachMember 只修改一端。
func detachMember(s *slot, m *Entity) bool {
	i := indexOf(s.members, m)
	if i < 0 {
		return false
	}
	s.members = append(s.members[:i:i], s.members[i+1:]...)
	s.dangling = false
	return true
}
