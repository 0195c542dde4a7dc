package session

import (
	"context"
	"fmt"

	"relmap/data/orm"
	"relmap/errors"
	"relmap/logging"
)

// materialize 将行转换为托管实体。已托管的同一标识直接返回现有实例，
// 内存中的修改优先于存储中的值。实体先登记再加载急加载槽位，
// 因此双向急加载关联会在身份映射处终止。急加载失败时本次登记的实体全部撤销，
// 之后的查找会重新读取并再次急加载。
func (u *UnitOfWork) materialize(ctx context.Context, meta *orm.EntityMeta, row orm.Row) (*Entity, error) {
	id, ok := row.ID(meta.PrimaryKey)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeDatabase,
			fmt.Sprintf("%s row has no integer primary key %q", meta.Table, meta.PrimaryKey))
	}
	if e, ok := u.identity.Lookup(meta.Name, id); ok {
		return e, nil
	}

	e := NewEntity(meta.Name)
	e.id = id
	e.stored = make(map[string]any, len(meta.Fields))
	for _, f := range meta.Fields {
		v := row[f.Column]
		e.attrs[f.Column] = v
		e.stored[f.Column] = v
	}
	if _, err := u.identity.Register(e); err != nil {
		return nil, err
	}
	mark := u.seq
	e.uow = u
	e.state = StateManaged
	u.track(e)

	descs := u.mapping.Describe(meta.Name)
	for _, d := range descs {
		s := &slot{desc: d, origin: u}
		if d.FKOnOwner() {
			s.fk, s.hasFK = orm.ToInt64(row[d.JoinColumn])
			if s.hasFK {
				e.stored[d.JoinColumn] = s.fk
			} else {
				e.stored[d.JoinColumn] = nil
			}
		}
		e.slots[d.Name] = s
	}
	for _, d := range descs {
		if d.Fetch != orm.FetchEager {
			continue
		}
		if err := u.loadSlot(ctx, e, e.slots[d.Name]); err != nil {
			u.forgetSince(mark)
			return nil, err
		}
	}
	return e, nil
}

// forgetSince 撤销登记序号大于 mark 的托管实体，使其不再可达。
func (u *UnitOfWork) forgetSince(mark int) {
	for e, seq := range u.tracked {
		if seq <= mark || e.uow != u || e.state != StateManaged {
			continue
		}
		u.identity.Forget(e)
		u.untrack(e)
		e.state = StateDetached
	}
}

// fetchByID 通过身份映射或存储取得目标实体，不存在时返回 NOT_FOUND。
func (u *UnitOfWork) fetchByID(ctx context.Context, typeName string, id int64) (*Entity, error) {
	if e, ok := u.identity.Lookup(typeName, id); ok {
		return e, nil
	}
	meta, err := u.entityMeta(typeName)
	if err != nil {
		return nil, err
	}
	row, err := u.store.ReadRow(ctx, tableOf(meta), id)
	if err != nil {
		return nil, err
	}
	return u.materialize(ctx, meta, row)
}

// loadSlot 按描述符的外键位置加载槽位并记录快照。
func (u *UnitOfWork) loadSlot(ctx context.Context, owner *Entity, s *slot) error {
	if s.loaded {
		return nil
	}
	d := s.desc
	var (
		members []*Entity
		err     error
	)
	switch {
	case owner.id == 0:
	case d.FKOnOwner():
		members, err = u.loadReference(ctx, owner, s)
	case d.Cardinality == orm.ManyToMany:
		members, err = u.loadJoinCollection(ctx, owner, d)
	case d.FKOnTarget():
		members, err = u.loadByForeignKey(ctx, owner, d, d.JoinColumn, nil)
	default:
		inv, ok := u.mapping.Inverse(d)
		if !ok {
			return errors.NewMappingError("descriptor %s has no owning side", d.Key())
		}
		members, err = u.loadByForeignKey(ctx, owner, d, inv.JoinColumn, inv)
	}
	if err != nil {
		return err
	}

	if !d.Cardinality.IsCollection() && len(members) > 1 {
		u.logger.Warn(ctx, "[session] single-valued association matched several rows, keeping the first",
			logging.String("slot", d.Key()), logging.Int64("entity_id", owner.id), logging.Int("rows", len(members)))
		members = members[:1]
	}
	s.members = members
	s.loaded = true
	s.takeSnapshot()
	return nil
}

func (u *UnitOfWork) loadReference(ctx context.Context, owner *Entity, s *slot) ([]*Entity, error) {
	if !s.hasFK {
		return nil, nil
	}
	target, err := u.fetchByID(ctx, s.desc.TargetType, s.fk)
	if errors.IsNotFound(err) {
		s.dangling = true
		u.logger.Warn(ctx, "[session] dangling foreign key, association resolved to empty",
			logging.String("slot", s.desc.Key()), logging.Int64("entity_id", owner.id),
			logging.Int64("target_id", s.fk))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []*Entity{target}, nil
}

func (u *UnitOfWork) loadJoinCollection(ctx context.Context, owner *Entity, d *orm.AssociationDescriptor) ([]*Entity, error) {
	jt, column, owningName, err := u.joinSide(d)
	if err != nil {
		return nil, err
	}
	ids, err := u.store.ReadJoinRows(ctx, *jt, column, owner.id)
	if err != nil {
		return nil, err
	}
	members := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		target, err := u.fetchByID(ctx, d.TargetType, id)
		if errors.IsNotFound(err) {
			u.logger.Warn(ctx, "[session] join row references a missing row, skipped",
				logging.String("slot", d.Key()), logging.Int64("entity_id", owner.id),
				logging.Int64("target_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		if owningName != "" && movedAway(target, owningName, owner) {
			continue
		}
		members = append(members, target)
	}
	return members, nil
}

// joinSide 返回中间表、按 owner 过滤的列，以及（非拥有方时）拥有方槽位名。
func (u *UnitOfWork) joinSide(d *orm.AssociationDescriptor) (*orm.JoinTable, string, string, error) {
	if d.Owning {
		return d.JoinTable, d.JoinTable.OwnerColumn, "", nil
	}
	inv, ok := u.mapping.Inverse(d)
	if !ok || inv.JoinTable == nil {
		return nil, "", "", errors.NewMappingError("descriptor %s has no owning join table", d.Key())
	}
	return inv.JoinTable, inv.JoinTable.TargetColumn, inv.Name, nil
}

// loadByForeignKey 读取目标表中 column = owner.id 的行。
// inv 非空时为非拥有方加载：拥有方槽位已在内存中改指他处的成员不计入。
func (u *UnitOfWork) loadByForeignKey(ctx context.Context, owner *Entity, d *orm.AssociationDescriptor, column string, inv *orm.AssociationDescriptor) ([]*Entity, error) {
	meta, err := u.entityMeta(d.TargetType)
	if err != nil {
		return nil, err
	}
	rows, err := u.store.ReadRowsBy(ctx, tableOf(meta), column, owner.id)
	if err != nil {
		return nil, err
	}
	members := make([]*Entity, 0, len(rows))
	for _, row := range rows {
		m, err := u.materialize(ctx, meta, row)
		if err != nil {
			return nil, err
		}
		if inv != nil && movedAway(m, inv.Name, owner) {
			continue
		}
		members = append(members, m)
	}
	return members, nil
}

// movedAway 成员的拥有方槽位已加载且不再包含 owner。
func movedAway(member *Entity, owningSlot string, owner *Entity) bool {
	s, ok := member.slots[owningSlot]
	if !ok || !s.loaded {
		return false
	}
	return !s.contains(owner)
}
