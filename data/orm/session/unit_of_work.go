// Package session 实现工作单元：身份映射、关联同步、级联、孤儿检测、
// 按需加载与按外键依赖排序的 Flush。
//
// 一个 UnitOfWork 只在单个 goroutine 中使用；Factory 可并发打开多个工作单元。
package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"relmap/data/orm"
	"relmap/errors"
	"relmap/logging"
	"relmap/metrics"
)

// Factory 持有冻结后的描述表与存储，用于打开工作单元。
type Factory struct {
	mapping  *orm.Mapping
	store    orm.IStore
	logger   logging.Logger
	policy   AssociationWritePolicy
	recorder metrics.IRecorder
}

// NewFactory 创建工作单元工厂。描述表必须已经 Freeze，存储必须支持事务。
func NewFactory(mapping *orm.Mapping, store orm.IStore, opts ...Option) (*Factory, error) {
	if mapping == nil || !mapping.Frozen() {
		return nil, errors.NewMappingError("mapping must be frozen before opening units of work")
	}
	if store == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidInput, "store cannot be nil")
	}
	if !store.Capabilities().Supports(orm.CapabilityTransaction) {
		return nil, errors.WrapError(orm.ErrUnsupported, errors.ErrCodeInvalidInput,
			"store must support transactions")
	}

	f := &Factory{
		mapping:  mapping,
		store:    store,
		logger:   logging.GetLogger(),
		policy:   WritesLenient,
		recorder: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Mapping 返回描述表。
func (f *Factory) Mapping() *orm.Mapping { return f.mapping }

// Open 打开新的工作单元，调用方必须 defer Close。
func (f *Factory) Open(ctx context.Context) *UnitOfWork {
	id := uuid.NewString()
	u := &UnitOfWork{
		id:       id,
		mapping:  f.mapping,
		store:    f.store,
		policy:   f.policy,
		recorder: f.recorder,
		logger:   f.logger.WithFields(logging.String("uow_id", id)),
		identity: NewIdentityMap(),
		tracked:  make(map[*Entity]int),
	}
	f.recorder.UnitOpened()
	u.logger.Debug(ctx, "[session] open")
	return u
}

// UnitOfWork 工作单元，不做并发保护。
type UnitOfWork struct {
	id       string
	mapping  *orm.Mapping
	store    orm.IStore
	policy   AssociationWritePolicy
	recorder metrics.IRecorder
	logger   logging.Logger

	identity *IdentityMap
	// 受托管实体及其登记顺序，Flush 按该顺序稳定排序
	tracked map[*Entity]int
	seq     int

	closed   bool
	poisoned error
}

// ID 返回工作单元标识（用于日志关联）。
func (u *UnitOfWork) ID() string { return u.id }

// Closed 是否已关闭。
func (u *UnitOfWork) Closed() bool { return u.closed }

func (u *UnitOfWork) usable() error {
	if u.closed {
		return closedError(u.id)
	}
	if u.poisoned != nil {
		return u.poisoned
	}
	return nil
}

// poison 身份冲突后工作单元不再可用。
func (u *UnitOfWork) poison(ctx context.Context, err error) {
	if u.poisoned == nil {
		u.poisoned = err
		u.logger.Error(ctx, "[session] unit of work poisoned", logging.Error(err))
	}
}

func (u *UnitOfWork) track(e *Entity) {
	if _, ok := u.tracked[e]; ok {
		return
	}
	u.seq++
	u.tracked[e] = u.seq
}

func (u *UnitOfWork) untrack(e *Entity) {
	delete(u.tracked, e)
}

// trackedEntities 按登记顺序返回托管实体。
func (u *UnitOfWork) trackedEntities() []*Entity {
	out := make([]*Entity, 0, len(u.tracked))
	for e := range u.tracked {
		out = append(out, e)
	}
	sortBySeq(out, u.tracked)
	return out
}

func (u *UnitOfWork) entityMeta(typeName string) (*orm.EntityMeta, error) {
	meta, ok := u.mapping.Entity(typeName)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeInvalidInput,
			fmt.Sprintf("unknown entity type %q", typeName))
	}
	return meta, nil
}

// ensureSlots 为实体补齐全部关联槽位，新槽位视为已加载的空槽位。
func (u *UnitOfWork) ensureSlots(e *Entity) {
	for _, d := range u.mapping.Describe(e.typeName) {
		if _, ok := e.slots[d.Name]; !ok {
			e.slots[d.Name] = &slot{desc: d, loaded: true, origin: u}
		}
	}
}

// checkForeign 属于另一个仍然打开的工作单元的实体不能在此使用。
func (u *UnitOfWork) checkForeign(e *Entity) error {
	if e.uow != nil && e.uow != u && !e.uow.closed && e.state != StateDetached {
		return errors.NewError(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s belongs to another open unit of work %s", e, e.uow.id))
	}
	return nil
}

// Save 将实体纳入工作单元：新实体计划插入，脱离的实体重新托管，
// 已计划删除的实体恢复托管。级联持久化沿已加载的槽位传播。
func (u *UnitOfWork) Save(ctx context.Context, e *Entity) error {
	if err := u.usable(); err != nil {
		return err
	}
	list, err := u.cascade(ctx, e, orm.CascadePersist)
	if err != nil {
		return err
	}
	for _, x := range list {
		if err := u.attach(ctx, x); err != nil {
			return err
		}
	}
	return nil
}

func (u *UnitOfWork) attach(ctx context.Context, x *Entity) error {
	if _, err := u.entityMeta(x.typeName); err != nil {
		return err
	}
	if err := u.checkForeign(x); err != nil {
		return err
	}

	if x.uow == u {
		switch x.state {
		case StateNew, StateManaged:
			return nil
		case StateRemoved:
			if _, ok := u.tracked[x]; !ok {
				return errors.NewError(errors.ErrCodeInvalidInput,
					fmt.Sprintf("%s was deleted from the store", x))
			}
			x.state = StateManaged
			u.logger.Debug(ctx, "[session] removal cancelled", entityFields(x)...)
			return nil
		}
	}

	if x.id != 0 {
		if _, err := u.identity.Register(x); err != nil {
			u.poison(ctx, err)
			return err
		}
		x.uow = u
		x.state = StateManaged
		u.ensureSlots(x)
		u.track(x)
		u.logger.Debug(ctx, "[session] reattached", entityFields(x)...)
		return nil
	}

	x.uow = u
	x.state = StateNew
	u.ensureSlots(x)
	u.track(x)
	return nil
}

// Delete 计划删除实体，并沿级联删除（含孤儿删除）的关联传播。
// 延迟槽位会先通过本工作单元加载。未写入存储的新实体直接丢弃。
func (u *UnitOfWork) Delete(ctx context.Context, e *Entity) error {
	if err := u.usable(); err != nil {
		return err
	}
	if e.uow == u && e.state == StateRemoved {
		return nil
	}
	if e.uow != u || (e.state != StateManaged && e.state != StateNew) {
		return errors.NewError(errors.ErrCodeInvalidInput,
			fmt.Sprintf("cannot delete %s: not managed by this unit of work", e))
	}

	list, err := u.cascade(ctx, e, orm.CascadeRemove)
	if err != nil {
		return err
	}
	// 中间表行的删除与成员外键的置空需要拥有方集合的快照
	for _, x := range list {
		if x.uow == u && x.state == StateManaged {
			if err := u.loadOwnedCollections(ctx, x); err != nil {
				return err
			}
		}
	}
	for _, x := range list {
		if x.uow != u {
			continue
		}
		switch x.state {
		case StateNew:
			u.discard(x)
		case StateManaged:
			x.state = StateRemoved
		}
	}
	u.logger.Debug(ctx, "[session] delete scheduled",
		append(entityFields(e), logging.Int("cascaded", len(list)-1))...)
	return nil
}

// discard 取消新实体的插入计划，实体回到未托管状态。
func (u *UnitOfWork) discard(x *Entity) {
	u.untrack(x)
	x.uow = nil
	x.state = StateNew
}

func (u *UnitOfWork) loadOwnedCollections(ctx context.Context, x *Entity) error {
	for _, d := range u.mapping.Describe(x.typeName) {
		if !d.Owning || !d.Cardinality.IsCollection() {
			continue
		}
		s := x.slots[d.Name]
		if s == nil || s.loaded {
			continue
		}
		if err := s.checkLoadable(x); err != nil {
			return err
		}
		if err := s.origin.loadSlot(ctx, x, s); err != nil {
			return err
		}
	}
	return nil
}

// FindByID 按主键加载实体；同一工作单元内重复加载返回同一实例。
// 行不存在时返回 NOT_FOUND。
func (u *UnitOfWork) FindByID(ctx context.Context, typeName string, id int64) (*Entity, error) {
	if err := u.usable(); err != nil {
		return nil, err
	}
	meta, err := u.entityMeta(typeName)
	if err != nil {
		return nil, err
	}
	if e, ok := u.identity.Lookup(typeName, id); ok {
		if e.state == StateRemoved {
			return nil, notFound(typeName, id)
		}
		return e, nil
	}
	row, err := u.store.ReadRow(ctx, tableOf(meta), id)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, notFound(typeName, id)
		}
		return nil, err
	}
	return u.materialize(ctx, meta, row)
}

func notFound(typeName string, id int64) error {
	return errors.WrapError(orm.ErrNotFound, errors.ErrCodeNotFound, fmt.Sprintf("%s#%d", typeName, id))
}

// Detach 使实体脱离工作单元；其未加载的槽位之后无法再加载。
func (u *UnitOfWork) Detach(e *Entity) {
	if e.uow != u {
		return
	}
	u.identity.Forget(e)
	u.untrack(e)
	e.state = StateDetached
}

// State 返回实体相对本工作单元的状态。未托管的新实体为 StateNew。
func (u *UnitOfWork) State(e *Entity) State {
	switch {
	case e.uow == u:
		return e.state
	case e.uow == nil:
		return StateNew
	default:
		return StateDetached
	}
}

// Contains 判断实体是否由本工作单元托管（新建、托管或待删除）。
func (u *UnitOfWork) Contains(e *Entity) bool {
	_, ok := u.tracked[e]
	return ok && e.uow == u
}

// Close 关闭工作单元：清空身份映射，全部实体转为脱离状态。可重复调用。
func (u *UnitOfWork) Close() {
	if u.closed {
		return
	}
	for e := range u.tracked {
		e.state = StateDetached
	}
	u.tracked = make(map[*Entity]int)
	u.identity.Clear()
	u.closed = true
	u.recorder.UnitClosed()
	u.logger.Debug(context.Background(), "[session] closed")
}

func tableOf(meta *orm.EntityMeta) orm.Table {
	return orm.Table{Name: meta.Table, PrimaryKey: meta.PrimaryKey}
}

func entityFields(e *Entity) []logging.Field {
	return []logging.Field{
		logging.String("entity_type", e.typeName),
		logging.Int64("entity_id", e.id),
	}
}
