package session

import (
	"context"
	"fmt"
	"time"

	"relmap/data/orm"
	"relmap/errors"
	"relmap/logging"
	"relmap/metrics"
)

// flushPlan 是一次 Flush 的计划视图。计划阶段只记录状态变化，
// 事务提交成功后才写回实体；任一步失败时实体保持 Flush 之前的状态。
type flushPlan struct {
	u *UnitOfWork

	// 计划中的状态变化（删除、丢弃、级联持久化纳入的实体）
	pending   map[*Entity]State
	attached  map[*Entity]bool
	discarded map[*Entity]bool
	// 计划阶段提前登记到身份映射的实体，失败时撤销
	registered []*Entity

	// 参与本次 Flush 的实体，按登记顺序
	participants []*Entity

	inserts    []*insertOp
	updates    []*updateOp
	joinDels   []joinOp
	joinIns    []joinOp
	deletes    []*Entity
	unlinks    []*updateOp
	fkOnTarget map[*Entity]map[string]any
}

type insertOp struct {
	e      *Entity
	meta   *orm.EntityMeta
	values map[string]any
}

type updateOp struct {
	e      *Entity
	meta   *orm.EntityMeta
	values map[string]any
}

type joinOp struct {
	jt     *orm.JoinTable
	owner  *Entity
	target *Entity
}

// deferredFK 插入时外键目标尚未获得主键，插入完成后补写
type deferredFK struct {
	e      *Entity
	meta   *orm.EntityMeta
	column string
	ref    *Entity
}

// writeCounts 各类写操作数量
type writeCounts map[string]int

func (w writeCounts) total() int {
	n := 0
	for _, v := range w {
		n += v
	}
	return n
}

// Flush 将工作单元中的变化在一个存储事务中写入：
// 插入（外键目标在前）、更新、中间表删除、中间表插入、删除（依赖方在前）。
//
// 存储失败时事务回滚，返回包装原因的 FLUSH_ERROR，内存中的实体状态、
// 快照与主键保持不变。引用未托管实体时返回 TRANSIENT_REFERENCE，
// Strict 策略下非拥有方写入未同步时返回 IGNORED_ASSOCIATION_WRITE，二者均不访问存储。
func (u *UnitOfWork) Flush(ctx context.Context) (err error) {
	if err := u.usable(); err != nil {
		return err
	}
	start := time.Now()
	p := &flushPlan{
		u:            u,
		pending:      make(map[*Entity]State),
		attached:     make(map[*Entity]bool),
		discarded:    make(map[*Entity]bool),
		participants: u.trackedEntities(),
		fkOnTarget:   make(map[*Entity]map[string]any),
	}
	defer func() {
		if err != nil {
			p.undo()
			u.recorder.ObserveFlush(ctx, false, time.Since(start))
		}
	}()

	if err := p.cascadePersist(ctx); err != nil {
		return err
	}
	if err := p.detectOrphans(ctx); err != nil {
		return err
	}
	if err := p.checkInverseWrites(ctx); err != nil {
		return err
	}
	if err := p.checkAttributes(); err != nil {
		return err
	}
	if err := p.checkTransient(); err != nil {
		return err
	}
	if err := p.build(); err != nil {
		return err
	}

	ids, counts, err := p.execute(ctx)
	if err != nil {
		u.logger.Warn(ctx, "[session] flush rolled back", logging.Error(err))
		return err
	}
	p.apply(ids)

	for op, n := range counts {
		u.recorder.AddWrites(op, n)
	}
	u.recorder.ObserveFlush(ctx, true, time.Since(start))
	u.logger.Debug(ctx, "[session] flushed",
		logging.Int("inserts", counts[metrics.OpInsert]),
		logging.Int("updates", counts[metrics.OpUpdate]),
		logging.Int("deletes", counts[metrics.OpDelete]),
		logging.Int("join_inserts", counts[metrics.OpJoinInsert]),
		logging.Int("join_deletes", counts[metrics.OpJoinDelete]),
		logging.Int("writes", counts.total()),
		logging.Duration("elapsed", time.Since(start)))
	return nil
}

// bound 实体在计划视图中由本工作单元托管。
func (p *flushPlan) bound(e *Entity) bool {
	if p.attached[e] {
		return true
	}
	_, ok := p.u.tracked[e]
	return ok && e.uow == p.u
}

func (p *flushPlan) state(e *Entity) State {
	if s, ok := p.pending[e]; ok {
		return s
	}
	return p.u.State(e)
}

// surviving 计划执行后仍然对应（或将对应）存储中的行。
func (p *flushPlan) surviving(e *Entity) bool {
	if !p.bound(e) {
		return false
	}
	s := p.state(e)
	return s == StateNew || s == StateManaged
}

// removedRef 引用的实体已（或将被）删除，引用保留为悬空外键。
func (p *flushPlan) removedRef(e *Entity) bool {
	return e.uow == p.u && p.state(e) == StateRemoved
}

func (p *flushPlan) undo() {
	for _, e := range p.registered {
		p.u.identity.Forget(e)
	}
	p.registered = nil
}

// cascadePersist 沿存活实体已加载的级联持久化槽位纳入可达实体。
// 已计划删除的实体不会被恢复。
func (p *flushPlan) cascadePersist(ctx context.Context) error {
	u := p.u
	for i := 0; i < len(p.participants); i++ {
		root := p.participants[i]
		if !p.surviving(root) {
			continue
		}
		list, err := u.cascade(ctx, root, orm.CascadePersist)
		if err != nil {
			return err
		}
		for _, x := range list {
			if p.bound(x) || p.removedRef(x) {
				continue
			}
			if err := p.attach(ctx, x); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *flushPlan) attach(ctx context.Context, x *Entity) error {
	u := p.u
	if _, err := u.entityMeta(x.typeName); err != nil {
		return err
	}
	if err := u.checkForeign(x); err != nil {
		return err
	}
	if x.id != 0 {
		if _, err := u.identity.Register(x); err != nil {
			u.poison(ctx, err)
			return err
		}
		p.registered = append(p.registered, x)
		p.pending[x] = StateManaged
	} else {
		p.pending[x] = StateNew
	}
	p.attached[x] = true
	p.participants = append(p.participants, x)
	u.logger.Debug(ctx, "[session] cascaded persist at flush", entityFields(x)...)
	return nil
}

// checkInverseWrites 非拥有方槽位的变化不会写入存储；
// 拥有方未同步的变化按写入策略记录或报错。
func (p *flushPlan) checkInverseWrites(ctx context.Context) error {
	u := p.u
	for _, e := range p.participants {
		if !p.surviving(e) {
			continue
		}
		for _, d := range u.mapping.Describe(e.typeName) {
			if d.Owning {
				continue
			}
			s := e.slots[d.Name]
			if s == nil || !s.loaded {
				continue
			}
			inv, ok := u.mapping.Inverse(d)
			if !ok {
				continue
			}
			for _, m := range minus(s.members, s.snapshot) {
				if !p.surviving(m) {
					continue
				}
				if ms := m.slots[inv.Name]; ms == nil || !ms.loaded || !ms.contains(e) {
					if err := p.reportIgnored(ctx, e, d, m); err != nil {
						return err
					}
				}
			}
			for _, m := range minus(s.snapshot, s.members) {
				if !p.surviving(m) {
					continue
				}
				if stillPointsAt(m, inv, e) {
					if err := p.reportIgnored(ctx, e, d, m); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func stillPointsAt(m *Entity, owning *orm.AssociationDescriptor, e *Entity) bool {
	ms := m.slots[owning.Name]
	if ms == nil {
		return false
	}
	if ms.loaded {
		return ms.contains(e)
	}
	return owning.FKOnOwner() && ms.hasFK && e.id != 0 && ms.fk == e.id
}

func (p *flushPlan) reportIgnored(ctx context.Context, e *Entity, d *orm.AssociationDescriptor, m *Entity) error {
	u := p.u
	err := ignoredWriteError(e, d, m)
	u.recorder.IncIgnoredWrite(u.policy.String())
	fields := []logging.Field{
		logging.String("slot", d.Key()),
		logging.String("owner", e.String()),
		logging.String("member", m.String()),
	}
	switch u.policy {
	case WritesStrict:
		return err
	case WritesWarn:
		u.logger.Warn(ctx, "[session] inverse-side change not written", append(fields, logging.Error(err))...)
	default:
		u.logger.Debug(ctx, "[session] inverse-side change not written", fields...)
	}
	return nil
}

// checkAttributes 属性名必须是已映射的标量列。
func (p *flushPlan) checkAttributes() error {
	for _, e := range p.participants {
		if !p.surviving(e) {
			continue
		}
		meta, err := p.u.entityMeta(e.typeName)
		if err != nil {
			return err
		}
		for _, k := range sortedKeys(e.attrs) {
			if !meta.HasColumn(k) {
				return errors.NewError(errors.ErrCodeInvalidInput,
					fmt.Sprintf("%s has unmapped attribute %q", e, k))
			}
		}
	}
	return nil
}

// checkTransient 存活实体的拥有方槽位只能引用托管实体或已删除的实体。
func (p *flushPlan) checkTransient() error {
	u := p.u
	for _, e := range p.participants {
		if !p.surviving(e) {
			continue
		}
		for _, d := range u.mapping.Describe(e.typeName) {
			if !d.Owning {
				continue
			}
			s := e.slots[d.Name]
			if s == nil || !s.loaded {
				continue
			}
			for _, m := range s.members {
				if p.surviving(m) || p.removedRef(m) || p.discarded[m] {
					continue
				}
				return transientReferenceError(e, d, m, p.state(m))
			}
		}
	}
	return nil
}

// ref 返回外键列的计划值：*Entity 占位（主键在执行时解析）或 nil。
func (p *flushPlan) ref(m *Entity) any {
	if m == nil || p.discarded[m] {
		return nil
	}
	if !p.surviving(m) && m.id == 0 {
		return nil
	}
	return m
}

// build 生成写计划。
func (p *flushPlan) build() error {
	u := p.u
	p.collectFKOnTarget()

	var fresh, removed []*Entity
	for _, e := range p.participants {
		switch {
		case p.surviving(e) && p.state(e) == StateNew:
			fresh = append(fresh, e)
		case p.bound(e) && p.state(e) == StateRemoved && e.id != 0:
			removed = append(removed, e)
		}
	}

	ordered, cyclic, safe := orderByDependency(fresh, u.dependencies(fresh))
	if !safe {
		return errors.NewError(errors.ErrCodeInvalidInput,
			"foreign key cycle among new entities has no nullable column to defer")
	}
	if cyclic {
		u.logger.Debug(context.Background(), "[session] foreign key cycle among new entities, deferring updates")
	}
	for _, e := range ordered {
		meta, err := u.entityMeta(e.typeName)
		if err != nil {
			return err
		}
		values := make(map[string]any, len(e.attrs)+2)
		for k, v := range e.attrs {
			values[k] = v
		}
		for _, d := range u.mapping.Describe(e.typeName) {
			if !d.FKOnOwner() {
				continue
			}
			s := e.slots[d.Name]
			if s == nil || !s.loaded {
				continue
			}
			var target *Entity
			if len(s.members) > 0 {
				target = s.members[0]
			}
			values[d.JoinColumn] = p.ref(target)
		}
		for col, v := range p.fkOnTarget[e] {
			values[col] = v
		}
		p.inserts = append(p.inserts, &insertOp{e: e, meta: meta, values: values})
	}

	for _, e := range p.participants {
		if !p.surviving(e) || p.state(e) != StateManaged || e.id == 0 {
			continue
		}
		meta, err := u.entityMeta(e.typeName)
		if err != nil {
			return err
		}
		values := p.dirtyValues(e, meta)
		if len(values) > 0 {
			p.updates = append(p.updates, &updateOp{e: e, meta: meta, values: values})
		}
	}

	p.collectJoinOps()

	deps := u.dependencies(removed)
	deleteOrder, cyclic, _ := orderByDependency(removed, deps)
	reverse(deleteOrder)
	p.deletes = deleteOrder
	if cyclic {
		p.collectDeleteUnlinks(removed, deps)
	}
	return nil
}

// collectDeleteUnlinks 删除集合内存在外键环时，先把指向同批被删实体的可空外键置空。
func (p *flushPlan) collectDeleteUnlinks(removed []*Entity, deps map[*Entity][]dependency) {
	inBatch := make(map[*Entity]bool, len(removed))
	for _, e := range removed {
		inBatch[e] = true
	}
	for _, e := range removed {
		meta, err := p.u.entityMeta(e.typeName)
		if err != nil {
			continue
		}
		values := make(map[string]any)
		for _, dep := range deps[e] {
			if dep.nullable() && dep.desc.FKOnOwner() && inBatch[dep.on] {
				values[dep.desc.JoinColumn] = nil
			}
		}
		if len(values) > 0 {
			p.unlinks = append(p.unlinks, &updateOp{e: e, meta: meta, values: values})
		}
	}
}

// collectFKOnTarget 拥有方一对多的外键在成员表上：先置空移出的成员，再写入新加入的成员。
func (p *flushPlan) collectFKOnTarget() {
	u := p.u
	assign := func(m *Entity, col string, v any) {
		if !p.surviving(m) {
			return
		}
		if p.fkOnTarget[m] == nil {
			p.fkOnTarget[m] = make(map[string]any)
		}
		p.fkOnTarget[m][col] = v
	}
	for _, o := range p.participants {
		if !p.bound(o) {
			continue
		}
		for _, d := range u.mapping.Describe(o.typeName) {
			s := o.slots[d.Name]
			if !d.FKOnTarget() || s == nil || !s.loaded {
				continue
			}
			gone := minus(s.snapshot, s.members)
			if !p.surviving(o) {
				gone = s.snapshot
			}
			for _, m := range gone {
				assign(m, d.JoinColumn, nil)
			}
		}
	}
	for _, o := range p.participants {
		if !p.surviving(o) {
			continue
		}
		for _, d := range u.mapping.Describe(o.typeName) {
			s := o.slots[d.Name]
			if !d.FKOnTarget() || s == nil || !s.loaded {
				continue
			}
			for _, m := range s.members {
				if indexOf(s.snapshot, m) >= 0 && p.state(m) != StateNew {
					continue
				}
				assign(m, d.JoinColumn, o)
			}
		}
	}
}

// dirtyValues 比较当前值与最近同步的值，返回需要更新的列。
func (p *flushPlan) dirtyValues(e *Entity, meta *orm.EntityMeta) map[string]any {
	values := make(map[string]any)
	for _, f := range meta.Fields {
		v, set := e.attrs[f.Column]
		if !set {
			continue
		}
		if !valuesEqual(v, e.stored[f.Column]) {
			values[f.Column] = v
		}
	}
	for _, d := range p.u.mapping.Describe(e.typeName) {
		if !d.FKOnOwner() {
			continue
		}
		s := e.slots[d.Name]
		if s == nil || !s.loaded || s.dangling {
			continue
		}
		var target *Entity
		if len(s.members) > 0 {
			target = s.members[0]
		}
		next := p.ref(target)
		if !refEqual(next, e.stored[d.JoinColumn]) {
			values[d.JoinColumn] = next
		}
	}
	for col, v := range p.fkOnTarget[e] {
		values[col] = v
	}
	return values
}

func refEqual(next any, stored any) bool {
	target, ok := next.(*Entity)
	if !ok {
		return stored == nil
	}
	if target.id == 0 {
		return false
	}
	id, ok := orm.ToInt64(stored)
	return ok && id == target.id
}

// collectJoinOps 只有拥有方多对多的集合决定中间表行。
func (p *flushPlan) collectJoinOps() {
	u := p.u
	seen := make(map[joinKey]bool)
	add := func(list *[]joinOp, jt *orm.JoinTable, o, m *Entity) {
		k := joinKey{jt: jt, owner: o, target: m}
		if seen[k] {
			return
		}
		seen[k] = true
		*list = append(*list, joinOp{jt: jt, owner: o, target: m})
	}
	for _, o := range p.participants {
		if !p.bound(o) {
			continue
		}
		for _, d := range u.mapping.Describe(o.typeName) {
			if !d.Owning || d.Cardinality != orm.ManyToMany {
				continue
			}
			s := o.slots[d.Name]
			if s == nil || !s.loaded {
				continue
			}
			if !p.surviving(o) {
				if o.id == 0 {
					continue
				}
				for _, m := range s.snapshot {
					if m.id != 0 {
						add(&p.joinDels, d.JoinTable, o, m)
					}
				}
				continue
			}
			for _, m := range s.snapshot {
				if m.id == 0 {
					continue
				}
				if !s.contains(m) || !p.surviving(m) {
					add(&p.joinDels, d.JoinTable, o, m)
				}
			}
			for _, m := range minus(s.members, s.snapshot) {
				if p.surviving(m) {
					add(&p.joinIns, d.JoinTable, o, m)
				}
			}
		}
	}
}

type joinKey struct {
	jt            *orm.JoinTable
	owner, target *Entity
}

func (p *flushPlan) hasWrites() bool {
	return len(p.inserts)+len(p.updates)+len(p.joinDels)+len(p.joinIns)+len(p.deletes) > 0
}

// execute 在一个事务中执行写计划，返回新生成的主键。
func (p *flushPlan) execute(ctx context.Context) (map[*Entity]int64, writeCounts, error) {
	u := p.u
	ids := make(map[*Entity]int64, len(p.inserts))
	counts := make(writeCounts)
	if !p.hasWrites() {
		return ids, counts, nil
	}

	tx, err := u.store.Begin(ctx)
	if err != nil {
		return nil, nil, flushError(u, err, "begin")
	}
	fail := func(err error, step string) (map[*Entity]int64, writeCounts, error) {
		if rbErr := tx.Rollback(); rbErr != nil {
			u.logger.Error(ctx, "[session] rollback failed", logging.Error(rbErr))
		}
		return nil, nil, flushError(u, err, step)
	}

	resolve := func(v any) (any, bool) {
		m, ok := v.(*Entity)
		if !ok {
			return v, true
		}
		if m.id != 0 {
			return m.id, true
		}
		if id, ok := ids[m]; ok {
			return id, true
		}
		return nil, false
	}

	var deferred []deferredFK
	for _, op := range p.inserts {
		values := make(map[string]any, len(op.values))
		for col, v := range op.values {
			rv, ok := resolve(v)
			if !ok {
				deferred = append(deferred, deferredFK{e: op.e, meta: op.meta, column: col, ref: v.(*Entity)})
			}
			values[col] = rv
		}
		id, err := tx.Insert(ctx, tableOf(op.meta), values)
		if err != nil {
			return fail(err, "insert "+op.meta.Table)
		}
		ids[op.e] = id
		counts[metrics.OpInsert]++
	}
	for _, fk := range deferred {
		rv, ok := resolve(fk.ref)
		if !ok {
			return fail(errors.NewError(errors.ErrCodeInternal,
				fmt.Sprintf("%s was not inserted", fk.ref)), "resolve "+fk.column)
		}
		if err := tx.Update(ctx, tableOf(fk.meta), ids[fk.e], map[string]any{fk.column: rv}); err != nil {
			return fail(err, "update "+fk.meta.Table)
		}
		counts[metrics.OpUpdate]++
	}

	for _, op := range p.updates {
		values := make(map[string]any, len(op.values))
		for col, v := range op.values {
			values[col], _ = resolve(v)
		}
		if err := tx.Update(ctx, tableOf(op.meta), op.e.id, values); err != nil {
			return fail(err, "update "+op.meta.Table)
		}
		counts[metrics.OpUpdate]++
	}

	for _, j := range p.joinDels {
		if err := tx.DeleteJoinRow(ctx, *j.jt, j.owner.id, j.target.id); err != nil {
			return fail(err, "delete from "+j.jt.Name)
		}
		counts[metrics.OpJoinDelete]++
	}
	for _, j := range p.joinIns {
		ownerID, _ := resolve(j.owner)
		targetID, _ := resolve(j.target)
		oid, _ := orm.ToInt64(ownerID)
		tid, _ := orm.ToInt64(targetID)
		if err := tx.InsertJoinRow(ctx, *j.jt, oid, tid); err != nil {
			return fail(err, "insert into "+j.jt.Name)
		}
		counts[metrics.OpJoinInsert]++
	}

	for _, op := range p.unlinks {
		if err := tx.Update(ctx, tableOf(op.meta), op.e.id, op.values); err != nil {
			return fail(err, "update "+op.meta.Table)
		}
		counts[metrics.OpUpdate]++
	}
	for _, e := range p.deletes {
		meta, err := u.entityMeta(e.typeName)
		if err != nil {
			return fail(err, "delete")
		}
		if err := tx.Delete(ctx, tableOf(meta), e.id); err != nil {
			return fail(err, "delete from "+meta.Table)
		}
		counts[metrics.OpDelete]++
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, flushError(u, err, "commit")
	}
	return ids, counts, nil
}

func flushError(u *UnitOfWork, cause error, step string) error {
	return errors.WrapError(cause, errors.ErrCodeFlush,
		fmt.Sprintf("flush %s failed at %s", u.id, step)).
		WithContext("uow_id", u.id)
}

// apply 提交成功后将计划写回实体。
func (p *flushPlan) apply(ids map[*Entity]int64) {
	u := p.u
	for _, e := range p.participants {
		if !p.attached[e] {
			continue
		}
		e.uow = u
		u.ensureSlots(e)
		u.track(e)
		e.state = p.pending[e]
	}
	for _, op := range p.inserts {
		op.e.id = ids[op.e]
		op.e.state = StateManaged
		// 新主键在本工作单元中不可能已被占用
		_, _ = u.identity.Register(op.e)
	}
	p.registered = nil

	for _, e := range p.participants {
		switch {
		case p.discarded[e]:
			u.discard(e)
		case p.bound(e) && p.state(e) == StateRemoved:
			e.state = StateRemoved
			if e.id != 0 {
				u.identity.Forget(e)
				u.untrack(e)
			}
		}
	}

	for _, e := range p.participants {
		if e.uow != u || (e.state != StateManaged) {
			continue
		}
		p.refreshStored(e)
		for _, s := range e.slots {
			if !s.loaded {
				continue
			}
			s.takeSnapshot()
			if s.desc != nil && s.desc.FKOnOwner() && !s.dangling {
				s.fk, s.hasFK = 0, false
				if len(s.members) > 0 && s.members[0].id != 0 {
					s.fk, s.hasFK = s.members[0].id, true
				}
			}
		}
	}
}

// refreshStored 同步后的列值作为下次比较的基准。
func (p *flushPlan) refreshStored(e *Entity) {
	meta, err := p.u.entityMeta(e.typeName)
	if err != nil {
		return
	}
	if e.stored == nil {
		e.stored = make(map[string]any, len(meta.Fields))
	}
	for _, f := range meta.Fields {
		if v, ok := e.attrs[f.Column]; ok {
			e.stored[f.Column] = v
		}
	}
	for _, d := range p.u.mapping.Describe(e.typeName) {
		if !d.FKOnOwner() {
			continue
		}
		s := e.slots[d.Name]
		if s == nil || !s.loaded || s.dangling {
			continue
		}
		if len(s.members) > 0 && s.members[0].id != 0 {
			e.stored[d.JoinColumn] = s.members[0].id
		} else {
			e.stored[d.JoinColumn] = nil
		}
	}
}
