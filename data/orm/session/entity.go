package session

import (
	"context"
	"fmt"
	"sort"

	"relmap/data/orm"
	"relmap/errors"
)

// State 实体在工作单元中的生命周期状态。
type State int

const (
	// StateNew 尚未写入存储（未保存或已计划插入）
	StateNew State = iota
	// StateManaged 由工作单元托管，与存储中的行对应
	StateManaged
	// StateRemoved 已计划删除
	StateRemoved
	// StateDetached 已脱离工作单元
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateManaged:
		return "managed"
	case StateRemoved:
		return "removed"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Entity 是动态记录形式的领域对象：类型名、主键、标量属性和关联槽位。
//
// 关联槽位只能通过 UnitOfWork.Link / Unlink 修改，读取使用 Related / RelatedOne。
type Entity struct {
	typeName string
	id       int64
	attrs    map[string]any
	slots    map[string]*slot

	uow   *UnitOfWork
	state State

	// 最近一次与存储同步的列值（标量列 + 所有者侧外键列）
	stored map[string]any
}

// slot 是一端关联的内存表示。
type slot struct {
	desc    *orm.AssociationDescriptor
	members []*Entity
	loaded  bool

	// 未加载的单值拥有方槽位保存行上的外键值
	fk    int64
	hasFK bool
	// 外键指向的行已不存在，此时保留 fk 不回写
	dangling bool

	// 最近一次加载或刷新时的成员，用于孤儿检测和拥有方差异
	snapshot []*Entity

	// 延迟加载绑定的工作单元，不会被重新绑定
	origin *UnitOfWork
}

// NewEntity 创建未托管的新实体。
func NewEntity(typeName string) *Entity {
	return &Entity{
		typeName: typeName,
		attrs:    make(map[string]any),
		slots:    make(map[string]*slot),
		state:    StateNew,
	}
}

// Type 返回实体类型名。
func (e *Entity) Type() string { return e.typeName }

// ID 返回存储生成的主键，未持久化时为 0。
func (e *Entity) ID() int64 { return e.id }

// Get 读取标量属性。
func (e *Entity) Get(column string) any { return e.attrs[column] }

// Set 设置标量属性，返回实体本身便于链式调用。
func (e *Entity) Set(column string, value any) *Entity {
	e.attrs[column] = value
	return e
}

// Attrs 返回标量属性副本。
func (e *Entity) Attrs() map[string]any {
	out := make(map[string]any, len(e.attrs))
	for k, v := range e.attrs {
		out[k] = v
	}
	return out
}

// Assign 从带标签的结构体复制标量属性。
func (e *Entity) Assign(src any) error {
	values, err := orm.StructValues(src)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "assign "+e.typeName)
	}
	for k, v := range values {
		e.attrs[k] = v
	}
	return nil
}

// ScanInto 将主键与标量属性写入结构体指针。
func (e *Entity) ScanInto(dest any) error {
	if err := orm.ScanStruct(e.id, e.attrs, dest); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "scan "+e.typeName)
	}
	return nil
}

func (e *Entity) String() string {
	if e.id == 0 {
		return fmt.Sprintf("%s#new(%p)", e.typeName, e)
	}
	return fmt.Sprintf("%s#%d", e.typeName, e.id)
}

// Related 返回集合槽位的成员；延迟槽位在首次访问时通过原工作单元同步加载。
func (e *Entity) Related(ctx context.Context, name string) ([]*Entity, error) {
	s, err := e.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	out := make([]*Entity, len(s.members))
	copy(out, s.members)
	return out, nil
}

// RelatedOne 返回单值槽位的目标，未关联时返回 nil。
func (e *Entity) RelatedOne(ctx context.Context, name string) (*Entity, error) {
	s, err := e.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if s.desc != nil && s.desc.Cardinality.IsCollection() {
		return nil, errors.NewError(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s.%s is a collection, use Related", e.typeName, name))
	}
	if len(s.members) == 0 {
		return nil, nil
	}
	return s.members[0], nil
}

// IsLoaded 判断槽位是否已加载，不触发加载。
func (e *Entity) IsLoaded(name string) bool {
	s, ok := e.slots[name]
	return !ok || s.loaded
}

func (e *Entity) resolve(ctx context.Context, name string) (*slot, error) {
	s, ok := e.slots[name]
	if !ok {
		// 未托管的新实体只有链接过的槽位
		if e.uow != nil {
			if _, known := e.uow.mapping.Descriptor(e.typeName, name); !known {
				return nil, unknownSlotError(e.typeName, name)
			}
		}
		return &slot{loaded: true}, nil
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
	s.origin.recorder.IncLazyLoad(e.typeName)
	return s, nil
}

// checkLoadable 延迟加载只允许在原工作单元仍然打开且实体仍由其托管时进行。
func (s *slot) checkLoadable(owner *Entity) error {
	switch {
	case s.origin == nil:
		return lazyInitError(owner, s.desc, "no unit of work")
	case s.origin.closed:
		return lazyInitError(owner, s.desc, fmt.Sprintf("unit of work %s is closed", s.origin.id))
	case owner.state == StateDetached || owner.uow != s.origin:
		return lazyInitError(owner, s.desc, "entity is detached")
	}
	return nil
}

func (s *slot) contains(e *Entity) bool {
	return indexOf(s.members, e) >= 0
}

func (s *slot) takeSnapshot() {
	s.snapshot = append([]*Entity(nil), s.members...)
}

func indexOf(list []*Entity, e *Entity) int {
	for i, m := range list {
		if m == e {
			return i
		}
	}
	return -1
}

// minus 返回 a 中不在 b 里的元素，保持 a 的顺序。
func minus(a, b []*Entity) []*Entity {
	var out []*Entity
	for _, e := range a {
		if indexOf(b, e) < 0 {
			out = append(out, e)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
