package orm

import (
	"sync"

	sqlx "relmap/data/db/sql"
	"relmap/errors"
)

// Mapping 是启动期构建的关联描述表。
//
// 使用方式：先 RegisterEntity / RegisterDescriptor，再调用一次 Freeze 完成整体校验；
// Freeze 之后只读，可被多个工作单元并发读取。
type Mapping struct {
	mu       sync.RWMutex
	frozen   bool
	entities map[string]*EntityMeta
	order    map[string][]*AssociationDescriptor
	inverse  map[*AssociationDescriptor]*AssociationDescriptor
}

// NewMapping 创建空的描述表。
func NewMapping() *Mapping {
	return &Mapping{
		entities: make(map[string]*EntityMeta),
		order:    make(map[string][]*AssociationDescriptor),
		inverse:  make(map[*AssociationDescriptor]*AssociationDescriptor),
	}
}

// RegisterEntity 注册实体类型。
func (m *Mapping) RegisterEntity(meta EntityMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return ErrMappingFrozen
	}
	if meta.Name == "" {
		return errors.NewMappingError("entity name is empty")
	}
	if _, ok := m.entities[meta.Name]; ok {
		return errors.NewMappingError("entity %s registered twice", meta.Name)
	}
	if meta.Table == "" {
		if tn, ok := tryGetTableName(meta.Model); ok {
			meta.Table = tn
		} else {
			meta.Table = meta.Name
		}
	}
	if meta.PrimaryKey == "" {
		meta.PrimaryKey = "id"
	}
	if len(meta.Fields) == 0 && meta.Model != nil {
		meta.Fields = FieldsOf(meta.Model)
	}
	fields := make([]FieldMeta, 0, len(meta.Fields))
	for _, f := range meta.Fields {
		if f.Column == "" {
			f.Column = toSnakeCase(f.Name)
		}
		if f.Column == meta.PrimaryKey {
			continue
		}
		fields = append(fields, f)
	}
	meta.Fields = fields

	for _, ident := range append([]string{meta.Table, meta.PrimaryKey}, meta.Columns()...) {
		if !sqlx.IsSafeIdentifier(ident) {
			return errors.NewMappingError("entity %s: unsafe identifier %q", meta.Name, ident)
		}
	}

	m.entities[meta.Name] = &meta
	return nil
}

// RegisterDescriptor 注册一端关联描述，仅允许在 Freeze 之前调用。
func (m *Mapping) RegisterDescriptor(d AssociationDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return ErrMappingFrozen
	}
	if d.Name == "" || d.OwnerType == "" || d.TargetType == "" {
		return errors.NewMappingError("descriptor %s requires name, owner and target type", d.Key())
	}
	for _, existing := range m.order[d.OwnerType] {
		if existing.Name == d.Name {
			return errors.NewMappingError("descriptor %s registered twice", d.Key())
		}
	}
	m.order[d.OwnerType] = append(m.order[d.OwnerType], &d)
	return nil
}

// Freeze 校验整张描述表并冻结。重复调用返回首次结果。
func (m *Mapping) Freeze() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return nil
	}
	for _, list := range m.order {
		for _, d := range list {
			if err := m.validate(d); err != nil {
				return err
			}
		}
	}
	if err := m.linkInverses(); err != nil {
		return err
	}
	m.frozen = true
	return nil
}

func (m *Mapping) validate(d *AssociationDescriptor) error {
	owner, ok := m.entities[d.OwnerType]
	if !ok {
		return errors.NewMappingError("descriptor %s: unknown owner type %s", d.Key(), d.OwnerType)
	}
	target, ok := m.entities[d.TargetType]
	if !ok {
		return errors.NewMappingError("descriptor %s: unknown target type %s", d.Key(), d.TargetType)
	}

	switch d.Cardinality {
	case OneToOne, OneToMany, ManyToOne, ManyToMany:
	default:
		return errors.NewMappingError("descriptor %s: unknown cardinality %q", d.Key(), d.Cardinality)
	}
	switch d.Fetch {
	case FetchEager, FetchLazy:
	default:
		return errors.NewMappingError("descriptor %s: fetch mode must be declared explicitly", d.Key())
	}
	if d.OrphanRemoval && d.Cardinality != OneToMany && d.Cardinality != OneToOne {
		return errors.NewMappingError("descriptor %s: orphan removal requires one_to_many or one_to_one, got %s",
			d.Key(), d.Cardinality)
	}
	if d.Cardinality == ManyToOne && !d.Owning {
		return errors.NewMappingError("descriptor %s: many_to_one must be the owning side", d.Key())
	}

	if !d.Owning {
		if d.MappedBy == "" {
			return errors.NewMappingError("descriptor %s: non-owning side must declare mappedBy", d.Key())
		}
		if d.JoinColumn != "" || d.JoinTable != nil {
			return errors.NewMappingError("descriptor %s: non-owning side cannot declare a foreign key location", d.Key())
		}
		return nil
	}

	if d.MappedBy != "" {
		return errors.NewMappingError("descriptor %s: owning side cannot declare mappedBy", d.Key())
	}
	if d.Cardinality == ManyToMany {
		jt := d.JoinTable
		if jt == nil || jt.Name == "" || jt.OwnerColumn == "" || jt.TargetColumn == "" {
			return errors.NewMappingError("descriptor %s: owning many_to_many requires a complete join table", d.Key())
		}
		if d.JoinColumn != "" {
			return errors.NewMappingError("descriptor %s: many_to_many cannot declare a join column", d.Key())
		}
		for _, ident := range []string{jt.Name, jt.OwnerColumn, jt.TargetColumn} {
			if !sqlx.IsSafeIdentifier(ident) {
				return errors.NewMappingError("descriptor %s: unsafe identifier %q", d.Key(), ident)
			}
		}
		return nil
	}
	if d.JoinTable != nil {
		return errors.NewMappingError("descriptor %s: join table is only valid for many_to_many", d.Key())
	}
	if d.JoinColumn == "" {
		return errors.NewMappingError("descriptor %s: owning side requires a join column", d.Key())
	}
	if !sqlx.IsSafeIdentifier(d.JoinColumn) {
		return errors.NewMappingError("descriptor %s: unsafe identifier %q", d.Key(), d.JoinColumn)
	}
	// 外键列由关联槽位维护，不能同时映射为标量字段
	fkTable := owner
	if d.FKOnTarget() {
		fkTable = target
	}
	if fkTable.HasColumn(d.JoinColumn) || d.JoinColumn == fkTable.PrimaryKey {
		return errors.NewMappingError("descriptor %s: join column %s.%s is already a scalar column",
			d.Key(), fkTable.Table, d.JoinColumn)
	}
	return nil
}

func (m *Mapping) linkInverses() error {
	m.inverse = make(map[*AssociationDescriptor]*AssociationDescriptor)
	for _, list := range m.order {
		for _, d := range list {
			if d.Owning {
				continue
			}
			owning := m.find(d.TargetType, d.MappedBy)
			if owning == nil || !owning.Owning {
				return errors.NewMappingError("descriptor %s: mappedBy %s.%s is not an owning descriptor",
					d.Key(), d.TargetType, d.MappedBy)
			}
			if owning.TargetType != d.OwnerType {
				return errors.NewMappingError("descriptor %s: %s targets %s, not %s",
					d.Key(), owning.Key(), owning.TargetType, d.OwnerType)
			}
			if owning.Cardinality != d.Cardinality.Mirror() {
				return errors.NewMappingError("descriptor %s: cardinality %s does not mirror %s (%s)",
					d.Key(), d.Cardinality, owning.Key(), owning.Cardinality)
			}
			if other, ok := m.inverse[owning]; ok {
				return errors.NewMappingError("descriptor %s: %s is already mapped by %s",
					d.Key(), owning.Key(), other.Key())
			}
			m.inverse[owning] = d
			m.inverse[d] = owning
		}
	}
	return nil
}

func (m *Mapping) find(ownerType, name string) *AssociationDescriptor {
	for _, d := range m.order[ownerType] {
		if d.Name == name {
			return d
		}
	}
	return nil
}

// Frozen 是否已完成校验。
func (m *Mapping) Frozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}

// Entity 返回实体类型元信息。
func (m *Mapping) Entity(name string) (*EntityMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.entities[name]
	return meta, ok
}

// Describe 返回所有者类型声明的全部关联（注册顺序）。
// 返回的指针指向只读描述符，调用方不得修改。
func (m *Mapping) Describe(ownerType string) []*AssociationDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.order[ownerType]
	out := make([]*AssociationDescriptor, len(list))
	copy(out, list)
	return out
}

// Descriptor 按槽位名查找描述符。
func (m *Mapping) Descriptor(ownerType, name string) (*AssociationDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.find(ownerType, name)
	return d, d != nil
}

// OwningDescriptorFor 返回 ownerType 上指向 targetType 的拥有方描述符。
// 同一对类型间存在多条拥有方关联时返回第一条。
func (m *Mapping) OwningDescriptorFor(targetType, ownerType string) (*AssociationDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.order[ownerType] {
		if d.Owning && d.TargetType == targetType {
			return d, true
		}
	}
	return nil, false
}

// Inverse 返回双向关联的另一端；单向关联返回 false。
func (m *Mapping) Inverse(d *AssociationDescriptor) (*AssociationDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.inverse[d]
	return inv, ok
}
