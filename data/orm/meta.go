package orm

import "strings"

// Cardinality 表示关联的基数。
type Cardinality string

const (
	OneToOne   Cardinality = "one_to_one"
	OneToMany  Cardinality = "one_to_many"
	ManyToOne  Cardinality = "many_to_one"
	ManyToMany Cardinality = "many_to_many"
)

// IsCollection 判断该端是否为集合槽位。
func (c Cardinality) IsCollection() bool {
	return c == OneToMany || c == ManyToMany
}

// Mirror 返回关联另一端应声明的基数。
func (c Cardinality) Mirror() Cardinality {
	switch c {
	case OneToMany:
		return ManyToOne
	case ManyToOne:
		return OneToMany
	default:
		return c
	}
}

// CascadeType 表示级联传播的操作。
type CascadeType uint8

const (
	CascadePersist CascadeType = 1 << iota
	CascadeRemove
)

// CascadeSet 级联操作集合（位集）。
type CascadeSet uint8

// Cascade 便捷构造级联集合。
func Cascade(types ...CascadeType) CascadeSet {
	var set CascadeSet
	for _, t := range types {
		set |= CascadeSet(t)
	}
	return set
}

// Has 判断集合是否包含指定操作。
func (s CascadeSet) Has(t CascadeType) bool {
	return s&CascadeSet(t) != 0
}

func (s CascadeSet) String() string {
	var parts []string
	if s.Has(CascadePersist) {
		parts = append(parts, "persist")
	}
	if s.Has(CascadeRemove) {
		parts = append(parts, "remove")
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// FetchMode 关联加载策略，必须显式声明，不按基数推断默认值。
type FetchMode string

const (
	FetchEager FetchMode = "eager"
	FetchLazy  FetchMode = "lazy"
)

// JoinTable 描述多对多关联的中间表。
type JoinTable struct {
	Name         string
	OwnerColumn  string // 指向拥有方主键的列
	TargetColumn string // 指向目标方主键的列
}

// AssociationDescriptor 描述一端关联。
//
// 外键位置：
//   - 拥有方 ManyToOne/OneToOne：JoinColumn 位于 OwnerType 表；
//   - 拥有方 OneToMany（单向）：JoinColumn 位于 TargetType 表；
//   - 拥有方 ManyToMany：JoinTable；
//   - 非拥有方只声明 MappedBy（目标类型上拥有方槽位名），不携带外键位置。
type AssociationDescriptor struct {
	Name          string // 所有者类型上的槽位名
	OwnerType     string
	TargetType    string
	Cardinality   Cardinality
	Owning        bool
	MappedBy      string
	JoinColumn    string
	JoinTable     *JoinTable
	Nullable      bool
	Cascade       CascadeSet
	OrphanRemoval bool
	Fetch         FetchMode
}

// FKOnOwner 外键列是否位于所有者表（拥有方单值关联）。
func (d *AssociationDescriptor) FKOnOwner() bool {
	return d.Owning && !d.Cardinality.IsCollection() && d.JoinColumn != ""
}

// FKOnTarget 外键列是否位于目标表（拥有方单向一对多）。
func (d *AssociationDescriptor) FKOnTarget() bool {
	return d.Owning && d.Cardinality == OneToMany
}

// CascadesRemove 删除是否沿该关联传播；孤儿删除隐含级联删除。
func (d *AssociationDescriptor) CascadesRemove() bool {
	return d.Cascade.Has(CascadeRemove) || d.OrphanRemoval
}

// Key 返回 "owner.name" 形式的描述符标识，用于日志与校验消息。
func (d *AssociationDescriptor) Key() string {
	return d.OwnerType + "." + d.Name
}

// FieldMeta 描述标量字段（列）。
type FieldMeta struct {
	Name     string
	Column   string
	Nullable bool
}

// EntityMeta 描述实体类型与表的映射。
// Fields 为空且 Model 非 nil 时，由 FieldsOf(Model) 推导。
type EntityMeta struct {
	Name       string
	Table      string
	PrimaryKey string // 默认 "id"
	Model      any
	Fields     []FieldMeta
}

// HasColumn 判断是否为已映射的标量列。
func (m *EntityMeta) HasColumn(column string) bool {
	for _, f := range m.Fields {
		if f.Column == column {
			return true
		}
	}
	return false
}

// Columns 返回全部标量列名（不含主键）。
func (m *EntityMeta) Columns() []string {
	cols := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		cols = append(cols, f.Column)
	}
	return cols
}
