package session

import (
	"fmt"

	"relmap/errors"
)

type identityKey struct {
	typeName string
	id       int64
}

// IdentityMap 保证同一工作单元内每个 (类型, 主键) 只对应一个实例。
// 不做并发保护，随工作单元单线程使用。
type IdentityMap struct {
	entries map[identityKey]*Entity
}

// NewIdentityMap 创建空的身份映射。
func NewIdentityMap() *IdentityMap {
	return &IdentityMap{entries: make(map[identityKey]*Entity)}
}

// Register 登记实体。已登记同一实例时直接返回；
// 其他实例已占用该标识时返回 IDENTITY_CONFLICT。
func (m *IdentityMap) Register(e *Entity) (*Entity, error) {
	if e.id == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s has no identity yet", e))
	}
	key := identityKey{e.typeName, e.id}
	if existing, ok := m.entries[key]; ok {
		if existing == e {
			return e, nil
		}
		return existing, identityConflictError(e.typeName, e.id)
	}
	m.entries[key] = e
	return e, nil
}

// Lookup 按类型和主键查找。
func (m *IdentityMap) Lookup(typeName string, id int64) (*Entity, bool) {
	e, ok := m.entries[identityKey{typeName, id}]
	return e, ok
}

// Forget 移除实体，仅当登记的正是该实例时生效。
func (m *IdentityMap) Forget(e *Entity) {
	key := identityKey{e.typeName, e.id}
	if existing, ok := m.entries[key]; ok && existing == e {
		delete(m.entries, key)
	}
}

// Len 返回登记数量。
func (m *IdentityMap) Len() int { return len(m.entries) }

// Clear 清空映射。
func (m *IdentityMap) Clear() {
	m.entries = make(map[identityKey]*Entity)
}
