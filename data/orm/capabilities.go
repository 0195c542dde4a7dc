package orm

// Capability 表示存储可选支持的能力标识。
// 超出能力的调用应由存储返回明确错误，而非静默降级。
type Capability string

const (
	// CapabilityTransaction Flush 需要事务才能保证原子性
	CapabilityTransaction Capability = "transaction"
	// CapabilityReturning INSERT 通过 RETURNING 取回主键
	CapabilityReturning Capability = "returning"
	// CapabilityJoinTable 支持多对多中间表读写
	CapabilityJoinTable Capability = "join_table"
)

// Capabilities 以集合形式表达存储支持的能力。
type Capabilities map[Capability]bool

// Supports 判断是否支持指定能力。
func (c Capabilities) Supports(cap Capability) bool {
	if c == nil {
		return false
	}
	return c[cap]
}

// NewCapabilities 便捷构造能力集合。
func NewCapabilities(caps ...Capability) Capabilities {
	set := make(Capabilities, len(caps))
	for _, cap := range caps {
		set[cap] = true
	}
	return set
}
