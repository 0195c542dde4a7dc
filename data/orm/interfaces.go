package orm

import (
	"context"
)

// Row 表示一行数据，按列名索引。主键列也包含在内。
type Row map[string]any

// ID 读取主键值，非整数类型返回 false。
func (r Row) ID(pk string) (int64, bool) {
	return ToInt64(r[pk])
}

// Table 描述实体表的最小信息。
type Table struct {
	Name       string
	PrimaryKey string
}

// IStoreReader 只读访问，供加载与延迟加载使用。
type IStoreReader interface {
	// ReadRow 按主键读取一行，不存在时返回 ErrNotFound。
	ReadRow(ctx context.Context, table Table, id int64) (Row, error)
	// ReadRowsBy 按外键列读取多行，按主键升序。
	ReadRowsBy(ctx context.Context, table Table, column string, value int64, opts ...QueryOption) ([]Row, error)
	// ReadJoinRows 返回中间表中 column = id 的行的另一列值（升序）。
	ReadJoinRows(ctx context.Context, jt JoinTable, column string, id int64) ([]int64, error)
}

// IStoreWriter 写操作，只在事务内调用。
type IStoreWriter interface {
	// Insert 插入一行并返回存储生成的主键。
	Insert(ctx context.Context, table Table, values map[string]any) (int64, error)
	Update(ctx context.Context, table Table, id int64, values map[string]any) error
	Delete(ctx context.Context, table Table, id int64) error
	InsertJoinRow(ctx context.Context, jt JoinTable, ownerID, targetID int64) error
	DeleteJoinRow(ctx context.Context, jt JoinTable, ownerID, targetID int64) error
}

// IStoreTx 表示一次存储事务，读操作在事务内可见未提交写入。
type IStoreTx interface {
	IStoreReader
	IStoreWriter
	Commit() error
	Rollback() error
}

// IStore 关系存储协作方。
type IStore interface {
	IStoreReader
	// Begin 开启事务，工作单元的每次 Flush 使用一个事务。
	Begin(ctx context.Context) (IStoreTx, error)
	// Capabilities 返回存储支持的可选能力。
	Capabilities() Capabilities
}

// ToInt64 将存储返回的整数类值统一为 int64。
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}
