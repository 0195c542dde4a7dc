// Package db 提供映射引擎所依赖的最小数据库抽象。
//
// 行存储（data/orm/sqlstore）只通过该接口访问数据库，具体驱动
// （modernc.org/sqlite、pgx 等）由 data/db/basic 在 database/sql 之上适配。
package db

import (
	"context"
	"database/sql"
)

// IDatabase 行存储需要的读写与开启事务能力
type IDatabase interface {
	Query(ctx context.Context, query string, args ...any) (IRows, error)
	QueryRow(ctx context.Context, query string, args ...any) IRow
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)

	// Begin 开启事务；一次刷新对应一个事务
	Begin(ctx context.Context) (ITransaction, error)
}

// IDialectNameProvider 可选接口：返回 driver/方言名（sqlite、pgx、postgres、mysql），
// 用于推断标识符引号、占位符与 RETURNING 支持。
type IDialectNameProvider interface {
	GetDialectName() string
}

// ITransaction 事务内同样可以读写，供刷新阶段复用同一套语句构建器
type ITransaction interface {
	IDatabase

	Commit() error
	Rollback() error
}

// IRows 查询结果集；行存储按列名把每行扫描为 map
type IRows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Close() error
	Err() error
}

// IRow 单行结果
type IRow interface {
	Scan(dest ...any) error
}

// DBConfig 数据库配置
type DBConfig struct {
	Driver   string // sqlite, pgx, postgres, mysql
	Database string // DSN；sqlite 下为文件路径或 :memory:

	// 连接池配置
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // 秒
	ConnMaxIdleTime int // 秒
}
