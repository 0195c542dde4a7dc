// Package sqlstore 基于 database/sql 实现 orm.IStore。
//
// 所有语句通过 data/db/sql 构建器生成，标识符按方言加引号，
// 占位符由 data/db/basic 按方言重绑定。
package sqlstore

import (
	"context"
	"fmt"
	"sort"

	core "relmap/data/db"
	sqlx "relmap/data/db/sql"
	"relmap/data/orm"
	"relmap/errors"
	"relmap/logging"
)

// Store 是 orm.IStore 的 SQL 实现。
type Store struct {
	executor
	db core.IDatabase
}

// New 基于已打开的数据库创建存储。
func New(db core.IDatabase) *Store {
	return &Store{
		executor: newExecutor(db),
		db:       db,
	}
}

// Begin 开启事务。
func (s *Store) Begin(ctx context.Context) (orm.IStoreTx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "begin transaction")
	}
	return &storeTx{executor: newExecutor(tx), tx: tx}, nil
}

// Capabilities 返回存储支持的能力。
func (s *Store) Capabilities() orm.Capabilities {
	caps := orm.NewCapabilities(orm.CapabilityTransaction, orm.CapabilityJoinTable)
	if s.q.Dialect().SupportsReturning() {
		caps[orm.CapabilityReturning] = true
	}
	return caps
}

type storeTx struct {
	executor
	tx core.ITransaction
}

func (t *storeTx) Commit() error   { return t.tx.Commit() }
func (t *storeTx) Rollback() error { return t.tx.Rollback() }

// executor 实现读写语句，Store 与事务共用。
type executor struct {
	q sqlx.ISql
}

func newExecutor(db core.IDatabase) executor {
	return executor{q: sqlx.New(db)}
}

func (e executor) eq(column string) string {
	return e.q.Dialect().QuoteIdentifier(column) + " = ?"
}

func primaryKey(t orm.Table) string {
	if t.PrimaryKey == "" {
		return "id"
	}
	return t.PrimaryKey
}

func (e executor) ReadRow(ctx context.Context, table orm.Table, id int64) (orm.Row, error) {
	rows, err := e.q.Select("*").
		From(table.Name).
		Where(e.eq(primaryKey(table)), id).
		Limit(1).
		Query(ctx)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "read "+table.Name)
	}
	list, err := scanRows(rows)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "scan "+table.Name)
	}
	if len(list) == 0 {
		return nil, orm.ErrNotFound
	}
	return list[0], nil
}

// ReadRowsBy 按外键列读取多行；默认按主键升序，排序列不安全时返回 INVALID_INPUT。
func (e executor) ReadRowsBy(ctx context.Context, table orm.Table, column string, value int64, opts ...orm.QueryOption) ([]orm.Row, error) {
	o := orm.CollectQueryOptions(opts...)
	if len(o.OrderBy) == 0 {
		o.OrderBy = []orm.OrderBy{{Column: primaryKey(table)}}
	}

	sb := e.q.Select("*").From(table.Name).Where(e.eq(column), value)
	for _, ob := range o.OrderBy {
		sb = sb.OrderBy(ob.Column, ob.Desc)
	}
	if o.Limit > 0 {
		sb = sb.Limit(o.Limit)
	}
	rows, err := sb.Query(ctx)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "read "+table.Name+" by "+column)
	}
	list, err := scanRows(rows)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "scan "+table.Name)
	}
	return list, nil
}

func (e executor) ReadJoinRows(ctx context.Context, jt orm.JoinTable, column string, id int64) ([]int64, error) {
	other := jt.TargetColumn
	if column == jt.TargetColumn {
		other = jt.OwnerColumn
	}
	rows, err := e.q.Select(other).
		From(jt.Name).
		Where(e.eq(column), id).
		OrderBy(other, false).
		Query(ctx)
	if err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "read join table "+jt.Name)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, errors.WrapDatabaseError(ctx, err, "scan join table "+jt.Name)
		}
		ids = append(ids, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapDatabaseError(ctx, err, "iterate join table "+jt.Name)
	}
	return ids, nil
}

func (e executor) Insert(ctx context.Context, table orm.Table, values map[string]any) (int64, error) {
	cols := sortedColumns(values)
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = values[c]
	}
	id, err := e.q.InsertInto(table.Name).
		Columns(cols...).
		Values(vals...).
		Returning(primaryKey(table)).
		ExecReturningID(ctx)
	if err != nil {
		return 0, e.writeError(ctx, err, "insert "+table.Name)
	}
	logging.GetLogger().Debug(ctx, "[sqlstore] insert",
		logging.String("table", table.Name), logging.Int64("id", id))
	return id, nil
}

func (e executor) Update(ctx context.Context, table orm.Table, id int64, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	res, err := e.q.Update(table.Name).
		SetMap(values).
		Where(e.eq(primaryKey(table)), id).
		Exec(ctx)
	if err != nil {
		return e.writeError(ctx, err, "update "+table.Name)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.WrapError(orm.ErrNotFound, errors.ErrCodeNotFound,
			fmt.Sprintf("update %s: row %d no longer exists", table.Name, id))
	}
	return nil
}

// Delete 删除一行；行已不存在时视为成功。
func (e executor) Delete(ctx context.Context, table orm.Table, id int64) error {
	res, err := e.q.DeleteFrom(table.Name).
		Where(e.eq(primaryKey(table)), id).
		Exec(ctx)
	if err != nil {
		return e.writeError(ctx, err, "delete "+table.Name)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		logging.GetLogger().Debug(ctx, "[sqlstore] delete matched no row",
			logging.String("table", table.Name), logging.Int64("id", id))
	}
	return nil
}

func (e executor) InsertJoinRow(ctx context.Context, jt orm.JoinTable, ownerID, targetID int64) error {
	_, err := e.q.InsertInto(jt.Name).
		Columns(jt.OwnerColumn, jt.TargetColumn).
		Values(ownerID, targetID).
		Exec(ctx)
	if err != nil {
		return e.writeError(ctx, err, "insert join row "+jt.Name)
	}
	return nil
}

func (e executor) DeleteJoinRow(ctx context.Context, jt orm.JoinTable, ownerID, targetID int64) error {
	_, err := e.q.DeleteFrom(jt.Name).
		Where(e.eq(jt.OwnerColumn), ownerID).
		Where(e.eq(jt.TargetColumn), targetID).
		Exec(ctx)
	if err != nil {
		return e.writeError(ctx, err, "delete join row "+jt.Name)
	}
	return nil
}

func (e executor) writeError(ctx context.Context, err error, operation string) error {
	if e.q.Dialect().IsUniqueViolation(err) {
		return errors.WrapError(err, errors.ErrCodeConflict, operation)
	}
	return errors.WrapDatabaseError(ctx, err, operation)
}

func sortedColumns(values map[string]any) []string {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func scanRows(rows core.IRows) ([]orm.Row, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []orm.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(orm.Row, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
