package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "relmap/data/db"
	"relmap/data/db/basic"
	"relmap/data/orm"
	"relmap/errors"
)

var (
	usersTable = orm.Table{Name: "users", PrimaryKey: "id"}
	foodTable  = orm.Table{Name: "food", PrimaryKey: "id"}
	likes      = orm.JoinTable{Name: "user_food", OwnerColumn: "food_id", TargetColumn: "user_id"}
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := basic.New(core.DBConfig{Driver: "sqlite", Database: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.ExecScript(context.Background(),
		`CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL UNIQUE)`,
		`CREATE TABLE food (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT, price INTEGER, user_id INTEGER)`,
		`CREATE TABLE user_food (food_id INTEGER NOT NULL, user_id INTEGER NOT NULL)`,
	))
	return New(db)
}

func insertCommitted(t *testing.T, s *Store, table orm.Table, values map[string]any) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	id, err := tx.Insert(ctx, table, values)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return id
}

func TestStore_InsertAndReadRow(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	id := insertCommitted(t, s, usersTable, map[string]any{"name": "Robbie"})
	assert.Equal(t, int64(1), id)

	row, err := s.ReadRow(ctx, usersTable, id)
	require.NoError(t, err)
	assert.Equal(t, "Robbie", row["name"])
	got, ok := row.ID("id")
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, err = s.ReadRow(ctx, usersTable, 99)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_ReadRowsBy(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	userID := insertCommitted(t, s, usersTable, map[string]any{"name": "Robbie"})
	insertCommitted(t, s, foodTable, map[string]any{"name": "Fried Chicken", "price": 15000, "user_id": userID})
	insertCommitted(t, s, foodTable, map[string]any{"name": "Seasoned Chicken", "price": 20000, "user_id": userID})
	insertCommitted(t, s, foodTable, map[string]any{"name": "Bibimbap", "price": 9000, "user_id": nil})

	rows, err := s.ReadRowsBy(ctx, foodTable, "user_id", userID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Fried Chicken", rows[0]["name"])
	assert.Equal(t, "Seasoned Chicken", rows[1]["name"])

	rows, err = s.ReadRowsBy(ctx, foodTable, "user_id", userID, orm.WithOrderBy("price", true), orm.WithLimit(1))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Seasoned Chicken", rows[0]["name"])

	// 不安全的排序列返回错误而不是执行
	_, err = s.ReadRowsBy(ctx, foodTable, "user_id", userID, orm.WithOrderBy("price; DROP TABLE food", false))
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetErrorCode(err))
	rows, err = s.ReadRowsBy(ctx, foodTable, "user_id", userID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestStore_UpdateAndDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	id := insertCommitted(t, s, foodTable, map[string]any{"name": "Fried Chicken", "price": 15000})

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, foodTable, id, map[string]any{"price": 16000}))
	require.NoError(t, tx.Update(ctx, foodTable, id, nil))
	assert.True(t, errors.IsNotFound(tx.Update(ctx, foodTable, 42, map[string]any{"price": 1})))
	require.NoError(t, tx.Commit())

	row, err := s.ReadRow(ctx, foodTable, id)
	require.NoError(t, err)
	assert.EqualValues(t, 16000, row["price"])

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, foodTable, id))
	require.NoError(t, tx.Delete(ctx, foodTable, id))
	require.NoError(t, tx.Commit())

	_, err = s.ReadRow(ctx, foodTable, id)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_JoinRows(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertJoinRow(ctx, likes, 1, 10))
	require.NoError(t, tx.InsertJoinRow(ctx, likes, 1, 11))
	require.NoError(t, tx.InsertJoinRow(ctx, likes, 2, 10))
	require.NoError(t, tx.Commit())

	users, err := s.ReadJoinRows(ctx, likes, "food_id", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, users)

	foods, err := s.ReadJoinRows(ctx, likes, "user_id", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, foods)

	tx, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteJoinRow(ctx, likes, 1, 10))
	require.NoError(t, tx.Commit())

	foods, err = s.ReadJoinRows(ctx, likes, "user_id", 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, foods)
}

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	id, err := tx.Insert(ctx, usersTable, map[string]any{"name": "Robbie"})
	require.NoError(t, err)

	row, err := tx.ReadRow(ctx, usersTable, id)
	require.NoError(t, err)
	assert.Equal(t, "Robbie", row["name"])
	require.NoError(t, tx.Rollback())

	_, err = s.ReadRow(ctx, usersTable, id)
	assert.True(t, errors.IsNotFound(err))
}

func TestStore_UniqueViolationIsConflict(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	insertCommitted(t, s, usersTable, map[string]any{"name": "Robbie"})

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = tx.Insert(ctx, usersTable, map[string]any{"name": "Robbie"})
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeConflict))
}

func TestStore_Capabilities(t *testing.T) {
	s := setupStore(t)
	caps := s.Capabilities()
	assert.True(t, caps.Supports(orm.CapabilityTransaction))
	assert.True(t, caps.Supports(orm.CapabilityJoinTable))
	assert.False(t, caps.Supports(orm.CapabilityReturning))
}
