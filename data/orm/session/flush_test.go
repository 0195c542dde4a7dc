package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relmap/data/orm"
	"relmap/errors"
)

func TestFlush_UpdatesOnlyDirtyRows(t *testing.T) {
	fx, faulty := newFaultyFixture(t, "")
	ctx := context.Background()
	uid := seedUserWithFoods(t, fx, "Robbie", "Fried Chicken")

	u := fx.open(t)
	user, err := u.FindByID(ctx, "User", uid)
	require.NoError(t, err)

	// 未修改时不开启事务
	require.NoError(t, u.Flush(ctx))
	assert.Zero(t, faulty.begins)

	user.Set("name", "Robin")
	require.NoError(t, u.Flush(ctx))
	assert.Equal(t, 1, faulty.begins)
	assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM users WHERE name = ?`, "Robin"))

	// 同步后再次 Flush 没有写入
	require.NoError(t, u.Flush(ctx))
	assert.Equal(t, 1, faulty.begins)
}

func TestFlush_RollbackLeavesMemoryUntouched(t *testing.T) {
	rec := newCountingRecorder()
	fx, faulty := newFaultyFixture(t, "delete", WithMetrics(rec))
	ctx := context.Background()
	uid := seedUserWithFoods(t, fx, "Robbie", "Fried Chicken")

	u := fx.open(t)
	food, err := u.FindByID(ctx, "Food", 1)
	require.NoError(t, err)
	owner := relatedOne(t, food, "user")
	kim := newUser("Kim")
	require.NoError(t, u.Save(ctx, kim))
	require.NoError(t, u.Link(ctx, food, "likers", owner))
	require.NoError(t, u.Delete(ctx, food))
	owner.Set("name", "Robin")

	err = u.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsFlushError(err))
	assert.ErrorContains(t, err, "injected delete failure")
	assert.Equal(t, 1, rec.flushes[false])

	// 内存状态与 Flush 之前一致
	assert.Zero(t, kim.ID())
	assert.Equal(t, StateNew, u.State(kim))
	assert.Equal(t, StateRemoved, u.State(food))
	assert.Equal(t, StateManaged, u.State(owner))
	assert.Equal(t, "Robbie", owner.stored["name"])

	// 存储中的写入全部回滚
	assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM users`))
	assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM users WHERE name = ?`, "Robbie"))
	assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM food`))

	// 故障排除后重试成功
	faulty.failOn = ""
	require.NoError(t, u.Flush(ctx))
	assert.NotZero(t, kim.ID())
	assert.Equal(t, 2, fx.count(t, `SELECT COUNT(*) FROM users`))
	assert.Zero(t, fx.count(t, `SELECT COUNT(*) FROM food`))
	assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM users WHERE id = ? AND name = ?`, uid, "Robin"))
}

func TestFlush_InsertFailureWithdrawsGeneratedIDs(t *testing.T) {
	fx, faulty := newFaultyFixture(t, "join_insert")
	ctx := context.Background()
	u := fx.open(t)

	robbie := newUser("Robbie")
	fried := newFood("Fried Chicken", 15000)
	require.NoError(t, u.Link(ctx, fried, "user", robbie))
	require.NoError(t, u.Link(ctx, fried, "likers", robbie))
	require.NoError(t, u.Save(ctx, robbie))

	assert.True(t, errors.IsFlushError(u.Flush(ctx)))
	assert.Zero(t, robbie.ID())
	assert.Zero(t, fried.ID())
	assert.Zero(t, fx.count(t, `SELECT COUNT(*) FROM users`))

	faulty.failOn = ""
	require.NoError(t, u.Flush(ctx))
	assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM user_food WHERE food_id = ? AND user_id = ?`, fried.ID(), robbie.ID()))
}

func TestFlush_ManyToManyJoinRows(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	a := fx.exec(t, `INSERT INTO users (name) VALUES (?)`, "A")
	b := fx.exec(t, `INSERT INTO users (name) VALUES (?)`, "B")
	fid := fx.exec(t, `INSERT INTO food (name, price) VALUES (?, ?)`, "Bibimbap", 9000)

	u := fx.open(t)
	food, err := u.FindByID(ctx, "Food", fid)
	require.NoError(t, err)
	userA, err := u.FindByID(ctx, "User", a)
	require.NoError(t, err)
	userB, err := u.FindByID(ctx, "User", b)
	require.NoError(t, err)

	require.NoError(t, u.Link(ctx, food, "likers", userA))
	require.NoError(t, u.Link(ctx, userB, "likedFoods", food))
	assert.Equal(t, []*Entity{food}, related(t, userA, "likedFoods"))

	require.NoError(t, u.Flush(ctx))
	assert.Equal(t, 2, fx.count(t, `SELECT COUNT(*) FROM user_food WHERE food_id = ?`, fid))

	require.NoError(t, u.Unlink(ctx, food, "likers", userA))
	require.NoError(t, u.Flush(ctx))
	assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM user_food WHERE food_id = ? AND user_id = ?`, fid, b))
	assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM user_food`))

	// 删除拥有方时清理中间表
	require.NoError(t, u.Delete(ctx, food))
	require.NoError(t, u.Flush(ctx))
	assert.Zero(t, fx.count(t, `SELECT COUNT(*) FROM user_food`))
	assert.Equal(t, 2, fx.count(t, `SELECT COUNT(*) FROM users`))
}

func TestFlush_UnidirectionalOneToManyWritesTargetColumn(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	u := fx.open(t)

	menu := NewEntity("Menu").Set("title", "lunch")
	fried := newFood("Fried Chicken", 15000)
	seasoned := newFood("Seasoned Chicken", 20000)
	require.NoError(t, u.Link(ctx, menu, "items", fried))
	require.NoError(t, u.Link(ctx, menu, "items", seasoned))
	require.NoError(t, u.Save(ctx, menu))

	require.NoError(t, u.Flush(ctx))
	assert.Equal(t, 2, fx.count(t, `SELECT COUNT(*) FROM food WHERE menu_id = ?`, menu.ID()))

	require.NoError(t, u.Unlink(ctx, menu, "items", fried))
	require.NoError(t, u.Flush(ctx))
	assert.Equal(t, StateManaged, u.State(fried))
	assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM food WHERE menu_id IS NULL AND id = ?`, fried.ID()))

	// 新的工作单元从目标表外键加载
	next := fx.open(t)
	reloaded, err := next.FindByID(ctx, "Menu", menu.ID())
	require.NoError(t, err)
	items := related(t, reloaded, "items")
	require.Len(t, items, 1)
	assert.Equal(t, "Seasoned Chicken", items[0].Get("name"))
}

func TestFlush_OneToOneOwningColumn(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	u := fx.open(t)

	cart := NewEntity("Cart").Set("label", "weekly")
	user := newUser("Robbie")
	require.NoError(t, u.Link(ctx, user, "cart", cart))
	require.NoError(t, u.Save(ctx, cart))
	require.NoError(t, u.Save(ctx, user))

	require.NoError(t, u.Flush(ctx))
	assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM carts WHERE user_id = ?`, user.ID()))

	next := fx.open(t)
	reloaded, err := next.FindByID(ctx, "User", user.ID())
	require.NoError(t, err)
	assert.Equal(t, "weekly", relatedOne(t, reloaded, "cart").Get("label"))
}

func TestFlush_RejectsUnmappedAttribute(t *testing.T) {
	fx, faulty := newFaultyFixture(t, "")
	ctx := context.Background()
	u := fx.open(t)

	require.NoError(t, u.Save(ctx, newUser("Robbie").Set("nickname", "rob")))
	err := u.Flush(ctx)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetErrorCode(err))
	assert.Zero(t, faulty.begins)
}

func TestFlush_StructBinding(t *testing.T) {
	type food struct {
		ID    int64  `db:"id"`
		Name  string `db:"name"`
		Price int    `db:"price"`
	}
	fx := newFixture(t)
	ctx := context.Background()
	u := fx.open(t)

	e := NewEntity("Food")
	require.NoError(t, e.Assign(food{Name: "Bibimbap", Price: 9000}))
	require.NoError(t, u.Save(ctx, e))
	require.NoError(t, u.Flush(ctx))

	next := fx.open(t)
	loaded, err := next.FindByID(ctx, "Food", e.ID())
	require.NoError(t, err)
	var out food
	require.NoError(t, loaded.ScanInto(&out))
	assert.Equal(t, food{ID: e.ID(), Name: "Bibimbap", Price: 9000}, out)
}

func TestValuesEqual(t *testing.T) {
	now := time.Now()
	cases := []struct {
		a, b any
		want bool
	}{
		{nil, nil, true},
		{nil, 0, false},
		{15000, int64(15000), true},
		{int32(1), 1.0, true},
		{1.5, float32(1.5), true},
		{"abc", []byte("abc"), true},
		{"1", 1, false},
		{now, now.UTC(), true},
		{now, now.Add(time.Second), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, valuesEqual(c.a, c.b), "%v vs %v", c.a, c.b)
	}
}

// mentorMapping 单向自引用：Employee.mentor (ManyToOne, 外键 employees.mentor_id)。
func mentorMapping(t *testing.T, nullable bool) *orm.Mapping {
	t.Helper()
	m := orm.NewMapping()
	require.NoError(t, m.RegisterEntity(orm.EntityMeta{Name: "Employee", Table: "employees",
		Fields: []orm.FieldMeta{{Name: "name"}}}))
	require.NoError(t, m.RegisterDescriptor(orm.AssociationDescriptor{Name: "mentor",
		OwnerType: "Employee", TargetType: "Employee", Cardinality: orm.ManyToOne, Owning: true,
		JoinColumn: "mentor_id", Nullable: nullable, Fetch: orm.FetchLazy}))
	require.NoError(t, m.Freeze())
	return m
}

func TestFlush_ForeignKeyCycleAmongNewEntities(t *testing.T) {
	ctx := context.Background()
	setup := func(t *testing.T, nullable bool) (*fixture, *faultyStore, *UnitOfWork, *Entity, *Entity) {
		fx, faulty := newFaultyFixtureWith(t, mentorMapping(t, nullable), "")
		require.NoError(t, fx.db.ExecScript(ctx,
			`CREATE TABLE employees (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT, mentor_id INTEGER)`))
		u := fx.open(t)
		a := NewEntity("Employee").Set("name", "a")
		b := NewEntity("Employee").Set("name", "b")
		require.NoError(t, u.Link(ctx, a, "mentor", b))
		require.NoError(t, u.Link(ctx, b, "mentor", a))
		require.NoError(t, u.Save(ctx, a))
		require.NoError(t, u.Save(ctx, b))
		return fx, faulty, u, a, b
	}

	t.Run("可空外键延迟补写", func(t *testing.T) {
		fx, _, u, a, b := setup(t, true)
		require.NoError(t, u.Flush(ctx))
		assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM employees WHERE id = ? AND mentor_id = ?`, a.ID(), b.ID()))
		assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM employees WHERE id = ? AND mentor_id = ?`, b.ID(), a.ID()))

		// 同批删除时先置空环上的可空外键
		require.NoError(t, u.Delete(ctx, a))
		require.NoError(t, u.Delete(ctx, b))
		require.NoError(t, u.Flush(ctx))
		assert.Zero(t, fx.count(t, `SELECT COUNT(*) FROM employees`))
	})

	t.Run("不可空外键无法打断", func(t *testing.T) {
		fx, faulty, u, a, _ := setup(t, false)
		err := u.Flush(ctx)
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetErrorCode(err))
		assert.Zero(t, faulty.begins)
		assert.Zero(t, a.ID())
		assert.Equal(t, StateNew, u.State(a))
		assert.Zero(t, fx.count(t, `SELECT COUNT(*) FROM employees`))
	})
}
