package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relmap/data/orm"
	"relmap/errors"
)

func TestFetch_EagerLoadsWithOwner(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	uid := seedUserWithFoods(t, fx, "Robbie", "Fried Chicken")
	fx.exec(t, `INSERT INTO carts (label, user_id) VALUES (?, ?)`, "weekly", uid)

	u := fx.open(t)
	food, err := u.FindByID(ctx, "Food", 1)
	require.NoError(t, err)
	assert.True(t, food.IsLoaded("user"))
	assert.False(t, food.IsLoaded("likers"))

	user := relatedOne(t, food, "user")
	require.NotNil(t, user)
	assert.True(t, user.IsLoaded("cart"))
	assert.False(t, user.IsLoaded("foods"))
	assert.Equal(t, "weekly", relatedOne(t, user, "cart").Get("label"))

	// 集合槽位不能按单值读取，未声明的槽位报错
	_, err = user.RelatedOne(ctx, "foods")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetErrorCode(err))
	_, err = user.Related(ctx, "nope")
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetErrorCode(err))
}

func TestFetch_LazyLoadsOnFirstAccess(t *testing.T) {
	rec := newCountingRecorder()
	fx := newFixture(t, WithMetrics(rec))
	ctx := context.Background()
	uid := seedUserWithFoods(t, fx, "Robbie", "Fried Chicken", "Seasoned Chicken")

	u := fx.open(t)
	user, err := u.FindByID(ctx, "User", uid)
	require.NoError(t, err)
	require.False(t, user.IsLoaded("foods"))

	foods := related(t, user, "foods")
	require.Len(t, foods, 2)
	assert.True(t, user.IsLoaded("foods"))
	assert.Equal(t, 1, rec.lazyLoads["User"])

	// 第二次访问不再加载
	related(t, user, "foods")
	assert.Equal(t, 1, rec.lazyLoads["User"])

	for _, f := range foods {
		assert.Same(t, user, relatedOne(t, f, "user"))
	}
}

func TestFetch_LazyAccessAfterCloseFails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	uid := seedUserWithFoods(t, fx, "Robbie", "Fried Chicken")

	u := fx.factory.Open(ctx)
	user, err := u.FindByID(ctx, "User", uid)
	require.NoError(t, err)
	u.Close()
	u.Close()
	assert.True(t, u.Closed())
	assert.Equal(t, StateDetached, user.state)

	_, err = user.Related(ctx, "foods")
	require.Error(t, err)
	assert.True(t, errors.IsLazyInitialization(err))

	// 已加载的急加载槽位仍然可读
	assert.Nil(t, relatedOne(t, user, "cart"))

	// 新的工作单元可以重新加载
	next := fx.open(t)
	fresh, err := next.FindByID(ctx, "User", uid)
	require.NoError(t, err)
	assert.Len(t, related(t, fresh, "foods"), 1)

	// 已关闭的工作单元不可再用
	_, err = u.FindByID(ctx, "User", uid)
	assert.True(t, errors.IsErrorCode(err, errors.ErrCodeClosed))
	assert.True(t, errors.IsErrorCode(u.Flush(ctx), errors.ErrCodeClosed))
}

func TestFetch_LazyAccessAfterDetachFails(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	uid := seedUserWithFoods(t, fx, "Robbie", "Fried Chicken")

	u := fx.open(t)
	user, err := u.FindByID(ctx, "User", uid)
	require.NoError(t, err)
	u.Detach(user)
	assert.Equal(t, StateDetached, u.State(user))
	assert.False(t, u.Contains(user))

	_, err = user.Related(ctx, "foods")
	assert.True(t, errors.IsLazyInitialization(err))

	// 重新加载得到新的实例
	again, err := u.FindByID(ctx, "User", uid)
	require.NoError(t, err)
	assert.NotSame(t, user, again)
}

func TestFetch_DanglingForeignKey(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fid := fx.exec(t, `INSERT INTO food (name, price, user_id) VALUES (?, ?, ?)`, "Bibimbap", 9000, 999)

	u := fx.open(t)
	food, err := u.FindByID(ctx, "Food", fid)
	require.NoError(t, err)
	assert.Nil(t, relatedOne(t, food, "user"))

	warns := fx.logs.warnings("dangling")
	require.Len(t, warns, 1)
	assert.Equal(t, int64(999), warns[0].field("target_id"))

	// 未改动的悬空外键不会被写回
	food.Set("price", 9500)
	require.NoError(t, u.Flush(ctx))
	assert.Equal(t, 1, fx.count(t, `SELECT COUNT(*) FROM food WHERE id = ? AND user_id = ? AND price = ?`, fid, 999, 9500))
}

func TestFetch_BidirectionalEagerTerminates(t *testing.T) {
	mapping := fixtureMapping(t, func(d map[string]*orm.AssociationDescriptor) {
		d["User.foods"].Fetch = orm.FetchEager
	})
	fx := newFixtureWith(t, mapping)
	ctx := context.Background()
	uid := seedUserWithFoods(t, fx, "Robbie", "Fried Chicken", "Seasoned Chicken")

	u := fx.open(t)
	user, err := u.FindByID(ctx, "User", uid)
	require.NoError(t, err)
	assert.True(t, user.IsLoaded("foods"))
	foods := related(t, user, "foods")
	require.Len(t, foods, 2)
	assert.Same(t, user, relatedOne(t, foods[1], "user"))
}

func TestFetch_ManyToManyBothSides(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	a := fx.exec(t, `INSERT INTO users (name) VALUES (?)`, "A")
	b := fx.exec(t, `INSERT INTO users (name) VALUES (?)`, "B")
	fid := fx.exec(t, `INSERT INTO food (name, price) VALUES (?, ?)`, "Bibimbap", 9000)
	fx.exec(t, `INSERT INTO user_food (food_id, user_id) VALUES (?, ?)`, fid, a)
	fx.exec(t, `INSERT INTO user_food (food_id, user_id) VALUES (?, ?)`, fid, b)

	u := fx.open(t)
	food, err := u.FindByID(ctx, "Food", fid)
	require.NoError(t, err)
	likers := related(t, food, "likers")
	require.Len(t, likers, 2)
	assert.Equal(t, a, likers[0].ID())
	assert.Equal(t, b, likers[1].ID())

	liked := related(t, likers[0], "likedFoods")
	require.Len(t, liked, 1)
	assert.Same(t, food, liked[0])
}

func TestFetch_EagerFailureLeavesNothingManaged(t *testing.T) {
	fx, faulty := newFaultyFixture(t, "read_by")
	ctx := context.Background()
	uid := seedUserWithFoods(t, fx, "Robbie", "Fried Chicken")
	fx.exec(t, `INSERT INTO carts (label, user_id) VALUES (?, ?)`, "weekly", uid)

	u := fx.open(t)
	// Food.user 急加载 User，User.cart 急加载时读取失败
	_, err := u.FindByID(ctx, "Food", 1)
	require.Error(t, err)
	assert.Zero(t, u.identity.Len())
	assert.Empty(t, u.trackedEntities())

	faulty.failOn = ""
	food, err := u.FindByID(ctx, "Food", 1)
	require.NoError(t, err)
	require.True(t, food.IsLoaded("user"))
	user := relatedOne(t, food, "user")
	require.NotNil(t, user)
	assert.True(t, user.IsLoaded("cart"))
	assert.Equal(t, "weekly", relatedOne(t, user, "cart").Get("label"))
}
