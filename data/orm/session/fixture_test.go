package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "relmap/data/db"
	"relmap/data/db/basic"
	"relmap/data/orm"
	"relmap/data/orm/sqlstore"
	"relmap/logging"
	"relmap/metrics"
)

var fixtureSchema = []string{
	`CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)`,
	`CREATE TABLE food (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT, price INTEGER, user_id INTEGER, menu_id INTEGER)`,
	`CREATE TABLE carts (id INTEGER PRIMARY KEY AUTOINCREMENT, label TEXT, user_id INTEGER)`,
	`CREATE TABLE menus (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT)`,
	`CREATE TABLE user_food (food_id INTEGER NOT NULL, user_id INTEGER NOT NULL, PRIMARY KEY (food_id, user_id))`,
}

// fixtureMapping 构造测试用描述表：
//
//	Food.user   (ManyToOne, 拥有方, eager)  <-> User.foods      (级联持久化+删除, 孤儿删除, lazy)
//	Food.likers (ManyToMany, 拥有方, lazy)  <-> User.likedFoods (lazy)
//	Cart.user   (OneToOne, 拥有方, lazy)    <-> User.cart       (eager)
//	Menu.items  (OneToMany, 单向, 外键 food.menu_id, 级联持久化, lazy)
func fixtureMapping(t *testing.T, tweak ...func(map[string]*orm.AssociationDescriptor)) *orm.Mapping {
	t.Helper()
	m := orm.NewMapping()
	require.NoError(t, m.RegisterEntity(orm.EntityMeta{Name: "User", Table: "users",
		Fields: []orm.FieldMeta{{Name: "name"}}}))
	require.NoError(t, m.RegisterEntity(orm.EntityMeta{Name: "Food", Table: "food",
		Fields: []orm.FieldMeta{{Name: "name"}, {Name: "price", Nullable: true}}}))
	require.NoError(t, m.RegisterEntity(orm.EntityMeta{Name: "Cart", Table: "carts",
		Fields: []orm.FieldMeta{{Name: "label"}}}))
	require.NoError(t, m.RegisterEntity(orm.EntityMeta{Name: "Menu", Table: "menus",
		Fields: []orm.FieldMeta{{Name: "title"}}}))

	descs := map[string]*orm.AssociationDescriptor{
		"Food.user": {Name: "user", OwnerType: "Food", TargetType: "User",
			Cardinality: orm.ManyToOne, Owning: true, JoinColumn: "user_id", Nullable: true,
			Fetch: orm.FetchEager},
		"User.foods": {Name: "foods", OwnerType: "User", TargetType: "Food",
			Cardinality: orm.OneToMany, MappedBy: "user",
			Cascade: orm.Cascade(orm.CascadePersist, orm.CascadeRemove), OrphanRemoval: true,
			Fetch: orm.FetchLazy},
		"Food.likers": {Name: "likers", OwnerType: "Food", TargetType: "User",
			Cardinality: orm.ManyToMany, Owning: true,
			JoinTable: &orm.JoinTable{Name: "user_food", OwnerColumn: "food_id", TargetColumn: "user_id"},
			Fetch:     orm.FetchLazy},
		"User.likedFoods": {Name: "likedFoods", OwnerType: "User", TargetType: "Food",
			Cardinality: orm.ManyToMany, MappedBy: "likers", Fetch: orm.FetchLazy},
		"Cart.user": {Name: "user", OwnerType: "Cart", TargetType: "User",
			Cardinality: orm.OneToOne, Owning: true, JoinColumn: "user_id", Nullable: true,
			Fetch: orm.FetchLazy},
		"User.cart": {Name: "cart", OwnerType: "User", TargetType: "Cart",
			Cardinality: orm.OneToOne, MappedBy: "user", Fetch: orm.FetchEager},
		"Menu.items": {Name: "items", OwnerType: "Menu", TargetType: "Food",
			Cardinality: orm.OneToMany, Owning: true, JoinColumn: "menu_id", Nullable: true,
			Cascade: orm.Cascade(orm.CascadePersist), Fetch: orm.FetchLazy},
	}
	for _, fn := range tweak {
		fn(descs)
	}
	for _, key := range []string{"Food.user", "User.foods", "Food.likers", "User.likedFoods", "Cart.user", "User.cart", "Menu.items"} {
		require.NoError(t, m.RegisterDescriptor(*descs[key]))
	}
	require.NoError(t, m.Freeze())
	return m
}

type fixture struct {
	db      *basic.DB
	store   *sqlstore.Store
	factory *Factory
	logs    *recordingLogger
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWith(t, fixtureMapping(t), opts...)
}

func newFixtureWith(t *testing.T, mapping *orm.Mapping, opts ...Option) *fixture {
	t.Helper()
	db, err := basic.New(core.DBConfig{Driver: "sqlite", Database: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.ExecScript(context.Background(), fixtureSchema...))

	logs := &recordingLogger{}
	store := sqlstore.New(db)
	factory, err := NewFactory(mapping, store, append([]Option{WithLogger(logs)}, opts...)...)
	require.NoError(t, err)
	return &fixture{db: db, store: store, factory: factory, logs: logs}
}

// open 打开工作单元并在测试结束时关闭。
func (fx *fixture) open(t *testing.T) *UnitOfWork {
	t.Helper()
	u := fx.factory.Open(context.Background())
	t.Cleanup(u.Close)
	return u
}

func (fx *fixture) count(t *testing.T, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, fx.db.QueryRow(context.Background(), query, args...).Scan(&n))
	return n
}

func (fx *fixture) exec(t *testing.T, stmt string, args ...any) int64 {
	t.Helper()
	res, err := fx.db.Exec(context.Background(), stmt, args...)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

func newUser(name string) *Entity { return NewEntity("User").Set("name", name) }

func newFood(name string, price int) *Entity {
	return NewEntity("Food").Set("name", name).Set("price", price)
}

// recordingLogger 记录所有日志，便于断言告警。
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level  logging.Level
	msg    string
	fields []logging.Field
}

func (l *recordingLogger) add(level logging.Level, msg string, fields []logging.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) Debug(_ context.Context, msg string, fields ...logging.Field) {
	l.add(logging.DebugLevel, msg, fields)
}

func (l *recordingLogger) Info(_ context.Context, msg string, fields ...logging.Field) {
	l.add(logging.InfoLevel, msg, fields)
}

func (l *recordingLogger) Warn(_ context.Context, msg string, fields ...logging.Field) {
	l.add(logging.WarnLevel, msg, fields)
}

func (l *recordingLogger) Error(_ context.Context, msg string, fields ...logging.Field) {
	l.add(logging.ErrorLevel, msg, fields)
}

func (l *recordingLogger) WithFields(...logging.Field) logging.Logger { return l }

// warnings 返回包含 substr 的 warn 日志。
func (l *recordingLogger) warnings(substr string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range l.entries {
		if e.level == logging.WarnLevel && strings.Contains(e.msg, substr) {
			out = append(out, e)
		}
	}
	return out
}

func (e logEntry) field(key string) any {
	for _, f := range e.fields {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

// faultyStore 在指定写操作上失败，统计事务次数并记录删除的表顺序。
type faultyStore struct {
	orm.IStore
	failOn  string
	begins  int
	deleted []string
}

func (s *faultyStore) Begin(ctx context.Context) (orm.IStoreTx, error) {
	s.begins++
	tx, err := s.IStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{IStoreTx: tx, store: s}, nil
}

func (s *faultyStore) ReadRowsBy(ctx context.Context, table orm.Table, column string, value int64, opts ...orm.QueryOption) ([]orm.Row, error) {
	if s.failOn == "read_by" {
		return nil, fmt.Errorf("injected read_by failure")
	}
	return s.IStore.ReadRowsBy(ctx, table, column, value, opts...)
}

type faultyTx struct {
	orm.IStoreTx
	store *faultyStore
}

func (t *faultyTx) fail(op string) error {
	if t.store.failOn == op {
		return fmt.Errorf("injected %s failure", op)
	}
	return nil
}

func (t *faultyTx) Insert(ctx context.Context, table orm.Table, values map[string]any) (int64, error) {
	if err := t.fail("insert"); err != nil {
		return 0, err
	}
	return t.IStoreTx.Insert(ctx, table, values)
}

func (t *faultyTx) Update(ctx context.Context, table orm.Table, id int64, values map[string]any) error {
	if err := t.fail("update"); err != nil {
		return err
	}
	return t.IStoreTx.Update(ctx, table, id, values)
}

func (t *faultyTx) Delete(ctx context.Context, table orm.Table, id int64) error {
	if err := t.fail("delete"); err != nil {
		return err
	}
	t.store.deleted = append(t.store.deleted, table.Name)
	return t.IStoreTx.Delete(ctx, table, id)
}

func (t *faultyTx) InsertJoinRow(ctx context.Context, jt orm.JoinTable, ownerID, targetID int64) error {
	if err := t.fail("join_insert"); err != nil {
		return err
	}
	return t.IStoreTx.InsertJoinRow(ctx, jt, ownerID, targetID)
}

func newFaultyFixture(t *testing.T, failOn string, opts ...Option) (*fixture, *faultyStore) {
	t.Helper()
	return newFaultyFixtureWith(t, fixtureMapping(t), failOn, opts...)
}

func newFaultyFixtureWith(t *testing.T, mapping *orm.Mapping, failOn string, opts ...Option) (*fixture, *faultyStore) {
	t.Helper()
	fx := newFixtureWith(t, mapping)
	faulty := &faultyStore{IStore: fx.store, failOn: failOn}
	factory, err := NewFactory(fx.factory.Mapping(), faulty, append([]Option{WithLogger(fx.logs)}, opts...)...)
	require.NoError(t, err)
	fx.factory = factory
	return fx, faulty
}

// countingRecorder 统计会话层上报的指标。
type countingRecorder struct {
	metrics.NoopRecorder
	flushes   map[bool]int
	writes    map[string]int
	lazyLoads map[string]int
	orphans   map[string]int
	ignored   map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		flushes:   make(map[bool]int),
		writes:    make(map[string]int),
		lazyLoads: make(map[string]int),
		orphans:   make(map[string]int),
		ignored:   make(map[string]int),
	}
}

func (r *countingRecorder) ObserveFlush(_ context.Context, success bool, _ time.Duration) {
	r.flushes[success]++
}
func (r *countingRecorder) AddWrites(op string, n int)     { r.writes[op] += n }
func (r *countingRecorder) IncLazyLoad(entityType string)  { r.lazyLoads[entityType]++ }
func (r *countingRecorder) IncOrphan(result string)        { r.orphans[result]++ }
func (r *countingRecorder) IncIgnoredWrite(policy string)  { r.ignored[policy]++ }
