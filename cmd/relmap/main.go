// Package main 提供 relmap 命令行：运行演示场景、打印建表语句。
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"relmap/config"
	"relmap/data/db/basic"
	"relmap/data/orm/session"
	"relmap/data/orm/sqlstore"
	"relmap/examples/foodorder"
	"relmap/logging"
	"relmap/metrics"
)

// Version 由构建时 -ldflags 覆盖
var Version = "v0.1.0-dev"

var (
	// configFile 由 --config 设置
	configFile string

	// rt 在 PersistentPreRunE 中初始化
	rt *deps
)

// deps 一次命令执行所需的依赖
type deps struct {
	cfg      *config.Config
	db       *basic.DB
	factory  *session.Factory
	logger   logging.Logger
	registry *prometheus.Registry
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relmap",
	Short: "relmap is an object-relational persistence core",
	Long: `relmap maps entity associations onto relational tables and keeps
both sides of every association consistent inside a unit of work.
The demo command runs the food-order scenarios against the configured store.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error { return teardown() },
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./relmap.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(demoCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the relmap version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "relmap", Version)
	},
}

// setup 读取配置并按需打开存储。
func setup(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "version" {
		return nil
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.Logger("[relmap] ")
	logging.SetLogger(logger)
	rt = &deps{cfg: cfg, logger: logger}
	if cmd.Name() != demoCmd.Name() {
		return nil
	}
	return rt.open(cmd.Context())
}

// open 连接数据库并组装工作单元工厂。
func (r *deps) open(ctx context.Context) error {
	db, err := basic.New(r.cfg.DBConfig())
	if err != nil {
		return fmt.Errorf("open %s: %w", r.cfg.Driver, err)
	}
	r.db = db
	if err := foodorder.EnsureSchema(ctx, db); err != nil {
		return err
	}

	mapping, err := foodorder.NewMapping()
	if err != nil {
		return err
	}
	policy, err := r.cfg.WritePolicy()
	if err != nil {
		return err
	}
	r.registry = prometheus.NewRegistry()
	recorder, err := metrics.New(r.cfg.MetricsNamespace, r.registry)
	if err != nil {
		return err
	}
	r.factory, err = session.NewFactory(mapping, sqlstore.New(db),
		session.WithLogger(r.logger),
		session.WithAssociationWrites(policy),
		session.WithMetrics(recorder))
	return err
}

func teardown() error {
	if rt == nil || rt.db == nil {
		return nil
	}
	db := rt.db
	rt.db = nil
	return db.Close()
}
