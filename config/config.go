// Package config 加载 relmap 命令行与示例程序的运行配置。
//
// 配置来源优先级：环境变量（RELMAP_ 前缀）> 配置文件 > 默认值。
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	core "relmap/data/db"
	"relmap/data/orm/session"
	"relmap/logging"
)

const (
	envPrefix      = "RELMAP"
	configFileName = "relmap"
	configFileType = "yaml"

	keyDriver            = "driver"
	keyDSN               = "dsn"
	keyAssociationWrites = "association_writes"
	keyLogLevel          = "log_level"
	keyMaxOpenConns      = "max_open_conns"
	keyMetricsNamespace  = "metrics_namespace"
)

// Config 运行配置
type Config struct {
	// 数据库驱动：sqlite 或 pgx
	Driver string `mapstructure:"driver"`

	// 连接串；sqlite 下为文件路径或 :memory:
	DSN string `mapstructure:"dsn"`

	// 非拥有方写入策略：lenient / warn / strict
	AssociationWrites string `mapstructure:"association_writes"`

	// 日志级别：debug / info / warn / error
	LogLevel string `mapstructure:"log_level"`

	// 最大连接数，内存 sqlite 必须为 1
	MaxOpenConns int `mapstructure:"max_open_conns"`

	// Prometheus 指标命名空间
	MetricsNamespace string `mapstructure:"metrics_namespace"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Driver:            "sqlite",
		DSN:               ":memory:",
		AssociationWrites: "lenient",
		LogLevel:          "info",
		MaxOpenConns:      1,
		MetricsNamespace:  "relmap",
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault(keyDriver, d.Driver)
	v.SetDefault(keyDSN, d.DSN)
	v.SetDefault(keyAssociationWrites, d.AssociationWrites)
	v.SetDefault(keyLogLevel, d.LogLevel)
	v.SetDefault(keyMaxOpenConns, d.MaxOpenConns)
	v.SetDefault(keyMetricsNamespace, d.MetricsNamespace)
}

// Load 读取配置。path 为空时在当前目录查找 relmap.yaml，文件不存在不算错误。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置取值。
func (c *Config) Validate() error {
	switch c.Driver {
	case "sqlite", "pgx", "postgres":
	default:
		return fmt.Errorf("config: unsupported driver %q", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("config: dsn is empty")
	}
	if c.MaxOpenConns < 0 {
		return fmt.Errorf("config: max_open_conns must not be negative")
	}
	if c.Driver == "sqlite" && c.DSN == ":memory:" && c.MaxOpenConns != 1 {
		return fmt.Errorf("config: in-memory sqlite requires max_open_conns = 1")
	}
	if _, err := c.WritePolicy(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// DBConfig 转换为数据库连接配置。
func (c *Config) DBConfig() core.DBConfig {
	driver := c.Driver
	if driver == "postgres" {
		driver = "pgx"
	}
	return core.DBConfig{
		Driver:       driver,
		Database:     c.DSN,
		MaxOpenConns: c.MaxOpenConns,
	}
}

// WritePolicy 解析非拥有方写入策略。
func (c *Config) WritePolicy() (session.AssociationWritePolicy, error) {
	return session.ParseAssociationWritePolicy(c.AssociationWrites)
}

// Logger 按配置的级别创建日志器。
func (c *Config) Logger(prefix string) logging.Logger {
	level, err := logging.ParseLevel(c.LogLevel)
	if err != nil {
		level = logging.InfoLevel
	}
	return logging.NewStdLogger(prefix).WithLevel(level)
}
