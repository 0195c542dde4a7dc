package session

import (
	"fmt"
	"strings"

	"relmap/logging"
	"relmap/metrics"
)

// AssociationWritePolicy 非拥有方写入未同步到拥有方时的处理策略。
type AssociationWritePolicy int

const (
	// WritesLenient 忽略并记录 debug 日志（默认）
	WritesLenient AssociationWritePolicy = iota
	// WritesWarn 忽略并记录 warn 日志和指标
	WritesWarn
	// WritesStrict Flush 在访问存储前失败
	WritesStrict
)

func (p AssociationWritePolicy) String() string {
	switch p {
	case WritesWarn:
		return "warn"
	case WritesStrict:
		return "strict"
	default:
		return "lenient"
	}
}

// ParseAssociationWritePolicy 解析配置中的策略名，空串视为 lenient。
func ParseAssociationWritePolicy(name string) (AssociationWritePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "lenient":
		return WritesLenient, nil
	case "warn":
		return WritesWarn, nil
	case "strict":
		return WritesStrict, nil
	default:
		return WritesLenient, fmt.Errorf("unknown association write policy %q", name)
	}
}

// Option 用于按需修改 Factory。
type Option func(*Factory)

// WithLogger 设置日志器，默认使用全局日志器。
func WithLogger(logger logging.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithAssociationWrites 设置非拥有方写入策略。
func WithAssociationWrites(policy AssociationWritePolicy) Option {
	return func(f *Factory) {
		f.policy = policy
	}
}

// WithMetrics 设置指标记录器。
func WithMetrics(recorder metrics.IRecorder) Option {
	return func(f *Factory) {
		if recorder != nil {
			f.recorder = recorder
		}
	}
}
