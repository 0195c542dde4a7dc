// Package metrics 提供工作单元的运行指标。
//
// 会话层只依赖 IRecorder；默认使用 NoopRecorder，
// 需要导出时使用基于 Prometheus 的 Recorder。
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 写操作类型（writes_total 的 op 标签）
const (
	OpInsert     = "insert"
	OpUpdate     = "update"
	OpDelete     = "delete"
	OpJoinInsert = "join_insert"
	OpJoinDelete = "join_delete"
)

// 孤儿处理结果（orphans_total 的 result 标签）
const (
	OrphanRemoved = "removed"
	OrphanSkipped = "skipped"
)

// IRecorder 工作单元指标记录接口
type IRecorder interface {
	// ObserveFlush 记录一次 Flush 的结果与耗时
	ObserveFlush(ctx context.Context, success bool, duration time.Duration)
	// AddWrites 累加一次成功 Flush 中各类写操作的数量
	AddWrites(op string, n int)
	// IncLazyLoad 记录一次延迟加载
	IncLazyLoad(entityType string)
	// IncOrphan 记录孤儿处理结果
	IncOrphan(result string)
	// IncIgnoredWrite 记录一次被忽略的非拥有方写入
	IncIgnoredWrite(policy string)
	// UnitOpened / UnitClosed 维护当前打开的工作单元数
	UnitOpened()
	UnitClosed()
}

// NoopRecorder 空实现
type NoopRecorder struct{}

func (NoopRecorder) ObserveFlush(context.Context, bool, time.Duration) {}
func (NoopRecorder) AddWrites(string, int)                             {}
func (NoopRecorder) IncLazyLoad(string)                                {}
func (NoopRecorder) IncOrphan(string)                                  {}
func (NoopRecorder) IncIgnoredWrite(string)                            {}
func (NoopRecorder) UnitOpened()                                       {}
func (NoopRecorder) UnitClosed()                                       {}

// Recorder 基于 Prometheus 的 IRecorder 实现
type Recorder struct {
	flushes       *prometheus.CounterVec
	flushDuration prometheus.Histogram
	writes        *prometheus.CounterVec
	lazyLoads     *prometheus.CounterVec
	orphans       *prometheus.CounterVec
	ignoredWrites *prometheus.CounterVec
	openUnits     prometheus.Gauge
}

// New 创建 Recorder 并注册到 reg；reg 为 nil 时使用独立的注册表。
func New(namespace string, reg prometheus.Registerer) (*Recorder, error) {
	if namespace == "" {
		namespace = "relmap"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Recorder{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Unit-of-work flushes by result.",
		}, []string{"result"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Flush latency including planning and commit.",
			Buckets:   prometheus.DefBuckets,
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Committed store writes by operation.",
		}, []string{"op"}),
		lazyLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lazy_loads_total",
			Help:      "Lazy association loads by owner entity type.",
		}, []string{"entity_type"}),
		orphans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_total",
			Help:      "Orphaned collection members by outcome.",
		}, []string{"result"}),
		ignoredWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ignored_association_writes_total",
			Help:      "Non-owning association writes not reflected on the owning side.",
		}, []string{"policy"}),
		openUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_units",
			Help:      "Units of work currently open.",
		}),
	}

	for _, c := range []prometheus.Collector{
		r.flushes, r.flushDuration, r.writes, r.lazyLoads, r.orphans, r.ignoredWrites, r.openUnits,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ObserveFlush(_ context.Context, success bool, duration time.Duration) {
	result := "error"
	if success {
		result = "success"
	}
	r.flushes.WithLabelValues(result).Inc()
	r.flushDuration.Observe(duration.Seconds())
}

func (r *Recorder) AddWrites(op string, n int) {
	if n <= 0 {
		return
	}
	r.writes.WithLabelValues(op).Add(float64(n))
}

func (r *Recorder) IncLazyLoad(entityType string) {
	r.lazyLoads.WithLabelValues(entityType).Inc()
}

func (r *Recorder) IncOrphan(result string) {
	r.orphans.WithLabelValues(result).Inc()
}

func (r *Recorder) IncIgnoredWrite(policy string) {
	r.ignoredWrites.WithLabelValues(policy).Inc()
}

func (r *Recorder) UnitOpened() { r.openUnits.Inc() }
func (r *Recorder) UnitClosed() { r.openUnits.Dec() }
