package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of queries slower than the configured threshold",
		},
	)

	// 慢查询耗时（秒）
	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~12s
		},
	)

	// 状态迁移计数
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_transitions_total",
			Help: "Total number of successful entity state transitions",
		},
		[]string{"entity", "to"}, // entity: campaign, withdrawal_request, update_request
	)

	// 非关键副作用失败（缓存失效、通知、事件发布）
	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "side_effect_failures_total",
			Help: "Non-critical side effects that failed after a committed write",
		},
		[]string{"kind"}, // kind: cache_invalidation, event_publish, notification
	)

	// 缓存读取
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_requests_total",
			Help: "Cache-aside reads by result",
		},
		[]string{"result"}, // hit, miss, error
	)

	// 定时任务执行
	SchedulerJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_job_runs_total",
			Help: "Scheduler job runs by outcome",
		},
		[]string{"job", "outcome"}, // outcome: success, partial, failed, skipped
	)

	// 定时任务耗时（秒）
	SchedulerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Scheduler job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"job"},
	)

	// 扫描任务逐条结果
	SweepItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_sweep_items_total",
			Help: "Entities processed by sweep jobs by result",
		},
		[]string{"job", "result"}, // result: success, failed
	)

	// 实时推送
	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_deliveries_total",
			Help: "Realtime channel deliveries by channel kind and outcome",
		},
		[]string{"channel", "outcome"}, // channel: user, campaign; outcome: delivered, duplicate, failed
	)

	// Outbox 发布
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox events relayed to the broker by outcome",
		},
		[]string{"outcome"}, // sent, failed
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Domain events handed to the publishing port by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementSlowQuery 记录一次慢查询
func IncrementSlowQuery(duration time.Duration) {
	SlowQueryCount.Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}

// IncrementStateTransition 记录状态迁移
func IncrementStateTransition(entity, to string) {
	StateTransitions.WithLabelValues(entity, to).Inc()
}

// IncrementSideEffectFailure 记录副作用失败
func IncrementSideEffectFailure(kind string) {
	SideEffectFailures.WithLabelValues(kind).Inc()
}

// IncrementCacheRequest 记录缓存读取结果
func IncrementCacheRequest(result string) {
	CacheRequests.WithLabelValues(result).Inc()
}

// RecordSchedulerJob 记录定时任务执行结果和耗时
func RecordSchedulerJob(job, outcome string, duration time.Duration) {
	SchedulerJobRuns.WithLabelValues(job, outcome).Inc()
	SchedulerJobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// AddSweepItems 记录扫描任务处理条数
func AddSweepItems(job string, succeeded, failed int) {
	SweepItems.WithLabelValues(job, "success").Add(float64(succeeded))
	SweepItems.WithLabelValues(job, "failed").Add(float64(failed))
}

// IncrementFanoutDelivery 记录实时推送结果
func IncrementFanoutDelivery(channel, outcome string) {
	FanoutDeliveries.WithLabelValues(channel, outcome).Inc()
}

// IncrementOutboxPublished 记录 outbox 转发结果
func IncrementOutboxPublished(outcome string) {
	OutboxPublished.WithLabelValues(outcome).Inc()
}

// IncrementEventPublished 记录领域事件写入发布端口的结果
func IncrementEventPublished(mode, outcome string) {
	EventsPublished.WithLabelValues(mode, outcome).Inc()
}
