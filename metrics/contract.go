package metrics

// 指标名
const (
	MetricInvokerOutcomes        = "invoker_outcomes_total"
	MetricInvokerAttemptDuration = "invoker_attempt_duration_seconds"
	MetricBreakerTransitions     = "breaker_state_changes_total"
	MetricCacheRequests          = "cache_requests_total"
	MetricCacheDegraded          = "cache_degraded"
	MetricCacheInvalidations     = "cache_invalidations_total"
	MetricSessionEvents          = "session_events_total"
)

// 标签
const (
	LabelDependency = "dependency"
	LabelOutcome    = "outcome"
	LabelClass      = "class"
	LabelFromState  = "from"
	LabelToState    = "to"
	LabelTier       = "tier"
	LabelResult     = "result"
	LabelKeyClass   = "key_class"
	LabelEvent      = "event"
)

// 缓存查找结果
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// DurationBuckets 依赖调用耗时桶（秒），覆盖 1ms 到 30s 的超时上限
var DurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
