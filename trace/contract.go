package trace

// Span 名与属性键
const (
	SpanInvoke   = "invoker.execute"
	EventAttempt = "attempt"

	AttrDependency = "mediacore.dependency"
	AttrAttempt    = "mediacore.attempt"
	AttrOutcome    = "mediacore.outcome"
	AttrErrorClass = "mediacore.error_class"
)
