package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for runtime spans and metrics.
var (
	AttrAgentName   = attribute.Key("agent.name")
	AttrAgentStatus = attribute.Key("agent.status")
	AttrIteration   = attribute.Key("agent.iteration")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")

	AttrEventID   = attribute.Key("event.id")
	AttrEventType = attribute.Key("event.type")
	AttrPriority  = attribute.Key("event.priority")

	AttrQueueDepth = attribute.Key("queue.depth")
	AttrBatchSize  = attribute.Key("queue.batch_size")

	AttrBreakerName = attribute.Key("breaker.name")
	AttrBreakerFrom = attribute.Key("breaker.from")
	AttrBreakerTo   = attribute.Key("breaker.to")

	AttrCorrelationID = attribute.Key("correlation.id")
)
