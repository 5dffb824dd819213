// Package telemetry provides semantic conventions for trustflow observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for trustflow-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Event attributes
	AttrEventType  = attribute.Key("event.type")
	AttrEntityType = attribute.Key("entity.type")
	AttrSource     = attribute.Key("source")
	AttrTopic      = attribute.Key("topic")

	// Dispatch attributes
	AttrHandler   = attribute.Key("handler")
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorCategory = attribute.Key("error.category")
	AttrSeverity      = attribute.Key("severity")
	AttrReason        = attribute.Key("reason")

	// Capacity attributes
	AttrScalingRule = attribute.Key("scaling.rule")
	AttrDirection   = attribute.Key("direction")

	// Monitor attributes
	AttrMetricName = attribute.Key("metric.name")
	AttrAlertLevel = attribute.Key("alert.level")
)

var environment = "prod"

// SetEnvironment records the runtime environment reported on telemetry.
func SetEnvironment(env string) {
	if env != "" {
		environment = env
	}
}

// Environment returns the runtime environment reported on telemetry.
func Environment() string {
	return environment
}

// EventAttributes returns common attributes for event metrics.
func EventAttributes(eventType, entityType, source string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrEntityType.String(entityType),
		AttrSource.String(source),
	}
}

// OperationResultAttributes returns attributes for operation outcome metrics.
func OperationResultAttributes(operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// TopicAttributes returns attributes for queue topic metrics.
func TopicAttributes(topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
	}
}
