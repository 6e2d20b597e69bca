package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute key constants for consistent span attributes.
const (
	AttrSubscription   = "messaging.gcp_pubsub.subscription"
	AttrMessageID      = "messaging.message.id"
	AttrCorrelationID  = "bridge.correlation_id"
	AttrKind           = "bridge.kind"
	AttrExchange       = "messaging.rabbitmq.exchange"
	AttrRoutingKey     = "messaging.rabbitmq.destination.routing_key"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
	AttrErrorType      = "error.type"
)

// Span name constants for consistent span naming.
const (
	SpanPubSubReceive = "pubsub.receive"
	SpanDispatch      = "bridge.dispatch"
	SpanAMQPPublish   = "amqp.publish"
	SpanKafkaPublish  = "kafka.publish"
	SpanDeadLetter    = "bridge.dead_letter"
)

// StartSpan starts a new span with the given name and options.
// Returns the new context with the span and the span itself.
// If tracer is nil, returns a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records an error on the span and sets the status to Error.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK sets the span status to Ok.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// SetSpanOKWithMessage sets the span status to Ok with a description.
func SetSpanOKWithMessage(span trace.Span, message string) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, message)
}

// SubscriptionAttr returns an attribute for the Pub/Sub subscription name.
func SubscriptionAttr(name string) attribute.KeyValue {
	return attribute.String(AttrSubscription, name)
}

// MessageIDAttr returns an attribute for the transport message ID.
func MessageIDAttr(id string) attribute.KeyValue {
	return attribute.String(AttrMessageID, id)
}

// CorrelationAttr returns an attribute for the correlation ID.
func CorrelationAttr(id string) attribute.KeyValue {
	return attribute.String(AttrCorrelationID, id)
}

// KindAttr returns an attribute for the notification kind.
func KindAttr(kind string) attribute.KeyValue {
	return attribute.String(AttrKind, kind)
}

func ExchangeAttr(exchange string) attribute.KeyValue {
	return attribute.String(AttrExchange, exchange)
}

func RoutingKeyAttr(key string) attribute.KeyValue {
	return attribute.String(AttrRoutingKey, key)
}

// KafkaTopicAttr returns an attribute for the Kafka topic.
func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

// KafkaPartitionAttr returns an attribute for the Kafka partition.
func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

// KafkaOffsetAttr returns an attribute for the Kafka offset.
func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}

// ErrorTypeAttr returns an attribute for the error type.
func ErrorTypeAttr(errType string) attribute.KeyValue {
	return attribute.String(AttrErrorType, errType)
}

// IsTraced returns true if there is a valid recording span in the context.
func IsTraced(ctx context.Context) bool {
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid() && span.IsRecording()
}
