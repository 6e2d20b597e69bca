// Package pipeline turns inbound notifications into canonical events and
// hands them to a sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/receipt-bridge/internal/correlation"
	"github.com/lsm/receipt-bridge/internal/dlq"
	"github.com/lsm/receipt-bridge/internal/event"
	"github.com/lsm/receipt-bridge/internal/observability"
	"github.com/lsm/receipt-bridge/internal/sink"
	"github.com/lsm/receipt-bridge/internal/source"
	"github.com/lsm/receipt-bridge/internal/tracing"
	"github.com/lsm/receipt-bridge/internal/validate"
)

// ContentType of every canonical event.
const ContentType = "application/json"

// Config holds dispatcher configuration.
type Config struct {
	Kind         event.Kind
	Subscription string
	Project      string
	Routes       event.Routes
}

// Dispatcher runs one subscription's notifications through attribute
// checks, validation, mapping and delivery. A notification is acked only
// after its canonical event was delivered.
type Dispatcher struct {
	config  Config
	sink    sink.Sink
	dlq     *dlq.Handler
	logger  *observability.TraceLogger
	metrics *observability.Metrics
	tracer  trace.Tracer
	newID   func() string
}

// New creates a Dispatcher. dlqHandler may be nil, in which case rejected
// notifications are left unacknowledged.
func New(cfg Config, sk sink.Sink, dlqHandler *dlq.Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		config: cfg,
		sink:   sk,
		dlq:    dlqHandler,
		logger: observability.NewTraceLogger(logger.With(
			"subscription_name", cfg.Subscription,
			"subscription_project", cfg.Project,
		)),
		tracer: noop.NewTracerProvider().Tracer("dispatcher"),
		newID:  func() string { return uuid.New().String() },
	}
}

// SetMetrics enables metrics recording.
func (d *Dispatcher) SetMetrics(m *observability.Metrics) {
	d.metrics = m
}

// SetTracer sets the tracer for the dispatcher.
func (d *Dispatcher) SetTracer(tracer trace.Tracer) {
	d.tracer = tracer
}

// Config returns the dispatcher configuration.
func (d *Dispatcher) Config() Config { return d.config }

// Handle processes one notification. Rejected notifications are logged and
// return nil. A delivery failure is returned and the notification is left
// unacknowledged.
func (d *Dispatcher) Handle(ctx context.Context, n *source.Notification) error {
	start := time.Now()
	kind := d.config.Kind

	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanDispatch,
		trace.WithAttributes(
			tracing.KindAttr(kind.Name),
			tracing.SubscriptionAttr(d.config.Subscription),
			tracing.MessageIDAttr(n.ID),
		),
	)
	defer span.End()

	log := d.logger.With("message_id", n.ID)

	if err := validate.Attributes(n.Attributes, kind.Attributes); err != nil {
		d.reject(ctx, log, n, err)
		return nil
	}
	for _, f := range kind.AttributeFields {
		log = log.With(f.LogKey, n.Attributes[f.Attribute])
	}

	payload, err := validate.Validate(n.Data, kind.Contract)
	d.observe("validate", start)
	if err != nil {
		d.reject(ctx, log, n, err)
		return nil
	}

	canonical, route, rec := kind.Map(payload, d.config.Routes)
	body, err := canonical.Marshal()
	if err != nil {
		tracing.SetSpanError(span, err)
		return fmt.Errorf("marshal %s event: %w", kind.Name, err)
	}

	publishStart := time.Now()
	err = d.sink.Deliver(ctx, sink.Delivery{
		Exchange:    route.Exchange,
		RoutingKey:  route.RoutingKey,
		Body:        body,
		ContentType: ContentType,
		MessageID:   d.newID(),
		Headers:     correlation.AddToHeaders(nil, d.correlationID(ctx, n)),
	})
	d.observe("publish", publishStart)
	if err != nil {
		log.Error(ctx, "Failed to publish message",
			"exchange", route.Exchange,
			"routing_key", route.RoutingKey,
			"error", err,
		)
		d.count(observability.OutcomeFailed)
		if d.metrics != nil {
			var perr *sink.PublishError
			errKind := string(sink.PublishFailed)
			if errors.As(err, &perr) {
				errKind = string(perr.Kind)
			}
			d.metrics.PublishErrors.WithLabelValues(route.Exchange, errKind).Inc()
		}
		tracing.SetSpanError(span, err)
		return fmt.Errorf("publish message %s: %w", n.ID, err)
	}

	n.Ack()
	d.count(observability.OutcomeForwarded)
	d.observe("total", start)
	log.Log(ctx, kind.SuccessLevel, "Message processing complete", rec.LogAttrs()...)
	tracing.SetSpanOK(span)
	return nil
}

func (d *Dispatcher) correlationID(ctx context.Context, n *source.Notification) correlation.ID {
	if id, ok := correlation.FromContext(ctx); ok {
		return id
	}
	return correlation.ExtractOrGenerate(n.Attributes)
}

// reject logs a validation failure and, when a dead-letter handler is set,
// dead-letters and acks the notification.
func (d *Dispatcher) reject(ctx context.Context, log *observability.TraceLogger, n *source.Notification, err error) {
	var verr *validate.Error
	if !errors.As(err, &verr) {
		verr = &validate.Error{Kind: validate.MalformedPayload, Err: err}
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(tracing.ErrorTypeAttr(string(verr.Kind)))
	tracing.SetSpanOKWithMessage(span, "rejected")

	msg, fields := d.rejection(verr)
	log.Error(ctx, msg, fields...)
	if d.metrics != nil {
		d.metrics.ValidationErrors.WithLabelValues(d.config.Subscription, string(verr.Kind)).Inc()
	}

	if d.dlq == nil {
		d.count(observability.OutcomeRejected)
		return
	}
	info := dlq.FailureInfo{
		Subscription:  d.config.Subscription,
		Project:       d.config.Project,
		ErrorCode:     string(verr.Kind),
		ErrorMessage:  verr.Error(),
		CorrelationID: d.correlationID(ctx, n).Value,
	}
	if err := d.dlq.Send(ctx, n, info); err != nil {
		log.Error(ctx, "Failed to dead-letter message", "error", err)
		d.count(observability.OutcomeRejected)
		return
	}
	n.Ack()
	d.count(observability.OutcomeDeadLetter)
	if d.metrics != nil {
		d.metrics.DLQTotal.WithLabelValues(d.config.Subscription).Inc()
	}
	log.Warn(ctx, "Message dead-lettered",
		"exchange", d.dlq.Exchange(),
		"routing_key", d.dlq.RoutingKey(d.config.Subscription),
		"error_kind", string(verr.Kind),
	)
}

func (d *Dispatcher) rejection(verr *validate.Error) (string, []any) {
	switch verr.Kind {
	case validate.MissingAttribute:
		return "Pub/Sub Message missing required attribute", []any{"missing_attribute", verr.Field}
	case validate.UnknownEventType:
		return "Unknown Pub/Sub Message eventType", []any{verr.Field, verr.Value}
	case validate.MissingField:
		return "Pub/Sub Message missing required data", []any{"missing_json_key", verr.Field}
	case validate.InvalidFieldType:
		return "Pub/Sub Message has invalid data type", []any{"invalid_json_key", verr.Field, "json_type", verr.Value}
	case validate.InvalidTimestamp:
		format := verr.Field
		if f := d.config.Kind.DateTimeFormat; f != "" {
			format = f + " " + verr.Field
		}
		return "Pub/Sub Message has invalid " + format + " datetime string", []any{verr.Field, verr.Value}
	default:
		return "Pub/Sub Message data not JSON", []any{"error", verr.Error()}
	}
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics == nil {
		return
	}
	d.metrics.MessagesTotal.WithLabelValues(d.config.Subscription, outcome).Inc()
}

func (d *Dispatcher) observe(phase string, since time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.DispatchDuration.WithLabelValues(d.config.Subscription, phase).Observe(time.Since(since).Seconds())
}
