// Package dlq dead-letters notifications that can never be processed.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/receipt-bridge/internal/sink"
	"github.com/lsm/receipt-bridge/internal/source"
	"github.com/lsm/receipt-bridge/internal/tracing"
)

// Header names set on dead-lettered messages.
const (
	HeaderSubscription    = "bridge-subscription"
	HeaderProject         = "bridge-subscription-project"
	HeaderMessageID       = "bridge-message-id"
	HeaderErrorCode       = "bridge-error-code"
	HeaderErrorMessage    = "bridge-error-message"
	HeaderDeliveryAttempt = "bridge-delivery-attempt"
	HeaderFailedAt        = "bridge-failed-at"
	HeaderCorrelationID   = "bridge-correlation-id"

	// AttributePrefix prefixes copied notification attributes.
	AttributePrefix = "bridge-attr-"
)

// FailureInfo describes why a notification was rejected.
type FailureInfo struct {
	Subscription  string
	Project       string
	ErrorCode     string
	ErrorMessage  string
	CorrelationID string
}

// Handler publishes rejected notifications, unchanged, to a dead-letter
// exchange.
type Handler struct {
	sink       sink.Sink
	exchange   string
	routingKey func(subscription string) string
	now        func() time.Time
	tracer     trace.Tracer
}

// Option configures a Handler.
type Option func(*Handler)

// WithRoutingKeyFunc overrides the default routing key naming function.
func WithRoutingKeyFunc(fn func(subscription string) string) Option {
	return func(h *Handler) {
		h.routingKey = fn
	}
}

// WithTracer sets the tracer used for dead-letter spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(h *Handler) {
		h.tracer = tracer
	}
}

// DefaultRoutingKey is the routing key used for a subscription's rejects.
func DefaultRoutingKey(subscription string) string {
	return "receipt-bridge.dead-letter." + subscription
}

// NewHandler creates a handler publishing to exchange through s.
func NewHandler(s sink.Sink, exchange string, opts ...Option) *Handler {
	h := &Handler{
		sink:       s,
		exchange:   exchange,
		routingKey: DefaultRoutingKey,
		now:        time.Now,
		tracer:     noop.NewTracerProvider().Tracer("dlq"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Exchange returns the dead-letter exchange name.
func (h *Handler) Exchange() string { return h.exchange }

// RoutingKey returns the routing key used for subscription.
func (h *Handler) RoutingKey(subscription string) string { return h.routingKey(subscription) }

// Send publishes the raw notification data with failure headers. It does
// not settle n.
func (h *Handler) Send(ctx context.Context, n *source.Notification, info FailureInfo) error {
	headers := make(map[string]string, len(n.Attributes)+8)
	for k, v := range n.Attributes {
		headers[AttributePrefix+k] = v
	}
	headers[HeaderSubscription] = info.Subscription
	headers[HeaderProject] = info.Project
	headers[HeaderMessageID] = n.ID
	headers[HeaderErrorCode] = info.ErrorCode
	headers[HeaderErrorMessage] = info.ErrorMessage
	headers[HeaderDeliveryAttempt] = strconv.Itoa(n.DeliveryAttempt)
	headers[HeaderFailedAt] = h.now().UTC().Format(time.RFC3339)
	if info.CorrelationID != "" {
		headers[HeaderCorrelationID] = info.CorrelationID
	}

	key := h.routingKey(info.Subscription)
	ctx, span := tracing.StartSpan(ctx, h.tracer, tracing.SpanDeadLetter,
		trace.WithAttributes(
			tracing.ExchangeAttr(h.exchange),
			tracing.RoutingKeyAttr(key),
			tracing.MessageIDAttr(n.ID),
			tracing.ErrorTypeAttr(info.ErrorCode),
		),
	)
	defer span.End()

	err := h.sink.Deliver(ctx, sink.Delivery{
		Exchange:    h.exchange,
		RoutingKey:  key,
		Body:        n.Data,
		ContentType: "application/octet-stream",
		MessageID:   n.ID,
		Headers:     headers,
	})
	if err != nil {
		tracing.SetSpanError(span, err)
		return fmt.Errorf("dead-letter to %s/%s: %w", h.exchange, key, err)
	}
	tracing.SetSpanOK(span)
	return nil
}

// Topology returns the exchange-only topology the handler publishes to.
func (h *Handler) Topology() sink.Topology {
	return sink.Topology{Exchange: h.exchange}
}
