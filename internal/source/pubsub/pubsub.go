// Package pubsub receives notifications from a Google Cloud Pub/Sub
// subscription.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/receipt-bridge/internal/correlation"
	"github.com/lsm/receipt-bridge/internal/source"
	"github.com/lsm/receipt-bridge/internal/tracing"
)

// Config holds Pub/Sub source configuration.
type Config struct {
	Project      string
	Subscription string
	// MaxOutstanding bounds in-flight messages; zero keeps the client default.
	MaxOutstanding int
}

// receiver abstracts *pubsub.Subscription for testing.
type receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Source streams messages from one existing subscription.
type Source struct {
	sub     receiver
	name    string
	project string
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewSource creates a source for cfg.Subscription. The subscription must
// already exist; it is not created here.
func NewSource(client *pubsub.Client, cfg Config, logger *slog.Logger) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if cfg.Subscription == "" {
		return nil, fmt.Errorf("subscription is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sub := client.Subscription(cfg.Subscription)
	if cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	}

	return &Source{
		sub:     sub,
		name:    cfg.Subscription,
		project: cfg.Project,
		logger:  logger,
		tracer:  noop.NewTracerProvider().Tracer("pubsub-source"),
	}, nil
}

// SetTracer sets the tracer for the source.
func (s *Source) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Start receives messages until ctx is cancelled or the handler fails. A
// message the handler leaves unsettled is nacked so the subscription's retry
// policy decides when it comes back. The first handler error stops the
// receive loop and is returned.
func (s *Source) Start(ctx context.Context, handler source.Handler) error {
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		fatal error
	)

	s.logger.Info("Listening for messages",
		"subscription_name", s.name,
		"subscription_project", s.project,
	)

	err := s.sub.Receive(recvCtx, func(msgCtx context.Context, msg *pubsub.Message) {
		n := source.NewNotification(msg.ID, msg.Data, msg.Attributes, msg.Ack, msg.Nack)
		n.PublishTime = msg.PublishTime
		if msg.DeliveryAttempt != nil {
			n.DeliveryAttempt = *msg.DeliveryAttempt
		}

		corrID := correlation.ExtractOrGenerate(msg.Attributes)
		spanCtx, span := tracing.StartSpan(correlation.ExtractTraceContext(msgCtx, msg.Attributes), s.tracer, tracing.SpanPubSubReceive,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				tracing.SubscriptionAttr(s.name),
				tracing.MessageIDAttr(msg.ID),
				tracing.CorrelationAttr(corrID.Value),
			),
		)
		defer span.End()

		herr := handler(correlation.WithID(spanCtx, corrID), n)
		if !n.Settled() {
			n.Nack()
		}
		if herr != nil {
			tracing.SetSpanError(span, herr)
			mu.Lock()
			if fatal == nil {
				fatal = herr
			}
			mu.Unlock()
			cancel()
			return
		}
		tracing.SetSpanOK(span)
	})

	mu.Lock()
	defer mu.Unlock()
	if fatal != nil {
		return fatal
	}
	if err != nil {
		return fmt.Errorf("receive %s: %w", s.name, err)
	}
	return ctx.Err()
}

// Close is a no-op; the shared client is closed by its owner.
func (s *Source) Close() error { return nil }
