// Package amqp publishes canonical events to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/receipt-bridge/internal/correlation"
	"github.com/lsm/receipt-bridge/internal/sink"
	"github.com/lsm/receipt-bridge/internal/tracing"
)

// Config holds RabbitMQ connection settings.
type Config struct {
	Host        string
	Port        int
	VirtualHost string
	Username    string
	Password    string

	// ConnectionName is shown in the management UI.
	ConnectionName string
	DialTimeout    time.Duration
	// ConfirmTimeout bounds the wait for a publisher confirm. Zero waits
	// for as long as the caller's context allows.
	ConfirmTimeout time.Duration
}

// URI returns the AMQP URI for the configured broker.
func (c Config) URI() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VirtualHost,
	}.String()
}

// confirmation is the broker's answer to one publish.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	Close() error
}

type connection interface {
	OpenChannel() (channel, error)
	IsClosed() bool
	Close() error
}

type dialFunc func(cfg Config) (connection, error)

// Publisher is a sink.Sink on one reused connection and confirm-mode
// channel. Deliveries are serialized by a mutex.
type Publisher struct {
	cfg    Config
	dial   dialFunc
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	conn     connection
	ch       channel
	returns  chan amqp.Return
	chClosed chan *amqp.Error
	topology []sink.Topology
	closed   bool
}

// NewPublisher creates a publisher. No connection is made until the first
// Connect, DeclareTopology or Deliver.
func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 5672
	}
	if cfg.VirtualHost == "" {
		cfg.VirtualHost = "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		dial:   dial,
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("amqp-sink"),
	}, nil
}

// SetTracer sets the tracer for the publisher.
func (p *Publisher) SetTracer(tracer trace.Tracer) {
	p.tracer = tracer
}

// Connect opens the connection and channel if they are not already open.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return &sink.PublishError{Kind: sink.ConnectionError, Err: err}
	}
	return nil
}

// DeclareTopology declares each topology now and again after every
// reconnect.
func (p *Publisher) DeclareTopology(ctx context.Context, topologies ...sink.Topology) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(); err != nil {
		return &sink.PublishError{Kind: sink.ConnectionError, Err: err}
	}
	for _, t := range topologies {
		if err := declare(p.ch, t); err != nil {
			p.teardownLocked()
			return fmt.Errorf("declare %s/%s: %w", t.Exchange, t.Queue, err)
		}
		p.topology = append(p.topology, t)
	}
	return nil
}

// Deliver publishes d as a persistent mandatory message and waits for the
// broker confirm. A nack, a return or any channel error is a
// *sink.PublishError and drops the connection; the next Deliver reconnects.
func (p *Publisher) Deliver(ctx context.Context, d sink.Delivery) error {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanAMQPPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			tracing.ExchangeAttr(d.Exchange),
			tracing.RoutingKeyAttr(d.RoutingKey),
		),
	)
	defer span.End()

	err := p.deliver(ctx, d)
	if err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (p *Publisher) deliver(ctx context.Context, d sink.Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fail := func(kind sink.ErrorKind, err error) error {
		p.teardownLocked()
		return &sink.PublishError{Kind: kind, Exchange: d.Exchange, RoutingKey: d.RoutingKey, Err: err}
	}

	if p.closed {
		return &sink.PublishError{Kind: sink.ConnectionError, Exchange: d.Exchange, RoutingKey: d.RoutingKey, Err: errors.New("publisher closed")}
	}
	if err := p.connectLocked(); err != nil {
		return fail(sink.ConnectionError, err)
	}
	p.drainReturnsLocked()

	headers := correlation.InjectTraceContext(ctx, maps.Clone(d.Headers))
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		table[k] = v
	}

	msg := amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageID,
		Timestamp:    time.Now().UTC(),
		Headers:      table,
		Body:         d.Body,
	}

	pubCtx := ctx
	if p.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
		defer cancel()
	}

	conf, err := p.ch.PublishConfirmed(pubCtx, d.Exchange, d.RoutingKey, msg)
	if err != nil {
		return fail(sink.PublishFailed, err)
	}
	acked, err := conf.WaitContext(pubCtx)
	if err != nil {
		return fail(sink.PublishFailed, fmt.Errorf("wait for confirm: %w", err))
	}
	if !acked {
		return fail(sink.PublishFailed, errors.New("broker nacked message"))
	}

	// basic.return precedes basic.ack on the channel, so an unroutable
	// message is already queued here.
	// A closed returns channel means the channel went away after the ack;
	// the next Deliver reconnects.
	select {
	case r, ok := <-p.returns:
		if ok {
			return fail(sink.PublishFailed, fmt.Errorf("message returned: %d %s", r.ReplyCode, r.ReplyText))
		}
	default:
	}
	return nil
}

func (p *Publisher) connectLocked() error {
	if p.closed {
		return errors.New("publisher closed")
	}
	if p.conn != nil && p.ch != nil && !p.conn.IsClosed() && !p.channelClosedLocked() {
		return nil
	}
	p.teardownLocked()

	conn, err := p.dial(p.cfg)
	if err != nil {
		return fmt.Errorf("dial %s:%d: %w", p.cfg.Host, p.cfg.Port, err)
	}
	ch, err := conn.OpenChannel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	returns := ch.NotifyReturn(make(chan amqp.Return, 8))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for _, t := range p.topology {
		if err := declare(ch, t); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("redeclare %s/%s: %w", t.Exchange, t.Queue, err)
		}
	}

	p.conn, p.ch, p.returns, p.chClosed = conn, ch, returns, chClosed
	p.logger.Debug("Connected to RabbitMQ", "host", p.cfg.Host, "port", p.cfg.Port, "virtual_host", p.cfg.VirtualHost)
	return nil
}

func (p *Publisher) drainReturnsLocked() {
	for {
		select {
		case _, ok := <-p.returns:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// channelClosedLocked reports whether the broker closed the channel while
// leaving the connection open, e.g. after a channel-level exception.
func (p *Publisher) channelClosedLocked() bool {
	select {
	case err, ok := <-p.chClosed:
		if ok {
			p.logger.Warn("RabbitMQ channel closed", "error", err)
		}
		return true
	default:
		return false
	}
}

func (p *Publisher) teardownLocked() error {
	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	p.conn, p.ch, p.returns, p.chClosed = nil, nil, nil, nil
	return errors.Join(errs...)
}

// Close closes the channel and connection. Later deliveries fail.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return p.teardownLocked()
}

func declare(ch channel, t sink.Topology) error {
	kind := t.ExchangeType
	if kind == "" {
		kind = amqp.ExchangeTopic
	}
	if err := ch.ExchangeDeclare(t.Exchange, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange: %w", err)
	}
	if t.Queue == "" {
		return nil
	}

	var args amqp.Table
	if t.DeadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": t.DeadLetterExchange}
		if t.DeadLetterRoutingKey != "" {
			args["x-dead-letter-routing-key"] = t.DeadLetterRoutingKey
		}
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := ch.QueueBind(t.Queue, t.BindingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	return nil
}
