// Package kafka delivers canonical events to Kafka topics. The exchange of
// a delivery names the topic and the routing key becomes the record key, so
// consumers can filter the same way a topic-exchange binding does.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/receipt-bridge/internal/correlation"
	"github.com/lsm/receipt-bridge/internal/kafka"
	"github.com/lsm/receipt-bridge/internal/sink"
	"github.com/lsm/receipt-bridge/internal/tracing"
)

// Record headers carrying the AMQP message properties.
const (
	HeaderContentType = "content-type"
	HeaderMessageID   = "message-id"
)

// producer abstracts the kafka client methods used by Sink for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type topicAdmin interface {
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
}

// Config holds Kafka sink configuration.
type Config struct {
	Cluster *kafka.ClusterConfig // Cluster config with auth/TLS (required)
	// Partitions and ReplicationFactor for created topics; -1 uses the
	// broker defaults.
	Partitions        int32
	ReplicationFactor int16
}

// Sink publishes deliveries as Kafka records.
type Sink struct {
	client            producer
	admin             topicAdmin
	partitions        int32
	replicationFactor int16
	logger            *slog.Logger
	tracer            trace.Tracer
}

// NewSink creates a new Kafka sink.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if err := cfg.Cluster.Validate(); err != nil {
		return nil, fmt.Errorf("cluster config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return newSink(client, kadm.NewClient(client), cfg, logger), nil
}

func newSink(client producer, admin topicAdmin, cfg Config, logger *slog.Logger) *Sink {
	partitions, rf := cfg.Partitions, cfg.ReplicationFactor
	if partitions == 0 {
		partitions = -1
	}
	if rf == 0 {
		rf = -1
	}
	return &Sink{
		client:            client,
		admin:             admin,
		partitions:        partitions,
		replicationFactor: rf,
		logger:            logger,
		tracer:            noop.NewTracerProvider().Tracer("kafka-sink"),
	}
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Deliver produces d to the topic named by d.Exchange and waits for all
// in-sync replicas.
func (s *Sink) Deliver(ctx context.Context, d sink.Delivery) error {
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			tracing.KafkaTopicAttr(d.Exchange),
			tracing.RoutingKeyAttr(d.RoutingKey),
		),
	)
	defer span.End()

	headers := correlation.InjectTraceContext(ctx, maps.Clone(d.Headers))
	if d.ContentType != "" {
		headers[HeaderContentType] = d.ContentType
	}
	if d.MessageID != "" {
		headers[HeaderMessageID] = d.MessageID
	}

	record := &kgo.Record{
		Topic: d.Exchange,
		Key:   []byte(d.RoutingKey),
		Value: d.Body,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	results := s.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		kind := sink.PublishFailed
		if errors.Is(err, kgo.ErrClientClosed) {
			kind = sink.ConnectionError
		}
		perr := &sink.PublishError{Kind: kind, Exchange: d.Exchange, RoutingKey: d.RoutingKey, Err: err}
		tracing.SetSpanError(span, perr)
		return perr
	}

	if r, err := results.First(); err == nil {
		span.SetAttributes(tracing.KafkaPartitionAttr(r.Partition), tracing.KafkaOffsetAttr(r.Offset))
	}
	tracing.SetSpanOK(span)
	s.logger.Debug("record produced",
		"topic", d.Exchange,
		"key", d.RoutingKey,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// DeclareTopology creates one topic per distinct exchange. Queues and
// bindings have no Kafka counterpart and are ignored.
func (s *Sink) DeclareTopology(ctx context.Context, topologies ...sink.Topology) error {
	seen := make(map[string]bool, len(topologies))
	var topics []string
	for _, t := range topologies {
		for _, name := range []string{t.Exchange, t.DeadLetterExchange} {
			if name != "" && !seen[name] {
				seen[name] = true
				topics = append(topics, name)
			}
		}
	}
	if len(topics) == 0 {
		return nil
	}

	resps, err := s.admin.CreateTopics(ctx, s.partitions, s.replicationFactor, nil, topics...)
	if err != nil {
		return &sink.PublishError{Kind: sink.ConnectionError, Err: fmt.Errorf("create topics: %w", err)}
	}

	var errs []error
	for _, topic := range topics {
		resp, ok := resps[topic]
		if !ok || resp.Err == nil || errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			continue
		}
		errs = append(errs, fmt.Errorf("create topic %s: %w", topic, resp.Err))
	}
	return errors.Join(errs...)
}

// Close flushes and closes the client.
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}
