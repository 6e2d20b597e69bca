package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/receipt-bridge/internal/config"
	"github.com/lsm/receipt-bridge/internal/dlq"
	"github.com/lsm/receipt-bridge/internal/event"
	"github.com/lsm/receipt-bridge/internal/observability"
	"github.com/lsm/receipt-bridge/internal/pipeline"
	"github.com/lsm/receipt-bridge/internal/registry"
	"github.com/lsm/receipt-bridge/internal/sink"
	amqpsink "github.com/lsm/receipt-bridge/internal/sink/amqp"
	kafkasink "github.com/lsm/receipt-bridge/internal/sink/kafka"
	pubsubsource "github.com/lsm/receipt-bridge/internal/source/pubsub"
	"github.com/lsm/receipt-bridge/internal/tracing"
)

const serviceName = "receipt-bridge"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// bridgeSink is a sink that can also declare its destinations.
type bridgeSink interface {
	sink.Sink
	sink.TopologyDeclarer
	SetTracer(trace.Tracer)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(serviceName, observability.GetLogLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	// Health + metrics HTTP server
	health := observability.NewHealthServer()
	httpServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           health.Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	tracer, shutdownTracing, err := tracing.Initialize(ctx, tracing.GetConfig(serviceName), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	sk, err := buildSink(cfg, logger)
	if err != nil {
		return err
	}
	sk.SetTracer(tracer)

	var dlqHandler *dlq.Handler
	if cfg.Rabbit.DeadLetterExchange != "" {
		dlqHandler = dlq.NewHandler(sk, cfg.Rabbit.DeadLetterExchange, dlq.WithTracer(tracer))
	}

	// Connection test and topology; failure here stops startup.
	if err := sk.DeclareTopology(ctx, topologies(cfg, dlqHandler)...); err != nil {
		_ = sk.Close()
		return fmt.Errorf("declare topology: %w", err)
	}

	listeners, clients, err := buildRegistry(ctx, cfg, sk, dlqHandler, tracer, metrics, logger)
	if err != nil {
		closeClients(clients, logger)
		_ = sk.Close()
		return err
	}

	readiness := observability.NewReadinessFile(cfg.ReadinessFile, logger)
	if err := readiness.Create(); err != nil {
		closeClients(clients, logger)
		_ = sk.Close()
		return err
	}
	health.SetReady(true)

	runErr := listeners.Run(ctx)

	// Graceful shutdown
	health.SetReady(false)
	readiness.Remove()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := listeners.Close(); err != nil {
		logger.Error("source shutdown error", "error", err)
	}
	closeClients(clients, logger)
	if err := sk.Close(); err != nil {
		logger.Error("sink shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

func buildSink(cfg *config.Config, logger *slog.Logger) (bridgeSink, error) {
	switch cfg.Sink {
	case config.SinkKafka:
		s, err := kafkasink.NewSink(kafkasink.Config{Cluster: &cfg.Kafka}, logger.With("sink", "kafka"))
		if err != nil {
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		return s, nil
	default:
		p, err := amqpsink.NewPublisher(amqpsink.Config{
			Host:           cfg.Rabbit.Host,
			Port:           cfg.Rabbit.Port,
			VirtualHost:    cfg.Rabbit.VirtualHost,
			Username:       cfg.Rabbit.Username,
			Password:       cfg.Rabbit.Password,
			ConnectionName: serviceName,
			ConfirmTimeout: 30 * time.Second,
		}, logger.With("sink", "amqp"))
		if err != nil {
			return nil, fmt.Errorf("amqp sink: %w", err)
		}
		return p, nil
	}
}

func topologies(cfg *config.Config, dlqHandler *dlq.Handler) []sink.Topology {
	ts := []sink.Topology{
		{
			Exchange:   cfg.Rabbit.Exchange,
			Queue:      cfg.Rabbit.Queue,
			BindingKey: cfg.Rabbit.RoutingKey,
		},
		{
			Exchange:   cfg.Rabbit.Exchange,
			Queue:      cfg.Rabbit.UndeliveredQueue,
			BindingKey: cfg.Rabbit.UndeliveredRoutingKey,
		},
	}
	if dlqHandler != nil {
		ts = append(ts, dlqHandler.Topology())
	}
	return ts
}

// binding pairs a kind with its configured subscription.
type binding struct {
	kind event.Kind
	sub  config.Subscription
}

func enabledBindings(cfg *config.Config) []binding {
	all := []binding{
		{event.Submission, cfg.Subscriptions.Receipt},
		{event.Offline, cfg.Subscriptions.Offline},
		{event.PPOUndelivered, cfg.Subscriptions.PPOUndelivered},
		{event.QMUndelivered, cfg.Subscriptions.QMUndelivered},
	}
	var enabled []binding
	for _, b := range all {
		if b.sub.Enabled() {
			enabled = append(enabled, b)
		}
	}
	return enabled
}

func buildRegistry(
	ctx context.Context,
	cfg *config.Config,
	sk sink.Sink,
	dlqHandler *dlq.Handler,
	tracer trace.Tracer,
	metrics *observability.Metrics,
	logger *slog.Logger,
) (*registry.Registry, map[string]*pubsub.Client, error) {
	routes := event.Routes{
		Exchange:       cfg.Rabbit.Exchange,
		CaseResponses:  cfg.Rabbit.RoutingKey,
		UndeliveredKey: cfg.Rabbit.UndeliveredRoutingKey,
	}

	reg := registry.New(logger)
	reg.SetMetrics(metrics)
	clients := make(map[string]*pubsub.Client)

	for _, b := range enabledBindings(cfg) {
		client, ok := clients[b.sub.Project]
		if !ok {
			var err error
			client, err = pubsub.NewClient(ctx, b.sub.Project)
			if err != nil {
				return nil, clients, fmt.Errorf("pubsub client for %s: %w", b.sub.Project, err)
			}
			clients[b.sub.Project] = client
		}

		src, err := pubsubsource.NewSource(client, pubsubsource.Config{
			Project:        b.sub.Project,
			Subscription:   b.sub.Name,
			MaxOutstanding: cfg.MaxOutstanding,
		}, logger)
		if err != nil {
			return nil, clients, fmt.Errorf("%s source: %w", b.kind.Name, err)
		}
		src.SetTracer(tracer)

		d := pipeline.New(pipeline.Config{
			Kind:         b.kind,
			Subscription: b.sub.Name,
			Project:      b.sub.Project,
			Routes:       routes,
		}, sk, dlqHandler, logger)
		d.SetMetrics(metrics)
		d.SetTracer(tracer)

		if err := reg.Register(registry.Binding{
			Kind:         b.kind.Name,
			Subscription: b.sub.Name,
			Project:      b.sub.Project,
			Source:       src,
			Dispatcher:   d,
		}); err != nil {
			return nil, clients, err
		}
	}
	return reg, clients, nil
}

func closeClients(clients map[string]*pubsub.Client, logger *slog.Logger) {
	for project, c := range clients {
		if err := c.Close(); err != nil {
			logger.Error("pubsub client close error", "project", project, "error", err)
		}
	}
}
