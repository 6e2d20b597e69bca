// Package registry binds each configured subscription to its source and
// dispatcher and supervises the listeners.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lsm/receipt-bridge/internal/observability"
	"github.com/lsm/receipt-bridge/internal/pipeline"
	"github.com/lsm/receipt-bridge/internal/source"
)

// Binding is one logical subscription. Built at startup, never mutated.
type Binding struct {
	Kind         string
	Subscription string
	Project      string
	Source       source.Source
	Dispatcher   *pipeline.Dispatcher
}

// Registry runs one long-lived listener per binding.
type Registry struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	bindings []Binding
	running  bool
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// SetMetrics enables the active listener gauge.
func (r *Registry) SetMetrics(m *observability.Metrics) {
	r.metrics = m
}

// Register adds a binding. Bindings must be registered before Run.
func (r *Registry) Register(b Binding) error {
	if b.Source == nil {
		return fmt.Errorf("binding %s: source is required", b.Kind)
	}
	if b.Dispatcher == nil {
		return fmt.Errorf("binding %s: dispatcher is required", b.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("binding %s: registry already running", b.Kind)
	}
	for _, existing := range r.bindings {
		if existing.Kind == b.Kind {
			return fmt.Errorf("binding %s: already registered", b.Kind)
		}
	}
	r.bindings = append(r.bindings, b)
	return nil
}

// Bindings returns a copy of the registered bindings.
func (r *Registry) Bindings() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Binding(nil), r.bindings...)
}

// Run starts every listener and blocks until ctx is cancelled or one
// listener fails. The first failure cancels the others and is returned;
// cancellation alone returns nil.
func (r *Registry) Run(ctx context.Context) error {
	r.mu.Lock()
	if len(r.bindings) == 0 {
		r.mu.Unlock()
		return errors.New("no subscriptions registered")
	}
	r.running = true
	bindings := append([]Binding(nil), r.bindings...)
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range bindings {
		g.Go(func() error {
			return r.listen(gctx, b)
		})
	}
	return g.Wait()
}

func (r *Registry) listen(ctx context.Context, b Binding) error {
	log := r.logger.With("kind", b.Kind, "subscription_name", b.Subscription, "subscription_project", b.Project)
	log.Debug("Starting listener")

	if r.metrics != nil {
		r.metrics.ListenersActive.Inc()
		defer r.metrics.ListenersActive.Dec()
	}

	err := b.Source.Start(ctx, b.Dispatcher.Handle)
	if err == nil || errors.Is(err, context.Canceled) {
		log.Info("Listener stopped")
		return nil
	}
	log.Error("Listener failed", "error", err)
	return fmt.Errorf("listener %s (%s): %w", b.Kind, b.Subscription, err)
}

// Close closes every source and returns the joined errors.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, b := range r.bindings {
		if err := b.Source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.Kind, err))
		}
	}
	return errors.Join(errs...)
}
