package sink

import (
	"context"
	"fmt"
)

// Delivery is one outbound message.
type Delivery struct {
	Exchange    string
	RoutingKey  string
	Body        []byte
	ContentType string
	MessageID   string
	Headers     map[string]string
}

// Sink delivers canonical events to a broker.
type Sink interface {
	// Deliver publishes d and waits for the broker to accept it.
	// Returns nil on success. The dispatcher acknowledges the inbound
	// notification only after Deliver returns nil.
	Deliver(ctx context.Context, d Delivery) error

	// Close performs graceful shutdown.
	Close() error
}

// Topology is an exchange, a queue bound to it, and the binding key.
type Topology struct {
	Exchange     string
	ExchangeType string
	Queue        string
	BindingKey   string

	// Optional dead-lettering arguments for the queue.
	DeadLetterExchange   string
	DeadLetterRoutingKey string
}

// TopologyDeclarer is implemented by sinks that can create their
// destinations. Declaring is idempotent.
type TopologyDeclarer interface {
	DeclareTopology(ctx context.Context, topologies ...Topology) error
}

// ErrorKind classifies a PublishError.
type ErrorKind string

const (
	// PublishFailed means the broker refused or did not confirm the message.
	PublishFailed ErrorKind = "PUBLISH_FAILED"
	// ConnectionError means the broker could not be reached.
	ConnectionError ErrorKind = "CONNECTION_ERROR"
)

// PublishError is returned by Deliver when a message was not accepted.
type PublishError struct {
	Kind       ErrorKind
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: exchange %q routing key %q", e.Kind, e.Exchange, e.RoutingKey)
	}
	return fmt.Sprintf("%s: exchange %q routing key %q: %v", e.Kind, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
