package source

import (
	"context"
	"sync"
	"time"
)

// Notification is one message delivered by an inbound subscription. It is
// consumed by exactly one handler and never mutated after delivery.
type Notification struct {
	ID              string
	Data            []byte
	Attributes      map[string]string
	PublishTime     time.Time
	DeliveryAttempt int

	once    sync.Once
	acked   bool
	settled bool
	mu      sync.Mutex
	ack     func()
	nack    func()
}

// NewNotification builds a Notification whose Ack and Nack call the given
// transport functions. Either function may be nil.
func NewNotification(id string, data []byte, attrs map[string]string, ack, nack func()) *Notification {
	return &Notification{
		ID:         id,
		Data:       data,
		Attributes: attrs,
		ack:        ack,
		nack:       nack,
	}
}

// Ack acknowledges the notification. Only the first Ack or Nack reaches the
// transport.
func (n *Notification) Ack() { n.settle(true) }

// Nack returns the notification to the transport for redelivery.
func (n *Notification) Nack() { n.settle(false) }

func (n *Notification) settle(ack bool) {
	n.once.Do(func() {
		n.mu.Lock()
		n.settled = true
		n.acked = ack
		n.mu.Unlock()
		if ack && n.ack != nil {
			n.ack()
		}
		if !ack && n.nack != nil {
			n.nack()
		}
	})
}

// Settled reports whether Ack or Nack has been called.
func (n *Notification) Settled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.settled
}

// Acked reports whether the notification was acknowledged.
func (n *Notification) Acked() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.acked
}

// Handler processes one notification. A non-nil error means the listener
// cannot continue; validation problems are handled inside and return nil.
type Handler func(context.Context, *Notification) error

// Source delivers notifications from an external subscription.
type Source interface {
	// Start begins receiving. Blocks until ctx is cancelled or a handler
	// returns an error, which Start then returns.
	Start(ctx context.Context, handler Handler) error

	// Close performs graceful shutdown.
	Close() error
}
