package amqp

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultHeartbeat = 10 * time.Second

func dial(cfg Config) (connection, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	props := amqp.NewConnectionProperties()
	if cfg.ConnectionName != "" {
		props.SetClientConnectionName(cfg.ConnectionName)
	}
	conn, err := amqp.DialConfig(cfg.URI(), amqp.Config{
		Heartbeat:  defaultHeartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) OpenChannel() (channel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

// PublishConfirmed publishes with the mandatory flag set. Outside confirm
// mode the library returns no confirmation; that is treated as accepted.
func (c *amqpChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := c.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return accepted{}, nil
	}
	return dc, nil
}

type accepted struct{}

func (accepted) WaitContext(context.Context) (bool, error) { return true, nil }
