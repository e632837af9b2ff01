package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	logx "tgsender/pkg/logx"
)

const (
	deadLetterExchange   = "dlx_exchange"
	deadLetterRoutingKey = "dlx_routing_key"
	queueMessageTTLMS    = 60000
)

// AMQP consumes the durable inbound queue and publishes retries to the
// delayed exchange.
type AMQP struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	queue           string
	delayedExchange string
	log             logx.Logger

	wg sync.WaitGroup
}

type Options struct {
	URL             string
	Queue           string
	DelayedExchange string
	Prefetch        int
}

// Connect dials the broker and declares the queue and delayed exchange.
// Queue arguments mirror the producer side: message TTL plus dead-letter
// routing for rejected messages.
func Connect(opt Options, log logx.Logger) (*AMQP, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.DelayedExchange == "" {
		opt.DelayedExchange = "delayed_exchange"
	}
	if opt.Prefetch <= 0 {
		opt.Prefetch = 16
	}

	conn, err := amqp.Dial(opt.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.Qos(opt.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}

	if _, err := ch.QueueDeclare(opt.Queue, true, false, false, false, amqp.Table{
		"x-message-ttl":             int32(queueMessageTTLMS),
		"x-dead-letter-exchange":    deadLetterExchange,
		"x-dead-letter-routing-key": deadLetterRoutingKey,
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", opt.Queue, err)
	}

	// Requires the delayed-message plugin on the broker.
	if err := ch.ExchangeDeclare(opt.DelayedExchange, "x-delayed-message", true, false, false, false, amqp.Table{
		"x-delayed-type": "topic",
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare delayed exchange: %w", err)
	}

	return &AMQP{
		conn:            conn,
		ch:              ch,
		queue:           opt.Queue,
		delayedExchange: opt.DelayedExchange,
		log:             log,
	}, nil
}

// Consume runs handler for every delivery until ctx is done or the
// deliveries channel closes. Each delivery is handled in its own
// goroutine; concurrency is bounded by the channel prefetch.
func (a *AMQP) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := a.ch.Consume(a.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp deliveries channel closed")
			}
			a.wg.Add(1)
			go func(d amqp.Delivery) {
				defer a.wg.Done()
				if err := handler(ctx, &amqpDelivery{d: d}); err != nil {
					// The interceptor has already routed the failure;
					// this is observability only.
					a.log.Debug("event handling failed", logx.Err(err))
				}
			}(d)
		}
	}
}

func (a *AMQP) PublishDelayed(ctx context.Context, routingKey string, body []byte, headers map[string]any) error {
	return a.ch.PublishWithContext(ctx, a.delayedExchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Headers:      amqp.Table(headers),
		DeliveryMode: amqp.Persistent,
	})
}

// Close waits for in-flight handlers, then tears the connection down.
func (a *AMQP) Close() error {
	a.wg.Wait()
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

type amqpDelivery struct {
	d amqp.Delivery
}

func (x *amqpDelivery) Body() []byte { return x.d.Body }

func (x *amqpDelivery) Headers() map[string]any { return x.d.Headers }

func (x *amqpDelivery) MessageID() string { return x.d.MessageId }

func (x *amqpDelivery) RoutingKey() string { return x.d.RoutingKey }

func (x *amqpDelivery) Ack() error { return x.d.Ack(false) }

func (x *amqpDelivery) Reject() error { return x.d.Nack(false, false) }
