// Package broker abstracts inbound event consumption.
//
// The dispatcher only relies on ack / reject / delayed-republish semantics;
// durability and delivery guarantees belong to the broker itself.
package broker

import "context"

// Delivery is one inbound message. Exactly one of Ack or Reject must be
// called per delivery.
type Delivery interface {
	Body() []byte

	// Headers returns the transport-level headers (AMQP properties).
	Headers() map[string]any

	// MessageID returns the transport message id, "" if absent.
	MessageID() string

	// RoutingKey returns the key the message arrived under.
	RoutingKey() string

	// Ack removes the message from the source queue.
	Ack() error

	// Reject negatively acknowledges without requeue; the broker's
	// dead-letter exchange takes over from there.
	Reject() error
}

// Publisher republishes events onto the delay-capable redelivery path.
type Publisher interface {
	// PublishDelayed publishes body under routingKey on the delayed
	// exchange; headers must carry the x-delay the exchange honors.
	PublishDelayed(ctx context.Context, routingKey string, body []byte, headers map[string]any) error
}

// Handler processes one delivery. The consumer does not ack or reject
// on its own; that is the interceptor's job.
type Handler func(ctx context.Context, d Delivery) error
