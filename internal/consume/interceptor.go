// Package consume wraps inbound event handling with the retry /
// dead-letter state machine.
//
// The interceptor itself is stateless: backoff scheduling is delegated to
// the broker's delayed redelivery path, so retries survive process
// restarts.
package consume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tgsender/internal/broker"
	"tgsender/internal/eventbus"
	"tgsender/internal/storage"
	logx "tgsender/pkg/logx"
)

// HandlerFunc processes one decoded envelope.
type HandlerFunc func(ctx context.Context, e broker.Envelope) error

// Middleware wraps a HandlerFunc. Composed at startup via Chain.
type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// ValidationError marks a payload that can never succeed; it is
// dead-lettered immediately without spending retry budget.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// ErrNoRoutingKey: a failed event without its original routing key cannot
// be redelivered anywhere. Terminal, and an operational anomaly.
var ErrNoRoutingKey = errors.New("no original routing key in headers")

const defaultMaxRetries = 5

type Config struct {
	MaxRetries int
}

// Interceptor implements:
//
//	Received -> Validating -> { Invalid -> DeadLetter
//	                          ; Valid -> Executing -> { Success -> Ack
//	                                                  ; Failure -> Decide } }
//	Decide -> { retryCount >= max -> DeadLetter ; else -> ScheduleRedelivery }
type Interceptor struct {
	cfg     Config
	pub     broker.Publisher
	log     logx.Logger
	bus     eventbus.Bus
	archive storage.Store
}

func New(cfg Config, pub broker.Publisher, log logx.Logger, bus eventbus.Bus, archive storage.Store) *Interceptor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Interceptor{cfg: cfg, pub: pub, log: log, bus: bus, archive: archive}
}

// Backoff returns the redelivery delay for a given retry count:
// 2^retryCount seconds.
func Backoff(retryCount int) time.Duration {
	return time.Duration(int64(1)<<retryCount) * time.Second
}

// Wrap turns a HandlerFunc into a broker.Handler that acks, redelivers or
// dead-letters per the state machine above. Handler errors are propagated
// to the caller even when a redelivery was scheduled.
func (i *Interceptor) Wrap(handler HandlerFunc) broker.Handler {
	return func(ctx context.Context, d broker.Delivery) error {
		env, err := broker.Decode(d.Body(), d.Headers(), d.MessageID())
		if err != nil {
			i.log.Error("undecodable event dead-lettered", logx.Err(err))
			i.deadLetter(ctx, d, broker.Envelope{MessageID: d.MessageID(), Pattern: d.RoutingKey()}, err)
			return &ValidationError{Reason: err.Error()}
		}

		log := i.log.With(logx.String("msg_id", env.MessageID), logx.String("pattern", env.Pattern))
		log.Debug("handling event", logx.Int("retry", env.RetryCount))

		err = handler(ctx, env)
		if err == nil {
			if ackErr := d.Ack(); ackErr != nil {
				log.Warn("ack failed", logx.Err(ackErr))
			}
			log.Debug("event processed")
			return nil
		}

		var verr *ValidationError
		if errors.As(err, &verr) {
			log.Error("invalid payload dead-lettered", logx.Err(err))
			i.deadLetter(ctx, d, env, err)
			return err
		}

		log.Error("event handler failed", logx.Err(err), logx.Int("retry", env.RetryCount))

		if env.RetryCount >= i.cfg.MaxRetries {
			log.Error("retry budget exhausted, dead-lettering")
			i.deadLetter(ctx, d, env, err)
			return err
		}

		if env.OriginalRoutingKey == "" {
			log.Error("cannot redeliver", logx.Err(ErrNoRoutingKey))
			i.deadLetter(ctx, d, env, ErrNoRoutingKey)
			return err
		}

		delay := Backoff(env.RetryCount)
		body, headers, encErr := env.EncodeRetry(delay.Milliseconds())
		if encErr != nil {
			i.deadLetter(ctx, d, env, fmt.Errorf("%w (encode retry: %v)", err, encErr))
			return err
		}
		if pubErr := i.pub.PublishDelayed(ctx, env.OriginalRoutingKey, body, headers); pubErr != nil {
			// Leave the original unacked: the broker redelivers it and the
			// retry count is unchanged, which only means one extra attempt.
			log.Error("redelivery publish failed", logx.Err(pubErr))
			return err
		}

		log.Warn("redelivery scheduled",
			logx.Duration("after", delay),
			logx.String("routing_key", env.OriginalRoutingKey),
		)
		if ackErr := d.Ack(); ackErr != nil {
			log.Warn("ack after republish failed", logx.Err(ackErr))
		}
		return err
	}
}

func (i *Interceptor) deadLetter(ctx context.Context, d broker.Delivery, env broker.Envelope, cause error) {
	if err := d.Reject(); err != nil {
		i.log.Warn("reject failed", logx.Err(err))
	}
	if i.bus != nil {
		i.bus.Publish(eventbus.Event{Type: eventbus.TypeDeadLetter, Data: eventbus.Outcome{
			Kind:  env.Pattern,
			Error: cause.Error(),
		}})
	}
	if i.archive == nil {
		return
	}
	dl := storage.DeadLetter{
		Source:    storage.SourceConsumer,
		MessageID: env.MessageID,
		Pattern:   env.Pattern,
		Attempts:  env.RetryCount,
		Payload:   string(env.Payload),
		Error:     cause.Error(),
	}
	if err := i.archive.AppendDeadLetter(ctx, dl); err != nil && !errors.Is(err, storage.ErrDisabled) {
		i.log.Warn("dead-letter archive write failed", logx.Err(err))
	}
}

// MWRecover converts handler panics into errors so one poisoned event
// cannot take a consumer goroutine down.
func MWRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, e broker.Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered", logx.Any("panic", r))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, e)
		}
	}
}

// MWLog logs per-event timing around the handler.
func MWLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, e broker.Envelope) error {
			start := time.Now()
			err := next(ctx, e)
			fields := []logx.Field{
				logx.String("msg_id", e.MessageID),
				logx.String("pattern", e.Pattern),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				log.Warn("event failed", append(fields, logx.Err(err))...)
			} else {
				log.Info("event ok", fields...)
			}
			return err
		}
	}
}
