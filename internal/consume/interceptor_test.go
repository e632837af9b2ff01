package consume

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tgsender/internal/broker"
	logx "tgsender/pkg/logx"
)

type fakeDelivery struct {
	body    []byte
	headers map[string]any
	msgID   string
	rkey    string

	acks    int
	rejects int
}

func (d *fakeDelivery) Body() []byte            { return d.body }
func (d *fakeDelivery) Headers() map[string]any { return d.headers }
func (d *fakeDelivery) MessageID() string       { return d.msgID }
func (d *fakeDelivery) RoutingKey() string      { return d.rkey }
func (d *fakeDelivery) Ack() error              { d.acks++; return nil }
func (d *fakeDelivery) Reject() error           { d.rejects++; return nil }

type published struct {
	routingKey string
	body       []byte
	headers    map[string]any
}

type fakePublisher struct {
	published []published
	err       error
}

func (p *fakePublisher) PublishDelayed(_ context.Context, rk string, body []byte, headers map[string]any) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, published{routingKey: rk, body: body, headers: headers})
	return nil
}

func envelopeBody(t *testing.T, retryCount int, withRoutingKey bool) []byte {
	t.Helper()
	headers := fmt.Sprintf(`"x-retry-count":%d,"message-id":"m1"`, retryCount)
	if withRoutingKey {
		headers += `,"x-original-routing-key":"tg.send"`
	}
	return []byte(`{"pattern":"tg.send","data":{"payload":{"chatId":"1"},"headers":{` + headers + `}}}`)
}

func newInterceptor(pub broker.Publisher) *Interceptor {
	return New(Config{MaxRetries: 5}, pub, logx.Nop(), nil, nil)
}

func TestSuccessAcks(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	d := &fakeDelivery{body: envelopeBody(t, 0, true)}

	h := newInterceptor(pub).Wrap(func(ctx context.Context, e broker.Envelope) error { return nil })
	if err := h(context.Background(), d); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if d.acks != 1 || d.rejects != 0 {
		t.Fatalf("acks=%d rejects=%d, want 1/0", d.acks, d.rejects)
	}
	if len(pub.published) != 0 {
		t.Fatal("success must not republish")
	}
}

func TestFailureSchedulesRedelivery(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	d := &fakeDelivery{body: envelopeBody(t, 2, true)}
	boom := errors.New("boom")

	h := newInterceptor(pub).Wrap(func(ctx context.Context, e broker.Envelope) error { return boom })
	err := h(context.Background(), d)
	if !errors.Is(err, boom) {
		t.Fatalf("handler error must propagate, got %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 republish, got %d", len(pub.published))
	}
	p := pub.published[0]
	if p.routingKey != "tg.send" {
		t.Fatalf("routing key = %q", p.routingKey)
	}
	if p.headers[broker.HeaderRetryCount] != 3 {
		t.Fatalf("retry count = %v, want 3", p.headers[broker.HeaderRetryCount])
	}
	if p.headers[broker.HeaderDelay] != int64(4000) {
		t.Fatalf("delay = %v, want 4000ms for retryCount=2", p.headers[broker.HeaderDelay])
	}
	if p.headers[broker.HeaderMessageID] != "m1#retry3" {
		t.Fatalf("message id = %v", p.headers[broker.HeaderMessageID])
	}
	// The original is acked so the broker does not redeliver it itself.
	if d.acks != 1 || d.rejects != 0 {
		t.Fatalf("acks=%d rejects=%d, want 1/0", d.acks, d.rejects)
	}
}

func TestBackoffDoubles(t *testing.T) {
	t.Parallel()
	for retry := 0; retry < 5; retry++ {
		want := time.Duration(1<<retry) * 1000 * time.Millisecond
		if got := Backoff(retry); got != want {
			t.Fatalf("Backoff(%d) = %v, want %v", retry, got, want)
		}
	}
}

func TestExhaustedRetriesDeadLettersOnce(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	d := &fakeDelivery{body: envelopeBody(t, 5, true)}

	h := newInterceptor(pub).Wrap(func(ctx context.Context, e broker.Envelope) error {
		return errors.New("still failing")
	})
	if err := h(context.Background(), d); err == nil {
		t.Fatal("expected error to propagate")
	}
	if len(pub.published) != 0 {
		t.Fatal("exhausted event must not be redelivered")
	}
	if d.rejects != 1 || d.acks != 0 {
		t.Fatalf("rejects=%d acks=%d, want exactly one dead-letter", d.rejects, d.acks)
	}
}

func TestMissingRoutingKeyIsTerminal(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	d := &fakeDelivery{body: envelopeBody(t, 1, false)}

	h := newInterceptor(pub).Wrap(func(ctx context.Context, e broker.Envelope) error {
		return errors.New("boom")
	})
	if err := h(context.Background(), d); err == nil {
		t.Fatal("expected error")
	}
	if len(pub.published) != 0 {
		t.Fatal("must not publish without a routing key")
	}
	if d.rejects != 1 {
		t.Fatalf("rejects = %d, want 1", d.rejects)
	}
}

func TestValidationErrorSkipsRetryBudget(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	d := &fakeDelivery{body: envelopeBody(t, 0, true)}

	h := newInterceptor(pub).Wrap(func(ctx context.Context, e broker.Envelope) error {
		return &ValidationError{Reason: "chatId missing"}
	})
	err := h(context.Background(), d)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatal("validation failures must not be retried")
	}
	if d.rejects != 1 {
		t.Fatalf("rejects = %d, want 1", d.rejects)
	}
}

func TestUndecodableBodyDeadLetters(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	d := &fakeDelivery{body: []byte("not json")}

	called := false
	h := newInterceptor(pub).Wrap(func(ctx context.Context, e broker.Envelope) error {
		called = true
		return nil
	})
	err := h(context.Background(), d)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if called {
		t.Fatal("handler must not run for an undecodable body")
	}
	if d.rejects != 1 {
		t.Fatalf("rejects = %d, want 1", d.rejects)
	}
}

func TestPublishFailureLeavesOriginalUnacked(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{err: errors.New("broker down")}
	d := &fakeDelivery{body: envelopeBody(t, 1, true)}

	h := newInterceptor(pub).Wrap(func(ctx context.Context, e broker.Envelope) error {
		return errors.New("boom")
	})
	if err := h(context.Background(), d); err == nil {
		t.Fatal("expected error")
	}
	if d.acks != 0 || d.rejects != 0 {
		t.Fatalf("acks=%d rejects=%d, original must stay with the broker", d.acks, d.rejects)
	}
}

func TestChainOrderAndRecover(t *testing.T) {
	t.Parallel()
	h := Chain(func(ctx context.Context, e broker.Envelope) error {
		panic("kaboom")
	}, MWRecover(logx.Nop()))

	err := h(context.Background(), broker.Envelope{})
	if err == nil {
		t.Fatal("expected recovered panic as error")
	}
}
