package httpapi

import (
	"sync"
	"time"

	"tgsender/internal/eventbus"
)

// recordedEvent is the JSON shape /status serves for one bus event.
type recordedEvent struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// recorder keeps a bounded ring of recent bus events plus per-type totals.
type recorder struct {
	mu     sync.Mutex
	ring   []recordedEvent
	next   int
	full   bool
	totals map[string]int64

	bus   eventbus.Bus
	unsub func()
	done  chan struct{}
}

func newRecorder(bus eventbus.Bus, size int) *recorder {
	if size <= 0 {
		size = 256
	}
	return &recorder{
		ring:   make([]recordedEvent, size),
		totals: map[string]int64{},
		bus:    bus,
	}
}

func (r *recorder) start() {
	if r.bus == nil || r.done != nil {
		return
	}
	ch, unsub := r.bus.Subscribe(64)
	r.unsub = unsub
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		for e := range ch {
			r.record(e)
		}
	}()
}

func (r *recorder) stop() {
	if r.unsub == nil {
		return
	}
	r.unsub()
	<-r.done
	r.unsub = nil
	r.done = nil
}

func (r *recorder) record(e eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals[e.Type]++
	r.ring[r.next] = recordedEvent{Type: e.Type, Time: e.Time, Data: e.Data}
	r.next++
	if r.next == len(r.ring) {
		r.next = 0
		r.full = true
	}
}

func (r *recorder) counters() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int64, len(r.totals))
	for k, v := range r.totals {
		out[k] = v
	}
	return out
}

// recent returns up to n events, newest first.
func (r *recorder) recent(n int) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.ring)
	}
	if n > size {
		n = size
	}
	out := make([]recordedEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}
