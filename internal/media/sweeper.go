package media

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tgsender/internal/eventbus"
	logx "tgsender/pkg/logx"
)

// Sweeper runs Cache.Sweep on a fixed interval, independent of
// request-handling goroutines. Overlapping runs are skipped, not queued.
type Sweeper struct {
	cache *Cache
	bus   eventbus.Bus
	log   logx.Logger
	every time.Duration

	c       *cron.Cron
	running atomic.Bool
}

func NewSweeper(cache *Cache, every time.Duration, bus eventbus.Bus, log logx.Logger) *Sweeper {
	if every <= 0 {
		every = 10 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{cache: cache, bus: bus, log: log, every: every}
}

func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc("@every "+s.every.String(), func() { s.runOnce(ctx) })
	if err != nil {
		return err
	}
	s.c = c
	c.Start()
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) {
	if s.c == nil {
		return
	}
	done := s.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	// SkipIfStillRunning already serializes cron entries; the flag also
	// guards manual runOnce calls.
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	start := time.Now()
	removed, err := s.cache.Sweep(ctx)
	if err != nil {
		s.log.Error("media sweep failed", logx.Err(err))
		return
	}
	if removed > 0 && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeMediaSwept, Data: removed})
	}
	s.log.Debug("media sweep done",
		logx.Int("removed", removed),
		logx.Duration("took", time.Since(start)),
	)
}
