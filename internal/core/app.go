// Package core assembles the dispatcher: config, logging, shared state,
// broker consumption, the outbound pipeline and the HTTP surface.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tgsender/internal/broker"
	"tgsender/internal/config"
	"tgsender/internal/consume"
	"tgsender/internal/dispatch"
	"tgsender/internal/eventbus"
	"tgsender/internal/httpapi"
	"tgsender/internal/kv"
	"tgsender/internal/media"
	"tgsender/internal/ratelimit"
	"tgsender/internal/storage"
	"tgsender/internal/telegram"
	logx "tgsender/pkg/logx"
)

// Event patterns accepted from the inbound queue.
const (
	patternSend     = "telegram.send-message"
	patternSendBulk = "telegram.send-message.bulk"
)

const defaultRetention = time.Hour

// App owns every long-lived component and their start/stop order.
type App struct {
	cfgMgr *config.Manager
	conn   config.Conn

	logSvc *logx.Service
	log    logx.Logger

	bus     eventbus.Bus
	state   kv.Store
	archive storage.Store
	amqp    *broker.AMQP

	queue   *dispatch.Queue
	submit  *dispatch.Service
	sweeper *media.Sweeper
	http    *httpapi.Service
	pprof   *pprofServer

	retention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewApp loads configuration (file tunables plus environment connection
// parameters) and prepares logging. Nothing is connected yet.
func NewApp(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	conn, err := config.LoadConn()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logCfg(cfg))
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	return &App{
		cfgMgr: mgr,
		conn:   conn,
		logSvc: logSvc,
		log:    log,
		bus:    eventbus.New(),
	}, nil
}

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// Start connects shared state, the broker and the archive, then brings the
// pipeline up. The process runs one App; Start is not restartable.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	cfg := a.cfgMgr.Get()
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	state, err := kv.NewRedis(ctx, kv.Options{
		Addr:     a.conn.RedisAddr,
		Password: a.conn.RedisPassword,
		DB:       a.conn.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.state = state

	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return err
		}
		archive, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
			a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.archive = archive
	}

	tgTimeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 30*time.Second)
	if err != nil {
		return err
	}
	client := telegram.New(telegram.Config{
		BaseURL:    cfg.Telegram.BaseURL,
		Timeout:    tgTimeout,
		RatePerSec: cfg.Telegram.RatePerSec,
		Breaker:    cfg.Telegram.Breaker,
	}, a.log.With(logx.String("comp", "telegram")))

	proc := dispatch.NewProcessor(client, state, a.bus, a.log.With(logx.String("comp", "processor")))

	backoff, err := config.ParseDurationOrDefault("dispatch.backoff", cfg.Dispatch.Backoff, 5*time.Second)
	if err != nil {
		return err
	}
	a.retention, err = config.ParseDurationOrDefault("dispatch.retention", cfg.Dispatch.Retention, defaultRetention)
	if err != nil {
		return err
	}
	a.queue = dispatch.NewQueue(dispatch.QueueConfig{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
		Attempts:  cfg.Dispatch.Attempts,
		Backoff:   backoff,
	}, proc.Process, a.archive, a.log.With(logx.String("comp", "queue")))
	a.queue.Start(runCtx)

	a.submit = dispatch.NewService(ratelimit.New(state), a.queue, state, a.bus,
		a.log.With(logx.String("comp", "submit")))

	lockTTL, err := config.ParseDurationOrDefault("media.lock_ttl", cfg.Media.LockTTL, time.Hour)
	if err != nil {
		return err
	}
	sweepEvery, err := config.ParseDurationOrDefault("media.sweep_every", cfg.Media.SweepEvery, 10*time.Minute)
	if err != nil {
		return err
	}
	cache, err := media.New(media.Config{
		Dir:        cfg.Media.Dir,
		PublicHost: cfg.Media.PublicHost,
		LockTTL:    lockTTL,
	}, state, a.log.With(logx.String("comp", "media")))
	if err != nil {
		return err
	}
	a.sweeper = media.NewSweeper(cache, sweepEvery, a.bus, a.log.With(logx.String("comp", "sweeper")))
	if err := a.sweeper.Start(runCtx); err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}

	a.http = httpapi.New(httpapi.Config{
		Enabled: cfg.HTTP.Enabled,
		Addr:    cfg.HTTP.Addr,
	}, a.submit, cache, a.archive, a.bus, a.log)
	a.http.Start(runCtx)

	a.pprof = newPprofServer(a.log)
	a.pprof.Apply(runCtx, cfg.Pprof)

	amqp, err := broker.Connect(broker.Options{
		URL:             a.conn.AMQPURL,
		Queue:           a.conn.AMQPQueue,
		DelayedExchange: cfg.Consumer.DelayedExchange,
	}, a.log.With(logx.String("comp", "broker")))
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	a.amqp = amqp

	interceptor := consume.New(consume.Config{MaxRetries: cfg.Consumer.MaxRetries},
		amqp, a.log.With(logx.String("comp", "consume")), a.bus, a.archive)
	handler := consume.Chain(a.handleEvent,
		consume.MWRecover(a.log.With(logx.String("comp", "consume"))),
		consume.MWLog(a.log.With(logx.String("comp", "consume"))),
	)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := amqp.Consume(runCtx, interceptor.Wrap(handler)); err != nil && runCtx.Err() == nil {
			a.log.Error("consumer stopped", logx.Err(err))
		}
	}()

	if err := a.cfgMgr.Watch(runCtx); err != nil {
		a.log.Warn("config watch unavailable", logx.Err(err))
	}
	a.wg.Add(1)
	go a.reloadLoop(runCtx)

	if a.archive != nil {
		a.wg.Add(1)
		go a.pruneLoop(runCtx)
	}

	a.log.Info("dispatcher started",
		logx.String("queue", a.conn.AMQPQueue),
		logx.Bool("http", cfg.HTTP.Enabled),
		logx.Bool("archive", a.archive != nil),
	)
	return nil
}

// handleEvent maps an inbound queue event onto the submission pipeline.
// Invalid payloads become ValidationErrors so they dead-letter immediately.
func (a *App) handleEvent(ctx context.Context, e broker.Envelope) error {
	switch e.Pattern {
	case patternSend:
		var msg dispatch.Message
		if err := json.Unmarshal(e.Payload, &msg); err != nil {
			return &consume.ValidationError{Reason: "malformed message payload: " + err.Error()}
		}
		return a.acceptOne(ctx, msg)

	case patternSendBulk:
		var msgs []dispatch.Message
		if err := json.Unmarshal(e.Payload, &msgs); err != nil {
			return &consume.ValidationError{Reason: "malformed bulk payload: " + err.Error()}
		}
		if len(msgs) == 0 {
			return &consume.ValidationError{Reason: "empty bulk payload"}
		}
		// A failed submission fails the whole event; siblings accepted
		// before the failure proceed independently.
		for _, msg := range msgs {
			if err := a.acceptOne(ctx, msg); err != nil {
				return err
			}
		}
		return nil

	default:
		return &consume.ValidationError{Reason: "unknown pattern " + e.Pattern}
	}
}

func (a *App) acceptOne(ctx context.Context, msg dispatch.Message) error {
	err := a.submit.Accept(ctx, msg)
	var inv *dispatch.InvalidError
	if errors.As(err, &inv) {
		return &consume.ValidationError{Reason: inv.Reason}
	}
	return err
}

// reloadLoop applies hot-reloadable tunables when the config file changes.
// Connection parameters and queue topology never reload.
func (a *App) reloadLoop(ctx context.Context) {
	defer a.wg.Done()
	updates := a.cfgMgr.Subscribe(1)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			if cfg == nil {
				continue
			}
			a.logSvc.Apply(logCfg(cfg))
			a.http.Apply(ctx, httpapi.Config{
				Enabled: cfg.HTTP.Enabled,
				Addr:    cfg.HTTP.Addr,
			})
			a.pprof.Apply(ctx, cfg.Pprof)
			a.log.Info("tunables reloaded")
		}
	}
}

// pruneLoop bounds the dead-letter archive to the configured retention.
func (a *App) pruneLoop(ctx context.Context) {
	defer a.wg.Done()
	t := time.NewTicker(10 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := a.archive.Prune(ctx, time.Now().Add(-a.retention))
			if err != nil {
				a.log.Warn("archive prune failed", logx.Err(err))
				continue
			}
			if n > 0 {
				a.log.Debug("archive pruned", logx.Int64("rows", n))
			}
		}
	}
}

// Stop shuts down in reverse dependency order: inbound flow first, then
// the queue drains, then shared infrastructure.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	if a.pprof != nil {
		a.pprof.Stop(ctx)
	}
	if a.http != nil {
		a.http.Stop(ctx)
	}
	if a.sweeper != nil {
		a.sweeper.Stop(ctx)
	}
	if a.amqp != nil {
		_ = a.amqp.Close()
	}
	if a.queue != nil {
		a.queue.Stop(ctx)
	}
	a.wg.Wait()

	if a.archive != nil {
		_ = a.archive.Close()
	}
	if a.state != nil {
		_ = a.state.Close()
	}
	a.log.Info("dispatcher stopped")
	return a.logSvc.Close()
}
