package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"tgsender/internal/storage"
	"tgsender/internal/telegram"
	logx "tgsender/pkg/logx"
)

var ErrQueueStopped = errors.New("dispatch queue stopped")

type QueueConfig struct {
	Workers   int
	QueueSize int
	Attempts  int           // total attempts per job, not extra retries
	Backoff   time.Duration // fixed inter-attempt backoff
}

type processFunc func(ctx context.Context, m Message) error

type job struct {
	msg        Message
	attempt    int
	enqueuedAt time.Time
}

// Queue is the delayed, bounded-retry scheduling substrate between
// "accepted" and "sent". It never interprets message content.
type Queue struct {
	mu  sync.Mutex
	cfg QueueConfig

	process processFunc
	archive storage.Store
	log     logx.Logger

	ready    chan *job
	stopCh   chan struct{}
	workerWG sync.WaitGroup
	timerWG  sync.WaitGroup
}

func NewQueue(cfg QueueConfig, process processFunc, archive storage.Store, log logx.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{cfg: cfg, process: process, archive: archive, log: log}
}

// Start is idempotent while running.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopCh != nil {
		return
	}
	q.stopCh = make(chan struct{})
	q.ready = make(chan *job, q.cfg.QueueSize)

	for i := 0; i < q.cfg.Workers; i++ {
		q.workerWG.Add(1)
		go q.worker(ctx)
	}
}

// Stop drains workers. Jobs still waiting on their delay timers are
// dropped; the broker-side retry path re-presents their events.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	stopCh := q.stopCh
	q.stopCh = nil
	q.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		q.timerWG.Wait()
		q.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Enqueue schedules the message to be picked up no earlier than now+delay.
func (q *Queue) Enqueue(m Message, delay time.Duration) error {
	return q.schedule(&job{msg: m, attempt: 1, enqueuedAt: time.Now()}, delay)
}

func (q *Queue) schedule(j *job, delay time.Duration) error {
	q.mu.Lock()
	stopCh := q.stopCh
	ready := q.ready
	q.mu.Unlock()
	if stopCh == nil {
		return ErrQueueStopped
	}

	if delay <= 0 {
		select {
		case ready <- j:
			return nil
		case <-stopCh:
			return ErrQueueStopped
		}
	}

	q.timerWG.Add(1)
	time.AfterFunc(delay, func() {
		defer q.timerWG.Done()
		select {
		case ready <- j:
		case <-stopCh:
		}
	})
	return nil
}

func (q *Queue) worker(ctx context.Context) {
	defer q.workerWG.Done()

	q.mu.Lock()
	stopCh := q.stopCh
	ready := q.ready
	q.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-ready:
			q.execOne(ctx, j)
		}
	}
}

func (q *Queue) execOne(ctx context.Context, j *job) {
	err := q.process(ctx, j.msg)
	if err == nil {
		return
	}

	log := q.log.With(
		logx.String("msg_id", j.msg.ID),
		logx.String("bot", telegram.MaskToken(j.msg.BotToken)),
		logx.String("chat_id", j.msg.ChatID),
	)

	if j.attempt >= q.cfg.Attempts {
		log.Error("dispatch attempts exhausted",
			logx.Int("attempts", j.attempt), logx.Err(err))
		q.retain(ctx, j, err)
		return
	}

	j.attempt++
	log.Warn("dispatch attempt failed, backing off",
		logx.Int("attempt", j.attempt-1),
		logx.Duration("backoff", q.cfg.Backoff),
		logx.Err(err),
	)
	if schedErr := q.schedule(j, q.cfg.Backoff); schedErr != nil {
		log.Error("reschedule failed", logx.Err(schedErr))
	}
}

// retain archives an exhausted job briefly for inspection.
func (q *Queue) retain(ctx context.Context, j *job, cause error) {
	if q.archive == nil {
		return
	}
	redacted := j.msg
	redacted.BotToken = telegram.MaskToken(j.msg.BotToken)
	payload, _ := json.Marshal(redacted)

	dl := storage.DeadLetter{
		Source:    storage.SourceDispatch,
		MessageID: j.msg.ID,
		Attempts:  j.attempt,
		Payload:   string(payload),
		Error:     cause.Error(),
	}
	if err := q.archive.AppendDeadLetter(ctx, dl); err != nil && !errors.Is(err, storage.ErrDisabled) {
		q.log.Warn("dead-letter archive write failed", logx.Err(err))
	}
}
