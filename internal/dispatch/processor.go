package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"tgsender/internal/eventbus"
	"tgsender/internal/kv"
	"tgsender/internal/telegram"
	logx "tgsender/pkg/logx"
)

const suppressionTTL = 300 * time.Second

// Processor executes one dispatch job at a time against the Bot API.
// Workers run it concurrently across distinct jobs.
//
// Error policy: a returned error means "retry me" (the queue re-attempts);
// terminal conditions are swallowed after being recorded.
type Processor struct {
	client *telegram.Client
	store  kv.Store
	bus    eventbus.Bus
	log    logx.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewProcessor(client *telegram.Client, store kv.Store, bus eventbus.Bus, log logx.Logger) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Processor{
		client: client,
		store:  store,
		bus:    bus,
		log:    log,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func suppressionKey(bot, chat string) string { return bot + ":" + chat + ":block" }
func transientKey(bot, chat string) string   { return bot + ":" + chat + ":429" }

// Suppressed reports whether sends to (bot, chat) are currently blocked
// because the recipient is unavailable. Submission checks this and drops.
func Suppressed(ctx context.Context, store kv.Store, bot, chat string) (bool, error) {
	_, ok, err := store.Get(ctx, suppressionKey(bot, chat))
	return ok, err
}

// Process sends one message. See the package doc for the error contract.
func (p *Processor) Process(ctx context.Context, m Message) error {
	log := p.log.With(
		logx.String("msg_id", m.ID),
		logx.String("bot", telegram.MaskToken(m.BotToken)),
		logx.String("chat_id", m.ChatID),
		logx.String("content", string(m.ContentType)),
	)

	// An active transient block is waited out, not skipped: provider-side
	// rate-limit windows are short and must not burn a retry attempt.
	if ttl, ok, err := p.store.TTL(ctx, transientKey(m.BotToken, m.ChatID)); err == nil && ok {
		log.Debug("waiting out transient block", logx.Duration("remaining", ttl))
		if err := p.sleep(ctx, ttl); err != nil {
			return err
		}
	}

	spec, err := methodFor(m.ContentType)
	if err != nil {
		// Configuration error: never sendable, never retried.
		log.Error("dropping message", logx.Err(err))
		p.publish(eventbus.TypeDropped, m, 0, err)
		return nil
	}

	payload := map[string]any{
		"chat_id":    m.ChatID,
		"parse_mode": "HTML",
	}
	if len(m.ReplyMarkup) > 0 {
		payload["reply_markup"] = json.RawMessage(m.ReplyMarkup)
	}
	if spec.field != "" {
		payload[spec.field] = m.FileRef()
	}
	switch {
	case spec.field == "":
		payload["text"] = m.Text
	case spec.caption && m.Text != "":
		payload["caption"] = m.Text
	}

	res, err := p.client.Call(ctx, m.BotToken, spec.method, payload)
	if err != nil {
		return p.handleSendError(ctx, log, m, err)
	}

	log.Info("message sent",
		logx.String("method", spec.method),
		logx.Int("message_id", res.MessageID),
	)
	p.publish(eventbus.TypeSent, m, res.MessageID, nil)

	// Kinds without a caption field get their text as a follow-up reply to
	// the media message, only after confirmed success.
	if spec.field != "" && !spec.caption && m.Text != "" {
		p.sendFollowupText(ctx, log, m, res.MessageID)
	}
	return nil
}

func (p *Processor) handleSendError(ctx context.Context, log logx.Logger, m Message, err error) error {
	var apiErr *telegram.APIError
	if !errors.As(err, &apiErr) {
		// Transport-level failure (network, timeout): retryable.
		log.Warn("send failed at transport", logx.Err(err))
		return err
	}

	switch {
	case apiErr.RecipientUnavailable():
		if setErr := p.store.SetEx(ctx, suppressionKey(m.BotToken, m.ChatID), "1", suppressionTTL); setErr != nil {
			log.Warn("suppression record write failed", logx.Err(setErr))
		}
		log.Warn("recipient unavailable, suppressing chat",
			logx.Duration("ttl", suppressionTTL), logx.Err(err))
		p.publish(eventbus.TypeBlocked, m, 0, err)
		return nil

	case apiErr.RateLimited():
		retryAfter := apiErr.RetryAfter
		if retryAfter <= 0 {
			retryAfter = 5 * time.Second
		}
		delayMS := strconv.FormatInt(retryAfter.Milliseconds(), 10)
		if setErr := p.store.SetEx(ctx, transientKey(m.BotToken, m.ChatID), delayMS, retryAfter); setErr != nil {
			log.Warn("transient block write failed", logx.Err(setErr))
		}
		log.Warn("provider rate limit, blocking chat",
			logx.Duration("retry_after", retryAfter))
		p.publish(eventbus.TypeRateLimited, m, 0, err)
		return err

	case apiErr.Code >= http.StatusInternalServerError:
		log.Warn("provider error, will retry", logx.Err(err))
		return err

	default:
		// Malformed payload, invalid file reference, etc: nothing a retry
		// can fix.
		log.Error("send rejected, dropping message", logx.Err(err))
		p.publish(eventbus.TypeDropped, m, 0, err)
		return nil
	}
}

func (p *Processor) sendFollowupText(ctx context.Context, log logx.Logger, m Message, replyTo int) {
	payload := map[string]any{
		"chat_id":    m.ChatID,
		"text":       m.Text,
		"parse_mode": "HTML",
		"reply_parameters": map[string]any{
			"message_id": replyTo,
		},
	}
	if _, err := p.client.Call(ctx, m.BotToken, "sendMessage", payload); err != nil {
		// Best-effort: the media made it, the annotation did not.
		log.Warn("follow-up text failed", logx.Err(err))
	}
}

func (p *Processor) publish(typ string, m Message, messageID int, err error) {
	if p.bus == nil {
		return
	}
	out := eventbus.Outcome{
		Bot:       telegram.MaskToken(m.BotToken),
		ChatID:    m.ChatID,
		Kind:      string(m.ContentType),
		MessageID: messageID,
	}
	if err != nil {
		out.Error = err.Error()
	}
	p.bus.Publish(eventbus.Event{Type: typ, Data: out})
}
