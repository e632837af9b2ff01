package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"tgsender/internal/eventbus"
	"tgsender/internal/kv"
	"tgsender/internal/ratelimit"
	"tgsender/internal/telegram"
	logx "tgsender/pkg/logx"
)

const urlTypeCacheTTL = 600 * time.Second

// Service is the submission pipeline: validate, drop suppressed, sniff the
// content kind, compute the rate-limit delay, enqueue. Callers get an
// "accepted" answer; delivery outcome is observable only via events.
type Service struct {
	limiter *ratelimit.Limiter
	queue   *Queue
	store   kv.Store
	bus     eventbus.Bus
	log     logx.Logger

	// sniffer fetches Content-Type headers for fileUrl submissions
	// without a declared content kind.
	sniffer *http.Client
}

func NewService(limiter *ratelimit.Limiter, queue *Queue, store kv.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		limiter: limiter,
		queue:   queue,
		store:   store,
		bus:     bus,
		log:     log,
		sniffer: &http.Client{Timeout: 10 * time.Second},
	}
}

// Accept validates and schedules one message.
// An *InvalidError is the only synchronous rejection; everything past
// validation is fire-and-forget with durable retry.
func (s *Service) Accept(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	log := s.log.With(
		logx.String("msg_id", m.ID),
		logx.String("bot", telegram.MaskToken(m.BotToken)),
		logx.String("chat_id", m.ChatID),
	)

	// A suppressed (bot, chat) pair is dropped at submission time, before
	// any rate-limit state is touched.
	suppressed, err := Suppressed(ctx, s.store, m.BotToken, m.ChatID)
	if err != nil {
		return fmt.Errorf("suppression check: %w", err)
	}
	if suppressed {
		log.Debug("suppressed chat, dropping submission")
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeDropped, Data: eventbus.Outcome{
				Bot:    telegram.MaskToken(m.BotToken),
				ChatID: m.ChatID,
				Error:  "recipient suppressed",
			}})
		}
		return nil
	}

	if m.ContentType == "" && m.FileURL != "" {
		if ct, err := s.contentTypeFromURL(ctx, m.FileURL); err != nil {
			// Sniffing is best-effort; an undetermined kind falls back to text.
			log.Warn("content type sniff failed", logx.Err(err))
		} else {
			m.ContentType = ct
		}
	}

	delay, err := s.limiter.Delay(ctx, m.Type, m.BotToken, m.ChatID, m.HasMedia())
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	log.Debug("message accepted",
		logx.Duration("delay", delay),
		logx.String("content", string(m.ContentType)),
	)
	return s.queue.Enqueue(m, delay)
}

// contentTypeFromURL resolves a file URL to a content kind via its
// Content-Type header, cached in shared state.
func (s *Service) contentTypeFromURL(ctx context.Context, url string) (ContentType, error) {
	cacheKey := "url_type:" + url
	if cached, ok, err := s.store.Get(ctx, cacheKey); err == nil && ok {
		return ContentType(cached), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.sniffer.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	ct := contentTypeFromMime(resp.Header.Get("Content-Type"))
	if err := s.store.SetEx(ctx, cacheKey, string(ct), urlTypeCacheTTL); err != nil {
		s.log.Warn("url type cache write failed", logx.Err(err))
	}
	return ct, nil
}

func contentTypeFromMime(header string) ContentType {
	mime, _, _ := strings.Cut(header, ";")
	mime = strings.TrimSpace(mime)
	switch {
	case strings.HasPrefix(mime, "image/"):
		return ContentPhoto
	case strings.HasPrefix(mime, "video/"):
		return ContentVideo
	case strings.HasPrefix(mime, "audio/"):
		return ContentAudio
	default:
		return ContentFile
	}
}
