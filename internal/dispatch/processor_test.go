package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tgsender/internal/kv"
	"tgsender/internal/telegram"
	logx "tgsender/pkg/logx"
)

type apiCall struct {
	method  string
	payload map[string]any
}

// fakeAPI records Bot API calls and replies per-method.
type fakeAPI struct {
	mu      sync.Mutex
	calls   []apiCall
	replies map[string]string // method -> raw response, default ok
}

func (f *fakeAPI) handler(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	method := parts[len(parts)-1]

	var payload map[string]any
	_ = json.NewDecoder(r.Body).Decode(&payload)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{method: method, payload: payload})
	reply := f.replies[method]
	f.mu.Unlock()

	if reply == "" {
		reply = `{"ok":true,"result":{"message_id":100}}`
	}
	_, _ = w.Write([]byte(reply))
}

func (f *fakeAPI) recorded() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func newTestProcessor(t *testing.T, api *fakeAPI) (*Processor, *miniredis.Miniredis) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tg := telegram.New(telegram.Config{BaseURL: srv.URL, RatePerSec: 1000}, logx.Nop())
	return NewProcessor(tg, kv.WrapClient(client), nil, logx.Nop()), mr
}

func TestProcessTextMessage(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	p, _ := newTestProcessor(t, api)

	err := p.Process(context.Background(), Message{
		BotToken: "123:abc", ChatID: "7", Text: "hello", ContentType: ContentText, ID: "m1",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	calls := api.recorded()
	if len(calls) != 1 || calls[0].method != "sendMessage" {
		t.Fatalf("calls = %+v, want one sendMessage", calls)
	}
	if calls[0].payload["text"] != "hello" {
		t.Fatalf("payload = %v", calls[0].payload)
	}
	if _, hasCaption := calls[0].payload["caption"]; hasCaption {
		t.Fatal("text message must not carry a caption")
	}
}

func TestProcessPhotoCarriesCaption(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	p, _ := newTestProcessor(t, api)

	err := p.Process(context.Background(), Message{
		BotToken: "123:abc", ChatID: "7", Text: "look",
		ContentType: ContentPhoto, FileURL: "https://cdn.example.com/a.jpg",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	calls := api.recorded()
	if len(calls) != 1 || calls[0].method != "sendPhoto" {
		t.Fatalf("calls = %+v, want one sendPhoto", calls)
	}
	if calls[0].payload["photo"] != "https://cdn.example.com/a.jpg" {
		t.Fatalf("photo = %v", calls[0].payload["photo"])
	}
	if calls[0].payload["caption"] != "look" {
		t.Fatalf("caption = %v", calls[0].payload["caption"])
	}
	if _, hasText := calls[0].payload["text"]; hasText {
		t.Fatal("media message must not carry a text field")
	}
}

func TestProcessFileIDFallback(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	p, _ := newTestProcessor(t, api)

	err := p.Process(context.Background(), Message{
		BotToken: "123:abc", ChatID: "7",
		ContentType: ContentFile, FileID: "BAAC123",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	calls := api.recorded()
	if len(calls) != 1 || calls[0].method != "sendDocument" {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].payload["document"] != "BAAC123" {
		t.Fatalf("document = %v", calls[0].payload["document"])
	}
}

func TestProcessStickerWithFollowupReply(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{replies: map[string]string{
		"sendSticker": `{"ok":true,"result":{"message_id":55}}`,
	}}
	p, _ := newTestProcessor(t, api)

	err := p.Process(context.Background(), Message{
		BotToken: "123:abc", ChatID: "7", Text: "annotation",
		ContentType: ContentSticker, FileID: "STK1",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	calls := api.recorded()
	if len(calls) != 2 {
		t.Fatalf("expected sticker + follow-up, got %+v", calls)
	}
	if calls[0].method != "sendSticker" {
		t.Fatalf("first call = %q", calls[0].method)
	}
	if _, hasCaption := calls[0].payload["caption"]; hasCaption {
		t.Fatal("sticker payload must not carry a caption")
	}
	if _, hasText := calls[0].payload["text"]; hasText {
		t.Fatal("sticker payload must not carry text")
	}

	if calls[1].method != "sendMessage" {
		t.Fatalf("second call = %q", calls[1].method)
	}
	if calls[1].payload["text"] != "annotation" {
		t.Fatalf("follow-up text = %v", calls[1].payload["text"])
	}
	rp, _ := calls[1].payload["reply_parameters"].(map[string]any)
	if rp == nil || rp["message_id"] != float64(55) {
		t.Fatalf("follow-up must reference the sticker message, got %v", calls[1].payload)
	}
}

func TestProcessStickerWithoutTextNoFollowup(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	p, _ := newTestProcessor(t, api)

	err := p.Process(context.Background(), Message{
		BotToken: "123:abc", ChatID: "7",
		ContentType: ContentSticker, FileID: "STK1",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if calls := api.recorded(); len(calls) != 1 {
		t.Fatalf("expected no follow-up without text, got %+v", calls)
	}
}

func TestProcessRateLimitedRecordsBlockAndRetries(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{replies: map[string]string{
		"sendMessage": `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":10}}`,
	}}
	p, mr := newTestProcessor(t, api)

	err := p.Process(context.Background(), Message{
		BotToken: "123:abc", ChatID: "7", Text: "x", ContentType: ContentText,
	})
	if err == nil {
		t.Fatal("429 must re-raise for the queue to retry")
	}

	key := "123:abc:7:429"
	val, kvErr := mr.Get(key)
	if kvErr != nil {
		t.Fatalf("transient block not recorded: %v", kvErr)
	}
	if val != "10000" {
		t.Fatalf("block value = %q, want delay ms", val)
	}
	if ttl := mr.TTL(key); ttl != 10*time.Second {
		t.Fatalf("block ttl = %v, want 10s", ttl)
	}
}

func TestProcessBlockedRecipientSuppresses(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{replies: map[string]string{
		"sendMessage": `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
	}}
	p, mr := newTestProcessor(t, api)

	err := p.Process(context.Background(), Message{
		BotToken: "123:abc", ChatID: "7", Text: "x", ContentType: ContentText,
	})
	if err != nil {
		t.Fatalf("403 must be terminal and swallowed, got %v", err)
	}

	key := "123:abc:7:block"
	if _, kvErr := mr.Get(key); kvErr != nil {
		t.Fatalf("suppression not recorded: %v", kvErr)
	}
	if ttl := mr.TTL(key); ttl != 300*time.Second {
		t.Fatalf("suppression ttl = %v, want 300s", ttl)
	}
}

func TestProcessBadRequestSwallowed(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{replies: map[string]string{
		"sendMessage": `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
	}}
	p, mr := newTestProcessor(t, api)

	err := p.Process(context.Background(), Message{
		BotToken: "123:abc", ChatID: "7", Text: "x", ContentType: ContentText,
	})
	if err != nil {
		t.Fatalf("a 400 is not recoverable for this message, got %v", err)
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("no block records expected, got %v", mr.Keys())
	}
}

func TestProcessServerErrorRetries(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{replies: map[string]string{
		"sendMessage": `{"ok":false,"error_code":500,"description":"Internal Server Error"}`,
	}}
	p, _ := newTestProcessor(t, api)

	err := p.Process(context.Background(), Message{
		BotToken: "123:abc", ChatID: "7", Text: "x", ContentType: ContentText,
	})
	if err == nil {
		t.Fatal("5xx must be retryable")
	}
}

func TestProcessWaitsOutTransientBlock(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	p, mr := newTestProcessor(t, api)
	mr.Set("123:abc:7:429", "2000")
	mr.SetTTL("123:abc:7:429", 2*time.Second)

	var slept time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = d
		return nil
	}

	err := p.Process(context.Background(), Message{
		BotToken: "123:abc", ChatID: "7", Text: "x", ContentType: ContentText,
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if slept <= 0 || slept > 2*time.Second {
		t.Fatalf("expected a bounded wait for the block remainder, slept %v", slept)
	}
	if calls := api.recorded(); len(calls) != 1 {
		t.Fatalf("send must proceed after the wait, calls = %+v", calls)
	}
}

func TestProcessUnmappedKindDropped(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{}
	p, _ := newTestProcessor(t, api)

	err := p.Process(context.Background(), Message{
		BotToken: "123:abc", ChatID: "7", ContentType: ContentType("HOLOGRAM"), FileID: "x",
	})
	if err != nil {
		t.Fatalf("unmapped kind is terminal, got %v", err)
	}
	if calls := api.recorded(); len(calls) != 0 {
		t.Fatalf("no API call expected, got %+v", calls)
	}
}
