package broker

import (
	"encoding/json"
	"testing"
)

func TestDecodeMergesHeadersBodyWins(t *testing.T) {
	t.Parallel()
	body := []byte(`{"pattern":"tg.send","data":{"payload":{"chatId":"1"},"headers":{"x-retry-count":2,"message-id":"m1"}}}`)

	e, err := Decode(body, map[string]any{
		"x-retry-count":          int32(1),
		"x-original-routing-key": "tg.send",
	}, "transport-id")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if e.Pattern != "tg.send" {
		t.Fatalf("Pattern = %q", e.Pattern)
	}
	if e.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, body header must win over transport", e.RetryCount)
	}
	if e.OriginalRoutingKey != "tg.send" {
		t.Fatalf("OriginalRoutingKey = %q", e.OriginalRoutingKey)
	}
	if e.MessageID != "m1" {
		t.Fatalf("MessageID = %q, body header must win", e.MessageID)
	}
}

func TestDecodePayloadFallsBackToData(t *testing.T) {
	t.Parallel()
	body := []byte(`{"pattern":"tg.send","data":{"chatId":"7","botToken":"t"}}`)

	e, err := Decode(body, nil, "")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if payload["chatId"] != "7" {
		t.Fatalf("payload = %v", payload)
	}
	if e.MessageID != "unknown" {
		t.Fatalf("MessageID = %q, want fallback", e.MessageID)
	}
}

func TestDecodeMalformedBody(t *testing.T) {
	t.Parallel()
	if _, err := Decode([]byte("not json"), nil, ""); err == nil {
		t.Fatal("expected error for malformed body")
	}
}

func TestEncodeRetryBumpsCountAndSuffixesID(t *testing.T) {
	t.Parallel()
	e := Envelope{
		Payload:            json.RawMessage(`{"chatId":"1"}`),
		Headers:            map[string]any{"x-retry-count": 1, "custom": "kept"},
		MessageID:          "m1#retry1",
		RetryCount:         1,
		OriginalRoutingKey: "tg.send",
	}

	body, headers, err := e.EncodeRetry(2000)
	if err != nil {
		t.Fatalf("EncodeRetry: %v", err)
	}
	if headers[HeaderRetryCount] != 2 {
		t.Fatalf("retry count = %v, want 2", headers[HeaderRetryCount])
	}
	if headers[HeaderDelay] != int64(2000) {
		t.Fatalf("delay = %v, want 2000", headers[HeaderDelay])
	}
	if headers["custom"] != "kept" {
		t.Fatal("existing headers must be carried forward")
	}
	if headers[HeaderMessageID] != "m1#retry2" {
		t.Fatalf("message id = %v, want m1#retry2", headers[HeaderMessageID])
	}

	// The republished body must decode back into the bumped envelope.
	got, err := Decode(body, nil, "")
	if err != nil {
		t.Fatalf("Decode round trip: %v", err)
	}
	if got.RetryCount != 2 {
		t.Fatalf("round-trip retry count = %d", got.RetryCount)
	}
	if got.Pattern != "tg.send" {
		t.Fatalf("round-trip pattern = %q", got.Pattern)
	}
}

func TestRetryMessageID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id    string
		retry int
		want  string
	}{
		{id: "abc", retry: 1, want: "abc#retry1"},
		{id: "abc#retry1", retry: 2, want: "abc#retry2"},
		{id: "abc#retry9", retry: 10, want: "abc#retry10"},
	}
	for _, tt := range tests {
		if got := RetryMessageID(tt.id, tt.retry); got != tt.want {
			t.Fatalf("RetryMessageID(%q, %d) = %q, want %q", tt.id, tt.retry, got, tt.want)
		}
	}
}

func TestIntHeaderTolerance(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		v    any
		want int
	}{
		{name: "int", v: 3, want: 3},
		{name: "int32 from amqp table", v: int32(4), want: 4},
		{name: "int64", v: int64(5), want: 5},
		{name: "float from json", v: float64(6), want: 6},
		{name: "string", v: "7", want: 7},
		{name: "absent", v: nil, want: 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h := map[string]any{}
			if tt.v != nil {
				h[HeaderRetryCount] = tt.v
			}
			if got := intHeader(h, HeaderRetryCount); got != tt.want {
				t.Fatalf("intHeader = %d, want %d", got, tt.want)
			}
		})
	}
}
