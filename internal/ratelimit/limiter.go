// Package ratelimit computes per-send delays from shared state.
//
// The limiter is an advisory throttle, not a lock: concurrent computations
// for the same bot have a read-then-write race window, which is acceptable
// because every path through it only ever moves next-allowed timestamps
// forward.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tgsender/internal/kv"
)

// Kind partitions chats for throttling purposes.
type Kind string

const (
	KindSingleChat Kind = "SINGLE_CHAT"
	KindGroup      Kind = "GROUP"
	KindBroadcast  Kind = "BROADCAST"
)

const (
	globalMinInterval = 33 * time.Millisecond
	chatMinInterval   = 1000 * time.Millisecond
	groupMinInterval  = 3000 * time.Millisecond
	mediaMinInterval  = 5000 * time.Millisecond

	burstThreshold = 15
	burstUnitDelay = 10 * time.Millisecond
	burstWindowTTL = 5 * time.Second

	// Bound the burst exponent so a runaway counter cannot overflow the
	// delay arithmetic.
	burstMaxShift = 20
)

// Limiter computes the delay a message must wait before it may leave the
// system, and records the resulting next-allowed timestamps.
type Limiter struct {
	store kv.Store

	// now is swappable for tests.
	now func() time.Time
}

func New(store kv.Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// Delay returns the send delay for one message and advances the stored
// next-allowed timestamps. The returned delay is always >= 0.
//
// Four candidates are computed and the maximum wins:
//   - global anti-flood: >= 33ms between any two sends of one bot
//   - per-kind throttle: 1s per chat, 3s per group chat
//   - media channel: >= 5s between media sends of one bot
//   - burst penalty: 2^(count-15) * 10ms past 15 sends in a second
//
// The global and per-kind records are published as now+finalDelay (the
// binding delay), so a later call on any dimension observes it. This
// over-throttles slightly but keeps the schedule coherent. The media record
// keeps its own candidate and is written on every media send.
func (l *Limiter) Delay(ctx context.Context, kind Kind, botToken, chatID string, hasMedia bool) (time.Duration, error) {
	now := l.now().UnixMilli()

	globalKey := botToken + ":lastGlobalMessageTime"
	globalDelay, err := l.candidate(ctx, globalKey, now, globalMinInterval)
	if err != nil {
		return 0, err
	}

	typeKey, minInterval := kindKey(kind, botToken, chatID)
	typeDelay, err := l.candidate(ctx, typeKey, now, minInterval)
	if err != nil {
		return 0, err
	}

	final := globalDelay
	if typeDelay > final {
		final = typeDelay
	}

	if hasMedia {
		mediaKey := botToken + ":lastMediaMessageTime"
		mediaDelay, err := l.candidate(ctx, mediaKey, now, mediaMinInterval)
		if err != nil {
			return 0, err
		}
		if err := l.store.Set(ctx, mediaKey, formatMillis(now+mediaDelay.Milliseconds())); err != nil {
			return 0, err
		}
		if mediaDelay > final {
			final = mediaDelay
		}
	}

	burstKey := fmt.Sprintf("%s:burst:%d", botToken, now/1000)
	count, err := l.store.IncrEx(ctx, burstKey, burstWindowTTL)
	if err != nil {
		return 0, err
	}
	if d := burstPenalty(count); d > final {
		final = d
	}

	next := formatMillis(now + final.Milliseconds())
	if err := l.store.Set(ctx, globalKey, next); err != nil {
		return 0, err
	}
	if err := l.store.Set(ctx, typeKey, next); err != nil {
		return 0, err
	}
	return final, nil
}

func (l *Limiter) candidate(ctx context.Context, key string, now int64, minInterval time.Duration) (time.Duration, error) {
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var last int64
	if ok {
		last, _ = strconv.ParseInt(raw, 10, 64)
	}
	d := minInterval - time.Duration(now-last)*time.Millisecond
	if d < 0 {
		d = 0
	}
	return d, nil
}

func kindKey(kind Kind, botToken, chatID string) (string, time.Duration) {
	switch kind {
	case KindGroup:
		return botToken + ":lastGroupMessageTime:" + chatID, groupMinInterval
	default:
		// Broadcast inherits the single-chat interval unless distinguished upstream.
		return botToken + ":lastChatMessageTime:" + chatID, chatMinInterval
	}
}

func burstPenalty(count int64) time.Duration {
	if count <= burstThreshold {
		return 0
	}
	shift := count - burstThreshold
	if shift > burstMaxShift {
		shift = burstMaxShift
	}
	return time.Duration(int64(1)<<shift) * burstUnitDelay
}

func formatMillis(ms int64) string { return strconv.FormatInt(ms, 10) }
