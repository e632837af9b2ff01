// Package dispatch holds the outbound pipeline: submission, the delayed
// job queue, and the processor that talks to the Bot API.
package dispatch

import (
	"encoding/json"
	"fmt"

	"tgsender/internal/ratelimit"
)

// ContentType is the media kind of a message body. It determines the Bot
// API method and payload field.
type ContentType string

const (
	ContentText      ContentType = "TEXT"
	ContentPhoto     ContentType = "PHOTO"
	ContentVideo     ContentType = "VIDEO"
	ContentAudio     ContentType = "AUDIO"
	ContentFile      ContentType = "FILE"
	ContentAnimation ContentType = "ANIMATION"
	ContentSticker   ContentType = "STICKER"
	ContentVoice     ContentType = "VOICE"
	ContentVideoNote ContentType = "VIDEO_NOTE"
)

// Message is one unit of outbound work. It is created when a submission is
// accepted and consumed by the processor; the queue's bounded-attempt
// mechanism may re-present it.
type Message struct {
	BotToken string `json:"botToken"`
	ChatID   string `json:"chatId"`

	Text        string          `json:"text,omitempty"`
	FileURL     string          `json:"fileUrl,omitempty"`
	FileID      string          `json:"fileId,omitempty"`
	ReplyMarkup json.RawMessage `json:"replyMarkup,omitempty"`

	ContentType ContentType    `json:"contentType,omitempty"`
	Type        ratelimit.Kind `json:"type,omitempty"`

	// ID correlates the message across queue attempts and logs.
	ID string `json:"id,omitempty"`
}

// InvalidError marks a message that can never be sent; submitters get it
// synchronously and the consumer dead-letters it without retries.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return "invalid message: " + e.Reason }

// Validate enforces the presence rules: text for text messages, a file
// reference for everything else.
func (m *Message) Validate() error {
	if m.BotToken == "" {
		return &InvalidError{Reason: "botToken is required"}
	}
	if m.ChatID == "" {
		return &InvalidError{Reason: "chatId is required"}
	}
	if m.ContentType == "" || m.ContentType == ContentText {
		if m.Text == "" {
			return &InvalidError{Reason: "text is required for text messages"}
		}
		return nil
	}
	if _, err := methodFor(m.ContentType); err != nil {
		return &InvalidError{Reason: err.Error()}
	}
	if m.FileURL == "" && m.FileID == "" {
		return &InvalidError{Reason: fmt.Sprintf("fileUrl or fileId is required for %s", m.ContentType)}
	}
	return nil
}

// HasMedia reports whether the message occupies the bot-wide media channel.
func (m *Message) HasMedia() bool {
	return m.ContentType != "" && m.ContentType != ContentText
}

// FileRef returns the provider file reference, URL preferred.
func (m *Message) FileRef() string {
	if m.FileURL != "" {
		return m.FileURL
	}
	return m.FileID
}
