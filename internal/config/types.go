package config

// Config is the file-backed part of the configuration (tunables).
//
// Connection parameters (RabbitMQ, Redis) intentionally live in the
// environment, not here: they differ per deployment and must never be
// hot-reloaded. See Conn.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	HTTP HTTPConfig `json:"http"`

	// Media controls the content-addressed media cache.
	Media MediaConfig `json:"media"`

	// Dispatch controls the delayed dispatch queue and its workers.
	Dispatch DispatchConfig `json:"dispatch"`

	// Consumer controls the broker-side retry/dead-letter behavior.
	Consumer ConsumerConfig `json:"consumer"`

	// Telegram controls the outbound Bot API client.
	Telegram TelegramConfig `json:"telegram"`

	// Storage configures the dead-letter archive.
	// If omitted, exhausted jobs are logged but not retained.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Pprof controls the optional debug HTTP listener.
	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig controls the optional pprof HTTP server.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"` // default: "127.0.0.1:6060"
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// HTTPConfig controls the synchronous submission surface.
//
// The surface acknowledges acceptance only; delivery outcome is never
// synchronously observable.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:3000"
}

// MediaConfig controls the content-addressed media cache.
//
// Defaults (when fields are omitted/zero):
//   - dir: "./media"
//   - lock_ttl: "1h"
//   - sweep_every: "10m"
type MediaConfig struct {
	Dir        string `json:"dir,omitempty"`
	PublicHost string `json:"public_host,omitempty"` // base URL prefixed to filenames
	LockTTL    string `json:"lock_ttl,omitempty"`
	SweepEvery string `json:"sweep_every,omitempty"`
}

// DispatchConfig controls the delayed job queue between "accepted" and "sent".
//
// Defaults: workers 4, queue_size 1024, attempts 3, backoff "5s",
// retention "1h" (dead-letter archive prune age).
type DispatchConfig struct {
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Backoff   string `json:"backoff,omitempty"`
	Retention string `json:"retention,omitempty"`
}

// ConsumerConfig controls inbound event handling.
//
// MaxRetries bounds redeliveries per logical event; backoff between
// redeliveries is 2^retryCount seconds, scheduled via the delayed exchange.
type ConsumerConfig struct {
	MaxRetries      int    `json:"max_retries,omitempty"`      // default: 5
	DelayedExchange string `json:"delayed_exchange,omitempty"` // default: "delayed_exchange"
}

// TelegramConfig controls the outbound Bot API client.
type TelegramConfig struct {
	BaseURL    string `json:"base_url,omitempty"` // default: "https://api.telegram.org"
	Timeout    string `json:"timeout,omitempty"`  // HTTP timeout, default "30s"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Breaker    bool   `json:"breaker"`
}

// StorageConfig controls the optional dead-letter archive.
//
// Example:
//
//	"storage": { "path": "./tgsender.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}
