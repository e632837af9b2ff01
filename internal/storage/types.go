package storage

import (
	"context"
	"time"
)

// Sources of dead-lettered work.
const (
	SourceConsumer = "consumer"
	SourceDispatch = "dispatch"
)

// DeadLetter records a terminally failed event or dispatch job for
// inspection. Keep it compact and schema-stable.
type DeadLetter struct {
	At        time.Time
	Source    string
	MessageID string
	Pattern   string
	Attempts  int
	Payload   string
	Error     string
}

// Store is the dead-letter archive API.
//
// A nil *DB is a safe no-op (archive disabled), matching how optional
// persistence is handled elsewhere in this repo.
type Store interface {
	AppendDeadLetter(ctx context.Context, dl DeadLetter) error
	RecentDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
