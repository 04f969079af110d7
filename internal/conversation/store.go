// Package conversation stores per-user chat history for prompt context.
package conversation

import (
	"context"
	"fmt"
	"time"

	"smebot-go/internal/metrics"
)

// Roles used in stored messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// DefaultMaxPerUser bounds stored history per user.
const DefaultMaxPerUser = 100

// Message is one stored turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarises the store. Users and Messages count what is currently
// held, after trimming and clears.
type Stats struct {
	Backend  string `json:"backend"`
	Users    int64  `json:"users"`
	Messages int64  `json:"messages"`
}

// Store persists conversation history.
type Store interface {
	// Append adds messages to the end of the user's history.
	Append(ctx context.Context, userID string, msgs ...Message) error
	// History returns up to limit most recent messages, oldest first.
	History(ctx context.Context, userID string, limit int) ([]Message, error)
	// Clear removes the user's history.
	Clear(ctx context.Context, userID string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver      string
	RedisURL    string
	PostgresDSN string
	MaxPerUser  int
}

// Open creates the store named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = DefaultMaxPerUser
	}
	switch opts.Driver {
	case "", "memory":
		return NewMemoryStore(opts.MaxPerUser), nil
	case "redis":
		return NewRedisStore(ctx, opts.RedisURL, opts.MaxPerUser)
	case "postgres":
		return NewPostgresStore(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}

func stamp(msgs []Message) {
	now := time.Now().UTC()
	for i := range msgs {
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = now
		}
		metrics.ConversationMessagesTotal.WithLabelValues(msgs[i].Role).Inc()
	}
}
