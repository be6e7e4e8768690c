// Package store defines the durable queue storage the gateway sits on top
// of, plus the drivers that implement it. The gateway treats the store as a
// dumb collaborator: enqueue, peek in insertion order, delete. Claim state
// lives above it, in the claim manager.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrQueueNotFound   = errors.New("queue not found")
	ErrMessageNotFound = errors.New("message not found")
	// ErrUnavailable marks transient driver failures. The dispatcher retries
	// these with backoff before surfacing 503 to the client.
	ErrUnavailable = errors.New("store unavailable")
)

type Message struct {
	ID         string
	Project    string
	Queue      string
	Body       json.RawMessage
	EnqueuedAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the message's own TTL has lapsed.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

type NewMessage struct {
	Body json.RawMessage
	TTL  time.Duration
}

type Stats struct {
	Total  int
	Oldest time.Time
	Newest time.Time
}

// Adapter is the storage contract. Peek returns unexpired messages in
// insertion order (best effort: a sharded backend may reorder across
// shards, never within one). Post creates the queue implicitly.
type Adapter interface {
	CreateQueue(ctx context.Context, project, queue string, metadata map[string]string) (created bool, err error)
	DeleteQueue(ctx context.Context, project, queue string) error
	ListQueues(ctx context.Context, project string) ([]string, error)
	Post(ctx context.Context, project, queue string, msgs []NewMessage) ([]Message, error)
	Peek(ctx context.Context, project, queue string, limit int) ([]Message, error)
	Get(ctx context.Context, project, queue, id string) (Message, error)
	DeleteMessage(ctx context.Context, project, queue, id string) error
	Stats(ctx context.Context, project, queue string) (Stats, error)
	Ping(ctx context.Context) error
}
