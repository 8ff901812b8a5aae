// Package notify hands owner alerts to the push transport. Delivery is
// fire-and-forget: nothing in the call flow waits for or depends on it.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInvalidMessage = errors.New("notify: invalid message")

type Notifier interface {
	Notify(ctx context.Context, ownerID, title, body string) error
}

// Message is the queued payload consumed by the push worker.
type Message struct {
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisQueue pushes messages onto a bounded per-owner list.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	limit  int64
	ttl    time.Duration
	clock  func() time.Time
}

func NewRedisQueue(rdb *redis.Client, prefix string, ttl time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "doorbell"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, limit: 100, ttl: ttl, clock: time.Now}
}

func (q *RedisQueue) key(ownerID string) string {
	return fmt.Sprintf("%s:notify:%s", q.prefix, ownerID)
}

func (q *RedisQueue) Notify(ctx context.Context, ownerID, title, body string) error {
	if ownerID == "" || title == "" {
		return ErrInvalidMessage
	}
	data, err := json.Marshal(Message{OwnerID: ownerID, Title: title, Body: body, CreatedAt: q.clock().UTC()})
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	key := q.key(ownerID)
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, q.limit-1)
		pipe.Expire(ctx, key, q.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("notify: enqueue: %w", err)
	}
	return nil
}

// Pending returns queued messages for an owner, oldest first.
func (q *RedisQueue) Pending(ctx context.Context, ownerID string) ([]Message, error) {
	data, err := q.rdb.LRange(ctx, q.key(ownerID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("notify: pending: %w", err)
	}
	out := make([]Message, 0, len(data))
	for i := len(data) - 1; i >= 0; i-- {
		var m Message
		if err := json.Unmarshal([]byte(data[i]), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// LogNotifier writes notifications to the log. Used when no queue is configured.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, ownerID, title, body string) error {
	if ownerID == "" || title == "" {
		return ErrInvalidMessage
	}
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "owner notification", "owner_id", ownerID, "title", title, "body", body)
	return nil
}

// Recorder keeps notifications in memory. Tests use it to assert on alerts.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *Recorder) Notify(ctx context.Context, ownerID, title, body string) error {
	if ownerID == "" || title == "" {
		return ErrInvalidMessage
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, Message{OwnerID: ownerID, Title: title, Body: body, CreatedAt: time.Now().UTC()})
	return nil
}

func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}
