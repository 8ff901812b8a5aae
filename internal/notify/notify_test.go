package notify

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRecorder_RejectsIncompleteMessages(t *testing.T) {
	r := &Recorder{}
	if err := r.Notify(context.Background(), "", "Doorbell", "ring"); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if err := r.Notify(context.Background(), "o1", "Doorbell", "Someone is at the door"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	msgs := r.Messages()
	if len(msgs) != 1 || msgs[0].OwnerID != "o1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestLogNotifier_NilLoggerFallsBack(t *testing.T) {
	if err := (LogNotifier{}).Notify(context.Background(), "o1", "Doorbell", "ring"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := (LogNotifier{}).Notify(context.Background(), "o1", "", "ring"); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestRedisQueue_Key(t *testing.T) {
	q := NewRedisQueue(nil, "", 0)
	if got := q.key("o1"); got != "doorbell:notify:o1" {
		t.Fatalf("unexpected key %q", got)
	}
	if q.ttl <= 0 || q.limit != 100 {
		t.Fatalf("expected defaults applied")
	}
}

func TestRedisQueue_BoundedOldestFirst(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	q := NewRedisQueue(rdb, "", 30*time.Minute)

	for i := 0; i < 105; i++ {
		if err := q.Notify(ctx, "o1", "Doorbell", strconv.Itoa(i)); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if err := q.Notify(ctx, "o1", "", "ring"); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}

	msgs, err := q.Pending(ctx, "o1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(msgs) != 100 {
		t.Fatalf("expected queue bounded to 100, got %d", len(msgs))
	}
	if msgs[0].Body != "5" || msgs[99].Body != "104" {
		t.Fatalf("expected oldest first, got %q .. %q", msgs[0].Body, msgs[99].Body)
	}
	if ttl := mr.TTL("doorbell:notify:o1"); ttl != 30*time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}

	if other, err := q.Pending(ctx, "o2"); err != nil || len(other) != 0 {
		t.Fatalf("expected empty queue for o2, got %v %v", other, err)
	}
}
