package session

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

const (
	redisUpdateAttempts = 5
	redisSubBuffer      = 64
)

// RedisStore keeps one JSON document per room and fans changes out over
// pub/sub. Every write publishes the full snapshot on the owner channel and
// on the room channel.
type RedisStore struct {
	rdb        *redis.Client
	prefix     string
	endedLimit int64
	endedTTL   time.Duration
	clock      func() time.Time
	log        *slog.Logger
}

type RedisStoreOptions struct {
	// Prefix namespaces every key and channel. Defaults to "doorbell".
	Prefix string
	// EndedLimit bounds the per-owner recent-ended list. Defaults to 50.
	EndedLimit int
	// EndedTTL expires an idle recent-ended list. Defaults to 7 days.
	EndedTTL time.Duration
	Logger   *slog.Logger
}

func NewRedisStore(rdb *redis.Client, opts RedisStoreOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "doorbell"
	}
	if opts.EndedLimit <= 0 {
		opts.EndedLimit = recentEndedBound
	}
	if opts.EndedTTL <= 0 {
		opts.EndedTTL = 7 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisStore{
		rdb:        rdb,
		prefix:     opts.Prefix,
		endedLimit: int64(opts.EndedLimit),
		endedTTL:   opts.EndedTTL,
		clock:      time.Now,
		log:        opts.Logger,
	}
}

func (r *RedisStore) sessionKey(roomID string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, roomID)
}

func (r *RedisStore) ownerRoomsKey(ownerID string) string {
	return fmt.Sprintf("%s:owner:%s:rooms", r.prefix, ownerID)
}

func (r *RedisStore) endedKey(ownerID string) string {
	return fmt.Sprintf("%s:owner:%s:ended", r.prefix, ownerID)
}

func (r *RedisStore) ownerChannel(ownerID string) string {
	return fmt.Sprintf("%s:events:owner:%s", r.prefix, ownerID)
}

func (r *RedisStore) roomChannel(roomID string) string {
	return fmt.Sprintf("%s:events:room:%s", r.prefix, roomID)
}

var createSessionScript = redis.NewScript(`
-- KEYS[1] = session key
-- KEYS[2] = owner rooms set
-- KEYS[3] = owner channel
-- KEYS[4] = room channel
-- ARGV[1] = session JSON (generation is assigned here)
-- ARGV[2] = room id
--
-- Returns the stored JSON, or nil while a live session exists.
local gen = 1
local cur = redis.call('GET', KEYS[1])
if cur then
  local old = cjson.decode(cur)
  if old['status'] ~= 'ended' then
    return false
  end
  gen = tonumber(old['generation']) + 1
end

local s = cjson.decode(ARGV[1])
s['generation'] = gen
local out = cjson.encode(s)

redis.call('SET', KEYS[1], out)
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('PUBLISH', KEYS[3], out)
redis.call('PUBLISH', KEYS[4], out)
return out
`)

func (r *RedisStore) Create(ctx context.Context, s CallSession) (CallSession, error) {
	if err := validateNew(s); err != nil {
		return CallSession{}, err
	}
	now := r.clock().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	raw, err := json.Marshal(s)
	if err != nil {
		return CallSession{}, fmt.Errorf("session: encode: %w", err)
	}

	keys := []string{
		r.sessionKey(s.RoomID),
		r.ownerRoomsKey(s.OwnerID),
		r.ownerChannel(s.OwnerID),
		r.roomChannel(s.RoomID),
	}
	out, err := createSessionScript.Run(ctx, r.rdb, keys, raw, s.RoomID).Text()
	if errors.Is(err, redis.Nil) {
		return CallSession{}, ErrLiveSessionExists
	}
	if err != nil {
		return CallSession{}, fmt.Errorf("%w: create: %v", ErrStoreUnavailable, err)
	}

	var stored CallSession
	if err := json.Unmarshal([]byte(out), &stored); err != nil {
		return CallSession{}, fmt.Errorf("session: decode: %w", err)
	}
	return stored, nil
}

func (r *RedisStore) Get(ctx context.Context, roomID string) (CallSession, error) {
	raw, err := r.rdb.Get(ctx, r.sessionKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CallSession{}, ErrNotFound
	}
	if err != nil {
		return CallSession{}, fmt.Errorf("%w: get: %v", ErrStoreUnavailable, err)
	}
	var s CallSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return CallSession{}, fmt.Errorf("session: decode: %w", err)
	}
	return s, nil
}

// Update applies p inside a WATCH/MULTI transaction. A lost race is retried
// against the fresh record, so preconditions are always checked against the
// latest write.
func (r *RedisStore) Update(ctx context.Context, roomID string, p Patch) (CallSession, error) {
	if p.At.IsZero() {
		p.At = r.clock().UTC()
	}
	key := r.sessionKey(roomID)

	var next CallSession
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur CallSession
		if err := json.Unmarshal(raw, &cur); err != nil {
			return fmt.Errorf("session: decode: %w", err)
		}
		next, err = p.Apply(cur)
		if err != nil {
			return err
		}
		enc, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("session: encode: %w", err)
		}
		ended := next.Status == StatusEnded && (cur.Status != StatusEnded || next.Generation != cur.Generation)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, enc, 0)
			if ended {
				endedKey := r.endedKey(next.OwnerID)
				pipe.LPush(ctx, endedKey, enc)
				pipe.LTrim(ctx, endedKey, 0, r.endedLimit-1)
				pipe.Expire(ctx, endedKey, r.endedTTL)
			}
			pipe.Publish(ctx, r.ownerChannel(next.OwnerID), enc)
			pipe.Publish(ctx, r.roomChannel(next.RoomID), enc)
			return nil
		})
		return err
	}

	for i := 0; i < redisUpdateAttempts; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
			return CallSession{}, err
		default:
			return CallSession{}, fmt.Errorf("%w: update: %v", ErrStoreUnavailable, err)
		}
	}
	return CallSession{}, fmt.Errorf("%w: too many concurrent writers on %s", ErrConflict, roomID)
}

func (r *RedisStore) RecentEnded(ctx context.Context, ownerID string, limit int) ([]CallSession, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	data, err := r.rdb.LRange(ctx, r.endedKey(ownerID), 0, stop).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: recent ended: %v", ErrStoreUnavailable, err)
	}
	out := make([]CallSession, 0, len(data))
	for _, raw := range data {
		var s CallSession
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			r.log.Warn("skip undecodable ended session", "owner_id", ownerID, "err", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Subscribe listens on the filter's channel and then replays the current
// snapshots, so nothing written between the two steps is missed.
func (r *RedisStore) Subscribe(ctx context.Context, f Filter) (Subscription, error) {
	var channel string
	switch {
	case f.RoomID != "":
		channel = r.roomChannel(f.RoomID)
	case f.OwnerID != "":
		channel = r.ownerChannel(f.OwnerID)
	default:
		return nil, fmt.Errorf("session: empty subscription filter")
	}

	ps := r.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe: %v", ErrStoreUnavailable, err)
	}

	current, err := r.current(ctx, f)
	if err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &redisSub{ps: ps, ch: make(chan CallSession, redisSubBuffer), done: make(chan struct{})}
	replay := func(ctx context.Context) ([]CallSession, error) { return r.current(ctx, f) }
	go sub.pump(ctx, f, current, replay, r.log)
	return sub, nil
}

func (r *RedisStore) current(ctx context.Context, f Filter) ([]CallSession, error) {
	if f.RoomID != "" {
		s, err := r.Get(ctx, f.RoomID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !f.Match(s) {
			return nil, nil
		}
		return []CallSession{s}, nil
	}

	rooms, err := r.rdb.SMembers(ctx, r.ownerRoomsKey(f.OwnerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: owner rooms: %v", ErrStoreUnavailable, err)
	}
	if len(rooms) == 0 {
		return nil, nil
	}
	keys := make([]string, len(rooms))
	for i, room := range rooms {
		keys[i] = r.sessionKey(room)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot: %v", ErrStoreUnavailable, err)
	}
	out := make([]CallSession, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s CallSession
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		if f.Match(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

type redisSub struct {
	ps        *redis.PubSub
	ch        chan CallSession
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// pump forwards published snapshots. go-redis resubscribes on its own after
// a reconnect; whatever was published while the connection was down is gone,
// so every fresh subscription confirmation triggers a replay of the current
// snapshots.
func (s *redisSub) pump(ctx context.Context, f Filter, current []CallSession, replay func(context.Context) ([]CallSession, error), log *slog.Logger) {
	defer close(s.ch)
	for _, v := range current {
		if !s.send(ctx, v) {
			return
		}
	}

	msgs := s.ps.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			s.err = ctx.Err()
			_ = s.Close()
			return
		case <-s.done:
			return
		case raw, ok := <-msgs:
			if !ok {
				s.err = ErrStoreUnavailable
				return
			}
			switch msg := raw.(type) {
			case *redis.Subscription:
				if msg.Kind != "subscribe" {
					continue
				}
				snaps, err := replay(ctx)
				if err != nil {
					log.Warn("replay after resubscribe failed", "channel", msg.Channel, "err", err)
					s.err = ErrStoreUnavailable
					_ = s.Close()
					return
				}
				log.Debug("resubscribed, replaying current sessions", "channel", msg.Channel, "count", len(snaps))
				for _, v := range snaps {
					if !s.send(ctx, v) {
						return
					}
				}
			case *redis.Message:
				var v CallSession
				if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
					log.Warn("skip undecodable snapshot", "channel", msg.Channel, "err", err)
					continue
				}
				if !f.Match(v) {
					continue
				}
				if !s.send(ctx, v) {
					return
				}
			}
		}
	}
}

func (s *redisSub) send(ctx context.Context, v CallSession) bool {
	select {
	case s.ch <- v:
		return true
	case <-ctx.Done():
		s.err = ctx.Err()
		_ = s.Close()
		return false
	case <-s.done:
		return false
	}
}

func (s *redisSub) C() <-chan CallSession { return s.ch }

// Err is only meaningful once C has been closed.
func (s *redisSub) Err() error { return s.err }

func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
