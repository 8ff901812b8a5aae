package owner

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"doorbell-platform/internal/audit"
	"doorbell-platform/internal/clock"
	"doorbell-platform/internal/fanout"
	"doorbell-platform/internal/media"
	"doorbell-platform/internal/meeting"
	"doorbell-platform/internal/session"
)

const (
	DefaultAlertInterval = 3 * time.Second

	eventBuffer = 64
)

var ErrInvalidAudio = errors.New("owner: audio url required")

// engagedFrom lists where video and async voice may start. The two branches
// can replace each other; the last write wins on status and both side fields
// survive.
var engagedFrom = []session.Status{
	session.StatusRinging,
	session.StatusAnswered,
	session.StatusVideoCall,
	session.StatusAudioMessage,
}

// Reconciler imports session ends and responses the owner missed while
// offline.
type Reconciler interface {
	Sync(ctx context.Context, ownerID string) (int, error)
}

type Config struct {
	OwnerID       string
	AlertInterval time.Duration
	Backoff       []time.Duration
}

// Deps are the collaborators of a controller. Meetings, Audit, Reconciler,
// Clock and Logger are optional.
type Deps struct {
	Store      session.Store
	Minter     session.Minter
	Meetings   meeting.Provider
	Audit      *audit.Service
	Reconciler Reconciler
	Clock      clock.Clock
	Logger     *slog.Logger
}

type roomState struct {
	view session.CallSession

	alerting   bool
	dismissed  bool
	alertTimer clock.Timer
	alertSeq   uint64

	// seen holds the reply values already surfaced in the current generation.
	seen map[string]struct{}
}

// Controller follows every session of one owner: it alerts while a room
// rings, surfaces visitor replies once and performs the owner's actions.
type Controller struct {
	cfg        Config
	store      session.Store
	minter     session.Minter
	meetings   meeting.Provider
	audit      *audit.Service
	reconciler Reconciler
	clock      clock.Clock
	log        *slog.Logger
	events     *fanout.Hub[Event]

	mu    sync.Mutex
	rooms map[string]*roomState
}

func NewController(cfg Config, deps Deps) *Controller {
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = DefaultAlertInterval
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Controller{
		cfg:        cfg,
		store:      deps.Store,
		minter:     deps.Minter,
		meetings:   deps.Meetings,
		audit:      deps.Audit,
		reconciler: deps.Reconciler,
		clock:      deps.Clock,
		log:        deps.Logger.With("side", "owner", "owner_id", cfg.OwnerID),
		events:     fanout.NewHub[Event](),
		rooms:      map[string]*roomState{},
	}
}

func (c *Controller) OwnerID() string { return c.cfg.OwnerID }

// Subscribe streams controller events until cancel is called.
func (c *Controller) Subscribe() (<-chan Event, func()) { return c.events.Subscribe(eventBuffer) }

// Sessions returns the local view of every known room, ordered by room id.
func (c *Controller) Sessions() []session.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.CallSession, 0, len(c.rooms))
	for _, st := range c.rooms {
		out = append(out, st.view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Alerting reports whether the room's alert loop is running.
func (c *Controller) Alerting(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.rooms[roomID]
	return ok && st.alerting
}

// Idle reports whether nobody listens and no room is past pending without
// having ended.
func (c *Controller) Idle() bool {
	if c.events.Len() > 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.rooms {
		if st.alerting {
			return false
		}
		if st.view.IsLive() && st.view.Status != session.StatusPending {
			return false
		}
	}
	return true
}

// Run reconciles missed replies, then follows the owner's sessions until ctx
// is done.
func (c *Controller) Run(ctx context.Context) error {
	defer c.stopAllAlerts()

	if c.reconciler != nil {
		n, err := c.reconciler.Sync(ctx, c.cfg.OwnerID)
		if err != nil {
			c.log.Warn("reconciliation failed", "err", err)
		} else if n > 0 {
			c.log.Info("imported missed audit entries", "count", n)
		}
	}
	return session.Watch(ctx, c.store, session.Filter{OwnerID: c.cfg.OwnerID}, session.WatchOptions{
		Backoff: c.cfg.Backoff,
		Clock:   c.clock,
		Logger:  c.log,
	}, c.Handle)
}

// Handle folds a store snapshot into the local view.
func (c *Controller) Handle(snap session.CallSession) {
	if snap.OwnerID != c.cfg.OwnerID || snap.RoomID == "" {
		return
	}
	c.mu.Lock()
	st, ok := c.rooms[snap.RoomID]
	if !ok {
		st = &roomState{seen: map[string]struct{}{}}
		c.rooms[snap.RoomID] = st
	}
	if !session.Supersedes(st.view, snap) {
		c.log.Debug("stale snapshot ignored", "room_id", snap.RoomID, "status", snap.Status,
			"generation", snap.Generation, "local_status", st.view.Status, "local_generation", st.view.Generation)
		c.mu.Unlock()
		return
	}
	prev := st.view
	st.view = snap
	newGen := prev.Generation != snap.Generation
	if newGen {
		st.dismissed = false
		clear(st.seen)
	}

	if newGen || prev.Status != snap.Status {
		c.emitLocked(st, Event{Type: EventStatus})
	}
	switch {
	case snap.Status == session.StatusRinging:
		if (newGen || prev.Status != session.StatusRinging) && !st.dismissed {
			c.startAlertLocked(snap.RoomID, st)
		}
	default:
		c.stopAlertLocked(st)
	}

	var record string
	if u := snap.VisitorResponseURL; u != "" && (newGen || u != prev.VisitorResponseURL) {
		if _, dup := st.seen[u]; !dup {
			st.seen[u] = struct{}{}
			c.emitLocked(st, Event{Type: EventVisitorResponse, MediaURL: u, MediaKind: media.KindOf(u)})
			record = u
		}
	}
	if txt := snap.VisitorTextMessage; txt != "" && (newGen || txt != prev.VisitorTextMessage) {
		key := "text:" + txt
		if _, dup := st.seen[key]; !dup {
			st.seen[key] = struct{}{}
			c.emitLocked(st, Event{Type: EventVisitorText, Text: txt})
		}
	}
	ended := snap.Status == session.StatusEnded && (newGen || prev.Status != session.StatusEnded)
	if ended {
		c.emitLocked(st, Event{Type: EventEnded, ProtocolNumber: snap.ProtocolNumber})
	}
	c.mu.Unlock()

	if record != "" {
		c.recordResponse(snap, record)
	}
	if ended {
		c.recordEnded(snap)
	}
}

// recordEnded appends the session_ended entry of snap's generation. Whoever
// ended the call, every owner controller that sees it tries; the delivery key
// keeps one entry per generation.
func (c *Controller) recordEnded(s session.CallSession) {
	if c.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.audit.LogSessionEnded(ctx, s.RoomID, s.PropertyID, s.OwnerID, s.Generation, s.ProtocolNumber)
	switch {
	case err == nil:
	case errors.Is(err, audit.ErrDuplicate):
		c.log.Debug("session end already recorded", "room_id", s.RoomID, "generation", s.Generation)
	default:
		c.log.Warn("audit append failed", "room_id", s.RoomID, "err", err)
	}
}

func (c *Controller) recordResponse(s session.CallSession, mediaURL string) {
	if c.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.audit.LogVisitorResponse(ctx, s.RoomID, s.PropertyID, s.OwnerID, mediaURL, media.DeliveryID(mediaURL), s.ProtocolNumber)
	switch {
	case err == nil:
	case errors.Is(err, audit.ErrDuplicate):
		c.log.Debug("visitor response already recorded", "room_id", s.RoomID)
	default:
		c.log.Warn("audit append failed", "room_id", s.RoomID, "err", err)
	}
}

func (c *Controller) startAlertLocked(roomID string, st *roomState) {
	if st.alerting {
		return
	}
	st.alerting = true
	st.alertSeq++
	c.emitLocked(st, Event{Type: EventAlert})
	c.armAlertLocked(roomID, st, st.alertSeq)
}

func (c *Controller) armAlertLocked(roomID string, st *roomState, seq uint64) {
	st.alertTimer = c.clock.AfterFunc(c.cfg.AlertInterval, func() { c.alertTick(roomID, seq) })
}

func (c *Controller) alertTick(roomID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.rooms[roomID]
	if !ok || !st.alerting || st.alertSeq != seq {
		return
	}
	c.emitLocked(st, Event{Type: EventAlert})
	c.armAlertLocked(roomID, st, seq)
}

func (c *Controller) stopAlertLocked(st *roomState) {
	if !st.alerting {
		return
	}
	st.alerting = false
	st.alertSeq++
	if st.alertTimer != nil {
		st.alertTimer.Stop()
		st.alertTimer = nil
	}
	c.emitLocked(st, Event{Type: EventAlertStopped})
}

func (c *Controller) stopAllAlerts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.rooms {
		c.stopAlertLocked(st)
	}
}

// Decline silences the alert for the current ring. The session itself is
// left alone; the visitor's timer decides what happens next.
func (c *Controller) Decline(roomID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.rooms[roomID]
	if !ok {
		return session.ErrNotFound
	}
	st.dismissed = true
	c.stopAlertLocked(st)
	return nil
}

// Answer takes a ringing call.
func (c *Controller) Answer(ctx context.Context, roomID string) (session.CallSession, error) {
	now := c.clock.Now().UTC()
	return c.act(ctx, roomID, func(gen int64) session.Patch {
		return session.Patch{
			Status:           session.StatusPtr(session.StatusAnswered),
			AnsweredAt:       session.TimePtr(now),
			ExpectStatus:     session.Allowed(session.TriggerAnswer),
			ExpectGeneration: &gen,
			At:               now,
		}
	})
}

// StartVideo moves the call to video. The meeting is created on first use and
// reused afterwards; meeting.ErrAuthorizationPending asks the caller to retry
// once the provider account is ready.
func (c *Controller) StartVideo(ctx context.Context, roomID string) (session.CallSession, error) {
	cur, err := c.store.Get(ctx, roomID)
	if err != nil {
		return session.CallSession{}, err
	}
	if cur.OwnerID != c.cfg.OwnerID {
		return session.CallSession{}, session.ErrNotFound
	}
	if cur.Status == session.StatusEnded {
		return session.CallSession{}, session.ErrSessionEnded
	}
	link := cur.MeetLink
	if link == "" {
		if c.meetings == nil {
			return session.CallSession{}, meeting.ErrNotConfigured
		}
		link, err = c.meetings.CreateMeeting(ctx)
		if err != nil {
			return session.CallSession{}, err
		}
	}

	now := c.clock.Now().UTC()
	return c.act(ctx, roomID, func(gen int64) session.Patch {
		return session.Patch{
			Status:           session.StatusPtr(session.StatusVideoCall),
			MeetLink:         &link,
			OwnerJoined:      true,
			AnsweredAt:       session.TimePtr(now),
			ExpectStatus:     engagedFrom,
			ExpectGeneration: &gen,
			At:               now,
		}
	})
}

// SendAsyncVoice leaves a recorded voice message for the visitor.
func (c *Controller) SendAsyncVoice(ctx context.Context, roomID, audioURL string) (session.CallSession, error) {
	audioURL = strings.TrimSpace(audioURL)
	if audioURL == "" {
		return session.CallSession{}, ErrInvalidAudio
	}
	now := c.clock.Now().UTC()
	return c.act(ctx, roomID, func(gen int64) session.Patch {
		return session.Patch{
			Status:           session.StatusPtr(session.StatusAudioMessage),
			OwnerAudioURL:    &audioURL,
			AnsweredAt:       session.TimePtr(now),
			ExpectStatus:     engagedFrom,
			ExpectGeneration: &gen,
			At:               now,
		}
	})
}

// EndSession ends the call. The audit entry is written by Handle when the
// ended snapshot is folded in.
func (c *Controller) EndSession(ctx context.Context, roomID string) (session.CallSession, error) {
	cur, err := c.store.Get(ctx, roomID)
	if err != nil {
		return session.CallSession{}, err
	}
	if cur.OwnerID != c.cfg.OwnerID {
		return session.CallSession{}, session.ErrNotFound
	}

	c.mu.Lock()
	if st, ok := c.rooms[roomID]; ok {
		c.stopAlertLocked(st)
	}
	c.mu.Unlock()

	ended, err := session.Finalize(ctx, c.store, c.minter, roomID, c.clock.Now().UTC())
	if err != nil {
		return session.CallSession{}, err
	}
	c.Handle(ended)
	return ended, nil
}

// act applies an owner action against the generation the owner is looking
// at. When the session moved on underneath, the fresh snapshot is folded in
// and ErrConflict is returned.
func (c *Controller) act(ctx context.Context, roomID string, build func(gen int64) session.Patch) (session.CallSession, error) {
	c.mu.Lock()
	var gen int64
	if st, ok := c.rooms[roomID]; ok {
		gen = st.view.Generation
		c.stopAlertLocked(st)
	}
	c.mu.Unlock()

	if gen == 0 {
		cur, err := c.store.Get(ctx, roomID)
		if err != nil {
			return session.CallSession{}, err
		}
		if cur.OwnerID != c.cfg.OwnerID {
			return session.CallSession{}, session.ErrNotFound
		}
		gen = cur.Generation
	}

	next, err := c.store.Update(ctx, roomID, build(gen))
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			if fresh, gerr := c.store.Get(ctx, roomID); gerr == nil {
				c.Handle(fresh)
			}
		}
		return session.CallSession{}, err
	}
	c.Handle(next)
	return next, nil
}

func (c *Controller) emitLocked(st *roomState, ev Event) {
	ev.RoomID = st.view.RoomID
	ev.PropertyID = st.view.PropertyID
	ev.Generation = st.view.Generation
	ev.Status = st.view.Status
	ev.MeetLink = st.view.MeetLink
	ev.At = c.clock.Now().UTC()
	if dropped := c.events.Publish(ev); dropped > 0 {
		c.log.Warn("owner event dropped", "type", ev.Type, "room_id", ev.RoomID, "listeners", dropped)
	}
}

// Close stops alerts and releases listeners.
func (c *Controller) Close() {
	c.stopAllAlerts()
	c.events.Close()
}
