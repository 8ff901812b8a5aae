package visitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"doorbell-platform/internal/clock"
	"doorbell-platform/internal/fanout"
	"doorbell-platform/internal/media"
	"doorbell-platform/internal/notify"
	"doorbell-platform/internal/session"
)

const (
	DefaultEscalationTimeout = 60 * time.Second

	eventBuffer  = 32
	writeTimeout = 5 * time.Second
)

var (
	ErrMediaDeliveryFailure = errors.New("visitor: media delivery failed")
	ErrInvalidResponse      = errors.New("visitor: response needs exactly one of media url or text")
	ErrNoVideoCall          = errors.New("visitor: no video call to join")
)

// Config identifies the room a controller serves.
type Config struct {
	RoomID     string
	PropertyID string
	OwnerID    string

	EscalationTimeout time.Duration
	Backoff           []time.Duration
}

// Deps are the collaborators of a controller. Notifier, Clock and Logger are
// optional.
type Deps struct {
	Store    session.Store
	Minter   session.Minter
	Notifier notify.Notifier
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Controller drives one room from the visitor's side: ringing, the escalation
// timer, replies and teardown. All state is guarded by mu; store calls happen
// outside it.
type Controller struct {
	cfg      Config
	store    session.Store
	minter   session.Minter
	notifier notify.Notifier
	clock    clock.Clock
	log      *slog.Logger
	events   *fanout.Hub[Event]

	mu    sync.Mutex
	view  session.CallSession
	timer clock.Timer
	// timerSeq invalidates a fire that raced with a cancel.
	timerSeq uint64
}

func NewController(cfg Config, deps Deps) *Controller {
	if cfg.EscalationTimeout <= 0 {
		cfg.EscalationTimeout = DefaultEscalationTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.LogNotifier{Log: deps.Logger}
	}
	return &Controller{
		cfg:      cfg,
		store:    deps.Store,
		minter:   deps.Minter,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		log:      deps.Logger.With("side", "visitor", "room_id", cfg.RoomID),
		events:   fanout.NewHub[Event](),
	}
}

func (c *Controller) RoomID() string { return c.cfg.RoomID }

// View returns the controller's local view of the session.
func (c *Controller) View() session.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Subscribe streams controller events until cancel is called.
func (c *Controller) Subscribe() (<-chan Event, func()) { return c.events.Subscribe(eventBuffer) }

// Ring starts or restarts the call. It is a no-op while the room is already
// ringing or the owner has taken the call.
func (c *Controller) Ring(ctx context.Context) (session.CallSession, error) {
	c.mu.Lock()
	local := c.view
	c.mu.Unlock()
	if local.Status == session.StatusRinging || local.Status.Engaged() {
		return local, nil
	}

	snap, err := c.ringStore(ctx, local)
	if err != nil {
		return session.CallSession{}, err
	}
	c.Observe(snap)

	c.mu.Lock()
	ringing := c.view.Status == session.StatusRinging && c.view.Generation == snap.Generation
	if ringing {
		c.startTimerLocked()
	}
	view := c.view
	c.mu.Unlock()

	if ringing {
		if err := c.notifier.Notify(ctx, c.cfg.OwnerID, "Doorbell", "Someone is at the door"); err != nil {
			c.log.Warn("owner notification failed", "err", err)
		}
	}
	return view, nil
}

// ringStore moves the store record to ringing, creating a new generation
// where needed. A session another device already put into ringing or beyond
// is adopted instead of forked.
func (c *Controller) ringStore(ctx context.Context, local session.CallSession) (session.CallSession, error) {
	now := c.clock.Now().UTC()

	cur, err := c.store.Get(ctx, c.cfg.RoomID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return c.createRinging(ctx, now)
	case err != nil:
		return session.CallSession{}, err
	}

	from := cur.Status
	if from == session.StatusRinging && local.Generation == cur.Generation && local.Status == session.StatusNotAnswered {
		// we escalated but the not_answered write never landed
		from = session.StatusNotAnswered
	}

	switch {
	case from == session.StatusRinging || from.Engaged():
		return cur, nil
	case from == session.StatusEnded:
		return c.createRinging(ctx, now)
	}

	gen := cur.Generation
	p := session.Patch{
		Status:           session.StatusPtr(session.StatusRinging),
		ExpectStatus:     []session.Status{cur.Status},
		ExpectGeneration: &gen,
		At:               now,
	}
	if from == session.StatusNotAnswered {
		// retry: fresh generation, fresh protocol number
		p.NewGeneration = true
	}
	if p.NewGeneration || cur.ProtocolNumber == "" {
		code, err := c.minter.Mint(ctx)
		if err != nil {
			return session.CallSession{}, err
		}
		p.ProtocolNumber = code
	}

	next, err := c.store.Update(ctx, c.cfg.RoomID, p)
	if errors.Is(err, session.ErrConflict) {
		return c.store.Get(ctx, c.cfg.RoomID)
	}
	return next, err
}

func (c *Controller) createRinging(ctx context.Context, now time.Time) (session.CallSession, error) {
	code, err := c.minter.Mint(ctx)
	if err != nil {
		return session.CallSession{}, err
	}
	created, err := c.store.Create(ctx, session.CallSession{
		RoomID:         c.cfg.RoomID,
		PropertyID:     c.cfg.PropertyID,
		OwnerID:        c.cfg.OwnerID,
		Status:         session.StatusRinging,
		ProtocolNumber: code,
		CreatedAt:      now,
	})
	if errors.Is(err, session.ErrLiveSessionExists) {
		return c.store.Get(ctx, c.cfg.RoomID)
	}
	return created, err
}

// Observe folds a store snapshot into the local view. Stale, duplicate and
// foreign snapshots are ignored.
func (c *Controller) Observe(snap session.CallSession) {
	if snap.RoomID != c.cfg.RoomID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !session.Supersedes(c.view, snap) {
		c.log.Debug("stale snapshot ignored", "status", snap.Status, "generation", snap.Generation,
			"local_status", c.view.Status, "local_generation", c.view.Generation)
		return
	}
	prev := c.view
	c.view = snap
	newGen := prev.Generation != snap.Generation

	if snap.Status != session.StatusRinging || newGen {
		c.cancelTimerLocked()
	}

	if newGen || prev.Status != snap.Status {
		c.emitLocked(EventStatus, nil)
	}
	if snap.OwnerAudioURL != "" && (newGen || snap.OwnerAudioURL != prev.OwnerAudioURL) {
		c.emitLocked(EventOwnerAudio, nil)
	}
	if snap.MeetLink != "" && (newGen || snap.MeetLink != prev.MeetLink) {
		c.emitLocked(EventMeetLink, nil)
	}
	if snap.Status == session.StatusEnded && (newGen || prev.Status != session.StatusEnded) {
		c.emitLocked(EventEnded, nil)
	}
}

func (c *Controller) startTimerLocked() {
	if c.timer != nil {
		return
	}
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.clock.AfterFunc(c.cfg.EscalationTimeout, func() { c.onTimeout(seq) })
}

func (c *Controller) cancelTimerLocked() {
	if c.timer == nil {
		return
	}
	c.timer.Stop()
	c.timer = nil
	c.timerSeq++
}

// TimerArmed reports whether an escalation timer is pending.
func (c *Controller) TimerArmed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

func (c *Controller) onTimeout(seq uint64) {
	c.mu.Lock()
	if seq != c.timerSeq || c.view.Status != session.StatusRinging {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	gen := c.view.Generation
	c.view.Status = session.StatusNotAnswered
	c.emitLocked(EventEscalated, EscalationAffordances)
	c.mu.Unlock()

	c.log.Info("ring not answered, escalating", "generation", gen)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := c.store.Update(ctx, c.cfg.RoomID, session.Patch{
		Status:           session.StatusPtr(session.StatusNotAnswered),
		ExpectStatus:     []session.Status{session.StatusRinging},
		ExpectGeneration: &gen,
		At:               c.clock.Now().UTC(),
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrConflict):
		// The owner moved first; take whatever the store holds now.
		if fresh, gerr := c.store.Get(ctx, c.cfg.RoomID); gerr == nil {
			c.Observe(fresh)
		}
	default:
		c.log.Warn("not_answered write failed", "generation", gen, "err", err)
	}
}

// Response is a visitor reply: a media URL or a text message.
type Response struct {
	MediaURL string `json:"media_url,omitempty"`
	Text     string `json:"text,omitempty"`
}

// SendResponse stores a visitor reply. Media URLs get a per-send
// discriminator so the owner sees each send as a new value. Replies are
// accepted in every state except ended.
func (c *Controller) SendResponse(ctx context.Context, r Response) (session.CallSession, error) {
	r.MediaURL = strings.TrimSpace(r.MediaURL)
	r.Text = strings.TrimSpace(r.Text)
	if (r.MediaURL == "") == (r.Text == "") {
		return session.CallSession{}, ErrInvalidResponse
	}

	cur, err := c.store.Get(ctx, c.cfg.RoomID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return session.CallSession{}, err
		}
		return session.CallSession{}, fmt.Errorf("%w: %v", ErrMediaDeliveryFailure, err)
	}
	if cur.Status == session.StatusEnded {
		return session.CallSession{}, session.ErrSessionEnded
	}

	now := c.clock.Now().UTC()
	gen := cur.Generation
	p := session.Patch{
		ExpectGeneration: &gen,
		ExpectStatus: []session.Status{
			session.StatusPending, session.StatusRinging, session.StatusAnswered,
			session.StatusVideoCall, session.StatusAudioMessage, session.StatusNotAnswered,
		},
		At: now,
	}
	if r.MediaURL != "" {
		if media.KindOf(r.MediaURL) == media.KindUnknown {
			return session.CallSession{}, ErrInvalidResponse
		}
		u, err := media.WithDiscriminator(r.MediaURL, now)
		if err != nil {
			return session.CallSession{}, ErrInvalidResponse
		}
		p.VisitorResponseURL = &u
	} else {
		p.VisitorTextMessage = &r.Text
	}

	next, err := c.store.Update(ctx, c.cfg.RoomID, p)
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			if fresh, gerr := c.store.Get(ctx, c.cfg.RoomID); gerr == nil && fresh.Status == session.StatusEnded {
				c.Observe(fresh)
				return session.CallSession{}, session.ErrSessionEnded
			}
		}
		c.log.Warn("visitor response not stored", "err", err)
		return session.CallSession{}, fmt.Errorf("%w: %v", ErrMediaDeliveryFailure, err)
	}
	c.Observe(next)
	return next, nil
}

// JoinVideo records that the visitor opened the owner's meeting link. It is
// only valid while the call is a video call with a link.
func (c *Controller) JoinVideo(ctx context.Context) (session.CallSession, error) {
	cur, err := c.store.Get(ctx, c.cfg.RoomID)
	if err != nil {
		return session.CallSession{}, err
	}
	switch {
	case cur.Status == session.StatusEnded:
		return session.CallSession{}, session.ErrSessionEnded
	case cur.Status != session.StatusVideoCall || cur.MeetLink == "":
		return session.CallSession{}, ErrNoVideoCall
	case cur.VisitorJoined:
		c.Observe(cur)
		return cur, nil
	}

	gen := cur.Generation
	next, err := c.store.Update(ctx, c.cfg.RoomID, session.Patch{
		VisitorJoined:    true,
		ExpectStatus:     []session.Status{session.StatusVideoCall},
		ExpectGeneration: &gen,
		At:               c.clock.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			if fresh, gerr := c.store.Get(ctx, c.cfg.RoomID); gerr == nil {
				c.Observe(fresh)
			}
		}
		return session.CallSession{}, err
	}
	c.Observe(next)
	return next, nil
}

// End ends the session from the visitor's side.
func (c *Controller) End(ctx context.Context) (session.CallSession, error) {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.mu.Unlock()

	ended, err := session.Finalize(ctx, c.store, c.minter, c.cfg.RoomID, c.clock.Now().UTC())
	if err != nil {
		return session.CallSession{}, err
	}
	c.Observe(ended)
	return ended, nil
}

// TeardownOnExit resets the room to pending in a fresh generation. Call it
// only when the visitor process is really terminating, never on a mere loss
// of visibility.
func (c *Controller) TeardownOnExit(ctx context.Context) error {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.mu.Unlock()

	cur, err := c.store.Get(ctx, c.cfg.RoomID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cur.Status == session.StatusPending {
		c.Observe(cur)
		return nil
	}
	gen := cur.Generation
	next, err := c.store.Update(ctx, c.cfg.RoomID, session.Patch{
		NewGeneration:    true,
		ExpectGeneration: &gen,
		At:               c.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	c.Observe(next)
	return nil
}

// Run follows the room's session until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	defer func() {
		c.mu.Lock()
		c.cancelTimerLocked()
		c.mu.Unlock()
	}()
	return session.Watch(ctx, c.store, session.Filter{RoomID: c.cfg.RoomID}, session.WatchOptions{
		Backoff: c.cfg.Backoff,
		Clock:   c.clock,
		Logger:  c.log,
	}, c.Observe)
}

func (c *Controller) emitLocked(t EventType, affordances []Affordance) {
	ev := Event{
		Type:           t,
		RoomID:         c.view.RoomID,
		Generation:     c.view.Generation,
		Status:         c.view.Status,
		OwnerAudioURL:  c.view.OwnerAudioURL,
		MeetLink:       c.view.MeetLink,
		ProtocolNumber: c.view.ProtocolNumber,
		Affordances:    affordances,
		At:             c.clock.Now().UTC(),
	}
	if ev.Type != EventEnded {
		// the protocol number is revealed at the end only
		ev.ProtocolNumber = ""
	}
	if dropped := c.events.Publish(ev); dropped > 0 {
		c.log.Warn("visitor event dropped", "type", t, "listeners", dropped)
	}
}

// Close releases listeners and the timer.
func (c *Controller) Close() {
	c.mu.Lock()
	c.cancelTimerLocked()
	c.mu.Unlock()
	c.events.Close()
}
