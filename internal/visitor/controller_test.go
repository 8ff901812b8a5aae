package visitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"doorbell-platform/internal/clock"
	"doorbell-platform/internal/notify"
	"doorbell-platform/internal/protocol"
	"doorbell-platform/internal/session"
)

type fixture struct {
	store    *session.MemoryStore
	clock    *clock.Fake
	notifier *notify.Recorder
	ctrl     *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    session.NewMemoryStore(),
		clock:    clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)),
		notifier: &notify.Recorder{},
	}
	f.ctrl = NewController(Config{RoomID: "R1", PropertyID: "P1", OwnerID: "O1"}, Deps{
		Store:    f.store,
		Minter:   protocol.NewMinter(protocol.NewMemoryRegistry()),
		Notifier: f.notifier,
		Clock:    f.clock,
	})
	return f
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(evs []Event, t EventType) (Event, bool) {
	for _, ev := range evs {
		if ev.Type == t {
			return ev, true
		}
	}
	return Event{}, false
}

func TestRing_CreatesSessionAndArmsOneTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.ctrl.Ring(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if s.Status != session.StatusRinging || s.Generation != 1 {
		t.Fatalf("unexpected session: %+v", s)
	}
	if !protocol.Valid(s.ProtocolNumber) {
		t.Fatalf("expected protocol number minted at creation, got %q", s.ProtocolNumber)
	}
	if !f.ctrl.TimerArmed() || f.clock.Pending() != 1 {
		t.Fatalf("expected exactly one timer, pending=%d", f.clock.Pending())
	}

	// ringing again is a no-op
	if _, err := f.ctrl.Ring(ctx); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.clock.Pending() != 1 {
		t.Fatalf("expected one timer after second ring, got %d", f.clock.Pending())
	}
	if n := len(f.notifier.Messages()); n != 1 {
		t.Fatalf("expected one owner notification, got %d", n)
	}
}

func TestEscalation_FiresAtTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, cancel := f.ctrl.Subscribe()
	defer cancel()

	if _, err := f.ctrl.Ring(ctx); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	f.clock.Advance(59 * time.Second)
	if f.ctrl.View().Status != session.StatusRinging {
		t.Fatalf("fired early")
	}

	f.clock.Advance(time.Second)
	if f.ctrl.View().Status != session.StatusNotAnswered {
		t.Fatalf("expected not_answered, got %s", f.ctrl.View().Status)
	}
	stored, _ := f.store.Get(ctx, "R1")
	if stored.Status != session.StatusNotAnswered {
		t.Fatalf("expected store not_answered, got %s", stored.Status)
	}

	ev, ok := hasEvent(drain(events), EventEscalated)
	if !ok {
		t.Fatalf("expected escalated event")
	}
	if len(ev.Affordances) == 0 || ev.Affordances[0] != AffordanceRetry {
		t.Fatalf("expected retry affordance, got %v", ev.Affordances)
	}
}

func TestEscalation_CancelledByAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ctrl.Ring(ctx); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	f.clock.Advance(10 * time.Second)

	answered, err := f.store.Update(ctx, "R1", session.Patch{Status: session.StatusPtr(session.StatusAnswered)})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	f.ctrl.Observe(answered)
	// redelivery changes nothing
	f.ctrl.Observe(answered)

	if f.ctrl.TimerArmed() || f.clock.Pending() != 0 {
		t.Fatalf("timer must be cancelled on answer")
	}
	f.clock.Advance(2 * time.Minute)
	if f.ctrl.View().Status != session.StatusAnswered {
		t.Fatalf("expected answered, got %s", f.ctrl.View().Status)
	}
}

func TestEscalation_LosesRaceToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ctrl.Ring(ctx); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// owner answers but the snapshot has not reached the visitor yet
	if _, err := f.store.Update(ctx, "R1", session.Patch{Status: session.StatusPtr(session.StatusAnswered)}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	f.clock.Advance(60 * time.Second)

	stored, _ := f.store.Get(ctx, "R1")
	if stored.Status != session.StatusAnswered {
		t.Fatalf("owner's answer must win in the store, got %s", stored.Status)
	}
	if f.ctrl.View().Status != session.StatusAnswered {
		t.Fatalf("visitor should converge to answered, got %s", f.ctrl.View().Status)
	}
}

func TestRing_RetryAfterNotAnsweredStartsNewGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ctrl.Ring(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	f.clock.Advance(60 * time.Second)

	second, err := f.ctrl.Ring(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if second.Generation != first.Generation+1 || second.Status != session.StatusRinging {
		t.Fatalf("unexpected retry session: %+v", second)
	}
	if second.ProtocolNumber == "" || second.ProtocolNumber == first.ProtocolNumber {
		t.Fatalf("expected a fresh protocol number, got %q after %q", second.ProtocolNumber, first.ProtocolNumber)
	}
	if !f.ctrl.TimerArmed() {
		t.Fatalf("expected timer re-armed")
	}
}

func TestRing_RetriesWhenNotAnsweredWriteWasLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ctrl.Ring(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	f.store.FailWrites(errors.New("offline"))
	f.clock.Advance(60 * time.Second)
	f.store.FailWrites(nil)

	second, err := f.ctrl.Ring(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if second.Generation != first.Generation+1 {
		t.Fatalf("expected new generation, got %d", second.Generation)
	}
}

func TestSendResponse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ctrl.SendResponse(ctx, Response{MediaURL: "https://cdn/x/visitor-audio-1.m4a"}); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before ringing, got %v", err)
	}
	if _, err := f.ctrl.Ring(ctx); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	a, err := f.ctrl.SendResponse(ctx, Response{MediaURL: "https://cdn/x/visitor-audio-1.m4a"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	f.clock.Advance(time.Millisecond)
	b, err := f.ctrl.SendResponse(ctx, Response{MediaURL: "https://cdn/x/visitor-audio-1.m4a"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !strings.Contains(a.VisitorResponseURL, "v=") || a.VisitorResponseURL == b.VisitorResponseURL {
		t.Fatalf("expected distinct discriminated urls, got %q and %q", a.VisitorResponseURL, b.VisitorResponseURL)
	}
	if b.Status != session.StatusRinging {
		t.Fatalf("reply must not change the primary status, got %s", b.Status)
	}

	if _, err := f.ctrl.SendResponse(ctx, Response{Text: "left it at the door"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := f.ctrl.SendResponse(ctx, Response{}); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse, got %v", err)
	}
	if _, err := f.ctrl.SendResponse(ctx, Response{MediaURL: "https://cdn/x/readme.txt"}); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected ErrInvalidResponse for unknown media, got %v", err)
	}

	f.store.FailWrites(errors.New("offline"))
	if _, err := f.ctrl.SendResponse(ctx, Response{Text: "hello"}); !errors.Is(err, ErrMediaDeliveryFailure) {
		t.Fatalf("expected ErrMediaDeliveryFailure, got %v", err)
	}
	f.store.FailWrites(nil)

	if _, err := f.ctrl.End(ctx); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := f.ctrl.SendResponse(ctx, Response{Text: "too late"}); !errors.Is(err, session.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}

func TestEnd_RevealsProtocolNumber(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, cancel := f.ctrl.Subscribe()
	defer cancel()

	rung, err := f.ctrl.Ring(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ended, err := f.ctrl.End(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ended.Status != session.StatusEnded || ended.ProtocolNumber != rung.ProtocolNumber {
		t.Fatalf("unexpected ended session: %+v", ended)
	}
	if f.ctrl.TimerArmed() {
		t.Fatalf("timer must be cancelled on end")
	}

	evs := drain(events)
	ev, ok := hasEvent(evs, EventEnded)
	if !ok || ev.ProtocolNumber != rung.ProtocolNumber {
		t.Fatalf("expected ended event with protocol number, got %+v", evs)
	}
	for _, e := range evs {
		if e.Type != EventEnded && e.ProtocolNumber != "" {
			t.Fatalf("protocol number leaked before end: %+v", e)
		}
	}
}

func TestTeardownOnExit_ResetsToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rung, err := f.ctrl.Ring(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := f.ctrl.SendResponse(ctx, Response{Text: "hi"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := f.ctrl.TeardownOnExit(ctx); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	stored, _ := f.store.Get(ctx, "R1")
	if stored.Status != session.StatusPending || stored.Generation != rung.Generation+1 {
		t.Fatalf("expected pending in a new generation, got %+v", stored)
	}
	if stored.VisitorTextMessage != "" || stored.ProtocolNumber != "" {
		t.Fatalf("expected transient fields cleared, got %+v", stored)
	}
	if f.ctrl.TimerArmed() {
		t.Fatalf("timer must be cancelled on teardown")
	}

	// the next ring reuses the pending record and mints for it
	again, err := f.ctrl.Ring(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if again.Generation != stored.Generation || again.Status != session.StatusRinging || again.ProtocolNumber == "" {
		t.Fatalf("unexpected ring after teardown: %+v", again)
	}
}

func TestObserve_IgnoresStaleAndForeignSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rung, err := f.ctrl.Ring(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	answered, err := f.store.Update(ctx, "R1", session.Patch{Status: session.StatusPtr(session.StatusAnswered)})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	f.ctrl.Observe(answered)

	f.ctrl.Observe(rung)
	if f.ctrl.View().Status != session.StatusAnswered {
		t.Fatalf("stale ringing must be ignored")
	}
	foreign := answered
	foreign.RoomID = "R2"
	foreign.Status = session.StatusEnded
	f.ctrl.Observe(foreign)
	if f.ctrl.View().Status != session.StatusAnswered {
		t.Fatalf("foreign snapshot must be ignored")
	}
}

func TestJoinVideo_OnlyDuringVideoCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.ctrl.JoinVideo(ctx); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any ring, got %v", err)
	}
	rung, err := f.ctrl.Ring(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := f.ctrl.JoinVideo(ctx); !errors.Is(err, ErrNoVideoCall) {
		t.Fatalf("expected ErrNoVideoCall while ringing, got %v", err)
	}

	gen := rung.Generation
	if _, err := f.store.Update(ctx, "R1", session.Patch{
		Status:           session.StatusPtr(session.StatusVideoCall),
		MeetLink:         session.StringPtr("https://meet.example.com/r/abc"),
		OwnerJoined:      true,
		ExpectGeneration: &gen,
	}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	joined, err := f.ctrl.JoinVideo(ctx)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !joined.VisitorJoined || joined.Status != session.StatusVideoCall {
		t.Fatalf("unexpected session: %+v", joined)
	}
	again, err := f.ctrl.JoinVideo(ctx)
	if err != nil || !again.VisitorJoined {
		t.Fatalf("joining twice must be a no-op, got %+v %v", again, err)
	}

	if _, err := f.ctrl.End(ctx); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := f.ctrl.JoinVideo(ctx); !errors.Is(err, session.ErrSessionEnded) {
		t.Fatalf("expected ErrSessionEnded, got %v", err)
	}
}
