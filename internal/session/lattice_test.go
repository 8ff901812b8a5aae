package session

import (
	"math/rand"
	"testing"
)

func TestNext_TransitionTable(t *testing.T) {
	cases := []struct {
		from Status
		t    Trigger
		to   Status
		ok   bool
	}{
		{StatusPending, TriggerRing, StatusRinging, true},
		{StatusNotAnswered, TriggerRing, StatusRinging, true},
		{StatusEnded, TriggerRing, StatusRinging, true},
		{StatusRinging, TriggerRing, "", false},
		{StatusRinging, TriggerAnswer, StatusAnswered, true},
		{StatusPending, TriggerAnswer, "", false},
		{StatusAnswered, TriggerVideo, StatusVideoCall, true},
		{StatusRinging, TriggerAsyncVoice, StatusAudioMessage, true},
		{StatusVideoCall, TriggerAsyncVoice, "", false},
		{StatusRinging, TriggerTimeout, StatusNotAnswered, true},
		{StatusAnswered, TriggerTimeout, "", false},
		{StatusVideoCall, TriggerEnd, StatusEnded, true},
		{StatusEnded, TriggerEnd, "", false},
	}
	for _, tc := range cases {
		got, ok := Next(tc.from, tc.t)
		if ok != tc.ok || got != tc.to {
			t.Fatalf("Next(%s, %s) = %s, %v; want %s, %v", tc.from, tc.t, got, ok, tc.to, tc.ok)
		}
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(StatusRinging, StatusNotAnswered) {
		t.Fatalf("expected ringing -> not_answered")
	}
	if CanTransition(StatusAnswered, StatusRinging) {
		t.Fatalf("answered -> ringing must not be allowed")
	}
	if CanTransition(StatusEnded, StatusAnswered) {
		t.Fatalf("ended -> answered must not be allowed")
	}
}

func TestSupersedes_ForwardOnlyUnderShuffledDelivery(t *testing.T) {
	base := CallSession{RoomID: "r1", OwnerID: "o1", Generation: 1}
	seq := []Status{StatusPending, StatusRinging, StatusAnswered, StatusVideoCall, StatusEnded}

	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var deliveries []CallSession
		for _, st := range seq {
			s := base
			s.Status = st
			// at-least-once: every snapshot shows up one to three times
			for n := rng.Intn(3) + 1; n > 0; n-- {
				deliveries = append(deliveries, s)
			}
		}
		rng.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })

		view := CallSession{}
		for _, snap := range deliveries {
			prev := view
			if Supersedes(view, snap) {
				view = snap
			}
			if view.Generation == prev.Generation && view.Status.Rank() < prev.Status.Rank() {
				t.Fatalf("round %d: regressed from %s to %s", round, prev.Status, view.Status)
			}
		}
		if view.Status != StatusEnded {
			t.Fatalf("round %d: expected ended, got %s", round, view.Status)
		}
	}
}

func TestSupersedes_NotAnsweredOnlyFromRinging(t *testing.T) {
	cur := CallSession{Generation: 1, Status: StatusAnswered}
	late := CallSession{Generation: 1, Status: StatusNotAnswered}
	if Supersedes(cur, late) {
		t.Fatalf("not_answered must not override answered")
	}
	cur.Status = StatusRinging
	if !Supersedes(cur, late) {
		t.Fatalf("not_answered should override ringing")
	}
}

func TestSupersedes_NewGenerationWins(t *testing.T) {
	cur := CallSession{Generation: 1, Status: StatusEnded}
	next := CallSession{Generation: 2, Status: StatusRinging}
	if !Supersedes(cur, next) {
		t.Fatalf("newer generation should win")
	}
	if Supersedes(next, cur) {
		t.Fatalf("older generation must be ignored")
	}
}

func TestSupersedes_VideoVoiceSwapIsLastWriteWins(t *testing.T) {
	cur := CallSession{Generation: 1, Status: StatusVideoCall}
	next := CallSession{Generation: 1, Status: StatusAudioMessage}
	if !Supersedes(cur, next) {
		t.Fatalf("equal rank should be accepted")
	}
}

func TestSupersedes_RejectsUnknownStatus(t *testing.T) {
	if Supersedes(CallSession{}, CallSession{Generation: 3, Status: "bogus"}) {
		t.Fatalf("unknown status must be ignored")
	}
}
