package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingMinter struct {
	n    int
	code string
	err  error
}

func (m *countingMinter) Mint(context.Context) (string, error) {
	m.n++
	return m.code, m.err
}

func TestFinalize_MintsOnceAndEnds(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := &countingMinter{code: "ABC234"}

	if _, err := st.Create(ctx, CallSession{RoomID: "r1", OwnerID: "o1", Status: StatusVideoCall}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	ended, err := Finalize(ctx, st, m, "r1", at)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ended.Status != StatusEnded || ended.ProtocolNumber != "ABC234" {
		t.Fatalf("unexpected session: %+v", ended)
	}
	if ended.EndedAt == nil || !ended.EndedAt.Equal(at) {
		t.Fatalf("expected ended_at %v, got %v", at, ended.EndedAt)
	}

	again, err := Finalize(ctx, st, m, "r1", at.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if again.ProtocolNumber != "ABC234" || m.n != 1 {
		t.Fatalf("protocol number must be stable; got %s after %d mints", again.ProtocolNumber, m.n)
	}
}

func TestFinalize_KeepsExistingProtocolNumber(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	m := &countingMinter{code: "NEW999"}

	if _, err := st.Create(ctx, CallSession{RoomID: "r1", OwnerID: "o1", Status: StatusRinging, ProtocolNumber: "OLD222"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ended, err := Finalize(ctx, st, m, "r1", time.Now())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ended.ProtocolNumber != "OLD222" || m.n != 0 {
		t.Fatalf("expected existing number kept without minting, got %s (%d mints)", ended.ProtocolNumber, m.n)
	}
}

func TestFinalize_MintFailureLeavesSessionOpen(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	m := &countingMinter{err: errors.New("registry down")}

	if _, err := st.Create(ctx, CallSession{RoomID: "r1", OwnerID: "o1", Status: StatusAnswered}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := Finalize(ctx, st, m, "r1", time.Now()); err == nil {
		t.Fatalf("expected error")
	}
	got, _ := st.Get(ctx, "r1")
	if got.Status != StatusAnswered {
		t.Fatalf("expected session untouched, got %s", got.Status)
	}
}
