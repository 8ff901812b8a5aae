package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestMinter_IssuesUniqueValidCodes(t *testing.T) {
	reg := NewMemoryRegistry()
	m := NewMinter(reg)

	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		code, err := m.Mint(context.Background())
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if !Valid(code) {
			t.Fatalf("invalid code %q", code)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}
	if reg.Len() != 500 {
		t.Fatalf("expected 500 reserved codes, got %d", reg.Len())
	}
}

func TestMinter_RetriesCollisionsThenGivesUp(t *testing.T) {
	reg := NewMemoryRegistry()
	fixed := uuid.MustParse("00000000-0000-4000-8000-000000000000")

	m := NewMinter(reg)
	m.random = func() (uuid.UUID, error) { return fixed, nil }

	first, err := m.Mint(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if first != "AAAAAA" {
		t.Fatalf("expected AAAAAA, got %s", first)
	}
	if _, err := m.Mint(context.Background()); !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestMinter_EntropyFailure(t *testing.T) {
	m := NewMinter(NewMemoryRegistry())
	m.random = func() (uuid.UUID, error) { return uuid.Nil, errors.New("boom") }

	if _, err := m.Mint(context.Background()); !errors.Is(err, ErrNoEntropy) {
		t.Fatalf("expected ErrNoEntropy, got %v", err)
	}
}

func TestValid(t *testing.T) {
	for _, code := range []string{"", "ABC23", "ABC2345", "ABC23O", "abc234", "A1B2C3"} {
		if Valid(code) {
			t.Fatalf("expected %q invalid", code)
		}
	}
	if !Valid("ABC234") {
		t.Fatalf("expected ABC234 valid")
	}
}
