package meeting

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLinkProvider_DefersUntilAuthorized(t *testing.T) {
	p, err := NewLinkProvider("https://meet.example.com/rooms", false)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := p.CreateMeeting(context.Background()); !errors.Is(err, ErrAuthorizationPending) {
		t.Fatalf("expected ErrAuthorizationPending, got %v", err)
	}

	p.Authorize()
	a, err := p.CreateMeeting(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	b, _ := p.CreateMeeting(context.Background())
	if !strings.HasPrefix(a, "https://meet.example.com/rooms/") || a == b {
		t.Fatalf("unexpected links %q %q", a, b)
	}
}

func TestNewLinkProvider_ValidatesBaseURL(t *testing.T) {
	if _, err := NewLinkProvider("", true); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := NewLinkProvider("not a url", true); err == nil {
		t.Fatalf("expected error")
	}
}
