package meeting

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	ErrAuthorizationPending = errors.New("meeting: provider authorization pending")
	ErrNotConfigured        = errors.New("meeting: base url not configured")
)

// Provider creates joinable video meetings. The returned link is opaque.
type Provider interface {
	CreateMeeting(ctx context.Context) (string, error)
}

// LinkProvider mints links under a fixed base URL. It refuses to create
// meetings until the owner's provider account is authorized.
type LinkProvider struct {
	base       *url.URL
	authorized atomic.Bool
}

func NewLinkProvider(baseURL string, authorized bool) (*LinkProvider, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrNotConfigured
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("meeting: invalid base url %q", baseURL)
	}
	p := &LinkProvider{base: u}
	p.authorized.Store(authorized)
	return p, nil
}

// Authorize marks the provider account as ready. Deferred video starts may be
// retried afterwards.
func (p *LinkProvider) Authorize() { p.authorized.Store(true) }

func (p *LinkProvider) CreateMeeting(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !p.authorized.Load() {
		return "", ErrAuthorizationPending
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("meeting: new id: %w", err)
	}
	return p.base.JoinPath(id.String()).String(), nil
}
