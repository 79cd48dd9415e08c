// Package credential holds the transport credential for one identity. Storage
// and issuance are owned by an external service; this package only keeps the
// current token pair in memory and refreshes it on demand.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidated    = errors.New("credential invalidated")
	ErrNoRefreshToken = errors.New("no refresh token")
)

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (access, refresh string, err error)
}

type Store struct {
	refreshMu sync.Mutex

	mu          sync.Mutex
	access      string
	refresh     string
	invalidated bool

	refresher Refresher
	skew      time.Duration
	now       func() time.Time
}

func NewStore(access, refresh string, refresher Refresher) *Store {
	return &Store{
		access:    access,
		refresh:   refresh,
		refresher: refresher,
		skew:      30 * time.Second,
		now:       time.Now,
	}
}

// Token returns the current access token, or "" once invalidated.
func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalidated {
		return ""
	}
	return s.access
}

// Expired reports whether the access token is a JWT whose exp claim falls
// within the refresh skew. Opaque tokens never expire locally.
func (s *Store) Expired() bool {
	s.mu.Lock()
	token := s.access
	s.mu.Unlock()

	exp, ok := expiresAt(token)
	if !ok {
		return false
	}
	return !s.now().Add(s.skew).Before(exp)
}

// Refresh obtains a new access token. Concurrent callers serialize on the
// refresh, not on the store, so Invalidate never waits for the network. A
// result that arrives after Invalidate is discarded.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	s.mu.Lock()
	if s.invalidated {
		s.mu.Unlock()
		return "", ErrInvalidated
	}
	rt := s.refresh
	s.mu.Unlock()
	if rt == "" || s.refresher == nil {
		return "", ErrNoRefreshToken
	}

	access, refresh, err := s.refresher.RefreshToken(ctx, rt)
	if err != nil {
		return "", fmt.Errorf("refresh credential: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalidated {
		return "", ErrInvalidated
	}
	s.access = access
	if refresh != "" {
		s.refresh = refresh
	}
	return access, nil
}

// Invalidate forgets the credential. Every later Token call returns "" and
// Refresh fails with ErrInvalidated.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = true
	s.access = ""
	s.refresh = ""
}

func (s *Store) Invalidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}

// The token is issued by the dispatch server and only inspected here, so the
// signature is not verified.
func expiresAt(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
