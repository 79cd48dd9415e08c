package credential

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fakeRefresher struct {
	calls   int
	access  string
	refresh string
	err     error
	gotRT   string
}

func (f *fakeRefresher) RefreshToken(_ context.Context, rt string) (string, string, error) {
	f.calls++
	f.gotRT = rt
	return f.access, f.refresh, f.err
}

func signed(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestExpiredReadsJWTClaims(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := NewStore(signed(t, now.Add(10*time.Second)), "", nil)
	s.now = func() time.Time { return now }
	if !s.Expired() {
		t.Fatal("token expiring within skew should count as expired")
	}

	s = NewStore(signed(t, now.Add(time.Hour)), "", nil)
	s.now = func() time.Time { return now }
	if s.Expired() {
		t.Fatal("fresh token reported expired")
	}

	s = NewStore("opaque-token", "", nil)
	if s.Expired() {
		t.Fatal("opaque tokens never expire locally")
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	r := &fakeRefresher{access: "a2", refresh: "r2"}
	s := NewStore("a1", "r1", r)

	tok, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if tok != "a2" || s.Token() != "a2" {
		t.Fatalf("access not rotated: %q", s.Token())
	}
	if r.gotRT != "r1" {
		t.Fatalf("refresher got %q", r.gotRT)
	}

	r.access, r.refresh = "a3", ""
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.gotRT != "r2" {
		t.Fatalf("second refresh should use rotated token, got %q", r.gotRT)
	}
}

func TestRefreshFailureKeepsToken(t *testing.T) {
	r := &fakeRefresher{err: errors.New("boom")}
	s := NewStore("a1", "r1", r)
	if _, err := s.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if s.Token() != "a1" {
		t.Fatalf("token changed after failed refresh: %q", s.Token())
	}
}

func TestInvalidate(t *testing.T) {
	r := &fakeRefresher{access: "a2"}
	s := NewStore("a1", "r1", r)
	s.Invalidate()
	if s.Token() != "" {
		t.Fatal("token survived invalidation")
	}
	if _, err := s.Refresh(context.Background()); !errors.Is(err, ErrInvalidated) {
		t.Fatalf("expected ErrInvalidated, got %v", err)
	}
	if r.calls != 0 {
		t.Fatal("refresher called after invalidation")
	}

	if _, err := NewStore("a", "", r).Refresh(context.Background()); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
}

type blockingRefresher struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRefresher) RefreshToken(ctx context.Context, _ string) (string, string, error) {
	close(b.entered)
	<-b.release
	return "a2", "r2", nil
}

func TestInvalidateDuringRefreshDoesNotWait(t *testing.T) {
	r := &blockingRefresher{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewStore("a1", "r1", r)

	errc := make(chan error, 1)
	go func() {
		_, err := s.Refresh(context.Background())
		errc <- err
	}()
	<-r.entered

	done := make(chan struct{})
	go func() {
		s.Invalidate()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Invalidate blocked on an in-flight refresh")
	}

	close(r.release)
	if err := <-errc; !errors.Is(err, ErrInvalidated) {
		t.Fatalf("expected ErrInvalidated, got %v", err)
	}
	if s.Token() != "" {
		t.Fatalf("late refresh resurrected the token: %q", s.Token())
	}
}
