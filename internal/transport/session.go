// Package transport owns the single persistent connection to the dispatch
// server and fans inbound events out to components.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-sync/internal/eventloop"
	"github.com/example/ride-sync/internal/observability"
	"github.com/example/ride-sync/internal/protocol"
)

var (
	ErrAuthFailed = errors.New("authentication failed")
	ErrSuspended  = errors.New("account suspended")
)

// CloseAuthExpired is the close code the server uses when the credential
// expires on a live connection.
const CloseAuthExpired = 4401

const maxFrameSize = 1 << 20

// Credentials is the credential holder the session authenticates with.
type Credentials interface {
	Token() string
	Expired() bool
	Refresh(ctx context.Context) (string, error)
	Invalidate()
}

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Options struct {
	URL          string
	DialTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	// OnSuspended runs on the loop after an account-suspended event has
	// invalidated the credential and closed the connection.
	OnSuspended func(reason string)
}

func (o *Options) setDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = time.Second
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 30 * o.ReconnectMin
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
}

// Session is one long-lived connection per authenticated identity. Inbound
// frames are dispatched on the scheduler; Emit may be called from anywhere.
type Session struct {
	Router

	opts   Options
	creds  Credentials
	sched  eventloop.Scheduler
	log    *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	state     atomic.Int32
	suspended atomic.Bool
}

func NewSession(opts Options, creds Credentials, sched eventloop.Scheduler, log *slog.Logger) *Session {
	opts.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.DialTimeout,
	}
	s := &Session{
		opts:   opts,
		creds:  creds,
		sched:  sched,
		log:    log.With("component", "transport"),
		dialer: dialer,
	}
	// Session-level, never removed: administrative suspension is honored
	// whatever screen is active.
	s.Router.On(protocol.AccountSuspended, s.onSuspended)
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Connected() bool { return s.State() == StateConnected }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	if st == StateConnected {
		observability.Connected.Set(1)
	} else {
		observability.Connected.Set(0)
	}
}

// Emit writes one frame. It never queues: when not connected the frame is
// dropped and false is returned.
func (s *Session) Emit(event string, payload any) bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		observability.EmitsDropped.WithLabelValues(event).Inc()
		s.log.Debug("emit dropped while disconnected", "event", event)
		return false
	}

	frame := protocol.Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.log.Error("encode payload", "event", event, "error", err)
			return false
		}
		frame.Data = data
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	if err := conn.WriteJSON(frame); err != nil {
		observability.EmitsDropped.WithLabelValues(event).Inc()
		s.log.Warn("emit failed", "event", event, "error", err)
		return false
	}
	return true
}

// Run connects and keeps the session connected until ctx is cancelled, the
// credential cannot be refreshed, or the account is suspended. Each
// (re)connection dispatches $connected; each loss dispatches $disconnected.
func (s *Session) Run(ctx context.Context) error {
	backoff := s.opts.ReconnectMin
	for {
		if s.suspended.Load() {
			return ErrSuspended
		}
		s.setState(StateConnecting)
		conn, err := s.Connect(ctx)
		if err != nil {
			s.setState(StateDisconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrAuthFailed) {
				return err
			}
			s.log.Warn("dial failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, s.opts.ReconnectMax)
			observability.Reconnects.Inc()
			continue
		}

		backoff = s.opts.ReconnectMin
		s.attach(conn)
		err = s.readLoop(ctx, conn)
		s.detach(conn)

		switch {
		case s.suspended.Load():
			return ErrSuspended
		case ctx.Err() != nil:
			return ctx.Err()
		case websocket.IsCloseError(err, CloseAuthExpired):
			s.log.Info("credential expired on live connection")
			if _, rerr := s.refresh(ctx); rerr != nil {
				return rerr
			}
			observability.Reconnects.Inc()
			continue
		}

		s.log.Warn("connection lost", "error", err, "retry_in", backoff)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, s.opts.ReconnectMax)
		observability.Reconnects.Inc()
	}
}

// Connect dials once. A handshake rejected as unauthorized triggers one
// credential refresh and a redial; ErrAuthFailed is returned only when that
// refresh or the redial fails authentication again.
func (s *Session) Connect(ctx context.Context) (*websocket.Conn, error) {
	if s.creds.Expired() {
		if _, err := s.refresh(ctx); err != nil {
			s.log.Warn("proactive refresh failed, dialing with current credential", "error", err)
		}
	}

	conn, resp, err := s.dial(ctx)
	if err == nil {
		return conn, nil
	}
	if !isAuthRejection(resp) {
		return nil, fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}

	s.log.Info("handshake rejected, refreshing credential", "status", resp.StatusCode)
	if _, err := s.refresh(ctx); err != nil {
		return nil, err
	}
	conn, resp, err = s.dial(ctx)
	if err != nil {
		if isAuthRejection(resp) {
			return nil, fmt.Errorf("%w: rejected after refresh", ErrAuthFailed)
		}
		return nil, fmt.Errorf("dial %s: %w", s.opts.URL, err)
	}
	return conn, nil
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if tok := s.creds.Token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, resp, err
}

func (s *Session) refresh(ctx context.Context) (string, error) {
	tok, err := s.creds.Refresh(ctx)
	if err != nil {
		observability.AuthRefreshes.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	observability.AuthRefreshes.WithLabelValues("ok").Inc()
	return tok, nil
}

func (s *Session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateConnected)
	s.log.Info("connected", "url", s.opts.URL)
	s.sched.Post(func() { s.Dispatch(protocol.Connected, nil) })
}

func (s *Session) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
	s.setState(StateDisconnected)
	s.sched.Post(func() { s.Dispatch(protocol.Disconnected, nil) })
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go s.keepalive(ctx, conn, stop)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			s.log.Debug("ignoring malformed frame", "error", err)
			continue
		}
		observability.EventsReceived.WithLabelValues(f.Event).Inc()
		s.sched.Post(func() { s.Dispatch(f.Event, f.Data) })
	}
}

// keepalive pings the server and closes conn when ctx ends so the blocked
// read returns.
func (s *Session) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.opts.WriteWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait)); err != nil {
				s.log.Debug("ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Session) onSuspended(data json.RawMessage) {
	var p protocol.Suspension
	_ = Decode(data, &p)
	if s.suspended.Swap(true) {
		return
	}
	s.log.Warn("account suspended", "reason", p.Reason)
	s.creds.Invalidate()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if s.opts.OnSuspended != nil {
		s.opts.OnSuspended(p.Reason)
	}
}

// Suspended reports whether an account-suspended event was received.
func (s *Session) Suspended() bool { return s.suspended.Load() }

func isAuthRejection(resp *http.Response) bool {
	return resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden)
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	cur *= 2
	if cur > limit {
		return limit
	}
	return cur
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
