package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a JSON logger tuned for production use.
// Entity fields carried in the context (see WithRideID and friends) are
// added to every record logged with a *Context method.
func NewLogger(level string) *slog.Logger {
	return NewLoggerTo(os.Stdout, level)
}

func NewLoggerTo(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(&contextHandler{handler: slog.NewJSONHandler(w, opts)})
}

// Discard is a logger for tests and optional wiring.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type fields struct {
	Action         string
	RideID         string
	ConversationID string
}

type fieldsKey struct{}

func fromContext(ctx context.Context) fields {
	f, _ := ctx.Value(fieldsKey{}).(fields)
	return f
}

func WithAction(ctx context.Context, action string) context.Context {
	f := fromContext(ctx)
	f.Action = action
	return context.WithValue(ctx, fieldsKey{}, f)
}

func WithRideID(ctx context.Context, rideID string) context.Context {
	f := fromContext(ctx)
	f.RideID = rideID
	return context.WithValue(ctx, fieldsKey{}, f)
}

func WithConversationID(ctx context.Context, id string) context.Context {
	f := fromContext(ctx)
	f.ConversationID = id
	return context.WithValue(ctx, fieldsKey{}, f)
}

type contextHandler struct {
	handler slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.handler.Enabled(ctx, lvl)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	f := fromContext(ctx)
	if f.Action != "" {
		r.AddAttrs(slog.String("action", f.Action))
	}
	if f.RideID != "" {
		r.AddAttrs(slog.String("ride_id", f.RideID))
	}
	if f.ConversationID != "" {
		r.AddAttrs(slog.String("conversation_id", f.ConversationID))
	}
	return h.handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{handler: h.handler.WithGroup(name)}
}
