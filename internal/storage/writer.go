package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-sync/internal/observability"
)

type sink struct {
	name string
	j    Journal
}

// AsyncWriter fans entries out to every sink from one background goroutine.
// Write never blocks: when the buffer is full the entry is dropped.
type AsyncWriter struct {
	sinks   []sink
	entries chan Entry
	timeout time.Duration
	log     *slog.Logger

	started atomic.Bool
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
}

func NewAsyncWriter(buffer int, log *slog.Logger) *AsyncWriter {
	if buffer <= 0 {
		buffer = 256
	}
	return &AsyncWriter{
		entries: make(chan Entry, buffer),
		timeout: 2 * time.Second,
		log:     log.With("component", "journal"),
		done:    make(chan struct{}),
	}
}

// AddSink registers a journal. Call before Start.
func (w *AsyncWriter) AddSink(name string, j Journal) {
	w.sinks = append(w.sinks, sink{name: name, j: j})
}

func (w *AsyncWriter) Sinks() int { return len(w.sinks) }

func (w *AsyncWriter) Start() {
	if w.started.Swap(true) {
		return
	}
	go w.run()
}

func (w *AsyncWriter) Write(e Entry) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		observability.JournalDropped.Inc()
		return false
	}
	select {
	case w.entries <- e:
		return true
	default:
		observability.JournalDropped.Inc()
		return false
	}
}

// Close stops accepting entries and waits until the buffered ones are
// written or ctx ends.
func (w *AsyncWriter) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.entries)
	}
	w.mu.Unlock()
	if !w.started.Load() {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for e := range w.entries {
		for _, s := range w.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
			err := s.j.Append(ctx, e)
			cancel()
			if err != nil {
				observability.JournalWrites.WithLabelValues(s.name, "error").Inc()
				w.log.Warn("journal append failed", "sink", s.name, "kind", e.Kind, "error", err)
				continue
			}
			observability.JournalWrites.WithLabelValues(s.name, "ok").Inc()
		}
	}
}
