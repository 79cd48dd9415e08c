package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-sync/internal/logging"
)

type failingJournal struct {
	mu    sync.Mutex
	calls int
}

func (f *failingJournal) Append(context.Context, Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("boom")
}

type blockingJournal struct {
	release chan struct{}
}

func (b *blockingJournal) Append(ctx context.Context, _ Entry) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestWriterFansOutAndDrains(t *testing.T) {
	mem := NewMemoryJournal()
	bad := &failingJournal{}
	w := NewAsyncWriter(8, logging.Discard())
	w.AddSink("memory", mem)
	w.AddSink("bad", bad)
	w.Start()

	w.Write(Entry{ID: "1", Kind: KindRideUpdated, RideID: "R1"})
	w.Write(Entry{ID: "2", Kind: KindUnreadChanged, UserID: "u1"})
	w.Write(Entry{ID: "3", Kind: KindRideExit, RideID: "R1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := len(mem.Entries()); got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}
	if got := len(mem.ByRide("R1")); got != 2 {
		t.Fatalf("expected 2 entries for R1, got %d", got)
	}
	if bad.calls != 3 {
		t.Fatalf("a failing sink must not stop the others, calls=%d", bad.calls)
	}
}

func TestWriterDropsWhenFull(t *testing.T) {
	blk := &blockingJournal{release: make(chan struct{})}
	w := NewAsyncWriter(1, logging.Discard())
	w.AddSink("slow", blk)

	// Not started: the buffer holds exactly one entry.
	if !w.Write(Entry{ID: "1"}) {
		t.Fatal("first write should be buffered")
	}
	if w.Write(Entry{ID: "2"}) {
		t.Fatal("second write should be dropped")
	}

	w.Start()
	close(blk.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestEntryKey(t *testing.T) {
	if k := (Entry{UserID: "u1", RideID: "R1"}).Key(); k != "R1" {
		t.Fatalf("expected ride key, got %q", k)
	}
	if k := (Entry{UserID: "u1"}).Key(); k != "u1" {
		t.Fatalf("expected user key, got %q", k)
	}
}
