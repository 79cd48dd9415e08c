package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/example/ride-sync/internal/chat"
	"github.com/example/ride-sync/internal/config"
	"github.com/example/ride-sync/internal/credential"
	"github.com/example/ride-sync/internal/eventloop"
	"github.com/example/ride-sync/internal/ingest"
	"github.com/example/ride-sync/internal/offers"
	"github.com/example/ride-sync/internal/restapi"
	"github.com/example/ride-sync/internal/ride"
	"github.com/example/ride-sync/internal/storage"
	"github.com/example/ride-sync/internal/transport"
)

// Runtime owns the process-level pieces around an Engine: the loop, the
// socket session, the credential store and the journal sinks.
type Runtime struct {
	Engine  *Engine
	Loop    *eventloop.Loop
	Session *transport.Session
	Creds   *credential.Store

	writer  *storage.AsyncWriter
	closers []io.Closer
	log     *slog.Logger
}

// OptionsFromConfig maps configuration onto component options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Ride:   ride.Options{ProbeInterval: cfg.Ride.ProbeInterval, Countdown: cfg.Ride.Countdown},
		Offers: offers.Options{Heartbeat: cfg.Offers.Heartbeat, RESTInterval: cfg.Offers.RESTInterval, StaleAfter: cfg.Offers.StaleWindow(), TTL: cfg.Offers.TTL, SpeedMps: cfg.Offers.SpeedMps},
		Chat:   chat.Options{TypingIdle: cfg.Chat.TypingIdle},
	}
}

// Build wires a Runtime from cfg. Journal sinks that are not configured are
// skipped; a sink that is configured but unreachable fails the build.
func Build(ctx context.Context, cfg config.Config, pub Publisher, log *slog.Logger) (*Runtime, error) {
	rt := &Runtime{log: log}

	api := restapi.NewClient(cfg.APIBaseURL, nil, cfg.RESTTimeout)
	rt.Creds = credential.NewStore(cfg.Token, cfg.RefreshToken, api)
	api.SetTokenSource(rt.Creds)

	rt.Loop = eventloop.New(log)

	var eng *Engine
	rt.Session = transport.NewSession(transport.Options{
		URL:          cfg.ServerURL,
		DialTimeout:  cfg.Transport.DialTimeout,
		ReconnectMin: cfg.Transport.ReconnectMin,
		ReconnectMax: cfg.Transport.ReconnectMax,
		PingInterval: cfg.Transport.PingInterval,
		PongWait:     cfg.Transport.PongWait,
		WriteWait:    cfg.Transport.WriteWait,
		OnSuspended:  func(reason string) { eng.OnSuspended(reason) },
	}, rt.Creds, rt.Loop, log)

	var rec Recorder
	writer, err := rt.buildJournal(ctx, cfg)
	if err != nil {
		rt.closeSinks()
		return nil, err
	}
	if writer != nil {
		rt.writer = writer
		rec = writer
	}

	eng = New(rt.Session, rt.Loop, api, cfg.Identity(), OptionsFromConfig(cfg), pub, rec, log)
	rt.Engine = eng
	return rt, nil
}

func (rt *Runtime) buildJournal(ctx context.Context, cfg config.Config) (*storage.AsyncWriter, error) {
	w := storage.NewAsyncWriter(cfg.JournalBuffer, rt.log)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresJournal(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres journal: %w", err)
		}
		rt.closers = append(rt.closers, pg)
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return nil, err
			}
		}
		w.AddSink("postgres", pg)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kj := ingest.NewKafkaJournal(cfg.KafkaBrokers, cfg.KafkaTopic)
		rt.closers = append(rt.closers, kj)
		w.AddSink("kafka", kj)
	}
	if w.Sinks() == 0 {
		return nil, nil
	}
	return w, nil
}

// Run drives the loop and the session until ctx ends or the session gives
// up (authentication failure or suspension).
func (rt *Runtime) Run(ctx context.Context) error {
	go rt.Loop.Run(ctx)
	if rt.writer != nil {
		rt.writer.Start()
	}
	rt.Loop.Post(rt.Engine.Start)

	err := rt.Session.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops the loop and flushes the journal.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.Loop.Stop()
	var errs []error
	if rt.writer != nil {
		if err := rt.writer.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush journal: %w", err))
		}
	}
	errs = append(errs, rt.closeSinks())
	return errors.Join(errs...)
}

func (rt *Runtime) closeSinks() error {
	var errs []error
	for _, c := range rt.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
