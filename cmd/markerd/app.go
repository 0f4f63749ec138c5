package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendmap/markerd/internal/config"
	"github.com/friendmap/markerd/internal/dispatcher"
	"github.com/friendmap/markerd/internal/feed"
	"github.com/friendmap/markerd/internal/geo"
	"github.com/friendmap/markerd/internal/logging"
	"github.com/friendmap/markerd/internal/recorder"
	"github.com/friendmap/markerd/internal/transition"
	"github.com/friendmap/markerd/pkg/core"
)

var errRejected = errors.New("update rejected by controller")

// appConfig carries everything newApp needs.
type appConfig struct {
	SessionID  string
	Logger     *slog.Logger
	Zerolog    zerolog.Logger
	Controller config.ControllerConfig
	Feed       config.FeedConfig
	Recorder   config.RecorderConfig
	// Extra controller options, appended after the configured ones.
	ControllerOptions []transition.Option
}

// app wires the feed, dispatcher, controller and recorder for one session.
type app struct {
	sessionID string
	logger    *slog.Logger
	stagger   time.Duration

	controller *transition.Controller
	recorder   *recorder.Recorder
	dispatcher *dispatcher.Dispatcher
	snapshot   *feed.SnapshotClient
	feed       *feed.Client
}

func newApp(cfg appConfig) (*app, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := recorder.NewBackend(cfg.Recorder, logger, cfg.Zerolog)
	if err != nil {
		return nil, fmt.Errorf("creating recorder backend: %w", err)
	}
	rec, err := recorder.Open(backend, cfg.Recorder.BufferSize, logger)
	if err != nil {
		return nil, fmt.Errorf("opening recorder: %w", err)
	}

	opts := []transition.Option{
		transition.WithObserver(rec),
		transition.WithLogger(logger),
		transition.WithSessionID(cfg.SessionID),
		transition.WithEvictOnHide(cfg.Controller.EvictOnHide),
		transition.WithMinTrailDistance(cfg.Controller.MinTrailDistance),
		transition.WithSignalLimit(cfg.Controller.SignalLimit),
	}
	opts = append(opts, cfg.ControllerOptions...)
	ctrl, err := transition.New(opts...)
	if err != nil {
		_ = rec.Close()
		return nil, err
	}

	d, err := dispatcher.New(logging.NewDispatcherLogger(cfg.Zerolog))
	if err != nil {
		_ = rec.Close()
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}
	d.RegisterAll(func(u core.LocationUpdate) error {
		if !ctrl.Apply(u) {
			return errRejected
		}
		return nil
	}, dispatcher.Buffered(cfg.Feed.QueueSize), dispatcher.Logged())

	a := &app{
		sessionID:  cfg.SessionID,
		logger:     logger,
		stagger:    cfg.Controller.Stagger,
		controller: ctrl,
		recorder:   rec,
		dispatcher: d,
	}

	if cfg.Feed.SnapshotURL != "" {
		a.snapshot = feed.NewSnapshotClient(cfg.Feed.SnapshotURL, cfg.Feed.Token)
	}
	if cfg.Feed.URL != "" {
		a.feed = feed.NewClient(feed.Config{
			URL:            cfg.Feed.URL,
			Token:          cfg.Feed.Token,
			SessionID:      cfg.SessionID,
			FriendIDs:      cfg.Feed.FriendIDs,
			InitialBackoff: cfg.Feed.InitialBackoff,
			MaxBackoff:     cfg.Feed.MaxBackoff,
			MaxReconnect:   cfg.Feed.MaxReconnect,
		}, feed.SinkFunc(d.Dispatch), feed.WithLogger(logger))
	}

	return a, nil
}

// loadInitial fetches the friend snapshot and cascades it onto the map.
func (a *app) loadInitial(ctx context.Context) (int, error) {
	if a.snapshot == nil {
		return 0, nil
	}
	updates, err := a.snapshot.Locations(ctx)
	if err != nil {
		return 0, err
	}

	batch := make([]transition.Update, 0, len(updates))
	for _, u := range updates {
		if err := geo.Validate(u.Position); err != nil {
			a.logger.Warn("Skipping snapshot friend with invalid position", "friend", u.FriendID, "error", err)
			continue
		}
		batch = append(batch, transition.Update{Friend: u.Friend(), Kind: u.Kind})
	}
	scheduled := a.controller.BatchUpdate(batch, a.stagger)

	var last time.Duration
	if n := len(scheduled); n > 0 {
		last = scheduled[n-1].Delay
	}
	a.logger.Info("Initial friend snapshot scheduled", "friends", len(scheduled), "cascade", last)
	return len(scheduled), nil
}

// run loads the snapshot and follows the feed until ctx is done.
func (a *app) run(ctx context.Context) error {
	if _, err := a.loadInitial(ctx); err != nil {
		a.logger.Warn("Initial snapshot failed, continuing with live feed", "error", err)
	}

	if a.feed == nil {
		<-ctx.Done()
		return nil
	}

	err := a.feed.Run(ctx)
	if err != nil && !errors.Is(err, feed.ErrClosed) {
		return fmt.Errorf("feed stopped: %w", err)
	}
	return nil
}

// close stops intake, drains queued updates and flushes the journal.
func (a *app) close() error {
	if a.feed != nil {
		if err := a.feed.Close(); err != nil && !errors.Is(err, feed.ErrClosed) {
			a.logger.Warn("Failed to close feed", "error", err)
		}
	}
	a.dispatcher.Close()
	a.controller.ResetAll()
	if err := a.controller.Close(); err != nil {
		a.logger.Warn("Failed to close controller", "error", err)
	}

	err := a.recorder.Close()
	a.logger.Info("Session closed",
		"session", a.sessionID,
		"recorded", a.recorder.Recorded(),
		"dropped", a.recorder.Dropped(),
		"failed", a.recorder.Failed(),
	)
	return err
}
