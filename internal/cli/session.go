package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mmynk/ledgersync/internal/relay"
	"github.com/mmynk/ledgersync/internal/replica"
	"github.com/mmynk/ledgersync/internal/storage/sqlite"
)

// session is one device opened for the duration of a command.
type session struct {
	opts    *RootOptions
	store   *sqlite.SQLiteStore
	client  *relay.Client
	replica *replica.Replica
	online  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// openSession opens the device store and starts synchronization. The
// device goes online only if it can log in to the relay.
func openSession(ctx context.Context, opts *RootOptions, ropts ...replica.Option) (*session, error) {
	cfg := opts.cfg
	if err := cfg.ValidateDevice(); err != nil {
		return nil, err
	}

	store, err := sqlite.New(cfg.Device.DBPath)
	if err != nil {
		return nil, err
	}
	client := relay.NewClient(http.DefaultClient, cfg.Device.RelayURL, opts.logger)

	r, err := replica.New(store, client, replica.Config{
		PeerID:                 cfg.Device.PeerID,
		ActorID:                cfg.Device.ActorID,
		ConsolidationThreshold: cfg.Device.ConsolidationThreshold,
		HealthInterval:         cfg.Device.HealthInterval,
		StartOffline:           true,
	}, append([]replica.Option{replica.WithLogger(opts.logger)}, ropts...)...)
	if err != nil {
		client.Close()
		store.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		opts:    opts,
		store:   store,
		client:  client,
		replica: r,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		_ = r.Run(runCtx)
	}()

	if cfg.Device.Secret == "" {
		opts.logger.Warn("No device secret configured, working offline")
		return s, nil
	}
	if _, err := client.Login(ctx, cfg.Device.ActorID, cfg.Device.Secret); err != nil {
		opts.logger.Warn("Relay unavailable, working offline", "error", err)
		return s, nil
	}
	s.online = true
	if err := r.Sync().SetOnline(ctx, true); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// group opens a group and, when online, pulls what arrived since the last run.
func (s *session) group(ctx context.Context, groupID string) (*replica.Group, error) {
	g, err := s.replica.Open(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if s.online {
		if err := s.replica.Sync().IncrementalSync(ctx, groupID, s.replica.ActorID()); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Close flushes open groups to snapshots and releases the device.
func (s *session) Close(ctx context.Context) {
	if err := s.replica.Close(ctx); err != nil {
		s.opts.logger.Warn("Failed to consolidate on close", "error", err)
	}
	s.cancel()
	<-s.done
	s.client.Close()
	if err := s.store.Close(); err != nil {
		s.opts.logger.Warn("Failed to close store", "error", err)
	}
}

// withSession runs fn on an open session and closes it afterwards.
func withSession(ctx context.Context, opts *RootOptions, fn func(*session) error) error {
	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close(ctx)
	return fn(s)
}

func requireOnline(s *session, what string) error {
	if !s.online {
		return fmt.Errorf("%s needs the relay, which is not reachable", what)
	}
	return nil
}
