// Package scheduler implements the glue of spec §4.H: the periodic pending-account
// purge, signal-driven shutdown, and the teardown order lm.c's main()/disconnect()/
// reap_hasher() perform when the uplink connection ends.
package scheduler

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fscoto/lm/internal/credstore"
	"github.com/fscoto/lm/internal/engine"
	"github.com/fscoto/lm/internal/hasher"
)

// purgeInterval is how often expired pending-confirmation accounts are swept, per
// spec §4.H.
const purgeInterval = 5 * time.Minute

// Scheduler owns the pieces of lm that outlive a single protocol exchange: the purge
// ticker, the signal handler, and the shutdown sequence that tears the others down in
// order once the uplink connection ends or the process is asked to stop.
type Scheduler struct {
	conn   net.Conn
	eng    *engine.Engine
	store  *credstore.Store
	hasher *hasher.Worker
	logger *slog.Logger
}

// New builds a Scheduler around the already-wired components of a running instance.
func New(conn net.Conn, eng *engine.Engine, store *credstore.Store, hw *hasher.Worker, logger *slog.Logger) *Scheduler {
	return &Scheduler{conn: conn, eng: eng, store: store, hasher: hw, logger: logger}
}

// Run installs the SIGINT/SIGTERM handler, starts the purge ticker, and blocks running
// the protocol engine until it stops (by signal, by context cancellation, or because
// the uplink connection ended), then tears everything down in the order
// disconnect()/reap_hasher() do: close the uplink, stop the hasher subprocess, close
// the database. It returns the engine's terminating error, which is context.Canceled
// when the run was stopped by cancellation or a signal.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	engineErrCh := make(chan error, 1)
	go func() { engineErrCh <- s.eng.Run(ctx) }()

	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case sig := <-sigCh:
			s.logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ticker.C:
			s.purgeExpired()
		case err := <-engineErrCh:
			runErr = err
			break loop
		}
	}

	s.shutdown()
	return runErr
}

func (s *Scheduler) purgeExpired() {
	n, err := s.store.PurgeExpired()
	if err != nil {
		s.logger.Error("purging expired accounts", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("purged expired pending accounts", "count", n)
	}
}

// shutdown closes the uplink first, which unblocks the engine's reader goroutine if it
// is still blocked on a read, then stops the hasher subprocess, then the database.
func (s *Scheduler) shutdown() {
	if err := s.conn.Close(); err != nil {
		s.logger.Error("closing uplink connection", "error", err)
	}
	if err := s.hasher.Close(); err != nil {
		s.logger.Error("closing hasher subprocess", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("closing database", "error", err)
	}
}
