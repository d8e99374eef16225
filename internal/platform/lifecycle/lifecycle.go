// Package lifecycle manages the process's signal-driven startup/shutdown
// sequence: background tasks are launched through an errgroup so a panic
// in any of them is recovered and surfaced as a shutdown trigger, the
// same role an uncaught exception plays in less structured runtimes.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shelfsync/shelfsync/internal/platform/logging"
)

// ShutdownSignals are every signal that triggers the same graceful-
// shutdown sequence: SIGTERM/SIGINT from the process supervisor, and
// SIGUSR1/SIGUSR2 as the operator-triggered equivalent.
var ShutdownSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2}

// ShutdownFunc performs one step of an ordered shutdown drain.
type ShutdownFunc func(ctx context.Context) error

// Manager runs background tasks under an errgroup and coordinates an
// ordered shutdown drain once a stop signal or a task panic occurs.
type Manager struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger *logging.Logger

	drainSteps []ShutdownFunc
}

// New builds a Manager whose background context is canceled on
// ShutdownSignals or when any Go-launched task returns an error/panics.
func New(logger *logging.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	m := &Manager{group: group, ctx: gctx, cancel: cancel, logger: logger}
	return m
}

// Context returns the context background tasks should observe for
// cancellation.
func (m *Manager) Context() context.Context { return m.ctx }

// TriggerShutdown cancels the background context programmatically,
// waking WaitForSignal as if a shutdown signal had arrived. Safe to call
// more than once.
func (m *Manager) TriggerShutdown() { m.cancel() }

// Go launches fn under the errgroup, recovering a panic into an error so
// one crashed task triggers shutdown instead of killing the process.
func (m *Manager) Go(name string, fn func(ctx context.Context) error) {
	m.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task %q panicked: %v", name, r)
				if m.logger != nil {
					m.logger.Error().Str("task", name).Msg(err.Error())
				}
			}
		}()
		return fn(m.ctx)
	})
}

// OnDrain registers a shutdown step, run in registration order by
// WaitForSignal once shutdown begins.
func (m *Manager) OnDrain(step ShutdownFunc) {
	m.drainSteps = append(m.drainSteps, step)
}

// WaitForSignal blocks until a shutdown signal arrives or the errgroup
// context is canceled (e.g. by a panicking task), then runs the
// registered drain steps with the given timeout budget.
func (m *Manager) WaitForSignal(drainTimeout time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, ShutdownSignals...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		if m.logger != nil {
			m.logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		}
	case <-m.ctx.Done():
		if m.logger != nil {
			m.logger.Warn().Msg("background task triggered shutdown")
		}
	}

	m.cancel()
	_ = m.group.Wait()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()

	for _, step := range m.drainSteps {
		if err := step(drainCtx); err != nil && m.logger != nil {
			m.logger.Error().Err(err).Msg("shutdown drain step failed")
		}
	}
	return nil
}
