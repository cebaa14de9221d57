// Package shutdown implements the orderly teardown sequence triggered by
// SIGINT/SIGTERM: flip readiness, broadcast a critical disconnect notice,
// grace period, cancel, bounded task join. Generalized from a plain
// signal.Notify + cancel() pattern into a reusable type with its own grace
// period and a readiness flag the HTTP health surface can read.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"raceserver/internal/ids"
	"raceserver/internal/registry"
	"raceserver/internal/wire"
)

// Sender is the minimal outbound capability the coordinator needs to
// notify connected peers before tearing down.
type Sender interface {
	SendToConnection(ctx context.Context, connID ids.ConnectionID, msgType string, payload any)
}

// Coordinator drives the shutdown sequence exactly once per process.
type Coordinator struct {
	registry *registry.Registry
	fabric   Sender

	grace       time.Duration
	joinTimeout time.Duration

	ready atomic.Bool
	fired atomic.Bool

	log *slog.Logger
}

// New creates a Coordinator. The process starts ready; Ready flips false
// the instant Trigger begins.
func New(reg *registry.Registry, fabric Sender, grace, joinTimeout time.Duration) *Coordinator {
	c := &Coordinator{
		registry:    reg,
		fabric:      fabric,
		grace:       grace,
		joinTimeout: joinTimeout,
		log:         slog.With("component", "shutdown"),
	}
	c.ready.Store(true)
	return c
}

// Ready reports whether the process should still be considered healthy by
// a load balancer or orchestrator's readiness probe.
func (c *Coordinator) Ready() bool { return c.ready.Load() }

// WatchSignals blocks until ctx is canceled or a SIGINT/SIGTERM arrives,
// triggering the shutdown sequence in the latter case. Intended to run as
// one of the top-level goroutines started from main.
func (c *Coordinator) WatchSignals(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		c.log.Info("received shutdown signal", "signal", sig.String())
		c.Trigger(ctx, cancel)
	case <-ctx.Done():
	}
}

// Trigger runs the teardown sequence once: flip readiness, broadcast a
// critical Error(503) to every authenticated connection, wait the grace
// period (or ctx's own cancellation, whichever comes first), then cancel.
// Closing listeners is the transport fabric's own responsibility on
// observing the canceled context; Trigger only signals it.
func (c *Coordinator) Trigger(ctx context.Context, cancel context.CancelFunc) {
	if !c.fired.CompareAndSwap(false, true) {
		return // already triggered; a second signal is a no-op
	}

	c.ready.Store(false)
	c.log.Info("shutdown sequence starting")

	for _, conn := range c.registry.AllConnections() {
		if !conn.Authenticated {
			continue
		}
		c.fabric.SendToConnection(ctx, conn.ID, wire.TypeError, wire.ErrorPayload{
			Code:    503,
			Message: "shutting down",
		})
	}

	select {
	case <-time.After(c.grace):
	case <-ctx.Done():
	}

	c.log.Info("shutdown grace period elapsed, cancelling")
	cancel()
}

// JoinWithTimeout waits for wg to finish, force-returning after
// joinTimeout so a straggling goroutine cannot hang process exit. Callers
// that need to distinguish a clean join from a forced one can inspect the
// return value.
func (c *Coordinator) JoinWithTimeout(wg *sync.WaitGroup) (clean bool) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.log.Info("all background tasks stopped cleanly")
		return true
	case <-time.After(c.joinTimeout):
		c.log.Warn("timed out waiting for background tasks; forcing exit", "timeout", c.joinTimeout)
		return false
	}
}
