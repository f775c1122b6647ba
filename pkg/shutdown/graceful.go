// Package shutdown coordinates signal handling with ordered cleanup so
// an interrupted campaign still checkpoints, flushes sinks and closes
// the store.
package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/AshfordSecurity/carousel/internal/logger"
)

// Handler runs registered cleanup functions exactly once, in reverse
// registration order.
type Handler struct {
	mu        sync.Mutex
	funcs     []func() error
	closeOnce sync.Once
	done      chan struct{}
	log       *logger.Logger
}

func NewHandler(log *logger.Logger) *Handler {
	return &Handler{
		done: make(chan struct{}),
		log:  log.WithComponent("shutdown"),
	}
}

// Register adds a cleanup function. Later registrations run first,
// mirroring defer.
func (h *Handler) Register(fn func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs = append(h.funcs, fn)
}

// Context returns a child of parent that is cancelled on SIGINT or
// SIGTERM. The first signal starts a graceful drain; a second signal
// exits immediately.
func (h *Handler) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			h.log.Infow("Received signal, draining campaign", "signal", sig.String())
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigChan:
			h.log.Warnw("Second signal, exiting without cleanup", "signal", sig.String())
			os.Exit(1)
		case <-h.done:
		}
	}()

	return ctx, cancel
}

// Shutdown executes all registered cleanup functions. Safe to call more
// than once; later calls find nothing left to run.
func (h *Handler) Shutdown() {
	h.closeOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	funcs := h.funcs
	h.funcs = nil
	h.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		if err := funcs[i](); err != nil {
			h.log.Errorw("Error during shutdown", "error", err)
		}
	}
}

// ShutdownWithTimeout bounds cleanup; a hung cleanup function reports an
// error instead of wedging the exit path.
func (h *Handler) ShutdownWithTimeout(timeout time.Duration) error {
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		h.Shutdown()
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

// Done is closed once shutdown has started.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}
