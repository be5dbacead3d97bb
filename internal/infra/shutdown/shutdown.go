// Package shutdown coordinates a node's graceful stop: it runs the hooks a
// node registers (RPC listener, gossip, consensus, transport connections) in
// reverse registration order, all within one deadline.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
)

// shutdownHook pairs a shutdown action with the label it's logged under, so
// a node's shutdown sequence (RPC listener, gossip, consensus, transport) is
// traceable in the logs instead of an anonymous list of closures.
type shutdownHook struct {
	name string
	fn   func(context.Context) error
}

// Handler runs a node's shutdown hooks, in reverse registration order, once
// signalled or asked to stop directly.
type Handler struct {
	timeout time.Duration
	logger  *slog.Logger
	hooks   []shutdownHook
	mu      sync.Mutex
	done    chan struct{}
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used to trace each hook's start/finish. The
// zero value uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates a new shutdown handler with a total deadline for
// running every registered hook.
func NewHandler(timeout time.Duration, opts ...Option) *Handler {
	h := &Handler{
		timeout: timeout,
		hooks:   make([]shutdownHook, 0),
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnShutdown registers a named shutdown hook. Hooks run in reverse order of
// registration, so a component registered after one of its dependencies
// shuts down before it.
func (h *Handler) OnShutdown(name string, hook func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, shutdownHook{name: name, fn: hook})
}

// Wait blocks until SIGINT/SIGTERM, then runs every registered hook and
// returns their combined errors (if any).
func (h *Handler) Wait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return h.Shutdown()
}

// Shutdown runs every registered hook within the handler's timeout. It is
// exported separately from Wait so a node can trigger shutdown
// programmatically (tests, admin command) without sending itself a signal.
func (h *Handler) Shutdown() error {
	runID := ulid.Make().String()
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	hooks := make([]shutdownHook, len(h.hooks))
	copy(hooks, h.hooks)
	h.mu.Unlock()

	h.logger.Info("shutdown starting", "run_id", runID, "hooks", len(hooks), "timeout", h.timeout)

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		start := time.Now()
		err := hooks[i].fn(ctx)
		elapsed := time.Since(start)
		if err != nil {
			errs = append(errs, err)
			h.logger.Error("shutdown hook failed", "run_id", runID, "hook", hooks[i].name, "elapsed", elapsed, "error", err)
			continue
		}
		h.logger.Debug("shutdown hook complete", "run_id", runID, "hook", hooks[i].name, "elapsed", elapsed)
	}

	close(h.done)
	if len(errs) == 0 {
		h.logger.Info("shutdown complete", "run_id", runID)
		return nil
	}
	return errors.Join(errs...)
}

// Done returns a channel that closes once every hook has run.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}
