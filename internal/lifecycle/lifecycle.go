// Package lifecycle is the process-wide shutdown supervisor (spec.md §5's
// re-architecture note: "each service maps to a small set of goroutines +
// channels" inside one process, rooted at a single context.Context rather
// than the teacher's per-service quitChan).
//
// Grounded on the teacher's cmd/realtime / internal/analysis/realtime.go
// shutdown coordination (monitorCtrlC + per-service quitChan + a
// sync.WaitGroup the main goroutine waits on before exiting), generalized
// from a single SIGINT handler and ad hoc quitChans to one rooted context
// plus named shutdown funcs, and extended to also catch SIGTERM (the
// signal a container orchestrator sends, which the teacher — a
// single-user desktop/NAS app — never needed to handle).
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/capturehost/hostpipeline/internal/logging"
)

// ShutdownFunc is called once during Supervisor.Shutdown, in LIFO order of
// registration (last-registered service stops first, mirroring the
// teacher's "tear down the thing you started most recently" convention for
// HTTP servers vs. background workers).
type ShutdownFunc func(ctx context.Context) error

type registration struct {
	name string
	fn   ShutdownFunc
}

// Supervisor owns the process's root context and coordinates an orderly
// shutdown across every service that registers with it.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	registered  []registration
	shutdownOnce sync.Once

	logger interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
		Error(msg string, args ...any)
	}
}

// New builds a Supervisor rooted at context.Background, wired to cancel on
// SIGINT or SIGTERM.
func New() *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		logger: logging.ForService("lifecycle"),
	}
	s.watchSignals()
	return s
}

func (s *Supervisor) watchSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		s.logger.Info("received shutdown signal", "signal", sig.String())
		s.cancel()
	}()
}

// Context is the root context every service should derive its own
// cancellation from.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// Register records fn to be run during Shutdown. Register is safe to call
// from any goroutine, at any point before Shutdown runs.
func (s *Supervisor) Register(name string, fn ShutdownFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = append(s.registered, registration{name: name, fn: fn})
}

// Shutdown cancels the root context (if not already cancelled) and runs
// every registered shutdown func in reverse registration order, each
// bounded by perFuncTimeout. It is safe to call more than once; only the
// first call does anything. Errors are logged, not returned, since a
// failed shutdown step must not block the others from running.
func (s *Supervisor) Shutdown(perFuncTimeout time.Duration) {
	s.shutdownOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		registered := append([]registration(nil), s.registered...)
		s.mu.Unlock()

		for i := len(registered) - 1; i >= 0; i-- {
			reg := registered[i]
			ctx, cancel := context.WithTimeout(context.Background(), perFuncTimeout)
			if err := reg.fn(ctx); err != nil {
				s.logger.Error("shutdown step failed", "service", reg.name, "error", err)
			} else {
				s.logger.Info("shutdown step complete", "service", reg.name)
			}
			cancel()
		}
	})
}

// Wait blocks until the root context is cancelled, i.e. until a shutdown
// signal arrives or Shutdown is called directly.
func (s *Supervisor) Wait() {
	<-s.ctx.Done()
}
