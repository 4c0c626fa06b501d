// Package server manages the process lifecycle: signal handling, draining
// in-flight sync passes and API requests, and closing resources in order.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/zeebo/errs"
)

// ErrShuttingDown is returned by Track once shutdown has begun.
var ErrShuttingDown = errors.New("server: shutting down")

// ShutdownManager coordinates graceful shutdown.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration

	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	shutdownErr    error
	isShuttingDown atomic.Bool

	// in-flight work by kind ("request", "pass")
	inFlightMu sync.Mutex
	inFlight   map[string]int64
	drained    chan struct{}

	closersMu sync.Mutex
	closers   []namedCloser

	callbacksMu     sync.Mutex
	onShutdownStart []func()
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown. Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight work. Default: 15 seconds
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = 15 * time.Second
	}
	return &ShutdownManager{
		shutdownTimeout: config.ShutdownTimeout,
		drainTimeout:    config.DrainTimeout,
		shutdownCh:      make(chan struct{}),
		inFlight:        make(map[string]int64),
	}
}

// RegisterCloser adds a resource closed during shutdown. Closers run in
// reverse order of registration.
func (sm *ShutdownManager) RegisterCloser(name string, closer io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, closer: closer})
}

// OnShutdownStart registers a callback run when shutdown begins, before
// in-flight work is drained.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.callbacksMu.Lock()
	defer sm.callbacksMu.Unlock()
	sm.onShutdownStart = append(sm.onShutdownStart, fn)
}

// ListenForSignals blocks until SIGTERM or SIGINT arrives, ctx is done or
// shutdown is started elsewhere, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown drains in-flight work and closes every registered resource.
// Only the first call does anything; later calls return its error.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.shutdownOnce.Do(func() {
		log.Printf("server: shutting down: %s", reason)
		sm.inFlightMu.Lock()
		sm.isShuttingDown.Store(true)
		if sm.totalLocked() == 0 {
			sm.drained = closedChan()
		} else {
			sm.drained = make(chan struct{})
		}
		sm.inFlightMu.Unlock()
		close(sm.shutdownCh)

		sm.callbacksMu.Lock()
		callbacks := sm.onShutdownStart
		sm.callbacksMu.Unlock()
		for _, fn := range callbacks {
			fn()
		}

		shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		var group errs.Group
		group.Add(sm.drain(shutdownCtx))

		sm.closersMu.Lock()
		closers := sm.closers
		sm.closersMu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].closer.Close(); err != nil {
				group.Add(fmt.Errorf("close %s: %w", closers[i].name, err))
			}
		}
		sm.shutdownErr = group.Err()
		if sm.shutdownErr != nil {
			log.Printf("server: [WARN] shutdown finished with errors: %v", sm.shutdownErr)
		}
	})
	return sm.shutdownErr
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	select {
	case <-sm.drained:
		return nil
	case <-drainCtx.Done():
		sm.inFlightMu.Lock()
		defer sm.inFlightMu.Unlock()
		return fmt.Errorf("server: timeout draining in-flight work: %v", sm.inFlight)
	}
}

func (sm *ShutdownManager) totalLocked() int64 {
	var n int64
	for _, v := range sm.inFlight {
		n += v
	}
	return n
}

// Track registers one unit of in-flight work of the given kind. The returned
// func must be called when the work ends. Track fails once shutdown has begun.
func (sm *ShutdownManager) Track(kind string) (done func(), err error) {
	sm.inFlightMu.Lock()
	defer sm.inFlightMu.Unlock()
	if sm.isShuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	sm.inFlight[kind]++

	var once sync.Once
	return func() {
		once.Do(func() {
			sm.inFlightMu.Lock()
			defer sm.inFlightMu.Unlock()
			sm.inFlight[kind]--
			if sm.isShuttingDown.Load() && sm.totalLocked() == 0 {
				close(sm.drained)
			}
		})
	}, nil
}

// IsShuttingDown returns true once shutdown has begun.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.isShuttingDown.Load()
}

// InFlight returns the number of in-flight units of a kind.
func (sm *ShutdownManager) InFlight(kind string) int64 {
	sm.inFlightMu.Lock()
	defer sm.inFlightMu.Unlock()
	return sm.inFlight[kind]
}

// ShutdownCh returns a channel closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// GracefulHTTPServer runs an http.Server until shutdown.
type GracefulHTTPServer struct {
	server   *http.Server
	shutdown *ShutdownManager
}

// NewGracefulHTTPServer creates a graceful HTTP server and registers it for
// shutdown.
func NewGracefulHTTPServer(server *http.Server, shutdown *ShutdownManager) *GracefulHTTPServer {
	shutdown.RegisterCloser("http "+server.Addr, CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}))
	return &GracefulHTTPServer{server: server, shutdown: shutdown}
}

// Serve accepts connections on ln until shutdown. It returns nil after a
// graceful stop.
func (gs *GracefulHTTPServer) Serve(ln net.Listener) error {
	log.Printf("server: HTTP API listening on %s", ln.Addr())
	if err := gs.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the server's address and calls Serve.
func (gs *GracefulHTTPServer) ListenAndServe() error {
	ln, err := net.Listen("tcp", gs.server.Addr)
	if err != nil {
		return err
	}
	return gs.Serve(ln)
}

// ShutdownMiddleware tracks API requests as in-flight work and rejects new
// requests during shutdown.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			done, err := sm.Track("request")
			if err != nil {
				w.Header().Set("Connection", "close")
				http.Error(w, "service unavailable: shutting down", http.StatusServiceUnavailable)
				return
			}
			defer done()
			next.ServeHTTP(w, r)
		})
	}
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}
