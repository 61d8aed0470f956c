// Package server implements the tailserve daemon: a loopback HTTP router
// that resolves share and project routes from the shared state document on
// every request, plus the maintenance loops that keep that document honest.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/koltyakov/tailserve/internal/netutil"
	"github.com/koltyakov/tailserve/internal/procutil"
	"github.com/koltyakov/tailserve/internal/state"
	"github.com/koltyakov/tailserve/internal/store/sqlite"
)

// Phase is the daemon lifecycle state. A run only ever moves forward:
// Stopped -> Starting -> Listening -> Draining -> Stopped.
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseListening
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseListening:
		return "listening"
	case PhaseDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// appName is the marker CLI supervisors look for in /api/health to tell a
// tailserve daemon apart from a stranger squatting on the port.
const appName = "tailserve"

const (
	defaultReapInterval   = time.Minute
	defaultHealthInterval = 10 * time.Second
	defaultPruneInterval  = time.Hour
	defaultDrainTimeout   = 5 * time.Second

	// watchdogTimeout bounds a graceful shutdown; past it the process
	// force-exits rather than hang with the port half-closed.
	watchdogTimeout = 15 * time.Second

	// accessRetention is how long access-log rows are kept.
	accessRetention = 30 * 24 * time.Hour

	accessQueueSize = 256
)

// ErrAlreadyRunning is returned by Run when the server was started twice.
var ErrAlreadyRunning = errors.New("server already running")

// Overlay is the slice of the tailnet client the daemon needs to publish
// and withdraw its routes.
type Overlay interface {
	EnableServe(ctx context.Context, port int) error
	EnableFunnel(ctx context.Context, port int) error
	DisableServe(ctx context.Context) error
}

// TunnelStopper shuts down the named public tunnel, if one is running.
type TunnelStopper interface {
	Stop(ctx context.Context) error
}

// Options wires a Server. Every collaborator except the store is optional.
type Options struct {
	Version string
	// PIDPath is written when the listener is up and removed on stop.
	// Empty disables the PID file.
	PIDPath string
	// LogsDir receives per-project process logs for auto-restarted
	// project start commands.
	LogsDir string

	Access  *sqlite.Store // nil disables access logging
	Overlay Overlay       // nil when tailscale is absent
	Tunnels TunnelStopper // nil when cloudflared is absent

	// Maintenance intervals; zero picks the defaults.
	ReapInterval   time.Duration
	HealthInterval time.Duration
	PruneInterval  time.Duration
	DrainTimeout   time.Duration
}

// Server is the daemon. It owns the HTTP listener, the janitor loop, and
// the access-log writer; all route state lives in the state document so a
// restart loses nothing.
type Server struct {
	store   *state.Store
	access  *sqlite.Store
	overlay Overlay
	tunnels TunnelStopper
	log     *slog.Logger

	version string
	pidPath string
	logsDir string

	reapInterval   time.Duration
	healthInterval time.Duration
	pruneInterval  time.Duration
	drainTimeout   time.Duration

	httpServer *http.Server
	accessCh   chan sqlite.Entry
	startedAt  time.Time

	mu        sync.Mutex
	phase     Phase
	port      int
	listening chan struct{}

	// exit is swapped in watchdog tests.
	exit func(code int)
}

// New builds a Server over the given store. logger may be nil.
func New(store *state.Store, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		store:          store,
		access:         opts.Access,
		overlay:        opts.Overlay,
		tunnels:        opts.Tunnels,
		log:            logger,
		version:        opts.Version,
		pidPath:        opts.PIDPath,
		logsDir:        opts.LogsDir,
		reapInterval:   opts.ReapInterval,
		healthInterval: opts.HealthInterval,
		pruneInterval:  opts.PruneInterval,
		drainTimeout:   opts.DrainTimeout,
		phase:          PhaseStopped,
		listening:      make(chan struct{}),
		exit:           os.Exit,
	}
	if s.reapInterval <= 0 {
		s.reapInterval = defaultReapInterval
	}
	if s.healthInterval <= 0 {
		s.healthInterval = defaultHealthInterval
	}
	if s.pruneInterval <= 0 {
		s.pruneInterval = defaultPruneInterval
	}
	if s.drainTimeout <= 0 {
		s.drainTimeout = defaultDrainTimeout
	}
	if s.access != nil {
		s.accessCh = make(chan sqlite.Entry, accessQueueSize)
	}
	return s
}

// Run serves until ctx is cancelled or the listener fails. It restores
// persisted routes, binds the loopback listener, and keeps the janitor
// running alongside the HTTP server. Like http.Server, a Server is
// single-use: once it has stopped it cannot be started again.
func (s *Server) Run(ctx context.Context) error {
	if !s.transition(PhaseStopped, PhaseStarting) {
		return ErrAlreadyRunning
	}
	s.startedAt = time.Now()

	doc := s.restore(ctx)

	ln, err := net.Listen("tcp", netutil.LoopbackAddr(doc.Network.Port))
	if err != nil {
		s.setPhase(PhaseStopped)
		return fmt.Errorf("bind daemon port: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		s.runJanitor(loopCtx)
	}()
	if s.accessCh != nil {
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.runAccessWorker(loopCtx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.markListening(ln.Addr())

	var cause error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		cause = fmt.Errorf("http server: %w", err)
	}

	stopLoops()
	if err := s.shutdown(); err != nil && cause == nil {
		cause = err
	}
	loops.Wait()
	return cause
}

// shutdown drains the daemon: quick tunnels are killed, the named tunnel
// and overlay routes are withdrawn, then the HTTP server drains. A watchdog
// force-exits the process if any of that stalls.
func (s *Server) shutdown() error {
	s.setPhase(PhaseDraining)
	s.log.Info("daemon draining")

	watchdog := time.AfterFunc(watchdogTimeout, func() {
		s.log.Error("graceful shutdown stalled, forcing exit")
		s.exit(1)
	})
	defer watchdog.Stop()

	s.stopQuickTunnels()

	if s.tunnels != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
		if err := s.tunnels.Stop(ctx); err != nil {
			s.log.Warn("stop named tunnel", "error", err)
		}
		cancel()
	}
	if s.overlay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
		if err := s.overlay.DisableServe(ctx); err != nil {
			s.log.Warn("withdraw overlay routes", "error", err)
		}
		cancel()
	}

	err := shutdownHTTP(s.httpServer, s.drainTimeout)

	s.setPhase(PhaseStopped)
	if s.pidPath != "" {
		_ = procutil.RemovePIDFile(s.pidPath)
	}
	s.log.Info("daemon stopped")
	return err
}

// stopQuickTunnels kills tracked quick-tunnel subprocesses and drops their
// records. Best effort: a tunnel that already died is simply forgotten.
func (s *Server) stopQuickTunnels() {
	doc := s.store.Read()
	if len(doc.Tunnels) == 0 {
		return
	}
	_, err := s.store.Update(func(d *state.State) error {
		for id, t := range d.Tunnels {
			if alive, _ := procutil.Alive(t.PID); alive {
				if err := procutil.Kill(t.PID); err != nil {
					s.log.Warn("kill quick tunnel", "id", id, "pid", t.PID, "error", err)
				}
			}
			delete(d.Tunnels, id)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("clear quick tunnels", "error", err)
	}
}

func (s *Server) markListening(addr net.Addr) {
	s.mu.Lock()
	s.phase = PhaseListening
	if tcp, ok := addr.(*net.TCPAddr); ok {
		s.port = tcp.Port
	}
	close(s.listening)
	s.mu.Unlock()

	if s.pidPath != "" {
		if err := procutil.WritePIDFile(s.pidPath, os.Getpid()); err != nil {
			s.log.Warn("write pid file", "path", s.pidPath, "error", err)
		}
	}
	s.log.Info("daemon listening", "addr", addr.String(), "version", s.version)
}

// Phase reports the current lifecycle phase.
func (s *Server) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Listening is closed once the daemon accepts connections. Port is valid
// after that.
func (s *Server) Listening() <-chan struct{} { return s.listening }

// Port reports the bound listener port.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Server) transition(from, to Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != from {
		return false
	}
	s.phase = to
	return true
}

func (s *Server) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func shutdownHTTP(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
