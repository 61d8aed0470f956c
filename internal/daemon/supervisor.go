// Package daemon supervises the background tailserve server process:
// starting it on demand, stopping it, and reporting what is actually
// running according to the PID file, the health endpoint, and the OS
// process table.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/koltyakov/tailserve/internal/netutil"
	"github.com/koltyakov/tailserve/internal/procutil"
	"github.com/koltyakov/tailserve/internal/state"
	"github.com/koltyakov/tailserve/internal/tailnet"
)

const (
	// appMarker identifies a health response as coming from tailserve
	// rather than whatever else might be squatting on the port.
	appMarker = "tailserve"

	spawnPoll    = 100 * time.Millisecond
	stopInterval = 50 * time.Millisecond
	stopTimeout  = 5 * time.Second
	probeTimeout = time.Second
)

// PortInUseError reports that the daemon port answers but does not
// belong to tailserve.
type PortInUseError struct {
	Port int
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("port %d is in use by another program; free it, or if an old daemon holds it run `tailserve daemon stop`", e.Port)
}

// Overlay is the slice of the tailnet client recovery needs: inspecting
// active routes and tearing the stale one down.
type Overlay interface {
	Routes(ctx context.Context) []tailnet.Route
	DisableServe(ctx context.Context) error
}

// Config tells the Supervisor how to launch and track the daemon.
type Config struct {
	// Executable and Args form the detached daemon command line.
	Executable string
	Args       []string
	// Autostart gates EnsureRunning; when false it only reports.
	Autostart bool
	PIDPath   string
	LogPath   string
	// SpawnTimeout bounds the wait for a freshly spawned daemon to
	// answer health checks. Zero means 5 seconds.
	SpawnTimeout time.Duration
}

// Status describes the daemon as observed right now.
type Status struct {
	Running bool
	PID     int
	Port    int
	Uptime  time.Duration
	Version string
}

// health is the daemon's /api/health payload.
type health struct {
	App     string `json:"app"`
	Version string `json:"version"`
	PID     int    `json:"pid"`
	Port    int    `json:"port"`
}

// Supervisor manages the daemon lifecycle from CLI processes.
type Supervisor struct {
	store   *state.Store
	overlay Overlay
	cfg     Config
	log     *slog.Logger

	// Seams swapped in tests.
	spawn func() (int, error)
	probe func(ctx context.Context, port int) (*health, bool)
}

// NewSupervisor returns a Supervisor over the given store. overlay may
// be nil, which skips overlay route recovery.
func NewSupervisor(store *state.Store, overlay Overlay, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 5 * time.Second
	}
	s := &Supervisor{store: store, overlay: overlay, cfg: cfg, log: logger}
	s.spawn = func() (int, error) {
		return procutil.SpawnDetached(cfg.Executable, cfg.Args, "", cfg.LogPath)
	}
	s.probe = probeHealth
	return s
}

// probeHealth classifies what answers on the port: (payload, true) for a
// tailserve daemon, (nil, true) for anything else that accepted the
// connection, (nil, false) for a closed port.
func probeHealth(ctx context.Context, port int) (*health, bool) {
	if !netutil.PortOpen(port, probeTimeout) {
		return nil, false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/api/health", port), nil)
	if err != nil {
		return nil, true
	}
	client := &http.Client{Timeout: probeTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, true
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, true
	}
	var h health
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&h); err != nil || h.App != appMarker {
		return nil, true
	}
	return &h, true
}

// EnsureRunning makes sure a daemon is up before a command that needs
// one. With autostart disabled it only reports the current status. A
// running daemon is detected through its health endpoint; a foreign
// process on the port is a PortInUseError. Otherwise the daemon is
// spawned detached and polled until healthy, with one recovery round
// (clear stale overlay route and PID file, respawn) before giving up.
func (s *Supervisor) EnsureRunning(ctx context.Context) (Status, error) {
	if !s.cfg.Autostart {
		return s.Status(), nil
	}
	doc := s.store.Read()
	port := doc.Network.Port

	pid, pidErr := procutil.ReadPIDFile(s.cfg.PIDPath)
	if pidErr == nil {
		if alive, _ := procutil.Alive(pid); !alive {
			s.log.Debug("removing stale pid file", "pid", pid)
			_ = procutil.RemovePIDFile(s.cfg.PIDPath)
			pid = 0
		}
	} else {
		pid = 0
	}

	if h, answers := s.probe(ctx, port); answers {
		if h == nil {
			return Status{}, &PortInUseError{Port: port}
		}
		// Ours. Restore the PID file if it was lost or went stale.
		if h.PID > 0 && h.PID != pid {
			_ = procutil.WritePIDFile(s.cfg.PIDPath, h.PID)
		}
		return s.Status(), nil
	}

	if pid > 0 {
		// A live daemon that is not listening yet is mid-startup,
		// likely spawned by a parallel invocation. Wait for it.
		st, err := s.waitHealthy(ctx, pid, port)
		if err != nil {
			return Status{}, fmt.Errorf("daemon pid %d is running but not answering on port %d: %w", pid, port, err)
		}
		return st, nil
	}

	st, err := s.spawnAndWait(ctx, port)
	if err == nil {
		return st, nil
	}
	s.log.Warn("daemon failed to come up, recovering", "error", err)
	s.recoverOnce(ctx, doc)
	return s.spawnAndWait(ctx, port)
}

func (s *Supervisor) spawnAndWait(ctx context.Context, port int) (Status, error) {
	pid, err := s.spawn()
	if err != nil {
		return Status{}, fmt.Errorf("start daemon: %w", err)
	}
	s.log.Debug("daemon spawned", "pid", pid, "port", port)
	return s.waitHealthy(ctx, pid, port)
}

// waitHealthy polls until the daemon answers its health endpoint, the
// process dies, or the spawn timeout elapses.
func (s *Supervisor) waitHealthy(ctx context.Context, pid, port int) (Status, error) {
	deadline := time.Now().Add(s.cfg.SpawnTimeout)
	for {
		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-time.After(spawnPoll):
		}
		if h, answers := s.probe(ctx, port); answers && h != nil {
			if h.PID > 0 {
				_ = procutil.WritePIDFile(s.cfg.PIDPath, h.PID)
			}
			return s.Status(), nil
		}
		if alive, _ := procutil.Alive(pid); !alive {
			return Status{}, fmt.Errorf("daemon exited during startup; check %s", s.cfg.LogPath)
		}
		if time.Now().After(deadline) {
			return Status{}, fmt.Errorf("daemon did not answer on port %d within %s; check %s", port, s.cfg.SpawnTimeout, s.cfg.LogPath)
		}
	}
}

// recoverOnce clears leftovers that can wedge a restart: the PID file
// and an overlay route still pointing at the daemon port. Routes backed
// by protected ports are left alone.
func (s *Supervisor) recoverOnce(ctx context.Context, doc state.State) {
	_ = procutil.RemovePIDFile(s.cfg.PIDPath)
	if s.overlay == nil {
		return
	}
	for _, r := range s.overlay.Routes(ctx) {
		if r.Port != doc.Network.Port || doc.PortProtected(r.Port) {
			continue
		}
		s.log.Warn("clearing stale overlay route", "host", r.Host, "port", r.Port)
		if err := s.overlay.DisableServe(ctx); err != nil {
			s.log.Warn("overlay route cleanup failed", "error", err)
		}
		break
	}
}

// Stop terminates the daemon named by the PID file and removes the
// file. A missing or unparsable PID file means nothing to stop.
func (s *Supervisor) Stop() error {
	pid, err := procutil.ReadPIDFile(s.cfg.PIDPath)
	if err != nil {
		return nil
	}
	if err := procutil.Terminate(pid, stopInterval, stopTimeout); err != nil {
		return fmt.Errorf("stop daemon: %w", err)
	}
	s.log.Info("daemon stopped", "pid", pid)
	return procutil.RemovePIDFile(s.cfg.PIDPath)
}

// Status inspects the PID file and the process table. When the daemon
// is alive its uptime and actual listening port come from the OS, not
// from the document.
func (s *Supervisor) Status() Status {
	doc := s.store.Read()
	st := Status{Port: doc.Network.Port}
	pid, err := procutil.ReadPIDFile(s.cfg.PIDPath)
	if err != nil {
		return st
	}
	alive, _ := procutil.Alive(pid)
	if !alive {
		return st
	}
	st.Running = true
	st.PID = pid
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if created, err := p.CreateTime(); err == nil && created > 0 {
			st.Uptime = time.Since(time.UnixMilli(created)).Truncate(time.Second)
		}
		if port := listeningPort(p); port != 0 {
			st.Port = port
		}
	}
	return st
}

// listeningPort returns the first TCP port the process listens on, or 0
// when none is visible.
func listeningPort(p *process.Process) int {
	conns, err := p.Connections()
	if err != nil {
		return 0
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port != 0 {
			return int(c.Laddr.Port)
		}
	}
	return 0
}
