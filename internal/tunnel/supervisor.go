// Package tunnel supervises cloudflared subprocesses: a persistent
// named tunnel bound to a DNS hostname, and ephemeral quick tunnels
// with generated trycloudflare.com URLs. Children run detached so they
// outlive the CLI; identity is recovered from the process table rather
// than trusted across restarts.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/koltyakov/tailserve/internal/procutil"
	"github.com/koltyakov/tailserve/internal/state"
)

// Sentinel failures callers branch on.
var (
	// ErrNotInstalled means the cloudflared binary is not on PATH.
	ErrNotInstalled = errors.New("cloudflared is not installed")

	// ErrNotConfigured means no named tunnel has been set up yet.
	ErrNotConfigured = errors.New("no named tunnel is configured")

	// ErrTunnelExited means a quick tunnel died before publishing its URL.
	ErrTunnelExited = errors.New("tunnel process exited before publishing a URL")

	// ErrNoTunnelURL means a quick tunnel stayed alive but never printed a
	// URL within the resolution deadline.
	ErrNoTunnelURL = errors.New("timed out waiting for the tunnel URL")
)

const (
	stopInterval = 100 * time.Millisecond
	stopTimeout  = 5 * time.Second
)

// Options tunes a Supervisor.
type Options struct {
	// Bin is the cloudflared binary name or path.
	Bin string
	// ConfigPath is where the named tunnel's YAML config is written.
	ConfigPath string
	// LogsDir receives per-tunnel output files.
	LogsDir string
	Logger  *slog.Logger
}

// Supervisor manages cloudflared processes for one state document.
type Supervisor struct {
	store      *state.Store
	bin        string
	configPath string
	logsDir    string
	log        *slog.Logger

	mu  sync.Mutex
	pid int // cached named-tunnel pid, revalidated before use

	// Seams swapped in tests.
	findPids func(substrings ...string) ([]int, error)
	runCmd   func(ctx context.Context, args ...string) ([]byte, error)
	lookPath func(file string) (string, error)

	quickPoll    time.Duration
	quickTimeout time.Duration
}

// NewSupervisor returns a Supervisor over the given store.
func NewSupervisor(store *state.Store, opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	bin := opts.Bin
	if bin == "" {
		bin = "cloudflared"
	}
	s := &Supervisor{
		store:        store,
		bin:          bin,
		configPath:   opts.ConfigPath,
		logsDir:      opts.LogsDir,
		log:          logger,
		findPids:     procutil.FindPids,
		lookPath:     exec.LookPath,
		quickPoll:    200 * time.Millisecond,
		quickTimeout: 15 * time.Second,
	}
	s.runCmd = s.exec
	return s
}

func (s *Supervisor) exec(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, s.bin, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return out, fmt.Errorf("%s %s: %s", s.bin, strings.Join(args, " "), msg)
	}
	return out, nil
}

func (s *Supervisor) requireBinary() error {
	if _, err := s.lookPath(s.bin); err != nil {
		return fmt.Errorf("%w: %s not found in PATH", ErrNotInstalled, s.bin)
	}
	return nil
}

// ResolvePid returns the pid of the running named tunnel, or 0 when none
// is found. A cached pid is trusted only while that process is alive;
// otherwise the process table is scanned for a cloudflared run command
// carrying the tunnel name.
func (s *Supervisor) ResolvePid(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pid > 0 {
		if alive, _ := procutil.Alive(s.pid); alive {
			return s.pid
		}
		s.pid = 0
	}
	pids, err := s.findPids(filepath.Base(s.bin), "tunnel", "run "+name)
	if err != nil || len(pids) == 0 {
		return 0
	}
	s.pid = pids[0]
	return s.pid
}

// Start brings the configured named tunnel up: it rewrites the ingress
// config from the current document and spawns cloudflared unless a run
// for this tunnel is already detected. The running pid is returned and
// cached in memory only.
func (s *Supervisor) Start(ctx context.Context) (int, error) {
	if err := s.requireBinary(); err != nil {
		return 0, err
	}
	doc := s.store.Read()
	nt := doc.NamedTunnel
	if nt == nil {
		return 0, ErrNotConfigured
	}
	if err := s.writeConfig(nt, doc.Network.Port); err != nil {
		return 0, err
	}
	if pid := s.ResolvePid(nt.Name); pid > 0 {
		s.log.Debug("named tunnel already running", "name", nt.Name, "pid", pid)
		return pid, nil
	}
	logPath := filepath.Join(s.logsDir, "tunnel-"+nt.Name+".log")
	pid, err := procutil.SpawnDetached(s.bin, []string{"tunnel", "--config", s.configPath, "run", nt.Name}, "", logPath)
	if err != nil {
		return 0, fmt.Errorf("start tunnel %s: %w", nt.Name, err)
	}
	s.mu.Lock()
	s.pid = pid
	s.mu.Unlock()
	s.log.Info("named tunnel started", "name", nt.Name, "pid", pid)
	return pid, nil
}

// Stop terminates the named tunnel process if one is running. No
// configured tunnel or no live process is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	doc := s.store.Read()
	if doc.NamedTunnel == nil {
		return nil
	}
	pid := s.ResolvePid(doc.NamedTunnel.Name)
	if pid == 0 {
		return nil
	}
	if err := procutil.Terminate(pid, stopInterval, stopTimeout); err != nil {
		return fmt.Errorf("stop tunnel %s: %w", doc.NamedTunnel.Name, err)
	}
	s.mu.Lock()
	s.pid = 0
	s.mu.Unlock()
	s.log.Info("named tunnel stopped", "name", doc.NamedTunnel.Name, "pid", pid)
	return nil
}

// Remove tears the named tunnel down completely: the process is stopped,
// the tunnel is deleted upstream, and the local config is cleared.
func (s *Supervisor) Remove(ctx context.Context) error {
	doc := s.store.Read()
	nt := doc.NamedTunnel
	if nt == nil {
		return ErrNotConfigured
	}
	if err := s.requireBinary(); err != nil {
		return err
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}
	if _, err := s.runCmd(ctx, "tunnel", "delete", "-f", nt.Name); err != nil {
		return fmt.Errorf("delete tunnel %s: %w", nt.Name, err)
	}
	if _, err := s.store.Update(func(st *state.State) error {
		st.NamedTunnel = nil
		return nil
	}); err != nil {
		return err
	}
	if err := os.Remove(s.configPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("remove tunnel config", "path", s.configPath, "error", err)
	}
	s.log.Info("named tunnel removed", "name", nt.Name)
	return nil
}

// Setup provisions a named tunnel end to end: authenticate if needed,
// create the tunnel, route the hostname's DNS to it, persist the
// configuration, and start it.
func (s *Supervisor) Setup(ctx context.Context, name, hostname string) error {
	if err := s.requireBinary(); err != nil {
		return err
	}
	if doc := s.store.Read(); doc.NamedTunnel != nil {
		return fmt.Errorf("tunnel %q already configured; run tunnel remove first", doc.NamedTunnel.Name)
	}
	if !s.hasOriginCert() {
		s.log.Info("no origin certificate found, starting interactive login")
		if err := s.runInteractive(ctx, "tunnel", "login"); err != nil {
			return fmt.Errorf("tunnel login: %w", err)
		}
	}
	out, err := s.runCmd(ctx, "tunnel", "create", name)
	if err != nil {
		return err
	}
	id, credsPath, err := parseTunnelCreate(string(out))
	if err != nil {
		return fmt.Errorf("create tunnel %s: %w", name, err)
	}
	if _, err := s.runCmd(ctx, "tunnel", "route", "dns", name, hostname); err != nil {
		return err
	}
	if _, err := s.store.Update(func(st *state.State) error {
		st.NamedTunnel = &state.NamedTunnel{
			Name:            name,
			UUID:            id,
			Hostname:        hostname,
			CredentialsPath: credsPath,
		}
		return nil
	}); err != nil {
		return err
	}
	s.log.Info("named tunnel configured", "name", name, "hostname", hostname, "uuid", id)
	_, err = s.Start(ctx)
	return err
}

// runInteractive runs cloudflared attached to the caller's terminal, for
// the login flow that prints a browser URL and waits.
func (s *Supervisor) runInteractive(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, s.bin, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// hasOriginCert reports whether a cloudflared origin certificate exists,
// honoring the TUNNEL_ORIGIN_CERT override the binary itself respects.
func (s *Supervisor) hasOriginCert() bool {
	if p := os.Getenv("TUNNEL_ORIGIN_CERT"); p != "" {
		_, err := os.Stat(p)
		return err == nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(home, ".cloudflared", "cert.pem"))
	return err == nil
}

// parseTunnelCreate extracts the tunnel UUID and credentials file path
// from `cloudflared tunnel create` output.
func parseTunnelCreate(out string) (id, credsPath string, err error) {
	for _, tok := range strings.Fields(out) {
		tok = strings.Trim(tok, ".,")
		if id == "" {
			if parsed, perr := uuid.FromString(tok); perr == nil {
				id = parsed.String()
				continue
			}
		}
		if credsPath == "" && filepath.IsAbs(tok) && strings.HasSuffix(tok, ".json") {
			credsPath = tok
		}
	}
	if id == "" {
		return "", "", errors.New("no tunnel id in output")
	}
	if credsPath == "" {
		return "", "", errors.New("no credentials file in output")
	}
	return id, credsPath, nil
}
