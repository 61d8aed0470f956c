package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/koltyakov/tailserve/internal/config"
	"github.com/koltyakov/tailserve/internal/daemon"
	"github.com/koltyakov/tailserve/internal/log"
	"github.com/koltyakov/tailserve/internal/share"
	"github.com/koltyakov/tailserve/internal/state"
	"github.com/koltyakov/tailserve/internal/tailnet"
	"github.com/koltyakov/tailserve/internal/tunnel"
)

// env bundles the collaborators every one-shot command needs: resolved
// config, a store over the state document, and the tailscale client.
// Commands print their own output; the logger carries diagnostics to
// stderr so stdout stays scriptable.
type env struct {
	cfg   *config.Config
	log   *slog.Logger
	store *state.Store
	tail  *tailnet.Client
}

func newEnv() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	logger := log.NewWriter(os.Stderr, "warn")
	store := state.New(cfg.StatePath(), state.Options{
		PortOverride:           cfg.PortOverride,
		ProtectedPortsOverride: cfg.ProtectedPortsOverride,
		Logger:                 logger,
	})
	return &env{
		cfg:   cfg,
		log:   logger,
		store: store,
		tail:  tailnet.New(cfg.TailscaleBin, logger),
	}, nil
}

func (e *env) shares() *share.Manager {
	return share.NewManager(e.store, e.tail, e.log)
}

func (e *env) daemon() *daemon.Supervisor {
	exe, err := os.Executable()
	if err != nil {
		exe = "tailserve"
	}
	return daemon.NewSupervisor(e.store, e.tail, daemon.Config{
		Executable: exe,
		Args:       []string{"daemon", "run"},
		Autostart:  e.cfg.Autostart,
		PIDPath:    e.cfg.PIDPath(),
		LogPath:    e.cfg.DaemonLogPath(),
	}, e.log)
}

func (e *env) tunnels() *tunnel.Supervisor {
	return tunnel.NewSupervisor(e.store, tunnel.Options{
		Bin:        e.cfg.CloudflaredBin,
		ConfigPath: e.cfg.TunnelConfigPath(),
		LogsDir:    e.cfg.LogsDir(),
		Logger:     e.log,
	})
}

// ensureHostname fills in the document's overlay hostname from the
// tailscale CLI the first time a URL is about to be printed. Without a
// reachable tailscaled the document keeps its empty hostname and URLs
// fall back to the loopback address.
func (e *env) ensureHostname(ctx context.Context) state.Network {
	doc := e.store.Read()
	if doc.Network.Hostname != "" {
		return doc.Network
	}
	host, err := e.tail.Hostname(ctx)
	if err != nil || host == "" {
		return doc.Network
	}
	updated, err := e.store.Update(func(d *state.State) error {
		if d.Network.Hostname == "" {
			d.Network.Hostname = host
		}
		return nil
	})
	if err != nil {
		return doc.Network
	}
	return updated.Network
}
