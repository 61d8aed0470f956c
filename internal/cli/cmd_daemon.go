package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/koltyakov/tailserve/internal/config"
	"github.com/koltyakov/tailserve/internal/debughttp"
	"github.com/koltyakov/tailserve/internal/log"
	"github.com/koltyakov/tailserve/internal/server"
	"github.com/koltyakov/tailserve/internal/state"
	"github.com/koltyakov/tailserve/internal/store/sqlite"
	"github.com/koltyakov/tailserve/internal/tailnet"
	"github.com/koltyakov/tailserve/internal/tunnel"
)

func runDaemon(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tailserve daemon <run|status|stop>")
		return 2
	}
	switch args[0] {
	case "run":
		return runDaemonServe(ctx)
	case "status":
		return runDaemonStatus(ctx)
	case "stop":
		return runDaemonStop(ctx)
	default:
		fmt.Fprintln(os.Stderr, "unknown daemon command:", args[0])
		return 2
	}
}

// runDaemonServe is the detached entry point: it builds the server with
// every collaborator wired and blocks until the context is cancelled.
// Output goes to stdout, which the spawning CLI redirected to the daemon
// log file.
func runDaemonServe(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "daemon error:", err)
		return 1
	}
	if err := cfg.EnsureDirs(); err != nil {
		fmt.Fprintln(os.Stderr, "daemon error:", err)
		return 1
	}
	logger := log.New(cfg.LogLevel)

	store := state.New(cfg.StatePath(), state.Options{
		PortOverride:           cfg.PortOverride,
		ProtectedPortsOverride: cfg.ProtectedPortsOverride,
		Logger:                 logger,
	})

	// The access log is an enhancement, never a startup blocker.
	access, err := sqlite.Open(cfg.AccessDBPath())
	if err != nil {
		logger.Warn("access log disabled", "error", err)
		access = nil
	} else {
		defer func() { _ = access.Close() }()
	}

	if err := debughttp.Serve(ctx, cfg.PprofListen, logger); err != nil {
		logger.Warn("pprof server disabled", "error", err)
	}

	overlay := tailnet.New(cfg.TailscaleBin, logger)
	tunnels := tunnel.NewSupervisor(store, tunnel.Options{
		Bin:        cfg.CloudflaredBin,
		ConfigPath: cfg.TunnelConfigPath(),
		LogsDir:    cfg.LogsDir(),
		Logger:     logger,
	})

	srv := server.New(store, server.Options{
		Version: Version,
		PIDPath: cfg.PIDPath(),
		LogsDir: cfg.LogsDir(),
		Access:  access,
		Overlay: overlay,
		Tunnels: tunnels,
	}, logger)

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "daemon error:", err)
		return 1
	}
	return 0
}

func runDaemonStatus(ctx context.Context) int {
	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "daemon status error:", err)
		return 1
	}
	st := e.daemon().Status()
	if !st.Running {
		fmt.Println("daemon: not running")
		return 0
	}
	fmt.Println("daemon: running")
	fmt.Println("pid:", st.PID)
	fmt.Println("port:", st.Port)
	if st.Uptime > 0 {
		fmt.Println("uptime:", st.Uptime)
	}
	return 0
}

func runDaemonStop(ctx context.Context) int {
	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "daemon stop error:", err)
		return 1
	}
	if err := e.daemon().Stop(); err != nil {
		fmt.Fprintln(os.Stderr, "daemon stop error:", err)
		return 1
	}
	fmt.Println("daemon stopped")
	return 0
}
