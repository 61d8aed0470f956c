package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/koltyakov/tailserve/internal/tunnel"
)

func runTunnel(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tailserve tunnel <setup|start|stop|remove|quick> [flags]")
		return 2
	}
	switch args[0] {
	case "setup":
		return runTunnelSetup(ctx, args[1:])
	case "start":
		return runTunnelStart(ctx)
	case "stop":
		return runTunnelStop(ctx)
	case "remove":
		return runTunnelRemove(ctx)
	case "quick":
		return runTunnelQuick(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown tunnel command:", args[0])
		return 2
	}
}

// tunnelError prints the failure with follow-up guidance for the two
// states the user can fix themselves.
func tunnelError(cmd string, err error) int {
	fmt.Fprintln(os.Stderr, cmd+" error:", err)
	switch {
	case errors.Is(err, tunnel.ErrNotInstalled):
		fmt.Fprintln(os.Stderr, "install cloudflared: https://developers.cloudflare.com/cloudflared/")
	case errors.Is(err, tunnel.ErrNotConfigured):
		fmt.Fprintln(os.Stderr, "run `tailserve tunnel setup --hostname <dns-name>` first")
	}
	return 1
}

func runTunnelSetup(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tunnel-setup", flag.ContinueOnError)
	var name, hostname string
	fs.StringVar(&name, "name", "tailserve", "tunnel name registered with cloudflare")
	fs.StringVar(&hostname, "hostname", "", "public DNS name routed to this machine")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(hostname) == "" {
		fmt.Fprintln(os.Stderr, "usage: tailserve tunnel setup --hostname <dns-name> [--name NAME]")
		return 2
	}

	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunnel setup error:", err)
		return 1
	}
	if err := e.tunnels().Setup(ctx, name, hostname); err != nil {
		return tunnelError("tunnel setup", err)
	}
	fmt.Println("tunnel configured:", name)
	fmt.Println("public URL: https://" + hostname)
	return 0
}

func runTunnelStart(ctx context.Context) int {
	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunnel start error:", err)
		return 1
	}
	pid, err := e.tunnels().Start(ctx)
	if err != nil {
		return tunnelError("tunnel start", err)
	}
	fmt.Println("tunnel running, pid:", pid)
	if nt := e.store.Read().NamedTunnel; nt != nil {
		fmt.Println("public URL: https://" + nt.Hostname)
	}
	return 0
}

func runTunnelStop(ctx context.Context) int {
	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunnel stop error:", err)
		return 1
	}
	if err := e.tunnels().Stop(ctx); err != nil {
		return tunnelError("tunnel stop", err)
	}
	fmt.Println("tunnel stopped")
	return 0
}

func runTunnelRemove(ctx context.Context) int {
	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunnel remove error:", err)
		return 1
	}
	if err := e.tunnels().Remove(ctx); err != nil {
		return tunnelError("tunnel remove", err)
	}
	fmt.Println("tunnel removed")
	return 0
}

// runTunnelQuick opens an ephemeral trycloudflare tunnel. Without a port
// argument it exposes the daemon itself, making every route public.
func runTunnelQuick(ctx context.Context, args []string) int {
	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "tunnel quick error:", err)
		return 1
	}
	port := e.store.Read().Network.Port
	if len(args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: tailserve tunnel quick [port]")
		return 2
	}
	if len(args) == 1 {
		p, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil || p < 1 || p > 65535 {
			fmt.Fprintln(os.Stderr, "tunnel quick error: invalid port:", args[0])
			return 2
		}
		port = p
	}

	tun := e.tunnels()
	res, err := tun.SpawnQuick(ctx, port)
	if err != nil {
		return tunnelError("tunnel quick", err)
	}
	id, err := tun.RegisterQuick(res, port)
	if err != nil {
		return tunnelError("tunnel quick", err)
	}
	fmt.Println(res.URL)
	fmt.Println("id:", id, "pid:", res.PID)
	return 0
}
