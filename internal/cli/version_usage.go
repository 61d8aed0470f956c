package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

func printUsage() {
	fmt.Println(`tailserve - publish files, directories, and local ports on your tailnet

Serve anything from this machine to every device on your tailnet, with
optional public URLs through the tailscale funnel or cloudflare tunnels.

Usage:
  tailserve <path>                      Share a file or directory (24h default TTL)
  tailserve share <path>                Same, explicit form
                                        --ttl 2h, --persist, --public, --mime TYPE, --tunnel, --qr
  tailserve edit <file>                 Share a file behind an in-browser editor
                                        --readonly serves the editor but rejects saves
  tailserve proxy <port>                Publish a local HTTP port
  tailserve ls                          List shares and projects
  tailserve rm <id|all|expired>         Remove a share, every ephemeral share, or expired ones
  tailserve project add <name> <dir>    Register a named persistent route
                                        --port N proxies instead of serving the tree,
                                        --start-cmd CMD --auto-restart launch the backend
  tailserve project rm <name>           Remove a named route
  tailserve daemon run                  Run the daemon in the foreground
  tailserve daemon status|stop          Inspect or stop the background daemon
  tailserve tunnel setup --hostname H   Provision a persistent cloudflare tunnel
  tailserve tunnel start|stop|remove    Control the persistent tunnel
  tailserve tunnel quick [port]         Open an ephemeral trycloudflare URL
  tailserve status                      One-screen daemon and tunnel summary
  tailserve version                     Print version
  tailserve help                        Show this help

Routes:
  /            dashboard listing every route
  /s/<id>      shares (file, directory, editor, proxy)
  /p/<name>    projects

Environment Variables:
  TAILSERVE_HOME             State directory (default: ~/.tailserve)
  TAILSERVE_PORT             Daemon port override (default: 8787)
  TAILSERVE_LOG_LEVEL        Log level: debug|info|warn|error (default: info)
  TAILSERVE_NO_AUTOSTART     Set to 1 to keep commands from spawning the daemon
  TAILSERVE_PROTECTED_PORTS  Ports whose overlay routes recovery must not clear
  TAILSERVE_TAILSCALE_BIN    tailscale binary (default: tailscale)
  TAILSERVE_CLOUDFLARED_BIN  cloudflared binary (default: cloudflared)

For detailed documentation, see: https://github.com/koltyakov/tailserve`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	// Normalize: ensure non-dev versions start with "v" (GoReleaser
	// template {{.Version}} strips the prefix while git-describe keeps it).
	if Version != "dev" && !strings.HasPrefix(Version, "v") {
		Version = "v" + Version
	}
}

func printVersion() {
	fmt.Println("tailserve", Version)
}
