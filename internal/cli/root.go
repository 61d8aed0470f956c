// Package cli implements the tailserve command line: share-creating
// commands that talk to the state document directly, and lifecycle
// commands that supervise the background daemon.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(args) == 0 {
		printUsage()
		return 0
	}

	switch args[0] {
	case "share":
		return runShare(ctx, args[1:])
	case "edit":
		return runEdit(ctx, args[1:])
	case "proxy":
		return runProxy(ctx, args[1:])
	case "ls", "list":
		return runList(ctx, args[1:])
	case "rm":
		return runRemove(ctx, args[1:])
	case "project":
		return runProject(ctx, args[1:])
	case "daemon":
		return runDaemon(ctx, args[1:])
	case "tunnel":
		return runTunnel(ctx, args[1:])
	case "status":
		return runStatus(ctx, args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		// `tailserve ./notes.txt` shares without the share verb.
		if looksLikePath(args[0]) {
			return runShare(ctx, args)
		}
		fmt.Fprintln(os.Stderr, "unknown command:", args[0])
		return 2
	}
}

// looksLikePath reports whether arg is spelled like a filesystem path or
// names something that exists.
func looksLikePath(arg string) bool {
	if arg == "" || strings.HasPrefix(arg, "-") {
		return false
	}
	if strings.ContainsAny(arg, `/\`) || strings.HasPrefix(arg, ".") || arg == "~" {
		return true
	}
	_, err := os.Stat(arg)
	return err == nil
}
