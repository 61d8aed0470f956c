package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/koltyakov/tailserve/internal/share"
)

func runProject(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tailserve project <add|rm|ls> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runProjectAdd(ctx, args[1:])
	case "rm":
		return runProjectRemove(ctx, args[1:])
	case "ls", "list":
		return runList(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown project command:", args[0])
		return 2
	}
}

func runProjectAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("project-add", flag.ContinueOnError)
	var (
		port        int
		startCmd    string
		autoRestart bool
		public      bool
	)
	fs.IntVar(&port, "port", 0, "proxy to this local port instead of serving the directory")
	fs.StringVar(&startCmd, "start-cmd", "", "shell command the daemon runs to start the backend")
	fs.BoolVar(&autoRestart, "auto-restart", false, "run the start command on daemon startup")
	fs.BoolVar(&public, "public", false, "also publish on the public internet via the overlay funnel")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, "usage: tailserve project add [flags] <name> <dir>")
		return 2
	}

	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "project add error:", err)
		return 1
	}
	proj, err := e.shares().AddProject(ctx, fs.Arg(0), fs.Arg(1), port, startCmd, autoRestart, public)
	if err != nil {
		fmt.Fprintln(os.Stderr, "project add error:", err)
		return 1
	}

	if _, err := e.daemon().EnsureRunning(ctx); err != nil {
		if _, rbErr := e.shares().RemoveProject(proj.Name); rbErr != nil {
			fmt.Fprintln(os.Stderr, "project add rollback error:", rbErr)
		}
		fmt.Fprintln(os.Stderr, "project add error:", err)
		return 1
	}

	nw := e.ensureHostname(ctx)
	fmt.Println(share.URL(nw, "/p/"+proj.Name))
	return 0
}

func runProjectRemove(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tailserve project rm <name>")
		return 2
	}
	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "project rm error:", err)
		return 1
	}
	removed, err := e.shares().RemoveProject(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "project rm error:", err)
		return 1
	}
	if removed == 0 {
		fmt.Fprintln(os.Stderr, "project rm error: no project named", args[0])
		return 1
	}
	fmt.Println("removed:", args[0])
	return 0
}
