package cli

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/koltyakov/tailserve/internal/procutil"
	"github.com/koltyakov/tailserve/internal/share"
	"github.com/koltyakov/tailserve/internal/state"
)

// runStatus prints a one-screen summary: daemon, overlay address, record
// counts, and tunnel processes.
func runStatus(ctx context.Context, args []string) int {
	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "status error:", err)
		return 1
	}
	doc := e.store.Read()
	st := e.daemon().Status()

	if st.Running {
		fmt.Printf("daemon: running (pid %d, port %d, up %s)\n", st.PID, st.Port, st.Uptime)
	} else {
		fmt.Println("daemon: not running")
	}

	if doc.Network.Hostname != "" {
		fmt.Println("overlay:", share.URL(doc.Network, "/"))
	} else {
		fmt.Println("overlay: hostname not resolved yet")
	}

	now := state.NowMs()
	active := 0
	for _, sh := range doc.Shares {
		if !sh.Expired(now) {
			active++
		}
	}
	fmt.Printf("shares: %d active, projects: %d\n", active, len(doc.Projects))

	if nt := doc.NamedTunnel; nt != nil {
		if pid := e.tunnels().ResolvePid(nt.Name); pid > 0 {
			fmt.Printf("tunnel %s: running (pid %d) https://%s\n", nt.Name, pid, nt.Hostname)
		} else {
			fmt.Printf("tunnel %s: stopped https://%s\n", nt.Name, nt.Hostname)
		}
	}

	ids := make([]string, 0, len(doc.Tunnels))
	for id := range doc.Tunnels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		qt := doc.Tunnels[id]
		label := "dead"
		if alive, _ := procutil.Alive(qt.PID); alive {
			label = "running"
		}
		fmt.Printf("quick tunnel %s: %s (%s, port %d)\n", id, qt.URL, label, qt.Port)
	}
	return 0
}
