package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koltyakov/tailserve/internal/state"
)

type fakeOverlay struct {
	served   []int
	funneled []int
	disabled int
	err      error
}

func (f *fakeOverlay) EnableServe(ctx context.Context, port int) error {
	f.served = append(f.served, port)
	return f.err
}

func (f *fakeOverlay) EnableFunnel(ctx context.Context, port int) error {
	f.funneled = append(f.funneled, port)
	return f.err
}

func (f *fakeOverlay) DisableServe(ctx context.Context) error {
	f.disabled++
	return f.err
}

func TestRestoreDropsExpiredAndBroken(t *testing.T) {
	t.Parallel()

	srv, st := testServer(t, Options{})
	past := state.NowMs() - 1000
	putShare(t, st, state.Share{ID: "gone1234", Type: state.TypeFile, Path: "/tmp/a", CreatedAt: past, ExpiresAt: &past})
	putShare(t, st, state.Share{ID: "keep1234", Type: state.TypeFile, Path: "/tmp/b", CreatedAt: past, Persist: true})
	putProject(t, st, state.Project{Name: "ok", Path: t.TempDir()})
	putProject(t, st, state.Project{Name: "vanished", Path: "/nonexistent/tree"})
	putProject(t, st, state.Project{Name: "badport", Path: t.TempDir(), Port: 70000})

	doc := srv.restore(context.Background())

	if _, ok := doc.Shares["gone1234"]; ok {
		t.Fatal("expired share survived restore")
	}
	if _, ok := doc.Shares["keep1234"]; !ok {
		t.Fatal("persistent share dropped by restore")
	}
	if _, ok := doc.Projects["ok"]; !ok {
		t.Fatal("servable project dropped by restore")
	}
	if _, ok := doc.Projects["vanished"]; ok {
		t.Fatal("project with missing directory survived restore")
	}
	if _, ok := doc.Projects["badport"]; ok {
		t.Fatal("project with out-of-range port survived restore")
	}

	// The reconciliation must have been persisted, not just returned.
	persisted := st.Read()
	if _, ok := persisted.Shares["gone1234"]; ok {
		t.Fatal("expired share still on disk")
	}
}

func TestRestoreRegistersOverlayRoutes(t *testing.T) {
	t.Parallel()

	overlay := &fakeOverlay{}
	srv, st := testServer(t, Options{Overlay: overlay})
	putShare(t, st, state.Share{ID: "keep1234", Type: state.TypeFile, Path: "/tmp/b", CreatedAt: state.NowMs(), Persist: true})

	srv.restore(context.Background())

	port := st.Read().Network.Port
	if len(overlay.served) != 1 || overlay.served[0] != port {
		t.Fatalf("EnableServe calls got %v, want [%d]", overlay.served, port)
	}
	if len(overlay.funneled) != 0 {
		t.Fatalf("EnableFunnel calls got %v, want none without public records", overlay.funneled)
	}
}

func TestRestoreEnablesFunnelForPublicRecords(t *testing.T) {
	t.Parallel()

	overlay := &fakeOverlay{}
	srv, st := testServer(t, Options{Overlay: overlay})
	putProject(t, st, state.Project{Name: "site", Path: t.TempDir(), Public: true})

	srv.restore(context.Background())

	if len(overlay.funneled) != 1 {
		t.Fatalf("EnableFunnel calls got %v, want exactly one", overlay.funneled)
	}
}

func TestRestoreSkipsOverlayWhenEmpty(t *testing.T) {
	t.Parallel()

	overlay := &fakeOverlay{}
	srv, _ := testServer(t, Options{Overlay: overlay})

	srv.restore(context.Background())

	if len(overlay.served) != 0 || len(overlay.funneled) != 0 {
		t.Fatalf("overlay touched with nothing to serve: served=%v funneled=%v",
			overlay.served, overlay.funneled)
	}
}

func TestProjectServable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := []struct {
		name string
		p    state.Project
		want bool
	}{
		{"tree", state.Project{Name: "a", Path: dir}, true},
		{"proxied", state.Project{Name: "b", Path: dir, Port: 3000}, true},
		{"missing dir", state.Project{Name: "c", Path: "/nonexistent/tree"}, false},
		{"port too high", state.Project{Name: "d", Path: dir, Port: 70000}, false},
		{"negative port", state.Project{Name: "e", Path: dir, Port: -1}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := projectServable(tc.p); got != tc.want {
				t.Fatalf("projectServable(%+v) = %v, want %v", tc.p, got, tc.want)
			}
		})
	}
}

func TestRestoreSpawnsAutoRestartProjects(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	srv, st := testServer(t, Options{LogsDir: dir})
	marker := filepath.Join(dir, "started")
	putProject(t, st, state.Project{
		Name:        "app",
		Path:        dir,
		Port:        3000,
		StartCmd:    "touch " + marker,
		AutoRestart: true,
	})

	srv.restore(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(marker); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("start command never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
