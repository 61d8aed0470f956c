package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/koltyakov/tailserve/internal/state"
)

func testServer(t *testing.T, opts Options) (*Server, *state.Store) {
	t.Helper()
	st := state.New(filepath.Join(t.TempDir(), "state.json"), state.Options{})
	srv := New(st, opts, nil)
	srv.exit = func(int) {}
	return srv, st
}

func putShare(t *testing.T, st *state.Store, sh state.Share) {
	t.Helper()
	if _, err := st.Update(func(d *state.State) error {
		d.Shares[sh.ID] = sh
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func putProject(t *testing.T, st *state.Store, p state.Project) {
	t.Helper()
	if _, err := st.Update(func(d *state.State) error {
		d.Projects[p.Name] = p
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestUnknownRoutesReturn404(t *testing.T) {
	t.Parallel()

	srv, _ := testServer(t, Options{})
	for _, path := range []string{"/nope", "/s/", "/s/doesnotexist", "/p/ghost", "/api", "/api/healthz"} {
		if rec := get(t, srv, path); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: got %d, want 404", path, rec.Code)
		}
	}
}

func TestHealthReportsIdentity(t *testing.T) {
	t.Parallel()

	srv, _ := testServer(t, Options{Version: "v1.2.3"})
	rec := get(t, srv, "/api/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	var payload struct {
		App     string `json:"app"`
		Version string `json:"version"`
		PID     int    `json:"pid"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.App != "tailserve" {
		t.Fatalf("app got %q, want tailserve", payload.App)
	}
	if payload.Version != "v1.2.3" {
		t.Fatalf("version got %q", payload.Version)
	}
	if payload.PID != os.Getpid() {
		t.Fatalf("pid got %d, want %d", payload.PID, os.Getpid())
	}
}

func TestNonGETRejectedWithAllow(t *testing.T) {
	t.Parallel()

	srv, st := testServer(t, Options{})
	putShare(t, st, state.Share{ID: "dirsh123", Type: state.TypeDir, Path: t.TempDir(), CreatedAt: state.NowMs()})

	for _, tc := range []struct {
		method, path, allow string
	}{
		{http.MethodPost, "/", http.MethodGet},
		{http.MethodDelete, "/api/health", http.MethodGet},
		{http.MethodPost, "/s/dirsh123/", http.MethodGet},
		{http.MethodPut, "/s/dirsh123/file.txt", http.MethodGet},
	} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: got %d, want 405", tc.method, tc.path, rec.Code)
		}
		if got := rec.Header().Get("Allow"); got != tc.allow {
			t.Fatalf("%s %s: Allow got %q, want %q", tc.method, tc.path, got, tc.allow)
		}
	}
}

func TestExpiredShareIsNotServed(t *testing.T) {
	t.Parallel()

	srv, st := testServer(t, Options{})
	past := state.NowMs() - 1000
	putShare(t, st, state.Share{
		ID: "gone1234", Type: state.TypeFile, Path: "/tmp/whatever",
		CreatedAt: past - 1000, ExpiresAt: &past,
	})

	if rec := get(t, srv, "/s/gone1234"); rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}

func TestDashboardListsRoutes(t *testing.T) {
	t.Parallel()

	srv, st := testServer(t, Options{})
	putShare(t, st, state.Share{ID: "abc12345", Type: state.TypeFile, Path: "/tmp/a.txt", CreatedAt: state.NowMs()})
	putProject(t, st, state.Project{Name: "blog", Path: t.TempDir()})

	rec := get(t, srv, "/")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"abc12345", "blog", "/s/abc12345", "/p/blog"} {
		if !strings.Contains(body, want) {
			t.Fatalf("dashboard missing %q", want)
		}
	}
}

func TestPhaseString(t *testing.T) {
	t.Parallel()

	cases := map[Phase]string{
		PhaseStopped:   "stopped",
		PhaseStarting:  "starting",
		PhaseListening: "listening",
		PhaseDraining:  "draining",
		Phase(42):      "unknown",
	}
	for phase, want := range cases {
		if got := phase.String(); got != want {
			t.Fatalf("Phase(%d).String() got %q, want %q", phase, got, want)
		}
	}
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st := state.New(filepath.Join(dir, "state.json"), state.Options{})
	doc := state.DefaultState()
	doc.Network.Port = 0 // let the kernel pick
	if err := st.Write(doc); err != nil {
		t.Fatal(err)
	}

	pidPath := filepath.Join(dir, "daemon.pid")
	srv := New(st, Options{PIDPath: pidPath, Version: "test", DrainTimeout: time.Second}, nil)
	srv.exit = func(int) {}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	select {
	case <-srv.Listening():
	case err := <-runErr:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for listener")
	}

	if got := srv.Phase(); got != PhaseListening {
		t.Fatalf("phase got %v, want %v", got, PhaseListening)
	}
	if _, err := os.Stat(pidPath); err != nil {
		t.Fatalf("pid file: %v", err)
	}
	if srv.Port() == 0 {
		t.Fatal("expected a bound port")
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/health", srv.Port()))
	if err != nil {
		t.Fatal(err)
	}
	var payload struct {
		App  string `json:"app"`
		Port int    `json:"port"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if payload.App != "tailserve" || payload.Port != srv.Port() {
		t.Fatalf("health payload got %+v", payload)
	}

	// A second Run on a live server must refuse.
	if err := srv.Run(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("second run got %v, want ErrAlreadyRunning", err)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}
	if got := srv.Phase(); got != PhaseStopped {
		t.Fatalf("phase got %v, want %v", got, PhaseStopped)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("pid file should be gone, stat err: %v", err)
	}
}

func TestRunClearsQuickTunnelsOnShutdown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st := state.New(filepath.Join(dir, "state.json"), state.Options{})
	doc := state.DefaultState()
	doc.Network.Port = 0
	// A pid that can't be alive anymore; the record must still be dropped.
	doc.Tunnels["q1"] = state.QuickTunnel{PID: 1 << 30, URL: "https://x.trycloudflare.com", Port: 8787, CreatedAt: state.NowMs()}
	if err := st.Write(doc); err != nil {
		t.Fatal(err)
	}

	srv := New(st, Options{DrainTimeout: time.Second}, nil)
	srv.exit = func(int) {}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()
	select {
	case <-srv.Listening():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for listener")
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shutdown")
	}

	if got := len(st.Read().Tunnels); got != 0 {
		t.Fatalf("tunnels left after shutdown: %d", got)
	}
}
