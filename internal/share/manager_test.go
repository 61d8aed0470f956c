package share

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/koltyakov/tailserve/internal/state"
)

type fakeOverlay struct {
	mu      sync.Mutex
	serves  []int
	funnels []int
}

func (f *fakeOverlay) EnableServe(_ context.Context, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.serves = append(f.serves, port)
	return nil
}

func (f *fakeOverlay) EnableFunnel(_ context.Context, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funnels = append(f.funnels, port)
	return nil
}

func testManager(t *testing.T) (*Manager, *state.Store, *fakeOverlay) {
	t.Helper()
	st := state.New(filepath.Join(t.TempDir(), "state.json"), state.Options{})
	ov := &fakeOverlay{}
	return NewManager(st, ov, nil), st, ov
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCreateFileShareTTL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		ttl  string
		want time.Duration
	}{
		{"30m", 30 * time.Minute},
		{"2h", 2 * time.Hour},
		{"1d", 24 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.ttl, func(t *testing.T) {
			t.Parallel()
			m, _, _ := testManager(t)
			path := writeTempFile(t, "a.html", "<html/>")

			sh, err := m.CreateFileShare(context.Background(), path, Options{TTL: tc.ttl})
			if err != nil {
				t.Fatal(err)
			}
			if sh.ExpiresAt == nil {
				t.Fatal("expected an expiry")
			}
			got := time.Duration(*sh.ExpiresAt-sh.CreatedAt) * time.Millisecond
			if diff := got - tc.want; diff < -time.Second || diff > time.Second {
				t.Fatalf("expiry delta got %v, want %v", got, tc.want)
			}
			if sh.Type != state.TypeFile {
				t.Fatalf("type got %q, want file", sh.Type)
			}
			if len(sh.ID) != state.IDLength {
				t.Fatalf("id %q length %d", sh.ID, len(sh.ID))
			}
		})
	}
}

func TestPersistWinsOverTTL(t *testing.T) {
	t.Parallel()

	m, st, _ := testManager(t)
	path := writeTempFile(t, "a.txt", "hi")

	sh, err := m.CreateFileShare(context.Background(), path, Options{TTL: "30m", Persist: true})
	if err != nil {
		t.Fatal(err)
	}
	if sh.ExpiresAt != nil {
		t.Fatalf("persist share must have nil expiry, got %d", *sh.ExpiresAt)
	}
	stored := st.Read().Shares[sh.ID]
	if stored.ExpiresAt != nil {
		t.Fatal("persisted document lost nil expiry")
	}
}

func TestCreateDirShareFromDirectory(t *testing.T) {
	t.Parallel()

	m, _, _ := testManager(t)
	dir := t.TempDir()

	sh, err := m.CreateFileShare(context.Background(), dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if sh.Type != state.TypeDir {
		t.Fatalf("type got %q, want dir", sh.Type)
	}
	if !filepath.IsAbs(sh.Path) {
		t.Fatalf("path not absolute: %q", sh.Path)
	}
}

func TestCreateShareValidation(t *testing.T) {
	t.Parallel()

	m, _, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.CreateFileShare(ctx, "/does/not/exist", Options{}); err == nil {
		t.Fatal("expected error for missing path")
	}
	if _, err := m.CreateEditShare(ctx, t.TempDir(), Options{}); err == nil {
		t.Fatal("expected error for edit share on a directory")
	}
	if _, err := m.CreateProxyShare(ctx, 0, Options{}); err == nil {
		t.Fatal("expected error for port 0")
	}
	if _, err := m.CreateProxyShare(ctx, 70000, Options{}); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
	if _, err := m.CreateFileShare(ctx, t.TempDir(), Options{MimeType: "text/plain"}); err == nil {
		t.Fatal("expected error for mime override on directory")
	}
}

func TestConcurrentCreatesBothPersist(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	target := writeTempFile(t, "f.txt", "x")

	const n = 6
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each goroutine gets its own store, like separate CLI runs.
			m := NewManager(state.New(path, state.Options{}), nil, nil)
			_, err := m.CreateFileShare(context.Background(), target, Options{})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	doc := state.New(path, state.Options{}).Read()
	if len(doc.Shares) != n {
		t.Fatalf("got %d shares, want %d", len(doc.Shares), n)
	}
	for id := range doc.Shares {
		if len(id) != state.IDLength {
			t.Fatalf("id %q has wrong length", id)
		}
	}
}

func TestFirstRouteSetupFiresOnce(t *testing.T) {
	t.Parallel()

	m, _, ov := testManager(t)
	ctx := context.Background()
	f1 := writeTempFile(t, "one.txt", "1")
	f2 := writeTempFile(t, "two.txt", "2")

	if _, err := m.CreateFileShare(ctx, f1, Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateFileShare(ctx, f2, Options{}); err != nil {
		t.Fatal(err)
	}
	if len(ov.serves) != 1 {
		t.Fatalf("serve calls got %d, want 1", len(ov.serves))
	}
}

func TestPublicShareRequestsFunnel(t *testing.T) {
	t.Parallel()

	m, _, ov := testManager(t)
	path := writeTempFile(t, "pub.txt", "p")

	if _, err := m.CreateFileShare(context.Background(), path, Options{Public: true}); err != nil {
		t.Fatal(err)
	}
	if len(ov.funnels) != 1 {
		t.Fatalf("funnel calls got %d, want 1", len(ov.funnels))
	}
}

func TestRemoveShareByID(t *testing.T) {
	t.Parallel()

	m, st, _ := testManager(t)
	path := writeTempFile(t, "x.txt", "x")
	sh, err := m.CreateFileShare(context.Background(), path, Options{})
	if err != nil {
		t.Fatal(err)
	}

	n, err := m.RemoveShareByID(sh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed got %d, want 1", n)
	}
	if _, ok := st.Read().Shares[sh.ID]; ok {
		t.Fatal("share still present")
	}

	n, err = m.RemoveShareByID(sh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("second remove got %d, want 0", n)
	}
}

func TestRemoveEphemeralShares(t *testing.T) {
	t.Parallel()

	m, st, _ := testManager(t)
	ctx := context.Background()
	f1 := writeTempFile(t, "e1.txt", "1")
	f2 := writeTempFile(t, "e2.txt", "2")
	f3 := writeTempFile(t, "p1.txt", "3")

	if _, err := m.CreateFileShare(ctx, f1, Options{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateFileShare(ctx, f2, Options{}); err != nil {
		t.Fatal(err)
	}
	keeper, err := m.CreateFileShare(ctx, f3, Options{Persist: true})
	if err != nil {
		t.Fatal(err)
	}

	n, err := m.RemoveEphemeralShares()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("removed got %d, want 2", n)
	}
	doc := st.Read()
	if len(doc.Shares) != 1 {
		t.Fatalf("shares left got %d, want 1", len(doc.Shares))
	}
	if _, ok := doc.Shares[keeper.ID]; !ok {
		t.Fatal("persist share was removed")
	}
}

func TestRemoveExpiredShares(t *testing.T) {
	t.Parallel()

	m, st, _ := testManager(t)
	path := writeTempFile(t, "short.txt", "s")
	sh, err := m.CreateFileShare(context.Background(), path, Options{TTL: "30m"})
	if err != nil {
		t.Fatal(err)
	}

	// Simulated clock: just past the expiry.
	n, err := m.RemoveExpiredShares(*sh.ExpiresAt + 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed got %d, want 1", n)
	}
	if len(st.Read().Shares) != 0 {
		t.Fatal("expired share still present")
	}

	// Before expiry nothing is removed.
	sh2, err := m.CreateFileShare(context.Background(), path, Options{TTL: "2h"})
	if err != nil {
		t.Fatal(err)
	}
	n, err = m.RemoveExpiredShares(sh2.CreatedAt + 1000)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("removed got %d, want 0", n)
	}
}

func TestProjectLifecycle(t *testing.T) {
	t.Parallel()

	m, st, _ := testManager(t)
	ctx := context.Background()
	dir := t.TempDir()

	proj, err := m.AddProject(ctx, "myapp", dir, 3000, "npm start", true, false)
	if err != nil {
		t.Fatal(err)
	}
	if !proj.Proxied() {
		t.Fatal("expected proxied project")
	}
	if _, err := m.AddProject(ctx, "myapp", dir, 0, "", false, false); err == nil {
		t.Fatal("expected duplicate project error")
	}
	if _, err := m.AddProject(ctx, "bad name!", dir, 0, "", false, false); err == nil {
		t.Fatal("expected invalid name error")
	}

	n, err := m.RemoveProject("myapp")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed got %d, want 1", n)
	}
	if len(st.Read().Projects) != 0 {
		t.Fatal("project still present")
	}
}

func TestURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		net  state.Network
		want string
	}{
		{
			"overlay_default_port",
			state.Network{Port: 8787, Hostname: "box.tailnet.ts.net", OverlayPort: 443, Protocol: "https"},
			"https://box.tailnet.ts.net/s/abc12345",
		},
		{
			"overlay_custom_port",
			state.Network{Port: 8787, Hostname: "box.tailnet.ts.net", OverlayPort: 8443, Protocol: "https"},
			"https://box.tailnet.ts.net:8443/s/abc12345",
		},
		{
			"local_fallback",
			state.Network{Port: 8787},
			"http://127.0.0.1:8787/s/abc12345",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := URL(tc.net, "/s/abc12345"); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
