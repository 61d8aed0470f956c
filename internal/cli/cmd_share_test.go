package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koltyakov/tailserve/internal/state"
)

// testHome points every command in the test at a throwaway state
// directory with daemon autostart disabled.
func testHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TAILSERVE_HOME", home)
	t.Setenv("TAILSERVE_NO_AUTOSTART", "1")
	// Point the overlay at a binary that does not exist so commands run
	// local-only instead of touching a real tailscale socket.
	t.Setenv("TAILSERVE_TAILSCALE_BIN", filepath.Join(home, "no-such-tailscale"))
	return home
}

func readState(t *testing.T, home string) state.State {
	t.Helper()
	return state.New(filepath.Join(home, "state.json"), state.Options{}).Read()
}

func TestShareCommandCreatesRecord(t *testing.T) {
	home := testHome(t)
	file := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(file, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := Run([]string{"share", "--ttl", "2h", file}); got != 0 {
		t.Fatalf("exit code got %d, want 0", got)
	}

	doc := readState(t, home)
	if len(doc.Shares) != 1 {
		t.Fatalf("share count got %d, want 1", len(doc.Shares))
	}
	for _, sh := range doc.Shares {
		if sh.Type != state.TypeFile {
			t.Fatalf("share type got %q, want file", sh.Type)
		}
		if sh.Path != file {
			t.Fatalf("share path got %q, want %q", sh.Path, file)
		}
		if sh.ExpiresAt == nil {
			t.Fatal("ttl share should carry an expiry")
		}
	}
}

func TestShareCommandRejectsMissingTarget(t *testing.T) {
	testHome(t)
	if got := Run([]string{"share", "/nonexistent/never.txt"}); got != 1 {
		t.Fatalf("exit code got %d, want 1", got)
	}
}

func TestEditCommandRequiresRegularFile(t *testing.T) {
	testHome(t)
	if got := Run([]string{"edit", t.TempDir()}); got != 1 {
		t.Fatalf("edit of a directory: exit code got %d, want 1", got)
	}
}

func TestProxyCommandValidatesPort(t *testing.T) {
	testHome(t)
	if got := Run([]string{"proxy", "99999"}); got != 1 {
		t.Fatalf("exit code got %d, want 1", got)
	}
	if got := Run([]string{"proxy", "not-a-port"}); got != 2 {
		t.Fatalf("exit code got %d, want 2", got)
	}
}

func TestRemoveCommands(t *testing.T) {
	home := testHome(t)
	file := filepath.Join(t.TempDir(), "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := Run([]string{"share", file}); got != 0 {
		t.Fatalf("share: exit code got %d, want 0", got)
	}
	if got := Run([]string{"share", "--persist", file}); got != 0 {
		t.Fatalf("persist share: exit code got %d, want 0", got)
	}

	if got := Run([]string{"rm", "nosuchid0"}); got != 1 {
		t.Fatalf("rm unknown id: exit code got %d, want 1", got)
	}

	// `rm all` clears ephemeral shares only.
	if got := Run([]string{"rm", "all"}); got != 0 {
		t.Fatalf("rm all: exit code got %d, want 0", got)
	}
	doc := readState(t, home)
	if len(doc.Shares) != 1 {
		t.Fatalf("after rm all: share count got %d, want the persisted 1", len(doc.Shares))
	}
	for id, sh := range doc.Shares {
		if !sh.Persist {
			t.Fatal("surviving share should be the persisted one")
		}
		if got := Run([]string{"rm", id}); got != 0 {
			t.Fatalf("rm %s: exit code got %d, want 0", id, got)
		}
	}
	if doc = readState(t, home); len(doc.Shares) != 0 {
		t.Fatalf("after rm by id: share count got %d, want 0", len(doc.Shares))
	}
}

func TestListCommand(t *testing.T) {
	testHome(t)
	if got := Run([]string{"ls"}); got != 0 {
		t.Fatalf("ls on empty state: exit code got %d, want 0", got)
	}
}

func TestExpiryLabel(t *testing.T) {
	now := state.NowMs()
	in2h := now + (2 * time.Hour).Milliseconds()
	past := now - 1000

	cases := []struct {
		name      string
		expiresAt *int64
		want      string
	}{
		{"persisted", nil, "never"},
		{"future", &in2h, "in 2h"},
		{"past", &past, "expired"},
	}
	for _, tc := range cases {
		if got := expiryLabel(tc.expiresAt, now); got != tc.want {
			t.Fatalf("%s: expiryLabel got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestShortDuration(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{24 * time.Hour, "24h"},
		{90 * time.Minute, "1h30m"},
		{45 * time.Minute, "45m"},
		{30 * time.Second, "under a minute"},
		{61 * time.Minute, "1h1m"},
	}
	for _, tc := range cases {
		if got := shortDuration(tc.d); got != tc.want {
			t.Fatalf("shortDuration(%s) got %q, want %q", tc.d, got, tc.want)
		}
	}
}
