package procutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAliveSelf(t *testing.T) {
	t.Parallel()

	alive, err := Alive(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	if !alive {
		t.Fatal("expected own pid to be alive")
	}
}

func TestAliveInvalidPids(t *testing.T) {
	t.Parallel()

	for _, pid := range []int{0, -1, 1 << 30} {
		alive, err := Alive(pid)
		if err != nil {
			t.Fatalf("pid %d: %v", pid, err)
		}
		if alive {
			t.Fatalf("pid %d: expected not alive", pid)
		}
	}
}

func TestTerminateDeadPidIsNoop(t *testing.T) {
	t.Parallel()

	if err := Terminate(1<<30, 10*time.Millisecond, 100*time.Millisecond); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestKillDeadPidIsNoop(t *testing.T) {
	t.Parallel()

	if err := Kill(1 << 30); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestPIDFileRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sub", "daemon.pid")
	if err := WritePIDFile(path, 4242); err != nil {
		t.Fatal(err)
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid != 4242 {
		t.Fatalf("got %d, want 4242", pid)
	}
	if err := RemovePIDFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPIDFile(path); err == nil {
		t.Fatal("expected error reading removed pid file")
	}
	// Removing twice must stay silent.
	if err := RemovePIDFile(path); err != nil {
		t.Fatal(err)
	}
}

func TestReadPIDFileRejectsGarbage(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":    "",
		"text":     "not-a-pid",
		"negative": "-7",
		"zero":     "0",
	}
	for name, content := range cases {
		content := content
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "daemon.pid")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := ReadPIDFile(path); err == nil {
				t.Fatalf("expected error for content %q", content)
			}
		})
	}
}

func TestContainsAll(t *testing.T) {
	t.Parallel()

	cmdline := "/usr/local/bin/cloudflared tunnel --config /tmp/c.yml run myapp"
	if !containsAll(cmdline, []string{"tunnel", "run myapp"}) {
		t.Fatal("expected match")
	}
	if containsAll(cmdline, []string{"tunnel", "run other"}) {
		t.Fatal("expected no match")
	}
}
