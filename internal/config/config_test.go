package config

import (
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TAILSERVE_HOME", "/tmp/tailserve-test")
	t.Setenv("TAILSERVE_PORT", "")
	t.Setenv("TAILSERVE_PROTECTED_PORTS", "")
	t.Setenv("TAILSERVE_NO_AUTOSTART", "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Home != "/tmp/tailserve-test" {
		t.Fatalf("home got %q, want %q", cfg.Home, "/tmp/tailserve-test")
	}
	if !cfg.Autostart {
		t.Fatal("expected autostart enabled by default")
	}
	if cfg.PortOverride != 0 {
		t.Fatalf("port override got %d, want 0", cfg.PortOverride)
	}
	if got, want := cfg.StatePath(), filepath.Join(cfg.Home, "state.json"); got != want {
		t.Fatalf("state path got %q, want %q", got, want)
	}
	if got, want := cfg.PIDPath(), filepath.Join(cfg.Home, "tailserve.pid"); got != want {
		t.Fatalf("pid path got %q, want %q", got, want)
	}
}

func TestLoadPortOverride(t *testing.T) {
	t.Setenv("TAILSERVE_HOME", t.TempDir())
	t.Setenv("TAILSERVE_PORT", "9001")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PortOverride != 9001 {
		t.Fatalf("port override got %d, want 9001", cfg.PortOverride)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	cases := map[string]string{
		"not_a_number": "abc",
		"zero":         "0",
		"too_large":    "70000",
		"negative":     "-1",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("TAILSERVE_HOME", t.TempDir())
			t.Setenv("TAILSERVE_PORT", raw)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for TAILSERVE_PORT=%q", raw)
			}
		})
	}
}

func TestLoadProtectedPorts(t *testing.T) {
	t.Setenv("TAILSERVE_HOME", t.TempDir())
	t.Setenv("TAILSERVE_PORT", "")
	t.Setenv("TAILSERVE_PROTECTED_PORTS", "22, 443,8080")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	want := []int{22, 443, 8080}
	if len(cfg.ProtectedPortsOverride) != len(want) {
		t.Fatalf("got %v, want %v", cfg.ProtectedPortsOverride, want)
	}
	for i, p := range want {
		if cfg.ProtectedPortsOverride[i] != p {
			t.Fatalf("got %v, want %v", cfg.ProtectedPortsOverride, want)
		}
	}
}

func TestLoadNoAutostart(t *testing.T) {
	t.Setenv("TAILSERVE_HOME", t.TempDir())
	t.Setenv("TAILSERVE_NO_AUTOSTART", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Autostart {
		t.Fatal("expected autostart disabled")
	}
}
