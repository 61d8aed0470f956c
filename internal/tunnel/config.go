package tunnel

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/koltyakov/tailserve/internal/state"
)

// fileConfig is the cloudflared config document for the named tunnel.
// Ingress routes the tunnel hostname to the local daemon and everything
// else to a 404.
type fileConfig struct {
	Tunnel          string        `yaml:"tunnel"`
	CredentialsFile string        `yaml:"credentials-file"`
	Ingress         []ingressRule `yaml:"ingress"`
}

type ingressRule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

// writeConfig renders the config for nt pointing at the local port and
// writes it atomically.
func (s *Supervisor) writeConfig(nt *state.NamedTunnel, port int) error {
	cfg := fileConfig{
		Tunnel:          nt.UUID,
		CredentialsFile: nt.CredentialsPath,
		Ingress: []ingressRule{
			{Hostname: nt.Hostname, Service: fmt.Sprintf("http://127.0.0.1:%d", port)},
			{Service: "http_status:404"},
		},
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode tunnel config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.configPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := s.configPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.configPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename tunnel config: %w", err)
	}
	return nil
}
