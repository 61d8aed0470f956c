package tunnel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/koltyakov/tailserve/internal/procutil"
	"github.com/koltyakov/tailserve/internal/state"
)

// QuickResult is the resolved identity of a spawned quick tunnel.
type QuickResult struct {
	PID int
	URL string
}

var quickURLPattern = regexp.MustCompile(`https://[a-z0-9-]+\.trycloudflare\.com`)

// SpawnQuick starts an unsupervised quick tunnel forwarding to the local
// port and waits for cloudflared to print its generated URL. Output goes
// to a log file rather than a pipe so the detached child keeps running
// after the caller exits. The spawned process is killed when it fails to
// produce a URL in time or the context is cancelled during resolution;
// once resolved, it is left running.
func (s *Supervisor) SpawnQuick(ctx context.Context, port int) (QuickResult, error) {
	if err := s.requireBinary(); err != nil {
		return QuickResult{}, err
	}
	if err := os.MkdirAll(s.logsDir, 0o755); err != nil {
		return QuickResult{}, fmt.Errorf("create logs dir: %w", err)
	}
	logPath := filepath.Join(s.logsDir, fmt.Sprintf("quick-%d.log", port))
	// Stale output from an earlier tunnel on the same port would match the
	// URL pattern before the new process prints its own.
	if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
		return QuickResult{}, fmt.Errorf("reset quick tunnel log: %w", err)
	}
	args := []string{"tunnel", "--no-autoupdate", "--url", fmt.Sprintf("http://127.0.0.1:%d", port)}
	pid, err := procutil.SpawnDetached(s.bin, args, "", logPath)
	if err != nil {
		return QuickResult{}, fmt.Errorf("start quick tunnel: %w", err)
	}

	deadline := time.Now().Add(s.quickTimeout)
	for {
		if data, err := os.ReadFile(logPath); err == nil {
			if m := quickURLPattern.Find(data); m != nil {
				res := QuickResult{PID: pid, URL: string(m)}
				s.log.Info("quick tunnel up", "port", port, "url", res.URL, "pid", pid)
				return res, nil
			}
		}
		if alive, _ := procutil.Alive(pid); !alive {
			return QuickResult{}, fmt.Errorf("%w: see %s", ErrTunnelExited, logPath)
		}
		if time.Now().After(deadline) {
			_ = procutil.Kill(pid)
			return QuickResult{}, fmt.Errorf("%w after %s: see %s", ErrNoTunnelURL, s.quickTimeout, logPath)
		}
		select {
		case <-ctx.Done():
			_ = procutil.Kill(pid)
			return QuickResult{}, ctx.Err()
		case <-time.After(s.quickPoll):
		}
	}
}

// RegisterQuick records a resolved quick tunnel in the document so the
// daemon can report it and kill it on shutdown.
func (s *Supervisor) RegisterQuick(res QuickResult, port int) (string, error) {
	var key string
	_, err := s.store.Update(func(st *state.State) error {
		id, err := state.NewID()
		if err != nil {
			return err
		}
		key = id
		st.Tunnels[id] = state.QuickTunnel{
			PID:       res.PID,
			URL:       res.URL,
			Port:      port,
			CreatedAt: state.NowMs(),
		}
		return nil
	})
	return key, err
}

// StopQuick kills a registered quick tunnel and drops its record. An
// unknown id is a no-op.
func (s *Supervisor) StopQuick(id string) error {
	_, err := s.store.Update(func(st *state.State) error {
		qt, ok := st.Tunnels[id]
		if !ok {
			return nil
		}
		_ = procutil.Kill(qt.PID)
		delete(st.Tunnels, id)
		return nil
	})
	return err
}
