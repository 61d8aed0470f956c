package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/koltyakov/tailserve/internal/procutil"
	"github.com/koltyakov/tailserve/internal/state"
)

// restore reconciles the persisted document with reality before serving:
// expired shares and unservable projects are dropped, auto-restart projects
// get their start commands spawned, and overlay routes are re-registered
// for everything that survived. Returns the reconciled document.
func (s *Server) restore(ctx context.Context) state.State {
	now := state.NowMs()
	droppedShares, droppedProjects := 0, 0

	doc, err := s.store.Update(func(d *state.State) error {
		for id, sh := range d.Shares {
			if sh.Expired(now) {
				delete(d.Shares, id)
				droppedShares++
			}
		}
		for name, p := range d.Projects {
			if !projectServable(p) {
				delete(d.Projects, name)
				droppedProjects++
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warn("reconcile state", "error", err)
		doc = s.store.Read()
	}

	s.log.Info("state restored",
		"shares", len(doc.Shares),
		"projects", len(doc.Projects),
		"droppedShares", droppedShares,
		"droppedProjects", droppedProjects)

	s.startProjects(doc)
	s.registerOverlay(ctx, doc)
	return doc
}

// projectServable reports whether a project can still be served: every
// project needs its directory present, and proxied ones a sane port.
func projectServable(p state.Project) bool {
	if p.Port < 0 || p.Port > 65535 {
		return false
	}
	info, err := os.Stat(p.Path)
	return err == nil && info.IsDir()
}

// startProjects best-effort launches start commands for auto-restart
// projects. Failures are logged and never block startup.
func (s *Server) startProjects(doc state.State) {
	for name, p := range doc.Projects {
		if !p.AutoRestart || strings.TrimSpace(p.StartCmd) == "" {
			continue
		}
		logPath := ""
		if s.logsDir != "" {
			logPath = filepath.Join(s.logsDir, "project-"+name+".log")
		}
		pid, err := procutil.SpawnDetached("/bin/sh", []string{"-c", p.StartCmd}, p.Path, logPath)
		if err != nil {
			s.log.Warn("start project", "project", name, "error", err)
			continue
		}
		s.log.Info("project started", "project", name, "pid", pid)
	}
}

// registerOverlay re-registers overlay routes for restored records: the
// serve route whenever anything survived, the funnel route when any of it
// is public. tailscale serve config does not outlive the node reliably, so
// the daemon re-asserts it on every start.
func (s *Server) registerOverlay(ctx context.Context, doc state.State) {
	if s.overlay == nil {
		return
	}
	if len(doc.Shares) == 0 && len(doc.Projects) == 0 {
		return
	}
	port := doc.Network.Port
	if err := s.overlay.EnableServe(ctx, port); err != nil {
		s.log.Warn("re-enable overlay serve", "error", err)
		return
	}
	public := false
	for _, sh := range doc.Shares {
		if sh.Public {
			public = true
			break
		}
	}
	if !public {
		for _, p := range doc.Projects {
			if p.Public {
				public = true
				break
			}
		}
	}
	if public {
		if err := s.overlay.EnableFunnel(ctx, port); err != nil {
			s.log.Warn("re-enable overlay funnel", "error", err)
		}
	}
}
