// Package share creates, validates, and removes the records behind
// tailserve routes.
package share

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/koltyakov/tailserve/internal/state"
)

// Overlay is the slice of the overlay-network collaborator that share
// creation needs. A nil Overlay degrades to local-only URLs.
type Overlay interface {
	EnableServe(ctx context.Context, port int) error
	EnableFunnel(ctx context.Context, port int) error
}

// Options carries the per-creation knobs.
type Options struct {
	TTL      string // "30m", "2h", "1d", ...; empty means DefaultTTL
	Persist  bool   // never expire; wins over TTL
	Public   bool   // publish through the overlay funnel
	Readonly bool   // edit shares: reject saves
	MimeType string // file shares: response Content-Type override
}

// Manager builds and removes Share and Project records on top of the state
// store.
type Manager struct {
	store   *state.Store
	overlay Overlay
	log     *slog.Logger
}

// NewManager wires a Manager. overlay may be nil.
func NewManager(store *state.Store, overlay Overlay, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{store: store, overlay: overlay, log: logger}
}

// CreateFileShare publishes a regular file or, when path names a directory,
// the directory tree.
func (m *Manager) CreateFileShare(ctx context.Context, path string, opts Options) (state.Share, error) {
	abs, info, err := statTarget(path)
	if err != nil {
		return state.Share{}, err
	}
	typ := state.TypeFile
	if info.IsDir() {
		typ = state.TypeDir
		if opts.MimeType != "" {
			return state.Share{}, fmt.Errorf("mime type override applies to file shares, not directories")
		}
	} else if !info.Mode().IsRegular() {
		return state.Share{}, fmt.Errorf("%s: not a regular file or directory", path)
	}
	return m.create(ctx, state.Share{Type: typ, Path: abs, MimeType: opts.MimeType}, opts)
}

// CreateEditShare publishes a regular file behind the in-browser editor.
func (m *Manager) CreateEditShare(ctx context.Context, path string, opts Options) (state.Share, error) {
	abs, info, err := statTarget(path)
	if err != nil {
		return state.Share{}, err
	}
	if !info.Mode().IsRegular() {
		return state.Share{}, fmt.Errorf("%s: edit shares require a regular file", path)
	}
	return m.create(ctx, state.Share{Type: state.TypeEdit, Path: abs, Readonly: opts.Readonly}, opts)
}

// CreateProxyShare publishes a local TCP port.
func (m *Manager) CreateProxyShare(ctx context.Context, port int, opts Options) (state.Share, error) {
	if port < 1 || port > 65535 {
		return state.Share{}, fmt.Errorf("local port must be between 1 and 65535")
	}
	return m.create(ctx, state.Share{Type: state.TypeProxy, Port: port, Status: state.StatusOffline}, opts)
}

func (m *Manager) create(ctx context.Context, base state.Share, opts Options) (state.Share, error) {
	ttl, err := ParseTTL(opts.TTL)
	if err != nil {
		return state.Share{}, err
	}
	nowMs := state.NowMs()
	var expiresAt *int64
	if !opts.Persist {
		exp := nowMs + ttl.Milliseconds()
		expiresAt = &exp
	}

	var created state.Share
	var firstRoute bool
	doc, err := m.store.Update(func(d *state.State) error {
		firstRoute = len(d.Shares) == 0 && len(d.Projects) == 0
		id, err := newUniqueID(d.Shares)
		if err != nil {
			return err
		}
		base.ID = id
		base.CreatedAt = nowMs
		base.ExpiresAt = expiresAt
		base.Persist = opts.Persist
		base.Public = opts.Public
		d.Shares[id] = base
		created = base
		return nil
	})
	if err != nil {
		return state.Share{}, err
	}

	m.registerRoutes(ctx, doc.Network, firstRoute, opts.Public)
	m.log.Info("share created", "id", created.ID, "type", created.Type, "persist", created.Persist)
	return created, nil
}

// registerRoutes asks the overlay for first-route setup and, for public
// records, funnel exposure. Overlay trouble is a warning, never a failure:
// the record stays valid and reachable locally.
func (m *Manager) registerRoutes(ctx context.Context, nw state.Network, firstRoute, public bool) {
	if m.overlay == nil {
		return
	}
	if firstRoute {
		if err := m.overlay.EnableServe(ctx, nw.Port); err != nil {
			m.log.Warn("overlay route registration failed; routes are local-only", "err", err)
		}
	}
	if public {
		if err := m.overlay.EnableFunnel(ctx, nw.Port); err != nil {
			m.log.Warn("overlay funnel registration failed", "err", err)
		}
	}
}

// RemoveShareByID deletes one share and reports how many records were
// removed (0 or 1).
func (m *Manager) RemoveShareByID(id string) (int, error) {
	removed := 0
	_, err := m.store.Update(func(d *state.State) error {
		if _, ok := d.Shares[id]; ok {
			delete(d.Shares, id)
			removed = 1
		}
		return nil
	})
	return removed, err
}

// RemoveEphemeralShares drops every share without the persist flag.
func (m *Manager) RemoveEphemeralShares() (int, error) {
	removed := 0
	_, err := m.store.Update(func(d *state.State) error {
		for id, sh := range d.Shares {
			if !sh.Persist {
				delete(d.Shares, id)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// RemoveExpiredShares drops every share whose expiry is at or before nowMs.
func (m *Manager) RemoveExpiredShares(nowMs int64) (int, error) {
	removed := 0
	_, err := m.store.Update(func(d *state.State) error {
		for id, sh := range d.Shares {
			if sh.Expired(nowMs) {
				delete(d.Shares, id)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// AddProject registers a named route. A port makes it a reverse proxy;
// otherwise the directory tree at path is served.
func (m *Manager) AddProject(ctx context.Context, name, path string, port int, startCmd string, autoRestart, public bool) (state.Project, error) {
	if !validProjectName(name) {
		return state.Project{}, fmt.Errorf("project name %q: use letters, digits, dashes", name)
	}
	abs, info, err := statTarget(path)
	if err != nil {
		return state.Project{}, err
	}
	if !info.IsDir() {
		return state.Project{}, fmt.Errorf("%s: project path must be a directory", path)
	}
	if port != 0 && (port < 1 || port > 65535) {
		return state.Project{}, fmt.Errorf("local port must be between 1 and 65535")
	}

	proj := state.Project{
		Name: name, Path: abs, Port: port,
		StartCmd: startCmd, AutoRestart: autoRestart, Public: public,
	}
	if port > 0 {
		proj.Status = state.StatusOffline
	}

	var firstRoute bool
	doc, err := m.store.Update(func(d *state.State) error {
		if _, ok := d.Projects[name]; ok {
			return fmt.Errorf("project %q already exists", name)
		}
		firstRoute = len(d.Shares) == 0 && len(d.Projects) == 0
		d.Projects[name] = proj
		return nil
	})
	if err != nil {
		return state.Project{}, err
	}

	m.registerRoutes(ctx, doc.Network, firstRoute, public)
	m.log.Info("project added", "name", name, "port", port)
	return proj, nil
}

// RemoveProject deletes one project and reports how many records were
// removed (0 or 1).
func (m *Manager) RemoveProject(name string) (int, error) {
	removed := 0
	_, err := m.store.Update(func(d *state.State) error {
		if _, ok := d.Projects[name]; ok {
			delete(d.Projects, name)
			removed = 1
		}
		return nil
	})
	return removed, err
}

// URL renders the public address for a route path like "/s/<id>". It prefers
// the overlay hostname and falls back to the loopback daemon address.
func URL(nw state.Network, routePath string) string {
	if nw.Hostname != "" {
		hostport := nw.Hostname
		if nw.OverlayPort != 0 && nw.OverlayPort != 443 {
			hostport = fmt.Sprintf("%s:%d", nw.Hostname, nw.OverlayPort)
		}
		proto := nw.Protocol
		if proto == "" {
			proto = state.DefaultProtocol
		}
		return fmt.Sprintf("%s://%s%s", proto, hostport, routePath)
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", nw.Port, routePath)
}

func statTarget(path string) (string, os.FileInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, fmt.Errorf("%s: no such file or directory", path)
		}
		return "", nil, err
	}
	return abs, info, nil
}

func newUniqueID(existing map[string]state.Share) (string, error) {
	for i := 0; i < 16; i++ {
		id, err := state.NewID()
		if err != nil {
			return "", err
		}
		if _, taken := existing[id]; !taken {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not allocate a unique share id")
}

func validProjectName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return !strings.HasPrefix(name, "-")
}
