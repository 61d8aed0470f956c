// Package state owns the persisted tailserve document: its record types,
// schema-validating parse, atomic persistence, and the cross-process lock
// that serializes mutation.
package state

import (
	"crypto/rand"
	"encoding/json"
	"time"
)

// Defaults for a fresh document.
const (
	DefaultPort        = 8787
	DefaultOverlayPort = 443
	DefaultProtocol    = "https"
)

// Share types.
const (
	TypeFile  = "file"
	TypeDir   = "dir"
	TypeEdit  = "edit"
	TypeProxy = "proxy"
)

// Backend statuses for proxied records.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Network holds the daemon's listening port and the overlay identity its
// public URLs are built from.
type Network struct {
	Port        int    `json:"port"`
	Hostname    string `json:"hostname,omitempty"`
	OverlayPort int    `json:"overlayPort,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
}

// Share is one published route. Path-backed types (file, dir, edit) carry
// Path; proxy shares carry Port. Timestamps are epoch milliseconds; a nil
// ExpiresAt means the share persists forever.
type Share struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Path      string `json:"path,omitempty"`
	Port      int    `json:"port,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt *int64 `json:"expiresAt"`
	Persist   bool   `json:"persist,omitempty"`
	Readonly  bool   `json:"readonly,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
	Public    bool   `json:"public,omitempty"`
	Status    string `json:"status,omitempty"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
}

// Expired reports whether the share's expiry is at or before nowMs.
func (s Share) Expired(nowMs int64) bool {
	return s.ExpiresAt != nil && *s.ExpiresAt <= nowMs
}

// Proxied reports whether the share forwards to a local port.
func (s Share) Proxied() bool { return s.Type == TypeProxy }

// Project is a named, persistent route tied to a directory tree or a local
// port, optionally with a start command the daemon runs on startup.
type Project struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Port        int    `json:"port,omitempty"`
	StartCmd    string `json:"startCmd,omitempty"`
	AutoRestart bool   `json:"autoRestart,omitempty"`
	Public      bool   `json:"public,omitempty"`
	Status      string `json:"status,omitempty"`
	LastSeen    int64  `json:"lastSeen,omitempty"`
}

// Proxied reports whether the project forwards to a local port rather than
// serving its directory tree.
func (p Project) Proxied() bool { return p.Port > 0 }

// QuickTunnel records an ephemeral public tunnel subprocess.
type QuickTunnel struct {
	PID       int    `json:"pid"`
	URL       string `json:"url"`
	Port      int    `json:"port"`
	CreatedAt int64  `json:"createdAt"`
}

// NamedTunnel is the persistent tunnel configuration produced by setup.
type NamedTunnel struct {
	Name            string `json:"name"`
	UUID            string `json:"uuid"`
	Hostname        string `json:"hostname"`
	CredentialsPath string `json:"credentialsPath"`
}

// State is the single persisted document shared by every tailserve process.
type State struct {
	Network        Network                `json:"network"`
	ProtectedPorts []int                  `json:"protectedPorts,omitempty"`
	Shares         map[string]Share       `json:"shares"`
	Projects       map[string]Project     `json:"projects"`
	Tunnels        map[string]QuickTunnel `json:"tunnels"`
	NamedTunnel    *NamedTunnel           `json:"namedTunnel,omitempty"`

	// NamedTunnelPID is re-derived from the process table on demand and is
	// never trusted across restarts, so it never reaches disk.
	NamedTunnelPID int `json:"-"`
}

// PortProtected reports whether port is on the do-not-touch list: overlay
// routes backed by protected ports are never torn down during cleanup.
func (s State) PortProtected(port int) bool {
	for _, p := range s.ProtectedPorts {
		if p == port {
			return true
		}
	}
	return false
}

// DefaultState returns a fresh document with empty maps.
func DefaultState() State {
	return State{
		Network: Network{
			Port:        DefaultPort,
			OverlayPort: DefaultOverlayPort,
			Protocol:    DefaultProtocol,
		},
		Shares:   map[string]Share{},
		Projects: map[string]Project{},
		Tunnels:  map[string]QuickTunnel{},
	}
}

// rawState defers record decoding so one malformed entry cannot poison the
// whole document.
type rawState struct {
	Network        Network                    `json:"network"`
	ProtectedPorts []int                      `json:"protectedPorts"`
	Shares         map[string]json.RawMessage `json:"shares"`
	Projects       map[string]json.RawMessage `json:"projects"`
	Tunnels        map[string]json.RawMessage `json:"tunnels"`
	NamedTunnel    *NamedTunnel               `json:"namedTunnel"`
}

// ParseState decodes raw into a document, dropping records that fail shape
// validation. It never panics on malformed input; an undecodable top level
// yields the default document and ok=false.
func ParseState(raw []byte) (State, bool) {
	var r rawState
	if err := json.Unmarshal(raw, &r); err != nil {
		return DefaultState(), false
	}
	doc := DefaultState()
	if r.Network.Port >= 1 && r.Network.Port <= 65535 {
		doc.Network.Port = r.Network.Port
	}
	if r.Network.Hostname != "" {
		doc.Network.Hostname = r.Network.Hostname
	}
	if r.Network.OverlayPort >= 1 && r.Network.OverlayPort <= 65535 {
		doc.Network.OverlayPort = r.Network.OverlayPort
	}
	if r.Network.Protocol != "" {
		doc.Network.Protocol = r.Network.Protocol
	}
	doc.ProtectedPorts = r.ProtectedPorts
	doc.NamedTunnel = r.NamedTunnel
	for id, msg := range r.Shares {
		if sh, ok := ParseShare(id, msg); ok {
			doc.Shares[id] = sh
		}
	}
	for name, msg := range r.Projects {
		if p, ok := ParseProject(name, msg); ok {
			doc.Projects[name] = p
		}
	}
	for id, msg := range r.Tunnels {
		var qt QuickTunnel
		if err := json.Unmarshal(msg, &qt); err == nil && qt.PID > 0 && qt.URL != "" {
			doc.Tunnels[id] = qt
		}
	}
	return doc, true
}

// ParseShare validates one share entry keyed by id. Unknown types, missing
// targets, and out-of-range ports are rejected.
func ParseShare(id string, raw json.RawMessage) (Share, bool) {
	var sh Share
	if err := json.Unmarshal(raw, &sh); err != nil {
		return Share{}, false
	}
	if sh.ID == "" {
		sh.ID = id
	}
	if sh.ID != id {
		return Share{}, false
	}
	switch sh.Type {
	case TypeFile, TypeDir, TypeEdit:
		if sh.Path == "" || sh.Port != 0 {
			return Share{}, false
		}
	case TypeProxy:
		if sh.Path != "" || sh.Port < 1 || sh.Port > 65535 {
			return Share{}, false
		}
	default:
		return Share{}, false
	}
	return sh, true
}

// ParseProject validates one project entry keyed by name.
func ParseProject(name string, raw json.RawMessage) (Project, bool) {
	var p Project
	if err := json.Unmarshal(raw, &p); err != nil {
		return Project{}, false
	}
	if p.Name == "" {
		p.Name = name
	}
	if p.Name != name || p.Path == "" {
		return Project{}, false
	}
	if p.Port != 0 && (p.Port < 1 || p.Port > 65535) {
		return Project{}, false
	}
	return p, true
}

// NowMs returns the current time in epoch milliseconds, the unit the
// document stores.
func NowMs() int64 { return time.Now().UnixMilli() }

const idAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// IDLength is the length of generated share and tunnel ids.
const IDLength = 8

// NewID returns a random 8-character token drawn from an unambiguous
// lowercase alphabet. Rejection sampling keeps the distribution uniform.
func NewID() (string, error) {
	n := byte(len(idAlphabet))
	maxFair := 256 - (256 % int(n))
	out := make([]byte, IDLength)
	buf := make([]byte, 1)
	for i := 0; i < IDLength; {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		if int(buf[0]) >= maxFair {
			continue
		}
		out[i] = idAlphabet[buf[0]%n]
		i++
	}
	return string(out), nil
}
