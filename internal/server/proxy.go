package server

import (
	"html/template"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/tailserve/internal/netutil"
	"github.com/koltyakov/tailserve/internal/state"
	"github.com/koltyakov/tailserve/internal/store/sqlite"
)

// backendRoute describes one proxied record for the duration of a request.
// status and lastSeen are the values read at dispatch; they make status
// writes coalescible without a second document read.
type backendRoute struct {
	kind     string // sqlite.KindShare or sqlite.KindProject
	key      string // share id or project name
	port     int
	prefix   string // mount point to strip before forwarding
	status   string
	lastSeen int64
}

// serveBackend forwards the request to the record's loopback backend,
// switching to a raw socket splice for WebSocket handshakes.
func (s *Server) serveBackend(w http.ResponseWriter, r *http.Request, rt backendRoute) {
	if websocket.IsWebSocketUpgrade(r) {
		s.spliceWebSocket(w, r, rt)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, "GET, POST")
		return
	}
	s.proxyHTTP(w, r, rt)
}

func (s *Server) proxyHTTP(w http.ResponseWriter, r *http.Request, rt backendRoute) {
	target := &url.URL{Scheme: "http", Host: netutil.LoopbackAddr(rt.port)}
	proxy := httputil.NewSingleHostReverseProxy(target)

	origDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		origDirector(req)
		req.URL.Path, req.URL.RawPath = stripRoutePrefix(req.URL, rt.prefix)
		req.Host = target.Host
	}
	proxy.FlushInterval = 100 * time.Millisecond
	proxy.ModifyResponse = func(*http.Response) error {
		s.markBackend(rt, state.StatusOnline)
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.log.Debug("backend unreachable", "route", rt.prefix, "port", rt.port, "error", err)
		s.markBackend(rt, state.StatusOffline)
		s.renderOffline(w, rt)
	}
	proxy.ServeHTTP(w, r)
}

// stripRoutePrefix removes the share or project mount point so the backend
// sees its own path space. An empty result collapses to "/".
func stripRoutePrefix(u *url.URL, prefix string) (path, rawPath string) {
	path = strings.TrimPrefix(u.Path, prefix)
	if path == "" {
		path = "/"
	}
	if u.RawPath != "" {
		rawPath = strings.TrimPrefix(u.RawPath, prefix)
		if rawPath == "" {
			rawPath = "/"
		}
	}
	return path, rawPath
}

// markBackend records the backend's observed status, writing only on an
// actual transition. Coming online also stamps lastSeen.
func (s *Server) markBackend(rt backendRoute, status string) {
	if rt.status == status {
		return
	}
	now := state.NowMs()
	_, err := s.store.Update(func(d *state.State) error {
		switch rt.kind {
		case sqlite.KindShare:
			sh, ok := d.Shares[rt.key]
			if !ok {
				return nil
			}
			sh.Status = status
			if status == state.StatusOnline {
				sh.LastSeen = now
			}
			d.Shares[rt.key] = sh
		case sqlite.KindProject:
			p, ok := d.Projects[rt.key]
			if !ok {
				return nil
			}
			p.Status = status
			if status == state.StatusOnline {
				p.LastSeen = now
			}
			d.Projects[rt.key] = p
		}
		return nil
	})
	if err != nil {
		s.log.Warn("record backend status", "route", rt.prefix, "error", err)
	}
}

// renderOffline writes the self-refreshing page shown while a proxied
// backend is down.
func (s *Server) renderOffline(w http.ResponseWriter, rt backendRoute) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = offlineTemplate.Execute(w, struct {
		Port     int
		LastSeen string
	}{
		Port:     rt.port,
		LastSeen: formatLastSeen(rt.lastSeen),
	})
}

func formatLastSeen(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

var offlineTemplate = template.Must(template.New("offline").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8">
  <meta http-equiv="refresh" content="5">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Backend offline</title>
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; color: #222; text-align: center; }
    code { background: #f4f4f4; padding: .15rem .4rem; border-radius: 4px; }
    .muted { color: #888; font-size: .9rem; }
  </style>
</head>
<body>
  <h1>Backend offline</h1>
  <p>The service behind this route (<code>127.0.0.1:{{.Port}}</code>) is not answering.</p>
  <p class="muted">Last seen: {{.LastSeen}}. This page retries automatically.</p>
</body>
</html>
`))
