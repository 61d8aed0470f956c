package server

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/koltyakov/tailserve/internal/state"
	"github.com/koltyakov/tailserve/internal/store/sqlite"
)

// ServeHTTP dispatches on the fixed route tree: dashboard at /, liveness at
// /api/health, shares under /s/, projects under /p/. Route records are read
// from the state document on every request; nothing is cached in process,
// so changes made by any CLI invocation are visible immediately.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleDashboard(w, r)
	case r.URL.Path == "/api/health":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleHealth(w)
	case strings.HasPrefix(r.URL.Path, "/s/"):
		s.handleShare(w, r)
	case strings.HasPrefix(r.URL.Path, "/p/"):
		s.handleProject(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"app":     appName,
		"version": s.version,
		"pid":     os.Getpid(),
		"port":    s.Port(),
		"uptime":  int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	id, rest, ok := splitRoute(r.URL.EscapedPath(), "/s/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	doc := s.store.Read()
	sh, found := doc.Shares[id]
	if !found || sh.Expired(state.NowMs()) {
		http.NotFound(w, r)
		return
	}

	rec := &accessRecorder{ResponseWriter: w}
	start := time.Now()
	defer func() {
		s.recordAccess(sqlite.Entry{
			Kind:     sqlite.KindShare,
			Key:      id,
			Method:   r.Method,
			Path:     r.URL.Path,
			Status:   rec.status(),
			Bytes:    rec.written,
			Duration: time.Since(start),
			Remote:   r.RemoteAddr,
			At:       start,
		})
	}()

	switch sh.Type {
	case state.TypeProxy:
		s.serveBackend(rec, r, backendRoute{
			kind:     sqlite.KindShare,
			key:      id,
			port:     sh.Port,
			prefix:   "/s/" + id,
			status:   sh.Status,
			lastSeen: sh.LastSeen,
		})
	case state.TypeEdit:
		s.serveEdit(rec, r, sh, rest)
	case state.TypeDir:
		if r.Method != http.MethodGet {
			methodNotAllowed(rec, http.MethodGet)
			return
		}
		s.serveTree(rec, r, sh.Path, rest)
	case state.TypeFile:
		if r.Method != http.MethodGet {
			methodNotAllowed(rec, http.MethodGet)
			return
		}
		serveSingleFile(rec, r, sh, rest)
	default:
		http.NotFound(rec, r)
	}
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	name, rest, ok := splitRoute(r.URL.EscapedPath(), "/p/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	doc := s.store.Read()
	proj, found := doc.Projects[name]
	if !found {
		http.NotFound(w, r)
		return
	}

	rec := &accessRecorder{ResponseWriter: w}
	start := time.Now()
	defer func() {
		s.recordAccess(sqlite.Entry{
			Kind:     sqlite.KindProject,
			Key:      name,
			Method:   r.Method,
			Path:     r.URL.Path,
			Status:   rec.status(),
			Bytes:    rec.written,
			Duration: time.Since(start),
			Remote:   r.RemoteAddr,
			At:       start,
		})
	}()

	if proj.Proxied() {
		s.serveBackend(rec, r, backendRoute{
			kind:     sqlite.KindProject,
			key:      name,
			port:     proj.Port,
			prefix:   "/p/" + name,
			status:   proj.Status,
			lastSeen: proj.LastSeen,
		})
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(rec, http.MethodGet)
		return
	}
	s.serveTree(rec, r, proj.Path, rest)
}

// splitRoute splits an escaped path like "/s/abc12345/sub/file" into the
// decoded first segment after prefix and the raw remainder, leading slash
// kept and still escaped.
func splitRoute(escapedPath, prefix string) (key, rest string, ok bool) {
	tail := strings.TrimPrefix(escapedPath, prefix)
	if tail == "" || tail == escapedPath {
		return "", "", false
	}
	rawKey := tail
	if i := strings.IndexByte(tail, '/'); i >= 0 {
		rawKey, rest = tail[:i], tail[i:]
	}
	key, err := url.PathUnescape(rawKey)
	if err != nil || key == "" {
		return "", "", false
	}
	return key, rest, true
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

// accessRecorder captures the response status and byte count for the
// access log while passing hijack and flush through to the real writer.
type accessRecorder struct {
	http.ResponseWriter
	code    int
	written int64
}

func (a *accessRecorder) WriteHeader(code int) {
	if a.code == 0 {
		a.code = code
	}
	a.ResponseWriter.WriteHeader(code)
}

func (a *accessRecorder) Write(p []byte) (int, error) {
	if a.code == 0 {
		a.code = http.StatusOK
	}
	n, err := a.ResponseWriter.Write(p)
	a.written += int64(n)
	return n, err
}

func (a *accessRecorder) Flush() {
	if f, ok := a.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (a *accessRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := a.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if a.code == 0 {
		a.code = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (a *accessRecorder) Unwrap() http.ResponseWriter { return a.ResponseWriter }

func (a *accessRecorder) status() int {
	if a.code == 0 {
		return http.StatusOK
	}
	return a.code
}
