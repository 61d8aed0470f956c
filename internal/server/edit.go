package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/koltyakov/tailserve/internal/editor"
	"github.com/koltyakov/tailserve/internal/state"
)

const (
	// editMaxBytes caps the save payload.
	editMaxBytes = 10 << 20

	// editSaveTimeout bounds how long a save may run before the watchdog
	// resolves the request on the handler's behalf.
	editSaveTimeout = 10 * time.Second
)

// serveEdit routes an edit share: the editor page at the root, raw bytes at
// api/content, saves at api/save.
func (s *Server) serveEdit(w http.ResponseWriter, r *http.Request, sh state.Share, rest string) {
	switch strings.TrimSuffix(rest, "/") {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.serveEditorPage(w, sh)
	case "/api/content":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		serveEditContent(w, r, sh)
	case "/api/save":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s.serveEditSave(w, r, sh)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveEditorPage(w http.ResponseWriter, sh state.Share) {
	page, err := editor.Page(filepath.Base(sh.Path), sh.Readonly)
	if err != nil {
		s.log.Warn("render editor page", "id", sh.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func serveEditContent(w http.ResponseWriter, r *http.Request, sh state.Share) {
	data, err := os.ReadFile(sh.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}

// saveReply resolves a save request exactly once, whichever of the handler
// or the deadline watchdog gets there first.
type saveReply struct {
	once sync.Once
	w    http.ResponseWriter
}

func (sr *saveReply) ok() {
	sr.once.Do(func() {
		writeJSON(sr.w, http.StatusOK, map[string]any{"ok": true})
	})
}

func (sr *saveReply) fail(status int, msg string) {
	sr.once.Do(func() {
		writeJSON(sr.w, status, map[string]any{"ok": false, "error": msg})
	})
}

func (s *Server) serveEditSave(w http.ResponseWriter, r *http.Request, sh state.Share) {
	reply := &saveReply{w: w}
	watchdog := time.AfterFunc(editSaveTimeout, func() {
		reply.fail(http.StatusServiceUnavailable, "save timed out")
	})
	defer watchdog.Stop()

	if sh.Readonly {
		reply.fail(http.StatusForbidden, "share is read-only")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, editMaxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reply.fail(http.StatusRequestEntityTooLarge, "content too large")
		} else {
			reply.fail(http.StatusBadRequest, "read body failed")
		}
		return
	}

	if err := writeFilePreserveMode(sh.Path, body); err != nil {
		s.log.Warn("edit save", "id", sh.ID, "path", sh.Path, "error", err)
		reply.fail(http.StatusInternalServerError, "write failed")
		return
	}
	reply.ok()
}

// writeFilePreserveMode overwrites path keeping its current permissions.
func writeFilePreserveMode(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	return os.WriteFile(path, data, mode)
}
