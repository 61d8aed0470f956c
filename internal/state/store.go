package state

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Options tunes a Store. The overrides, when set, take precedence over the
// persisted values on every read.
type Options struct {
	PortOverride           int
	ProtectedPortsOverride []int
	Logger                 *slog.Logger
}

// Store reads and mutates the state document at a fixed path. Reads are
// lock-free; Update serializes mutation across processes through a sibling
// lock file.
type Store struct {
	path     string
	lockPath string
	opts     Options
	log      *slog.Logger

	// Retry knobs, overridable in tests.
	lockStale    int64 // milliseconds
	lockInterval int64 // milliseconds
	lockRetries  int
}

// New returns a Store for the document at path. The lock file lives next to
// it as path + ".lock".
func New(path string, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		path:         path,
		lockPath:     path + ".lock",
		opts:         opts,
		log:          logger,
		lockStale:    lockStaleMs,
		lockInterval: lockIntervalMs,
		lockRetries:  lockRetryBudget,
	}
}

// Path returns the document path.
func (s *Store) Path() string { return s.path }

// Read loads the current document. An absent or unparsable file yields the
// default document; configured overrides are applied before returning.
func (s *Store) Read() State {
	doc := DefaultState()
	if raw, err := os.ReadFile(s.path); err == nil {
		parsed, ok := ParseState(raw)
		if !ok {
			s.log.Warn("state file unreadable, using defaults", "path", s.path)
		}
		doc = parsed
	}
	s.applyOverrides(&doc)
	return doc
}

// Write persists doc atomically: marshal, write a temp file in the same
// directory, then rename over the target.
func (s *Store) Write(doc State) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// Update acquires the cross-process lock, re-reads the document, applies
// mutate, persists the result, and returns it. A mutate error aborts the
// update without writing.
func (s *Store) Update(mutate func(*State) error) (State, error) {
	if err := s.acquireLock(); err != nil {
		return State{}, err
	}
	defer s.releaseLock()

	doc := s.Read()
	if err := mutate(&doc); err != nil {
		return State{}, err
	}
	if err := s.Write(doc); err != nil {
		return State{}, err
	}
	return doc, nil
}

func (s *Store) applyOverrides(doc *State) {
	if s.opts.PortOverride > 0 {
		doc.Network.Port = s.opts.PortOverride
	}
	if s.opts.ProtectedPortsOverride != nil {
		doc.ProtectedPorts = s.opts.ProtectedPortsOverride
	}
}
