package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/koltyakov/tailserve/internal/netutil"
	"github.com/koltyakov/tailserve/internal/state"
	"github.com/koltyakov/tailserve/internal/store/sqlite"
)

// errUnchanged aborts a store.Update whose mutation turned out to be a
// no-op, so health ticks with nothing to report never touch disk.
var errUnchanged = errors.New("state unchanged")

// runJanitor owns every periodic maintenance duty: reaping expired shares,
// probing proxied backends, and pruning the access log. One goroutine,
// three tickers.
func (s *Server) runJanitor(ctx context.Context) {
	reap := time.NewTicker(s.reapInterval)
	defer reap.Stop()
	health := time.NewTicker(s.healthInterval)
	defer health.Stop()
	prune := time.NewTicker(s.pruneInterval)
	defer prune.Stop()

	// First health pass runs immediately so restored records do not sit
	// on stale statuses for a full interval.
	s.checkBackends(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-reap.C:
			s.reapExpired()
		case <-health.C:
			s.checkBackends(ctx)
		case <-prune.C:
			s.pruneAccessLog(ctx)
		}
	}
}

// reapExpired drops shares whose expiry passed. The initial read keeps the
// common nothing-expired tick from rewriting the document.
func (s *Server) reapExpired() {
	now := state.NowMs()
	doc := s.store.Read()
	stale := 0
	for _, sh := range doc.Shares {
		if sh.Expired(now) {
			stale++
		}
	}
	if stale == 0 {
		return
	}

	removed := 0
	_, err := s.store.Update(func(d *state.State) error {
		for id, sh := range d.Shares {
			if sh.Expired(now) {
				delete(d.Shares, id)
				removed++
			}
		}
		if removed == 0 {
			return errUnchanged
		}
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		s.log.Warn("reap expired shares", "error", err)
		return
	}
	if removed > 0 {
		s.log.Info("expired shares reaped", "count", removed)
	}
}

// checkBackends probes every proxied port concurrently and records the
// outcome in one batched write: status flips plus a fresh lastSeen for
// every backend that answered.
func (s *Server) checkBackends(ctx context.Context) {
	doc := s.store.Read()

	ports := make(map[int]bool)
	for _, sh := range doc.Shares {
		if sh.Proxied() {
			ports[sh.Port] = false
		}
	}
	for _, p := range doc.Projects {
		if p.Proxied() {
			ports[p.Port] = false
		}
	}
	if len(ports) == 0 {
		return
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for port := range ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			open := netutil.PortOpen(port, netutil.DefaultProbeTimeout)
			mu.Lock()
			ports[port] = open
			mu.Unlock()
		}(port)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	now := state.NowMs()
	_, err := s.store.Update(func(d *state.State) error {
		changed := false
		for id, sh := range d.Shares {
			if !sh.Proxied() {
				continue
			}
			open, probed := ports[sh.Port]
			if !probed {
				continue
			}
			status := probeStatus(open)
			if sh.Status != status || open {
				sh.Status = status
				if open {
					sh.LastSeen = now
				}
				d.Shares[id] = sh
				changed = true
			}
		}
		for name, p := range d.Projects {
			if !p.Proxied() {
				continue
			}
			open, probed := ports[p.Port]
			if !probed {
				continue
			}
			status := probeStatus(open)
			if p.Status != status || open {
				p.Status = status
				if open {
					p.LastSeen = now
				}
				d.Projects[name] = p
				changed = true
			}
		}
		if !changed {
			return errUnchanged
		}
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		s.log.Warn("record backend health", "error", err)
	}
}

func probeStatus(open bool) string {
	if open {
		return state.StatusOnline
	}
	return state.StatusOffline
}

// pruneAccessLog trims rows past the retention window.
func (s *Server) pruneAccessLog(ctx context.Context) {
	if s.access == nil {
		return
	}
	n, err := s.access.Prune(ctx, time.Now().Add(-accessRetention))
	if err != nil {
		s.log.Warn("prune access log", "error", err)
		return
	}
	if n > 0 {
		s.log.Debug("access log pruned", "rows", n)
	}
}

// recordAccess queues one row for the log writer, dropping on a full queue
// so request handling never blocks on SQLite.
func (s *Server) recordAccess(e sqlite.Entry) {
	if s.accessCh == nil {
		return
	}
	select {
	case s.accessCh <- e:
	default:
	}
}

// runAccessWorker is the single writer draining the access queue.
func (s *Server) runAccessWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.accessCh:
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.access.Record(wctx, e); err != nil {
				s.log.Debug("record access", "error", err)
			}
			cancel()
		}
	}
}
