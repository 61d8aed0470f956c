package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/koltyakov/tailserve/internal/netutil"
	"github.com/koltyakov/tailserve/internal/state"
)

// spliceWebSocket proxies a WebSocket handshake by hijacking the client
// socket, replaying the upgrade request to the backend over raw TCP, and
// splicing bytes both ways until either side closes. No frames are parsed;
// the daemon only moves bytes.
func (s *Server) spliceWebSocket(w http.ResponseWriter, r *http.Request, rt backendRoute) {
	backendAddr := netutil.LoopbackAddr(rt.port)
	backend, err := net.DialTimeout("tcp", backendAddr, netutil.DefaultProbeTimeout)
	if err != nil {
		s.log.Debug("websocket backend unreachable", "route", rt.prefix, "port", rt.port, "error", err)
		s.markBackend(rt, state.StatusOffline)
		s.renderOffline(w, rt)
		return
	}
	defer func() { _ = backend.Close() }()
	s.markBackend(rt, state.StatusOnline)

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	client, clientRW, err := hj.Hijack()
	if err != nil {
		s.log.Warn("hijack websocket client", "route", rt.prefix, "error", err)
		return
	}
	defer func() { _ = client.Close() }()

	if err := writeUpgradeRequest(backend, r, rt.prefix, backendAddr); err != nil {
		s.log.Debug("replay websocket handshake", "route", rt.prefix, "error", err)
		return
	}
	// Bytes the server already buffered past the request headers belong to
	// the backend stream.
	if n := clientRW.Reader.Buffered(); n > 0 {
		pending, err := clientRW.Reader.Peek(n)
		if err != nil {
			return
		}
		if _, err := backend.Write(pending); err != nil {
			return
		}
	}

	spliceConns(client, backend)
}

// writeUpgradeRequest replays the client's upgrade request line and headers
// to the backend with the route prefix stripped and Host rewritten.
func writeUpgradeRequest(dst io.Writer, r *http.Request, prefix, host string) error {
	path := strings.TrimPrefix(r.URL.EscapedPath(), prefix)
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", r.Method, path)
	fmt.Fprintf(&buf, "Host: %s\r\n", host)
	for name, values := range r.Header {
		if strings.EqualFold(name, "Host") {
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, v)
		}
	}
	buf.WriteString("\r\n")
	_, err := dst.Write(buf.Bytes())
	return err
}

// spliceConns copies bytes both directions until one side fails, then
// tears both down and waits for the other copier to notice.
func spliceConns(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}
