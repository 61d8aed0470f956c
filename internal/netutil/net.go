// Package netutil provides the small TCP helpers shared by the daemon
// supervisor and the router's health checks.
package netutil

import (
	"fmt"
	"net"
	"time"
)

// DefaultProbeTimeout bounds a single liveness dial.
const DefaultProbeTimeout = 2 * time.Second

// PortOpen reports whether something accepts TCP connections on the
// loopback port.
func PortOpen(port int, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	conn, err := net.DialTimeout("tcp", LoopbackAddr(port), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// FreePort asks the kernel for an unused loopback port.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// LoopbackAddr renders the dial address for a local backend port.
func LoopbackAddr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
