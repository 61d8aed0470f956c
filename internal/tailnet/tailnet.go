// Package tailnet drives the tailscale CLI to publish the local HTTP
// server on the tailnet (serve) or the public internet (funnel), and to
// read back the node's DNS name and active route state.
package tailnet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// ErrUnavailable reports that the tailscale binary is missing or the
// node is not logged in. Callers degrade to local-only serving.
var ErrUnavailable = errors.New("tailscale is unavailable")

// Route is one active serve or funnel mapping on this node.
type Route struct {
	Host   string
	Port   int
	Funnel bool
}

// Client shells out to the tailscale binary.
type Client struct {
	bin string
	log *slog.Logger

	// run is swapped in tests.
	run func(ctx context.Context, args ...string) ([]byte, error)
}

// New returns a client using the given tailscale binary name or path.
func New(bin string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Client{bin: bin, log: logger}
	c.run = c.exec
	return c
}

func (c *Client) exec(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, c.bin, args...).CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s not found in PATH", ErrUnavailable, c.bin)
		}
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s %s: %s", c.bin, strings.Join(args, " "), msg)
	}
	return out, nil
}

// EnableServe maps the node's HTTPS port to the local port on the
// tailnet only.
func (c *Client) EnableServe(ctx context.Context, port int) error {
	_, err := c.run(ctx, "serve", "--bg", "--https=443", "http://127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("enable serve: %w", err)
	}
	c.log.Debug("tailscale serve enabled", "port", port)
	return nil
}

// EnableFunnel exposes the local port to the public internet through
// the node's funnel ingress.
func (c *Client) EnableFunnel(ctx context.Context, port int) error {
	_, err := c.run(ctx, "funnel", "--bg", "--https=443", "http://127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("enable funnel: %w", err)
	}
	c.log.Debug("tailscale funnel enabled", "port", port)
	return nil
}

// DisableServe tears down the HTTPS route, funnel included.
func (c *Client) DisableServe(ctx context.Context) error {
	_, err := c.run(ctx, "serve", "--https=443", "off")
	if err != nil {
		return fmt.Errorf("disable serve: %w", err)
	}
	c.log.Debug("tailscale serve disabled")
	return nil
}

// Hostname returns the node's DNS name without the trailing dot, or
// ErrUnavailable when the node is logged out.
func (c *Client) Hostname(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "status", "--json")
	if err != nil {
		return "", err
	}
	var status struct {
		BackendState string `json:"BackendState"`
		Self         struct {
			DNSName string `json:"DNSName"`
		} `json:"Self"`
	}
	if err := json.Unmarshal(out, &status); err != nil {
		return "", fmt.Errorf("parse tailscale status: %w", err)
	}
	name := strings.TrimSuffix(status.Self.DNSName, ".")
	if name == "" || (status.BackendState != "" && status.BackendState != "Running") {
		return "", fmt.Errorf("%w: node is %s", ErrUnavailable, strings.ToLower(nonEmpty(status.BackendState, "logged out")))
	}
	return name, nil
}

// Routes reports the serve mappings currently active on this node. A
// failing or unparsable status is reported as no routes, not an error.
func (c *Client) Routes(ctx context.Context) []Route {
	out, err := c.run(ctx, "serve", "status")
	if err != nil {
		return nil
	}
	return parseServeStatus(string(out))
}

// parseServeStatus extracts routes from the human-readable output of
// `tailscale serve status`. Lines look like:
//
//	https://host.tailnet.ts.net (Funnel on)
//	|-- / proxy http://127.0.0.1:8787
func parseServeStatus(out string) []Route {
	var routes []Route
	var host string
	var funnel bool
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "https://") {
			rest := strings.TrimPrefix(trimmed, "https://")
			fields := strings.Fields(rest)
			if len(fields) == 0 {
				continue
			}
			host = fields[0]
			funnel = strings.Contains(trimmed, "(Funnel on)")
			continue
		}
		idx := strings.Index(trimmed, "proxy http://")
		if idx < 0 || host == "" {
			continue
		}
		target := strings.TrimSpace(trimmed[idx+len("proxy "):])
		port := portOf(target)
		if port == 0 {
			continue
		}
		routes = append(routes, Route{Host: host, Port: port, Funnel: funnel})
	}
	return routes
}

func portOf(target string) int {
	idx := strings.LastIndex(target, ":")
	if idx < 0 {
		return 0
	}
	port, err := strconv.Atoi(strings.TrimSuffix(target[idx+1:], "/"))
	if err != nil || port < 1 || port > 65535 {
		return 0
	}
	return port
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
