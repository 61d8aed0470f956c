package tailnet

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func fakeClient(out string, err error) (*Client, *[][]string) {
	var calls [][]string
	c := New("tailscale", nil)
	c.run = func(_ context.Context, args ...string) ([]byte, error) {
		calls = append(calls, args)
		return []byte(out), err
	}
	return c, &calls
}

func TestEnableServe(t *testing.T) {
	t.Parallel()

	c, calls := fakeClient("", nil)
	if err := c.EnableServe(context.Background(), 8787); err != nil {
		t.Fatalf("EnableServe: %v", err)
	}
	want := "serve --bg --https=443 http://127.0.0.1:8787"
	if got := strings.Join((*calls)[0], " "); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEnableFunnel(t *testing.T) {
	t.Parallel()

	c, calls := fakeClient("", nil)
	if err := c.EnableFunnel(context.Background(), 8787); err != nil {
		t.Fatalf("EnableFunnel: %v", err)
	}
	want := "funnel --bg --https=443 http://127.0.0.1:8787"
	if got := strings.Join((*calls)[0], " "); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDisableServe(t *testing.T) {
	t.Parallel()

	c, calls := fakeClient("", nil)
	if err := c.DisableServe(context.Background()); err != nil {
		t.Fatalf("DisableServe: %v", err)
	}
	want := "serve --https=443 off"
	if got := strings.Join((*calls)[0], " "); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestHostname(t *testing.T) {
	t.Parallel()

	c, _ := fakeClient(`{"BackendState":"Running","Self":{"DNSName":"box.tail1234.ts.net."}}`, nil)
	got, err := c.Hostname(context.Background())
	if err != nil {
		t.Fatalf("Hostname: %v", err)
	}
	if got != "box.tail1234.ts.net" {
		t.Fatalf("got %q, want %q", got, "box.tail1234.ts.net")
	}
}

func TestHostnameLoggedOut(t *testing.T) {
	t.Parallel()

	c, _ := fakeClient(`{"BackendState":"NeedsLogin","Self":{"DNSName":""}}`, nil)
	_, err := c.Hostname(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestHostnameRunError(t *testing.T) {
	t.Parallel()

	c, _ := fakeClient("", errors.New("no daemon"))
	if _, err := c.Hostname(context.Background()); err == nil {
		t.Fatal("expected an error")
	}
}

func TestRoutesParsesServeStatus(t *testing.T) {
	t.Parallel()

	out := `https://box.tail1234.ts.net (Funnel on)
|-- / proxy http://127.0.0.1:8787

https://other.tail1234.ts.net
|-- / proxy http://127.0.0.1:3000
`
	c, _ := fakeClient(out, nil)
	routes := c.Routes(context.Background())
	if len(routes) != 2 {
		t.Fatalf("got %d routes, want 2", len(routes))
	}
	if routes[0].Host != "box.tail1234.ts.net" || routes[0].Port != 8787 || !routes[0].Funnel {
		t.Fatalf("unexpected first route: %+v", routes[0])
	}
	if routes[1].Host != "other.tail1234.ts.net" || routes[1].Port != 3000 || routes[1].Funnel {
		t.Fatalf("unexpected second route: %+v", routes[1])
	}
}

func TestRoutesFailureMeansNoRoutes(t *testing.T) {
	t.Parallel()

	c, _ := fakeClient("", errors.New("not running"))
	if routes := c.Routes(context.Background()); len(routes) != 0 {
		t.Fatalf("got %d routes, want 0", len(routes))
	}
}

func TestParseServeStatusGarbage(t *testing.T) {
	t.Parallel()

	for _, out := range []string{"", "random text\nmore text", "proxy http://127.0.0.1:999999"} {
		if routes := parseServeStatus(out); len(routes) != 0 {
			t.Errorf("parseServeStatus(%q) = %v, want none", out, routes)
		}
	}
}
