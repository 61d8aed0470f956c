package server

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"time"

	"github.com/koltyakov/tailserve/internal/state"
)

type dashboardShare struct {
	ID      string
	Type    string
	Target  string
	Status  string
	Expires string
	Public  bool
	Hits    int64
	Href    string
}

type dashboardProject struct {
	Name   string
	Target string
	Status string
	Public bool
	Hits   int64
	Href   string
}

type dashboardTunnel struct {
	URL string
	PID int
}

type dashboardData struct {
	Version  string
	Hostname string
	Port     int
	Uptime   string
	Shares   []dashboardShare
	Projects []dashboardProject
	Tunnels  []dashboardTunnel
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	doc := s.store.Read()
	hits := s.routeHits(r.Context())
	now := state.NowMs()

	data := dashboardData{
		Version:  s.version,
		Hostname: doc.Network.Hostname,
		Port:     doc.Network.Port,
		Uptime:   time.Since(s.startedAt).Round(time.Second).String(),
	}

	for id, sh := range doc.Shares {
		if sh.Expired(now) {
			continue
		}
		data.Shares = append(data.Shares, dashboardShare{
			ID:      id,
			Type:    sh.Type,
			Target:  shareTarget(sh),
			Status:  orDash(sh.Status),
			Expires: expiresLabel(sh.ExpiresAt),
			Public:  sh.Public,
			Hits:    hits["share:"+id],
			Href:    "/s/" + id,
		})
	}
	sort.Slice(data.Shares, func(i, j int) bool { return data.Shares[i].ID < data.Shares[j].ID })

	for name, p := range doc.Projects {
		target := p.Path
		if p.Proxied() {
			target = fmt.Sprintf("127.0.0.1:%d", p.Port)
		}
		data.Projects = append(data.Projects, dashboardProject{
			Name:   name,
			Target: target,
			Status: orDash(p.Status),
			Public: p.Public,
			Hits:   hits["project:"+name],
			Href:   "/p/" + name,
		})
	}
	sort.Slice(data.Projects, func(i, j int) bool { return data.Projects[i].Name < data.Projects[j].Name })

	for _, t := range doc.Tunnels {
		data.Tunnels = append(data.Tunnels, dashboardTunnel{URL: t.URL, PID: t.PID})
	}
	sort.Slice(data.Tunnels, func(i, j int) bool { return data.Tunnels[i].URL < data.Tunnels[j].URL })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, data); err != nil {
		s.log.Warn("render dashboard", "error", err)
	}
}

// routeHits returns per-route access totals keyed by "kind:key", or nil
// when the access log is disabled or unreadable.
func (s *Server) routeHits(ctx context.Context) map[string]int64 {
	if s.access == nil {
		return nil
	}
	counts, err := s.access.Counts(ctx)
	if err != nil {
		s.log.Debug("load access counts", "error", err)
		return nil
	}
	m := make(map[string]int64, len(counts))
	for _, c := range counts {
		m[c.Kind+":"+c.Key] = c.Count
	}
	return m
}

func shareTarget(sh state.Share) string {
	if sh.Proxied() {
		return fmt.Sprintf("127.0.0.1:%d", sh.Port)
	}
	return sh.Path
}

func expiresLabel(expiresAt *int64) string {
	if expiresAt == nil {
		return "never"
	}
	return time.UnixMilli(*expiresAt).Local().Format("2006-01-02 15:04")
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>tailserve</title>
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; max-width: 56rem; margin: 2rem auto; padding: 0 1rem; color: #222; }
    h1 { font-size: 1.4rem; }
    h2 { font-size: 1.05rem; margin-top: 2rem; }
    table { border-collapse: collapse; width: 100%; font-size: .9rem; }
    th, td { text-align: left; padding: .4rem .6rem; border-bottom: 1px solid #eee; }
    th { color: #888; font-weight: 600; }
    a { color: #0969da; text-decoration: none; }
    a:hover { text-decoration: underline; }
    .muted { color: #888; font-size: .85rem; }
    .empty { color: #aaa; padding: .6rem 0; }
  </style>
</head>
<body>
  <h1>tailserve</h1>
  <p class="muted">{{if .Hostname}}{{.Hostname}} · {{end}}port {{.Port}} · up {{.Uptime}}{{if .Version}} · {{.Version}}{{end}}</p>

  <h2>Shares</h2>
  {{- if .Shares}}
  <table>
    <tr><th>ID</th><th>Type</th><th>Target</th><th>Status</th><th>Expires</th><th>Public</th><th>Hits</th></tr>
    {{- range .Shares}}
    <tr>
      <td><a href="{{.Href}}">{{.ID}}</a></td>
      <td>{{.Type}}</td>
      <td>{{.Target}}</td>
      <td>{{.Status}}</td>
      <td>{{.Expires}}</td>
      <td>{{if .Public}}yes{{else}}no{{end}}</td>
      <td>{{.Hits}}</td>
    </tr>
    {{- end}}
  </table>
  {{- else}}
  <div class="empty">No active shares.</div>
  {{- end}}

  <h2>Projects</h2>
  {{- if .Projects}}
  <table>
    <tr><th>Name</th><th>Target</th><th>Status</th><th>Public</th><th>Hits</th></tr>
    {{- range .Projects}}
    <tr>
      <td><a href="{{.Href}}">{{.Name}}</a></td>
      <td>{{.Target}}</td>
      <td>{{.Status}}</td>
      <td>{{if .Public}}yes{{else}}no{{end}}</td>
      <td>{{.Hits}}</td>
    </tr>
    {{- end}}
  </table>
  {{- else}}
  <div class="empty">No projects.</div>
  {{- end}}

  {{- if .Tunnels}}
  <h2>Quick tunnels</h2>
  <table>
    <tr><th>URL</th><th>PID</th></tr>
    {{- range .Tunnels}}
    <tr><td><a href="{{.URL}}">{{.URL}}</a></td><td>{{.PID}}</td></tr>
    {{- end}}
  </table>
  {{- end}}
</body>
</html>
`))
