// Package editor renders the in-browser page served at an edit share's
// root. The page loads the file over the share's content endpoint and
// writes it back through the save endpoint.
package editor

import (
	"bytes"
	"html/template"
	"path/filepath"
	"strings"
)

// Editing modes, selected by file extension.
const (
	ModeMarkdown = "markdown"
	ModeCode     = "code"
)

// Mode picks the editor flavor for a filename.
func Mode(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown", ".mdown":
		return ModeMarkdown
	default:
		return ModeCode
	}
}

type pageData struct {
	Name     string
	Mode     string
	Readonly bool
}

// Page renders the editor HTML for the named file.
func Page(filename string, readonly bool) ([]byte, error) {
	var buf bytes.Buffer
	err := pageTemplate.Execute(&buf, pageData{
		Name:     filename,
		Mode:     Mode(filename),
		Readonly: readonly,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var pageTemplate = template.Must(template.New("editor-page").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Name}}</title>
  <style>
    :root {
      color-scheme: light dark;
      --bg: #f6f8fa;
      --panel: #ffffff;
      --border: #d0d7de;
      --text: #1f2328;
      --muted: #59636e;
      --accent: #0969da;
    }
    @media (prefers-color-scheme: dark) {
      :root {
        --bg: #0d1117;
        --panel: #161b22;
        --border: #30363d;
        --text: #e6edf3;
        --muted: #8b949e;
        --accent: #58a6ff;
      }
    }
    * { box-sizing: border-box; }
    body {
      margin: 0; height: 100vh; display: flex; flex-direction: column;
      background: var(--bg); color: var(--text);
      font: 14px/1.5 -apple-system, "Segoe UI", sans-serif;
    }
    header {
      display: flex; align-items: center; gap: 12px;
      padding: 8px 16px; border-bottom: 1px solid var(--border);
      background: var(--panel);
    }
    header h1 { font-size: 14px; margin: 0; flex: 1; font-weight: 600; }
    header .mode { color: var(--muted); font-size: 12px; }
    button {
      padding: 4px 14px; border: 1px solid var(--border); border-radius: 6px;
      background: var(--accent); color: #fff; cursor: pointer; font-size: 13px;
    }
    button:disabled { opacity: .5; cursor: default; }
    #status { font-size: 12px; color: var(--muted); min-width: 80px; }
    textarea {
      flex: 1; width: 100%; border: 0; resize: none; outline: none;
      padding: 16px; background: var(--bg); color: var(--text);
      font: 13px/1.6 ui-monospace, SFMono-Regular, Menlo, monospace;
      tab-size: 4;
    }
  </style>
</head>
<body>
  <header>
    <h1>{{.Name}}</h1>
    <span class="mode">{{.Mode}}{{if .Readonly}} &middot; read-only{{end}}</span>
    <span id="status"></span>
    {{if not .Readonly}}<button id="save">Save</button>{{end}}
  </header>
  <textarea id="content" spellcheck="false"{{if .Readonly}} readonly{{end}}></textarea>
  <script>
    const status = document.getElementById('status');
    const content = document.getElementById('content');
    const base = location.pathname.replace(/\/$/, '');

    fetch(base + '/api/content')
      .then(r => { if (!r.ok) throw new Error(r.status); return r.text(); })
      .then(text => { content.value = text; status.textContent = 'loaded'; })
      .catch(() => { status.textContent = 'load failed'; });

    const save = document.getElementById('save');
    if (save) {
      save.addEventListener('click', () => {
        save.disabled = true;
        status.textContent = 'saving…';
        fetch(base + '/api/save', { method: 'POST', body: content.value })
          .then(r => r.json())
          .then(res => { status.textContent = res.ok ? 'saved' : (res.error || 'save failed'); })
          .catch(() => { status.textContent = 'save failed'; })
          .finally(() => { save.disabled = false; });
      });
      content.addEventListener('keydown', e => {
        if ((e.metaKey || e.ctrlKey) && e.key === 's') { e.preventDefault(); save.click(); }
      });
    }
  </script>
</body>
</html>
`))
