package server

import (
	"html/template"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/koltyakov/tailserve/internal/state"
)

// serveTree serves a directory-backed route: files stream with their
// detected content type, directories render a sorted HTML listing.
// rest is the escaped path remainder after the route mount point.
func (s *Server) serveTree(w http.ResponseWriter, r *http.Request, root, rest string) {
	segs, ok := splitTreePath(rest)
	if !ok {
		http.NotFound(w, r)
		return
	}
	for _, seg := range segs {
		if strings.HasPrefix(seg, ".") {
			http.NotFound(w, r)
			return
		}
	}

	target := root
	if len(segs) > 0 {
		target = filepath.Join(root, filepath.Join(segs...))
	}
	if !underRoot(root, target) {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(target)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if info.IsDir() {
		// Relative listing links only resolve under a trailing slash.
		if !strings.HasSuffix(r.URL.Path, "/") {
			redirectAppendSlash(w, r)
			return
		}
		s.serveListing(w, target, len(segs) > 0)
		return
	}
	serveFile(w, r, target, "")
}

// serveSingleFile handles file shares: only the share root resolves, and an
// explicit mimeType override wins over extension sniffing.
func serveSingleFile(w http.ResponseWriter, r *http.Request, sh state.Share, rest string) {
	if rest != "" && rest != "/" {
		http.NotFound(w, r)
		return
	}
	serveFile(w, r, sh.Path, sh.MimeType)
}

// serveFile streams one regular file, honoring a content-type override.
func serveFile(w http.ResponseWriter, r *http.Request, path, contentType string) {
	f, err := os.Open(path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// splitTreePath validates and decodes the escaped remainder of a tree
// route. Each segment is URL-decoded on its own, so an encoded slash can
// never smuggle a separator through: empty, dot, dot-dot, and
// separator-bearing segments reject the whole path.
func splitTreePath(rest string) ([]string, bool) {
	rest = strings.TrimPrefix(rest, "/")
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		return nil, true
	}
	parts := strings.Split(rest, "/")
	segs := make([]string, 0, len(parts))
	for _, raw := range parts {
		seg, err := url.PathUnescape(raw)
		if err != nil {
			return nil, false
		}
		if seg == "" || seg == "." || seg == ".." {
			return nil, false
		}
		if strings.ContainsAny(seg, `/\`) {
			return nil, false
		}
		segs = append(segs, seg)
	}
	return segs, true
}

// underRoot reports whether target stays inside root once resolved, using
// the path relation rather than string prefixing.
func underRoot(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func redirectAppendSlash(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Path + "/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

type listingEntry struct {
	Name string
	Href string
	Dir  bool
	Size int64
}

func (s *Server) serveListing(w http.ResponseWriter, dir string, hasParent bool) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	entries := make([]listingEntry, 0, len(dirents))
	for _, de := range dirents {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		e := listingEntry{Name: name, Href: url.PathEscape(name), Dir: de.IsDir()}
		if e.Dir {
			e.Name += "/"
			e.Href += "/"
		} else if info, err := de.Info(); err == nil {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return naturalLess(entries[i].Name, entries[j].Name)
	})

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = listingTemplate.Execute(w, struct {
		Title     string
		HasParent bool
		Entries   []listingEntry
	}{
		Title:     filepath.Base(dir),
		HasParent: hasParent,
		Entries:   entries,
	})
}

// naturalLess orders names case-insensitively with digit runs compared
// numerically, so "file2" sorts before "file10".
func naturalLess(a, b string) bool {
	ai, bi := 0, 0
	for ai < len(a) && bi < len(b) {
		ac, bc := a[ai], b[bi]
		if isASCIIDigit(ac) && isASCIIDigit(bc) {
			aj, bj := ai, bi
			for aj < len(a) && isASCIIDigit(a[aj]) {
				aj++
			}
			for bj < len(b) && isASCIIDigit(b[bj]) {
				bj++
			}
			an := strings.TrimLeft(a[ai:aj], "0")
			bn := strings.TrimLeft(b[bi:bj], "0")
			switch {
			case len(an) != len(bn):
				return len(an) < len(bn)
			case an != bn:
				return an < bn
			}
			ai, bi = aj, bj
			continue
		}
		al, bl := lowerASCII(ac), lowerASCII(bc)
		if al != bl {
			return al < bl
		}
		ai++
		bi++
	}
	if len(a)-ai != len(b)-bi {
		return len(a)-ai < len(b)-bi
	}
	return a < b
}

func isASCIIDigit(c byte) bool { return c >= '0' && c <= '9' }

func lowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

var listingTemplate = template.Must(template.New("listing").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; max-width: 44rem; margin: 2rem auto; padding: 0 1rem; color: #222; }
    h1 { font-size: 1.2rem; }
    ul { list-style: none; padding: 0; }
    li { padding: .3rem 0; border-bottom: 1px solid #eee; display: flex; justify-content: space-between; }
    a { color: #0969da; text-decoration: none; }
    a:hover { text-decoration: underline; }
    .size { color: #888; font-size: .85rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <ul>
    {{- if .HasParent}}
    <li><a href="../">../</a></li>
    {{- end}}
    {{- range .Entries}}
    <li><a href="{{.Href}}">{{.Name}}</a>{{if not .Dir}}<span class="size">{{.Size}} B</span>{{end}}</li>
    {{- end}}
  </ul>
</body>
</html>
`))
