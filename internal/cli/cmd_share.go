package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/koltyakov/tailserve/internal/share"
	"github.com/koltyakov/tailserve/internal/state"
)

// createFlags are shared by every share-creating command.
type createFlags struct {
	ttl     string
	persist bool
	public  bool
	tunnel  bool
	qr      bool
}

func (f *createFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.ttl, "ttl", "", "time to live, e.g. 30m, 2h, 1d (default 1d)")
	fs.BoolVar(&f.persist, "persist", false, "never expire")
	fs.BoolVar(&f.public, "public", false, "also publish on the public internet via the overlay funnel")
	fs.BoolVar(&f.tunnel, "tunnel", false, "also open an ephemeral cloudflared tunnel")
	fs.BoolVar(&f.qr, "qr", false, "print the URL as a terminal QR code")
}

func (f *createFlags) options() share.Options {
	return share.Options{TTL: f.ttl, Persist: f.persist, Public: f.public}
}

func runShare(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("share", flag.ContinueOnError)
	var cf createFlags
	cf.register(fs)
	var mime string
	fs.StringVar(&mime, "mime", "", "Content-Type override for file shares")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tailserve share [flags] <path>")
		return 2
	}

	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "share error:", err)
		return 1
	}
	opts := cf.options()
	opts.MimeType = mime
	sh, err := e.shares().CreateFileShare(ctx, fs.Arg(0), opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "share error:", err)
		return 1
	}
	return finishCreate(ctx, e, "share", sh, cf)
}

func runEdit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	var cf createFlags
	cf.register(fs)
	var readonly bool
	fs.BoolVar(&readonly, "readonly", false, "serve the editor but reject saves")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tailserve edit [flags] <file>")
		return 2
	}

	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "edit error:", err)
		return 1
	}
	opts := cf.options()
	opts.Readonly = readonly
	sh, err := e.shares().CreateEditShare(ctx, fs.Arg(0), opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "edit error:", err)
		return 1
	}
	return finishCreate(ctx, e, "edit", sh, cf)
}

func runProxy(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	var cf createFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tailserve proxy [flags] <port>")
		return 2
	}
	port, err := strconv.Atoi(strings.TrimSpace(fs.Arg(0)))
	if err != nil {
		fmt.Fprintln(os.Stderr, "proxy error: invalid port:", fs.Arg(0))
		return 2
	}

	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "proxy error:", err)
		return 1
	}
	sh, err := e.shares().CreateProxyShare(ctx, port, cf.options())
	if err != nil {
		fmt.Fprintln(os.Stderr, "proxy error:", err)
		return 1
	}
	return finishCreate(ctx, e, "proxy", sh, cf)
}

// finishCreate runs the post-record steps every creation shares: make sure
// the daemon is up, optionally open a quick tunnel, and print the URL.
// Failures past the written record roll it back so no orphan remains.
func finishCreate(ctx context.Context, e *env, cmd string, sh state.Share, cf createFlags) int {
	rollback := func() {
		if _, err := e.shares().RemoveShareByID(sh.ID); err != nil {
			fmt.Fprintln(os.Stderr, cmd+" rollback error:", err)
		}
	}

	if _, err := e.daemon().EnsureRunning(ctx); err != nil {
		rollback()
		fmt.Fprintln(os.Stderr, cmd+" error:", err)
		return 1
	}

	nw := e.ensureHostname(ctx)
	tunnelURL := ""
	if cf.tunnel {
		tun := e.tunnels()
		res, err := tun.SpawnQuick(ctx, nw.Port)
		if err != nil {
			rollback()
			fmt.Fprintln(os.Stderr, cmd+" error:", err)
			return 1
		}
		if _, err := tun.RegisterQuick(res, nw.Port); err != nil {
			rollback()
			fmt.Fprintln(os.Stderr, cmd+" error:", err)
			return 1
		}
		tunnelURL = res.URL
	}

	fullURL := share.URL(nw, "/s/"+sh.ID)
	if cf.qr {
		printQR(fullURL)
	}
	fmt.Println(fullURL)
	if tunnelURL != "" {
		fmt.Println("tunnel:", tunnelURL+"/s/"+sh.ID)
	}
	fmt.Println("expires:", expiryLabel(sh.ExpiresAt, state.NowMs()))
	return 0
}

func printQR(text string) {
	q, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		fmt.Fprintln(os.Stderr, "qr error:", err)
		return
	}
	fmt.Println(q.ToString(false))
}

func runList(ctx context.Context, args []string) int {
	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ls error:", err)
		return 1
	}
	doc := e.store.Read()
	now := state.NowMs()

	ids := make([]string, 0, len(doc.Shares))
	for id := range doc.Shares {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sh := doc.Shares[id]
		fmt.Printf("%s\t%s\t%s\texpires=%s\n", sh.ID, sh.Type, shareTargetLabel(sh), expiryLabel(sh.ExpiresAt, now))
	}

	names := make([]string, 0, len(doc.Projects))
	for name := range doc.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := doc.Projects[name]
		target := p.Path
		if p.Port > 0 {
			target = "127.0.0.1:" + strconv.Itoa(p.Port)
		}
		fmt.Printf("%s\tproject\t%s\tstatus=%s\n", p.Name, target, orNone(p.Status))
	}

	if len(ids) == 0 && len(names) == 0 {
		fmt.Println("nothing shared")
	}
	return 0
}

func runRemove(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: tailserve rm <id|all|expired>")
		return 2
	}
	e, err := newEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "rm error:", err)
		return 1
	}

	var removed int
	switch args[0] {
	case "all":
		removed, err = e.shares().RemoveEphemeralShares()
	case "expired":
		removed, err = e.shares().RemoveExpiredShares(state.NowMs())
	default:
		removed, err = e.shares().RemoveShareByID(args[0])
		if err == nil && removed == 0 {
			fmt.Fprintln(os.Stderr, "rm error: no share with id", args[0])
			return 1
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "rm error:", err)
		return 1
	}
	fmt.Println("removed:", removed)
	return 0
}

func shareTargetLabel(sh state.Share) string {
	if sh.Proxied() {
		return "127.0.0.1:" + strconv.Itoa(sh.Port)
	}
	return sh.Path
}

// expiryLabel renders a human expiry: "never" for persisted records,
// "expired" once past, otherwise the remaining time.
func expiryLabel(expiresAt *int64, nowMs int64) string {
	if expiresAt == nil {
		return "never"
	}
	left := time.Duration(*expiresAt-nowMs) * time.Millisecond
	if left <= 0 {
		return "expired"
	}
	return "in " + shortDuration(left)
}

// shortDuration renders a duration as "2h30m", "45m", or "18h", dropping
// zero components that time.Duration.String keeps.
func shortDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "under a minute"
	}
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh%dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dm", m)
	}
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
