// Command admin inspects a catchdex ledger and talks to the admin endpoints
// of a running server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"catchdex.io/internal/ledger/sqlitestore"
	"catchdex.io/internal/persistence/audit"
	"catchdex.io/internal/persistence/snapshot"
)

const usage = `usage: admin <command> [flags]

offline (reads files under -data):
  db [accounts|items|escrows|packs|opens|claims]   query the ledger
  snapshot export|show|list                        ledger snapshots
  audit [-n N]                                     newest audit entries

live (talks to -url):
  state | trades | wagers | leaderboard            server state
  snapshot take                                    snapshot from the server
  coins grant|revoke|set -account ID -amount N     operator balance change
  spawn -channel C [-item ID]                      force a spawn`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "db":
		dbCmd(args)
	case "snapshot":
		snapshotCmd(args)
	case "audit":
		auditCmd(args)
	case "state", "trades", "wagers", "leaderboard":
		getCmd(os.Args[1], args)
	case "coins":
		coinsCmd(args)
	case "spawn":
		spawnCmd(args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func snapshotCmd(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: admin snapshot export|show|list|take")
		os.Exit(2)
	}
	switch args[0] {
	case "export":
		exportCmd(args[1:])
	case "show":
		showCmd(args[1:])
	case "list":
		listCmd(args[1:])
	case "take":
		remoteSnapshotCmd(args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown snapshot command:", args[0])
		os.Exit(2)
	}
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("snapshot export", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "ledger sqlite path (default: <data>/ledger.sqlite)")
	outPath := fs.String("out", "", "output path (default: <data>/snapshots/<name>)")
	_ = fs.Parse(args)

	path := ledgerPath(*dataDir, *dbPath)
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "ledger:", err)
		os.Exit(1)
	}
	store, err := sqlitestore.Open(path)
	exitOn("open", err)
	defer store.Close()

	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	snap, err := snapshot.Export(ctx, store, "admin:"+filepath.Base(path), now)
	exitOn("export", err)

	out := strings.TrimSpace(*outPath)
	if out == "" {
		out = filepath.Join(*dataDir, "snapshots", snapshot.FileName(now))
	}
	exitOn("write", snapshot.WriteSnapshot(out, snap))
	fmt.Println(out)
	printSummary(out, snap.Summary())
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("snapshot show", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	asJSON := fs.Bool("json", false, "print the full snapshot as JSON")
	_ = fs.Parse(args)

	path := strings.TrimSpace(fs.Arg(0))
	if path == "" {
		latest, err := snapshot.Latest(filepath.Join(*dataDir, "snapshots"))
		exitOn("latest", err)
		if latest == "" {
			fmt.Fprintln(os.Stderr, "no snapshots found")
			os.Exit(2)
		}
		path = latest
	}
	snap, err := snapshot.ReadSnapshot(path)
	exitOn("read", err)
	if *asJSON {
		printJSON(snap)
		return
	}
	printSummary(path, snap.Summary())
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("snapshot list", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	matches, err := filepath.Glob(filepath.Join(*dataDir, "snapshots", "ledger-*.snap.zst"))
	exitOn("list", err)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", filepath.Base(m), humanize.Bytes(uint64(st.Size())), humanize.Time(st.ModTime()))
	}
}

func printSummary(path string, s snapshot.Summary) {
	size := "?"
	if st, err := os.Stat(path); err == nil {
		size = humanize.Bytes(uint64(st.Size()))
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	fmt.Fprintf(tw, "file\t%s (%s)\n", filepath.Base(path), size)
	fmt.Fprintf(tw, "taken\t%s (%s)\n", s.TakenAt.Format(time.RFC3339), humanize.Time(s.TakenAt))
	fmt.Fprintf(tw, "accounts\t%s\n", humanize.Comma(int64(s.Accounts)))
	fmt.Fprintf(tw, "coins\t%s\n", humanize.Comma(s.Coins))
	fmt.Fprintf(tw, "items\t%s (%s sold to the house, %s trade-locked)\n", humanize.Comma(int64(s.Items)), humanize.Comma(int64(s.HouseItems)), humanize.Comma(int64(s.LockedItems)))
	fmt.Fprintf(tw, "escrows\t%d\n", s.Escrows)
	fmt.Fprintf(tw, "unopened packs\t%s\n", humanize.Comma(int64(s.Packs)))
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dir := fs.String("dir", "", "audit directory (default: <data>/audit)")
	n := fs.Int("n", 50, "entries")
	action := fs.String("action", "", "only this action (e.g. TRADE)")
	_ = fs.Parse(args)

	d := strings.TrimSpace(*dir)
	if d == "" {
		d = filepath.Join(*dataDir, "audit")
	}
	if *action == "" {
		entries, err := audit.Tail(d, *n)
		exitOn("audit", err)
		for _, e := range entries {
			printJSON(e)
		}
		return
	}
	files, err := audit.Files(d)
	exitOn("audit", err)
	var out []audit.Entry
	for _, f := range files {
		exitOn("audit", audit.ReadFile(f, func(e audit.Entry) error {
			if strings.EqualFold(e.Action, *action) {
				out = append(out, e)
			}
			return nil
		}))
	}
	if len(out) > *n {
		out = out[len(out)-*n:]
	}
	for _, e := range out {
		printJSON(e)
	}
}
