package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd runs read-only queries against a ledger file. It is safe to use
// while the server runs; sqlite serializes access.
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "ledger sqlite path (default: <data>/ledger.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	owner := fs.String("owner", "", "owner / account filter (items, packs, opens)")
	_ = fs.Parse(args)

	q := "accounts"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	db := openLedgerDB(*dataDir, *dbPath)
	defer db.Close()

	switch q {
	case "accounts":
		rows, err := db.Query(`SELECT id,balance FROM accounts ORDER BY balance DESC, id LIMIT ?`, *limit)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID      string `json:"id"`
				Balance int64  `json:"balance"`
			}
			exitOn("scan", rows.Scan(&r.ID, &r.Balance))
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	case "items":
		query := `SELECT id,definition_id,owner,special_id,attack,health,source,channel,caught_at,trade_lock FROM items ORDER BY id DESC LIMIT ?`
		qargs := []any{*limit}
		if o := strings.TrimSpace(*owner); o != "" {
			query = `SELECT id,definition_id,owner,special_id,attack,health,source,channel,caught_at,trade_lock FROM items WHERE owner=? ORDER BY id DESC LIMIT ?`
			qargs = []any{o, *limit}
		}
		rows, err := db.Query(query, qargs...)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID         int64  `json:"id"`
				Definition string `json:"definition"`
				Owner      string `json:"owner"`
				Special    string `json:"special,omitempty"`
				Attack     int    `json:"attack"`
				Health     int    `json:"health"`
				Source     string `json:"source"`
				Channel    string `json:"channel,omitempty"`
				CaughtAt   string `json:"caught_at"`
				TradeLock  string `json:"trade_lock,omitempty"`
			}
			exitOn("scan", rows.Scan(&r.ID, &r.Definition, &r.Owner, &r.Special, &r.Attack, &r.Health, &r.Source, &r.Channel, &r.CaughtAt, &r.TradeLock))
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	case "escrows":
		rows, err := db.Query(`SELECT id,payout,stakes_json,created_at,deadline FROM escrows ORDER BY created_at LIMIT ?`, *limit)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID        string          `json:"id"`
				Payout    string          `json:"payout"`
				Stakes    json.RawMessage `json:"stakes"`
				CreatedAt string          `json:"created_at"`
				Deadline  string          `json:"deadline"`
			}
			var stakes string
			exitOn("scan", rows.Scan(&r.ID, &r.Payout, &stakes, &r.CreatedAt, &r.Deadline))
			r.Stakes = json.RawMessage(stakes)
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	case "packs":
		query := `SELECT account_id,pack_id,count FROM pack_inventory ORDER BY account_id, pack_id LIMIT ?`
		qargs := []any{*limit}
		if o := strings.TrimSpace(*owner); o != "" {
			query = `SELECT account_id,pack_id,count FROM pack_inventory WHERE account_id=? ORDER BY pack_id LIMIT ?`
			qargs = []any{o, *limit}
		}
		rows, err := db.Query(query, qargs...)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Account string `json:"account"`
				Pack    string `json:"pack"`
				Count   int    `json:"count"`
			}
			exitOn("scan", rows.Scan(&r.Account, &r.Pack, &r.Count))
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	case "opens":
		query := `SELECT account_id,pack_id,opened_at,item_id FROM pack_opens ORDER BY seq DESC LIMIT ?`
		qargs := []any{*limit}
		if o := strings.TrimSpace(*owner); o != "" {
			query = `SELECT account_id,pack_id,opened_at,item_id FROM pack_opens WHERE account_id=? ORDER BY seq DESC LIMIT ?`
			qargs = []any{o, *limit}
		}
		rows, err := db.Query(query, qargs...)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Account  string `json:"account"`
				Pack     string `json:"pack"`
				OpenedAt string `json:"opened_at"`
				ItemID   int64  `json:"item_id"`
			}
			exitOn("scan", rows.Scan(&r.Account, &r.Pack, &r.OpenedAt, &r.ItemID))
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	case "claims":
		rows, err := db.Query(`SELECT spawn_id,attempt_id,winner,item_id,claimed_at FROM claim_tokens ORDER BY claimed_at DESC LIMIT ?`, *limit)
		exitOn("query", err)
		defer rows.Close()
		for rows.Next() {
			var r struct {
				SpawnID   string `json:"spawn_id"`
				AttemptID string `json:"attempt_id"`
				Winner    string `json:"winner"`
				ItemID    int64  `json:"item_id"`
				ClaimedAt string `json:"claimed_at"`
			}
			exitOn("scan", rows.Scan(&r.SpawnID, &r.AttemptID, &r.Winner, &r.ItemID, &r.ClaimedAt))
			printJSON(r)
		}
		exitOn("rows", rows.Err())

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-limit N] [-owner ID] accounts|items|escrows|packs|opens|claims")
		os.Exit(2)
	}
}

func ledgerPath(dataDir, dbPath string) string {
	if p := strings.TrimSpace(dbPath); p != "" {
		return p
	}
	return filepath.Join(dataDir, "ledger.sqlite")
}

func openLedgerDB(dataDir, dbPath string) *sql.DB {
	path := ledgerPath(dataDir, dbPath)
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "ledger:", err)
		os.Exit(1)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	exitOn("open", err)
	return db
}

func exitOn(what string, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, what+":", err)
		os.Exit(1)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
