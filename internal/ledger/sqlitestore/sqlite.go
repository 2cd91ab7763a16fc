// Package sqlitestore is the durable ledger.Store backed by SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
)

// Store serializes transactions through a single connection, so commits
// never conflict; SQLITE_BUSY from other processes surfaces as a retryable
// STORAGE_FAILURE.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the handle for read-only tooling.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func initPragmas(db *sql.DB) error {
	// The ledger is authoritative, so commits are fsynced.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL CHECK (balance >= 0)
		);`,
		`CREATE INDEX IF NOT EXISTS accounts_balance_idx ON accounts(balance DESC);`,
		`CREATE TABLE IF NOT EXISTS items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			definition_id TEXT NOT NULL,
			owner TEXT NOT NULL,
			special_id TEXT NOT NULL DEFAULT '',
			attack INTEGER NOT NULL DEFAULT 0,
			health INTEGER NOT NULL DEFAULT 0,
			source TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL DEFAULT '',
			caught_at TEXT NOT NULL,
			trade_lock TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS items_owner_idx ON items(owner);`,
		`CREATE TABLE IF NOT EXISTS claim_tokens (
			spawn_id TEXT PRIMARY KEY,
			attempt_id TEXT NOT NULL,
			winner TEXT NOT NULL,
			item_id INTEGER NOT NULL,
			claimed_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS escrows (
			id TEXT PRIMARY KEY,
			payout TEXT NOT NULL,
			stakes_json TEXT NOT NULL,
			created_at TEXT NOT NULL,
			deadline TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS pack_inventory (
			account_id TEXT NOT NULL,
			pack_id TEXT NOT NULL,
			count INTEGER NOT NULL CHECK (count > 0),
			PRIMARY KEY (account_id, pack_id)
		);`,
		`CREATE TABLE IF NOT EXISTS pack_opens (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL,
			pack_id TEXT NOT NULL,
			opened_at TEXT NOT NULL,
			item_id INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS pack_opens_idx ON pack_opens(account_id, pack_id, opened_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (ledger.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return dexerr.Wrap(dexerr.CodeTimeout, op, err)
	}
	return dexerr.Wrap(dexerr.CodeStorageFailure, op, err)
}

// Fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func (t *sqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func (t *sqlTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (t *sqlTx) Account(id string) (ledger.Account, error) {
	if id == "" {
		return ledger.Account{}, dexerr.New(dexerr.CodeBadRequest, "empty account id")
	}
	a := ledger.Account{ID: id}
	err := t.tx.QueryRow(`SELECT balance FROM accounts WHERE id = ?`, id).Scan(&a.Balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return a, storageErr("account", err)
	}
	return a, nil
}

func (t *sqlTx) AdjustBalance(id string, delta int64) (int64, error) {
	a, err := t.Account(id)
	if err != nil {
		return 0, err
	}
	next := a.Balance + delta
	if next < 0 {
		return a.Balance, dexerr.Newf(dexerr.CodeInsufficientFunds, "account %s has %d, needs %d", id, a.Balance, -delta)
	}
	if err := t.SetBalance(id, next); err != nil {
		return a.Balance, err
	}
	return next, nil
}

func (t *sqlTx) SetBalance(id string, balance int64) error {
	if id == "" {
		return dexerr.New(dexerr.CodeBadRequest, "empty account id")
	}
	if balance < 0 {
		return dexerr.New(dexerr.CodeBadRequest, "negative balance")
	}
	_, err := t.tx.Exec(`INSERT INTO accounts(id, balance) VALUES(?, ?)
		ON CONFLICT(id) DO UPDATE SET balance = excluded.balance`, id, balance)
	if err != nil {
		return storageErr("set balance", err)
	}
	return nil
}

func (t *sqlTx) Accounts(limit int) ([]ledger.Account, error) {
	q := `SELECT id, balance FROM accounts ORDER BY balance DESC, id ASC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.tx.Query(q, args...)
	if err != nil {
		return nil, storageErr("accounts", err)
	}
	defer rows.Close()
	var out []ledger.Account
	for rows.Next() {
		var a ledger.Account
		if err := rows.Scan(&a.ID, &a.Balance); err != nil {
			return nil, storageErr("accounts", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("accounts", err)
	}
	return out, nil
}

const itemCols = `id, definition_id, owner, special_id, attack, health, source, channel, caught_at, trade_lock`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(r scanner) (ledger.ItemInstance, error) {
	var it ledger.ItemInstance
	var caught string
	err := r.Scan(&it.ID, &it.DefinitionID, &it.Owner, &it.SpecialID, &it.Attack, &it.Health, &it.Source, &it.Channel, &caught, &it.TradeLock)
	it.CaughtAt = parseTime(caught)
	return it, err
}

func (t *sqlTx) Item(id int64) (ledger.ItemInstance, error) {
	it, err := scanItem(t.tx.QueryRow(`SELECT `+itemCols+` FROM items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ItemInstance{}, dexerr.Newf(dexerr.CodeNotFound, "item %d not found", id)
	}
	if err != nil {
		return ledger.ItemInstance{}, storageErr("item", err)
	}
	return it, nil
}

func (t *sqlTx) queryItems(where string, args ...any) ([]ledger.ItemInstance, error) {
	rows, err := t.tx.Query(`SELECT `+itemCols+` FROM items `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, storageErr("items", err)
	}
	defer rows.Close()
	var out []ledger.ItemInstance
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, storageErr("items", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("items", err)
	}
	return out, nil
}

func (t *sqlTx) ItemsOwnedBy(owner string) ([]ledger.ItemInstance, error) {
	return t.queryItems(`WHERE owner = ?`, owner)
}

func (t *sqlTx) Items() ([]ledger.ItemInstance, error) {
	return t.queryItems(``)
}

func (t *sqlTx) MintItem(it ledger.ItemInstance) (ledger.ItemInstance, error) {
	if it.Owner == "" || it.DefinitionID == "" {
		return ledger.ItemInstance{}, dexerr.New(dexerr.CodeBadRequest, "mint needs owner and definition")
	}
	if it.CaughtAt.IsZero() {
		it.CaughtAt = time.Now().UTC()
	}
	res, err := t.tx.Exec(`INSERT INTO items(definition_id, owner, special_id, attack, health, source, channel, caught_at, trade_lock)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.DefinitionID, it.Owner, it.SpecialID, it.Attack, it.Health, it.Source, it.Channel, formatTime(it.CaughtAt), it.TradeLock)
	if err != nil {
		return ledger.ItemInstance{}, storageErr("mint", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return ledger.ItemInstance{}, storageErr("mint", err)
	}
	it.ID = id
	return it, nil
}

func (t *sqlTx) updateItem(op, q string, args ...any) error {
	res, err := t.tx.Exec(q, args...)
	if err != nil {
		return storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return dexerr.Newf(dexerr.CodeNotFound, "item %v not found", args[len(args)-1])
	}
	return nil
}

func (t *sqlTx) SetOwner(itemID int64, owner string) error {
	if owner == "" {
		return dexerr.New(dexerr.CodeBadRequest, "empty owner")
	}
	return t.updateItem("set owner", `UPDATE items SET owner = ? WHERE id = ?`, owner, itemID)
}

func (t *sqlTx) SetTradeLock(itemID int64, holder string) error {
	return t.updateItem("set trade lock", `UPDATE items SET trade_lock = ? WHERE id = ?`, holder, itemID)
}

func (t *sqlTx) ClearTradeLocks() (int, error) {
	res, err := t.tx.Exec(`UPDATE items SET trade_lock = '' WHERE trade_lock <> ''`)
	if err != nil {
		return 0, storageErr("clear trade locks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("clear trade locks", err)
	}
	return int(n), nil
}

func (t *sqlTx) ClaimToken(spawnID string) (ledger.ClaimToken, bool, error) {
	tok := ledger.ClaimToken{SpawnID: spawnID}
	var at string
	err := t.tx.QueryRow(`SELECT attempt_id, winner, item_id, claimed_at FROM claim_tokens WHERE spawn_id = ?`, spawnID).
		Scan(&tok.AttemptID, &tok.Winner, &tok.ItemID, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ClaimToken{}, false, nil
	}
	if err != nil {
		return ledger.ClaimToken{}, false, storageErr("claim token", err)
	}
	tok.ClaimedAt = parseTime(at)
	return tok, true, nil
}

func (t *sqlTx) PutClaimToken(tok ledger.ClaimToken) error {
	if tok.SpawnID == "" {
		return dexerr.New(dexerr.CodeBadRequest, "empty spawn id")
	}
	res, err := t.tx.Exec(`INSERT INTO claim_tokens(spawn_id, attempt_id, winner, item_id, claimed_at)
		VALUES(?, ?, ?, ?, ?) ON CONFLICT(spawn_id) DO NOTHING`,
		tok.SpawnID, tok.AttemptID, tok.Winner, tok.ItemID, formatTime(tok.ClaimedAt))
	if err != nil {
		return storageErr("put claim token", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dexerr.Newf(dexerr.CodeStateConflict, "spawn %s already claimed", tok.SpawnID)
	}
	return nil
}

func (t *sqlTx) Escrow(id string) (ledger.EscrowRecord, bool, error) {
	rec, err := scanEscrow(t.tx.QueryRow(`SELECT id, payout, stakes_json, created_at, deadline FROM escrows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.EscrowRecord{}, false, nil
	}
	if err != nil {
		return ledger.EscrowRecord{}, false, storageErr("escrow", err)
	}
	return rec, true, nil
}

func scanEscrow(r scanner) (ledger.EscrowRecord, error) {
	var rec ledger.EscrowRecord
	var stakes, created, deadline string
	if err := r.Scan(&rec.ID, &rec.Payout, &stakes, &created, &deadline); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(stakes), &rec.Stakes); err != nil {
		return rec, fmt.Errorf("escrow %s stakes: %w", rec.ID, err)
	}
	rec.CreatedAt = parseTime(created)
	rec.Deadline = parseTime(deadline)
	return rec, nil
}

func (t *sqlTx) Escrows() ([]ledger.EscrowRecord, error) {
	rows, err := t.tx.Query(`SELECT id, payout, stakes_json, created_at, deadline FROM escrows ORDER BY id`)
	if err != nil {
		return nil, storageErr("escrows", err)
	}
	defer rows.Close()
	var out []ledger.EscrowRecord
	for rows.Next() {
		rec, err := scanEscrow(rows)
		if err != nil {
			return nil, storageErr("escrows", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("escrows", err)
	}
	return out, nil
}

func (t *sqlTx) PutEscrow(rec ledger.EscrowRecord) error {
	if rec.ID == "" {
		return dexerr.New(dexerr.CodeBadRequest, "empty escrow id")
	}
	stakes, err := json.Marshal(rec.Stakes)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`INSERT INTO escrows(id, payout, stakes_json, created_at, deadline) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payout = excluded.payout, stakes_json = excluded.stakes_json,
			created_at = excluded.created_at, deadline = excluded.deadline`,
		rec.ID, rec.Payout, string(stakes), formatTime(rec.CreatedAt), formatTime(rec.Deadline))
	if err != nil {
		return storageErr("put escrow", err)
	}
	return nil
}

func (t *sqlTx) DeleteEscrow(id string) error {
	if _, err := t.tx.Exec(`DELETE FROM escrows WHERE id = ?`, id); err != nil {
		return storageErr("delete escrow", err)
	}
	return nil
}

func (t *sqlTx) PackCount(accountID, packID string) (int, error) {
	var n int
	err := t.tx.QueryRow(`SELECT count FROM pack_inventory WHERE account_id = ? AND pack_id = ?`, accountID, packID).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, storageErr("pack count", err)
	}
	return n, nil
}

func (t *sqlTx) AdjustPacks(accountID, packID string, delta int) (int, error) {
	n, err := t.PackCount(accountID, packID)
	if err != nil {
		return 0, err
	}
	if n+delta < 0 {
		return n, dexerr.Newf(dexerr.CodeInsufficientFunds, "account %s has %d of pack %s", accountID, n, packID)
	}
	n += delta
	if n == 0 {
		_, err = t.tx.Exec(`DELETE FROM pack_inventory WHERE account_id = ? AND pack_id = ?`, accountID, packID)
	} else {
		_, err = t.tx.Exec(`INSERT INTO pack_inventory(account_id, pack_id, count) VALUES(?, ?, ?)
			ON CONFLICT(account_id, pack_id) DO UPDATE SET count = excluded.count`, accountID, packID, n)
	}
	if err != nil {
		return 0, storageErr("adjust packs", err)
	}
	return n, nil
}

func (t *sqlTx) PackInventory(accountID string) (map[string]int, error) {
	rows, err := t.tx.Query(`SELECT pack_id, count FROM pack_inventory WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, storageErr("pack inventory", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, storageErr("pack inventory", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("pack inventory", err)
	}
	return out, nil
}

func (t *sqlTx) PackOpensSince(accountID, packID string, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(`SELECT COUNT(*) FROM pack_opens WHERE account_id = ? AND pack_id = ? AND opened_at >= ?`,
		accountID, packID, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, storageErr("pack opens", err)
	}
	return n, nil
}

func (t *sqlTx) RecordPackOpen(o ledger.PackOpen) error {
	_, err := t.tx.Exec(`INSERT INTO pack_opens(account_id, pack_id, opened_at, item_id) VALUES(?, ?, ?, ?)`,
		o.AccountID, o.PackID, formatTime(o.OpenedAt), o.ItemID)
	if err != nil {
		return storageErr("record pack open", err)
	}
	return nil
}
