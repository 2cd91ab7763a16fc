package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"catchdex.io/internal/dexerr"
)

var errConflict = errors.New("write conflict")

// MemStore is an in-memory Store using optimistic concurrency control.
// Transactions read committed rows without holding any lock, buffer their
// writes, and validate their read set at commit; a concurrent change to
// anything they read fails the commit with a retryable STORAGE_FAILURE.
type MemStore struct {
	mu     sync.RWMutex
	rows   map[string]memRow
	tables map[string]uint64
	clock  uint64

	nextItem atomic.Int64
	nextOpen atomic.Int64
	closed   atomic.Bool
}

type memRow struct {
	val any
	ver uint64
}

type tombstone struct{}

func NewMemStore() *MemStore {
	return &MemStore{
		rows:   map[string]memRow{},
		tables: map[string]uint64{},
	}
}

func (s *MemStore) Begin(ctx context.Context) (Tx, error) {
	if s.closed.Load() {
		return nil, dexerr.New(dexerr.CodeStorageFailure, "store closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, dexerr.Wrap(dexerr.CodeTimeout, "begin", err)
	}
	return &memTx{
		s:      s,
		reads:  map[string]uint64{},
		tables: map[string]uint64{},
		writes: map[string]any{},
	}, nil
}

func (s *MemStore) Close() error {
	s.closed.Store(true)
	return nil
}

func tableOf(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}

type memTx struct {
	s      *MemStore
	reads  map[string]uint64
	tables map[string]uint64
	writes map[string]any
	done   bool
}

func (tx *memTx) get(key string) (any, bool) {
	if w, ok := tx.writes[key]; ok {
		if _, dead := w.(tombstone); dead {
			return nil, false
		}
		return w, true
	}
	tx.s.mu.RLock()
	r, ok := tx.s.rows[key]
	tx.s.mu.RUnlock()
	if _, seen := tx.reads[key]; !seen {
		tx.reads[key] = r.ver
	}
	if !ok {
		return nil, false
	}
	return r.val, true
}

func (tx *memTx) put(key string, v any) { tx.writes[key] = v }

func (tx *memTx) del(key string) { tx.writes[key] = tombstone{} }

// scan returns every row under prefix, merged with this tx's writes.
func (tx *memTx) scan(prefix string) map[string]any {
	table := tableOf(prefix)
	out := map[string]any{}
	tx.s.mu.RLock()
	if _, seen := tx.tables[table]; !seen {
		tx.tables[table] = tx.s.tables[table]
	}
	for k, r := range tx.s.rows {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, seen := tx.reads[k]; !seen {
			tx.reads[k] = r.ver
		}
		out[k] = r.val
	}
	tx.s.mu.RUnlock()
	for k, w := range tx.writes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, dead := w.(tombstone); dead {
			delete(out, k)
			continue
		}
		out[k] = w
	}
	return out
}

func (tx *memTx) Commit() error {
	if tx.done {
		return dexerr.New(dexerr.CodeStateConflict, "transaction already finished")
	}
	tx.done = true
	s := tx.s
	if s.closed.Load() {
		return dexerr.New(dexerr.CodeStorageFailure, "store closed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ver := range tx.reads {
		if s.rows[k].ver != ver {
			return dexerr.Wrap(dexerr.CodeStorageFailure, "commit", errConflict)
		}
	}
	for t, ver := range tx.tables {
		if s.tables[t] != ver {
			return dexerr.Wrap(dexerr.CodeStorageFailure, "commit", errConflict)
		}
	}
	for k, w := range tx.writes {
		s.clock++
		_, existed := s.rows[k]
		if _, dead := w.(tombstone); dead {
			if existed {
				delete(s.rows, k)
				s.tables[tableOf(k)]++
			}
			continue
		}
		s.rows[k] = memRow{val: w, ver: s.clock}
		if !existed {
			s.tables[tableOf(k)]++
		}
	}
	return nil
}

func (tx *memTx) Rollback() error {
	tx.done = true
	tx.writes = nil
	return nil
}

func accountKey(id string) string { return "a/" + id }

func itemKey(id int64) string { return fmt.Sprintf("i/%d", id) }

func tokenKey(spawn string) string { return "t/" + spawn }

func escrowKey(id string) string { return "e/" + id }

func packKey(acct, pack string) string { return "p/" + acct + "|" + pack }

func openPrefix(acct, pack string) string { return "o/" + acct + "|" + pack + "|" }

func (tx *memTx) Account(id string) (Account, error) {
	if id == "" {
		return Account{}, dexerr.New(dexerr.CodeBadRequest, "empty account id")
	}
	v, ok := tx.get(accountKey(id))
	if !ok {
		return Account{ID: id}, nil
	}
	return v.(Account), nil
}

func (tx *memTx) AdjustBalance(id string, delta int64) (int64, error) {
	acct, err := tx.Account(id)
	if err != nil {
		return 0, err
	}
	next := acct.Balance + delta
	if next < 0 {
		return acct.Balance, dexerr.Newf(dexerr.CodeInsufficientFunds, "account %s has %d, needs %d", id, acct.Balance, -delta)
	}
	acct.Balance = next
	tx.put(accountKey(id), acct)
	return next, nil
}

func (tx *memTx) SetBalance(id string, balance int64) error {
	if balance < 0 {
		return dexerr.New(dexerr.CodeBadRequest, "negative balance")
	}
	if id == "" {
		return dexerr.New(dexerr.CodeBadRequest, "empty account id")
	}
	tx.put(accountKey(id), Account{ID: id, Balance: balance})
	return nil
}

func (tx *memTx) Accounts(limit int) ([]Account, error) {
	rows := tx.scan("a/")
	out := make([]Account, 0, len(rows))
	for _, v := range rows {
		out = append(out, v.(Account))
	}
	sortAccounts(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortAccounts(accts []Account) {
	sort.Slice(accts, func(i, j int) bool {
		if accts[i].Balance != accts[j].Balance {
			return accts[i].Balance > accts[j].Balance
		}
		return accts[i].ID < accts[j].ID
	})
}

func (tx *memTx) Item(id int64) (ItemInstance, error) {
	v, ok := tx.get(itemKey(id))
	if !ok {
		return ItemInstance{}, dexerr.Newf(dexerr.CodeNotFound, "item %d not found", id)
	}
	return v.(ItemInstance), nil
}

func (tx *memTx) items(filter func(ItemInstance) bool) []ItemInstance {
	rows := tx.scan("i/")
	out := make([]ItemInstance, 0, len(rows))
	for _, v := range rows {
		it := v.(ItemInstance)
		if filter == nil || filter(it) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (tx *memTx) ItemsOwnedBy(owner string) ([]ItemInstance, error) {
	return tx.items(func(it ItemInstance) bool { return it.Owner == owner }), nil
}

func (tx *memTx) Items() ([]ItemInstance, error) {
	return tx.items(nil), nil
}

func (tx *memTx) MintItem(it ItemInstance) (ItemInstance, error) {
	if it.Owner == "" || it.DefinitionID == "" {
		return ItemInstance{}, dexerr.New(dexerr.CodeBadRequest, "mint needs owner and definition")
	}
	it.ID = tx.s.nextItem.Add(1)
	if it.CaughtAt.IsZero() {
		it.CaughtAt = time.Now().UTC()
	}
	tx.put(itemKey(it.ID), it)
	return it, nil
}

func (tx *memTx) SetOwner(itemID int64, owner string) error {
	if owner == "" {
		return dexerr.New(dexerr.CodeBadRequest, "empty owner")
	}
	it, err := tx.Item(itemID)
	if err != nil {
		return err
	}
	it.Owner = owner
	tx.put(itemKey(itemID), it)
	return nil
}

func (tx *memTx) SetTradeLock(itemID int64, holder string) error {
	it, err := tx.Item(itemID)
	if err != nil {
		return err
	}
	it.TradeLock = holder
	tx.put(itemKey(itemID), it)
	return nil
}

func (tx *memTx) ClearTradeLocks() (int, error) {
	n := 0
	for _, it := range tx.items(func(it ItemInstance) bool { return it.Locked() }) {
		it.TradeLock = ""
		tx.put(itemKey(it.ID), it)
		n++
	}
	return n, nil
}

func (tx *memTx) ClaimToken(spawnID string) (ClaimToken, bool, error) {
	v, ok := tx.get(tokenKey(spawnID))
	if !ok {
		return ClaimToken{}, false, nil
	}
	return v.(ClaimToken), true, nil
}

func (tx *memTx) PutClaimToken(tok ClaimToken) error {
	if tok.SpawnID == "" {
		return dexerr.New(dexerr.CodeBadRequest, "empty spawn id")
	}
	if _, ok := tx.get(tokenKey(tok.SpawnID)); ok {
		return dexerr.Newf(dexerr.CodeStateConflict, "spawn %s already claimed", tok.SpawnID)
	}
	tx.put(tokenKey(tok.SpawnID), tok)
	return nil
}

func (tx *memTx) Escrow(id string) (EscrowRecord, bool, error) {
	v, ok := tx.get(escrowKey(id))
	if !ok {
		return EscrowRecord{}, false, nil
	}
	return cloneEscrow(v.(EscrowRecord)), true, nil
}

func (tx *memTx) Escrows() ([]EscrowRecord, error) {
	rows := tx.scan("e/")
	out := make([]EscrowRecord, 0, len(rows))
	for _, v := range rows {
		out = append(out, cloneEscrow(v.(EscrowRecord)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) PutEscrow(rec EscrowRecord) error {
	if rec.ID == "" {
		return dexerr.New(dexerr.CodeBadRequest, "empty escrow id")
	}
	tx.put(escrowKey(rec.ID), cloneEscrow(rec))
	return nil
}

func (tx *memTx) DeleteEscrow(id string) error {
	tx.del(escrowKey(id))
	return nil
}

func cloneEscrow(rec EscrowRecord) EscrowRecord {
	stakes := make([]Stake, len(rec.Stakes))
	for i, st := range rec.Stakes {
		st.Items = append([]int64(nil), st.Items...)
		stakes[i] = st
	}
	rec.Stakes = stakes
	return rec
}

func (tx *memTx) PackCount(accountID, packID string) (int, error) {
	v, ok := tx.get(packKey(accountID, packID))
	if !ok {
		return 0, nil
	}
	return v.(int), nil
}

func (tx *memTx) AdjustPacks(accountID, packID string, delta int) (int, error) {
	n, err := tx.PackCount(accountID, packID)
	if err != nil {
		return 0, err
	}
	if n+delta < 0 {
		return n, dexerr.Newf(dexerr.CodeInsufficientFunds, "account %s has %d of pack %s", accountID, n, packID)
	}
	n += delta
	if n == 0 {
		tx.del(packKey(accountID, packID))
	} else {
		tx.put(packKey(accountID, packID), n)
	}
	return n, nil
}

func (tx *memTx) PackInventory(accountID string) (map[string]int, error) {
	prefix := "p/" + accountID + "|"
	out := map[string]int{}
	for k, v := range tx.scan(prefix) {
		out[strings.TrimPrefix(k, prefix)] = v.(int)
	}
	return out, nil
}

func (tx *memTx) PackOpensSince(accountID, packID string, since time.Time) (int, error) {
	n := 0
	for _, v := range tx.scan(openPrefix(accountID, packID)) {
		if !v.(PackOpen).OpenedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) RecordPackOpen(o PackOpen) error {
	seq := tx.s.nextOpen.Add(1)
	tx.put(fmt.Sprintf("%s%d", openPrefix(o.AccountID, o.PackID), seq), o)
	return nil
}
