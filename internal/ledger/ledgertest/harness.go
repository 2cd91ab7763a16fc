// Package ledgertest holds helpers for driving a ledger.Store from tests in
// other packages, plus a conformance suite every Store engine must pass.
package ledgertest

import (
	"context"
	"testing"
	"time"

	"catchdex.io/internal/ledger"
)

// Harness seeds and inspects a store through its public Tx API only.
type Harness struct {
	T     *testing.T
	Store ledger.Store
}

func New(t *testing.T, s ledger.Store) *Harness {
	t.Helper()
	if s == nil {
		s = ledger.NewMemStore()
	}
	t.Cleanup(func() { _ = s.Close() })
	return &Harness{T: t, Store: s}
}

func (h *Harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	h.T.Cleanup(cancel)
	return ctx
}

func (h *Harness) update(fn func(tx ledger.Tx) error) {
	h.T.Helper()
	if err := ledger.Run(h.ctx(), h.Store, ledger.DefaultRetries, fn); err != nil {
		h.T.Fatalf("ledger update: %v", err)
	}
}

func (h *Harness) view(fn func(tx ledger.Tx) error) {
	h.T.Helper()
	if err := ledger.View(h.ctx(), h.Store, fn); err != nil {
		h.T.Fatalf("ledger view: %v", err)
	}
}

func (h *Harness) Fund(accountID string, amount int64) {
	h.T.Helper()
	h.update(func(tx ledger.Tx) error {
		_, err := tx.AdjustBalance(accountID, amount)
		return err
	})
}

func (h *Harness) Mint(owner, definitionID string) ledger.ItemInstance {
	h.T.Helper()
	var out ledger.ItemInstance
	h.update(func(tx ledger.Tx) error {
		it, err := tx.MintItem(ledger.ItemInstance{
			DefinitionID: definitionID,
			Owner:        owner,
			Source:       ledger.SourceSpawn,
			CaughtAt:     time.Now().UTC(),
		})
		out = it
		return err
	})
	return out
}

func (h *Harness) GivePacks(accountID, packID string, n int) {
	h.T.Helper()
	h.update(func(tx ledger.Tx) error {
		_, err := tx.AdjustPacks(accountID, packID, n)
		return err
	})
}

func (h *Harness) Balance(accountID string) int64 {
	h.T.Helper()
	var bal int64
	h.view(func(tx ledger.Tx) error {
		a, err := tx.Account(accountID)
		bal = a.Balance
		return err
	})
	return bal
}

func (h *Harness) Item(id int64) ledger.ItemInstance {
	h.T.Helper()
	var it ledger.ItemInstance
	h.view(func(tx ledger.Tx) error {
		var err error
		it, err = tx.Item(id)
		return err
	})
	return it
}

func (h *Harness) Owner(itemID int64) string {
	h.T.Helper()
	return h.Item(itemID).Owner
}

func (h *Harness) OwnedBy(owner string) []ledger.ItemInstance {
	h.T.Helper()
	var out []ledger.ItemInstance
	h.view(func(tx ledger.Tx) error {
		var err error
		out, err = tx.ItemsOwnedBy(owner)
		return err
	})
	return out
}

// TotalCoins sums every account balance, escrow and system holders included.
func (h *Harness) TotalCoins() int64 {
	h.T.Helper()
	var total int64
	h.view(func(tx ledger.Tx) error {
		accts, err := tx.Accounts(0)
		for _, a := range accts {
			total += a.Balance
		}
		return err
	})
	return total
}

func (h *Harness) ItemCount() int {
	h.T.Helper()
	var n int
	h.view(func(tx ledger.Tx) error {
		items, err := tx.Items()
		n = len(items)
		return err
	})
	return n
}

func (h *Harness) Escrows() []ledger.EscrowRecord {
	h.T.Helper()
	var out []ledger.EscrowRecord
	h.view(func(tx ledger.Tx) error {
		var err error
		out, err = tx.Escrows()
		return err
	})
	return out
}
