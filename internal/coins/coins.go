// Package coins moves currency between participants and buys items back
// into the house.
package coins

import (
	"context"
	"io"
	"log"
	"math"

	"catchdex.io/internal/catalog"
	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
)

const DefaultLeaderboard = 10

type Bank struct {
	store   ledger.Store
	cat     *catalog.Catalog
	retries int
	log     *log.Logger
}

func NewBank(store ledger.Store, cat *catalog.Catalog, retries int, logger *log.Logger) *Bank {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Bank{store: store, cat: cat, retries: retries, log: logger}
}

type Transfer struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      int64  `json:"amount"`
	FromBalance int64  `json:"from_balance"`
	ToBalance   int64  `json:"to_balance"`
}

// Sale reports a quicksell. Skipped lists items that could not be sold.
type Sale struct {
	Sold    []int64 `json:"sold"`
	Skipped []int64 `json:"skipped,omitempty"`
	Coins   int64   `json:"coins"`
	Balance int64   `json:"balance"`
}

func (b *Bank) Balance(ctx context.Context, participant string) (int64, error) {
	var bal int64
	err := ledger.View(ctx, b.store, func(tx ledger.Tx) error {
		a, err := tx.Account(participant)
		bal = a.Balance
		return err
	})
	return bal, err
}

// Give moves amount coins from one participant to another.
func (b *Bank) Give(ctx context.Context, from, to string, amount int64) (Transfer, error) {
	if !ledger.IsParticipant(from) || !ledger.IsParticipant(to) {
		return Transfer{}, dexerr.New(dexerr.CodeBadRequest, "coins move between participants")
	}
	if from == to {
		return Transfer{}, dexerr.New(dexerr.CodeBadRequest, "cannot give coins to yourself")
	}
	if amount < 1 {
		return Transfer{}, dexerr.New(dexerr.CodeBadRequest, "amount must be at least 1")
	}
	out := Transfer{From: from, To: to, Amount: amount}
	err := ledger.Run(ctx, b.store, b.retries, func(tx ledger.Tx) error {
		var err error
		if out.FromBalance, err = tx.AdjustBalance(from, -amount); err != nil {
			return err
		}
		out.ToBalance, err = tx.AdjustBalance(to, amount)
		return err
	})
	if err != nil {
		return Transfer{}, err
	}
	b.log.Printf("give %d from %s to %s", amount, from, to)
	return out, nil
}

// Value is what the house pays for it: the definition's sell value, times
// the special's multiplier if it carries one, rounded down.
func (b *Bank) Value(it ledger.ItemInstance) int64 {
	def, ok := b.cat.Item(it.DefinitionID)
	if !ok {
		return 0
	}
	if it.SpecialID == "" {
		return def.SellValue
	}
	mult := catalog.DefaultSellMultiplier
	if s, ok := b.cat.Special(it.SpecialID); ok {
		mult = s.SellMultiplier
	}
	return int64(math.Floor(float64(def.SellValue) * mult))
}

// Sell quicksells one item. The owner must hold it outside any trade.
func (b *Bank) Sell(ctx context.Context, owner string, itemID int64) (Sale, error) {
	sale, err := b.sell(ctx, owner, []int64{itemID}, true)
	if err != nil {
		return Sale{}, err
	}
	return sale, nil
}

// BulkSell quicksells every sellable item among itemIDs in one transaction
// and reports the rest as skipped.
func (b *Bank) BulkSell(ctx context.Context, owner string, itemIDs []int64) (Sale, error) {
	if len(itemIDs) == 0 {
		return Sale{}, dexerr.New(dexerr.CodeBadRequest, "no items given")
	}
	return b.sell(ctx, owner, itemIDs, false)
}

func (b *Bank) sell(ctx context.Context, owner string, itemIDs []int64, strict bool) (Sale, error) {
	if !ledger.IsParticipant(owner) {
		return Sale{}, dexerr.Newf(dexerr.CodeBadRequest, "%q is not a participant", owner)
	}
	var sale Sale
	err := ledger.Run(ctx, b.store, b.retries, func(tx ledger.Tx) error {
		sale = Sale{}
		seen := map[int64]bool{}
		for _, id := range itemIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			it, err := tx.Item(id)
			if err != nil && dexerr.CodeOf(err) != dexerr.CodeNotFound {
				return err
			}
			if reason := unsellable(it, err, owner); reason != "" {
				if strict {
					return dexerr.Newf(dexerr.CodeInvalidOffer, "item %d %s", id, reason)
				}
				sale.Skipped = append(sale.Skipped, id)
				continue
			}
			if err := tx.SetOwner(id, ledger.House); err != nil {
				return err
			}
			sale.Sold = append(sale.Sold, id)
			sale.Coins += b.Value(it)
		}
		bal, err := tx.AdjustBalance(owner, sale.Coins)
		sale.Balance = bal
		return err
	})
	if err != nil {
		return Sale{}, err
	}
	b.log.Printf("sell %d item(s) by %s for %d", len(sale.Sold), owner, sale.Coins)
	return sale, nil
}

func unsellable(it ledger.ItemInstance, lookupErr error, owner string) string {
	switch {
	case lookupErr != nil:
		return "does not exist"
	case it.Owner != owner:
		return "is not yours"
	case it.Locked():
		return "is in a trade"
	}
	return ""
}

// Leaderboard lists the richest participants, system and escrow holders
// excluded. limit <= 0 uses DefaultLeaderboard.
func (b *Bank) Leaderboard(ctx context.Context, limit int) ([]ledger.Account, error) {
	if limit <= 0 {
		limit = DefaultLeaderboard
	}
	var out []ledger.Account
	err := ledger.View(ctx, b.store, func(tx ledger.Tx) error {
		accts, err := tx.Accounts(0)
		if err != nil {
			return err
		}
		for _, a := range accts {
			if a.Balance <= 0 || !ledger.IsParticipant(a.ID) {
				continue
			}
			out = append(out, a)
			if len(out) == limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Grant adds coins out of nothing.
func (b *Bank) Grant(ctx context.Context, account string, amount int64) (int64, error) {
	if amount < 1 {
		return 0, dexerr.New(dexerr.CodeBadRequest, "amount must be at least 1")
	}
	var bal int64
	err := ledger.Run(ctx, b.store, b.retries, func(tx ledger.Tx) error {
		var err error
		bal, err = tx.AdjustBalance(account, amount)
		return err
	})
	if err == nil {
		b.log.Printf("grant %d to %s", amount, account)
	}
	return bal, err
}

// Revoke removes up to amount coins; the balance stops at zero.
func (b *Bank) Revoke(ctx context.Context, account string, amount int64) (int64, error) {
	if amount < 1 {
		return 0, dexerr.New(dexerr.CodeBadRequest, "amount must be at least 1")
	}
	var bal int64
	err := ledger.Run(ctx, b.store, b.retries, func(tx ledger.Tx) error {
		a, err := tx.Account(account)
		if err != nil {
			return err
		}
		bal = max(a.Balance-amount, 0)
		return tx.SetBalance(account, bal)
	})
	if err == nil {
		b.log.Printf("revoke %d from %s", amount, account)
	}
	return bal, err
}

func (b *Bank) Set(ctx context.Context, account string, balance int64) error {
	if balance < 0 {
		return dexerr.New(dexerr.CodeBadRequest, "balance cannot be negative")
	}
	err := ledger.Run(ctx, b.store, b.retries, func(tx ledger.Tx) error {
		return tx.SetBalance(account, balance)
	})
	if err == nil {
		b.log.Printf("set %s to %d", account, balance)
	}
	return err
}
