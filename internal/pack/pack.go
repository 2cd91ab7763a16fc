// Package pack sells and opens item packs. Every debit and the items it pays
// for are written in one ledger transaction.
package pack

import (
	"context"
	"io"
	"log"
	"sort"
	"time"

	"catchdex.io/internal/catalog"
	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
)

const (
	DefaultMaxBuy  = 100
	DefaultMaxOpen = 10
)

type Options struct {
	Retries  int
	MaxBuy   int
	MaxOpen  int
	MaxBonus int
	Dice     *catalog.Dice
	Logger   *log.Logger
	Now      func() time.Time
}

type Engine struct {
	store    ledger.Store
	cat      *catalog.Catalog
	dice     *catalog.Dice
	retries  int
	maxBuy   int
	maxOpen  int
	maxBonus int64
	log      *log.Logger
	now      func() time.Time
}

func NewEngine(store ledger.Store, cat *catalog.Catalog, opts Options) *Engine {
	e := &Engine{
		store:    store,
		cat:      cat,
		dice:     opts.Dice,
		retries:  opts.Retries,
		maxBuy:   opts.MaxBuy,
		maxOpen:  opts.MaxOpen,
		maxBonus: int64(opts.MaxBonus),
		log:      opts.Logger,
		now:      opts.Now,
	}
	if e.dice == nil {
		e.dice = catalog.RandomDice()
	}
	if e.maxBuy <= 0 {
		e.maxBuy = DefaultMaxBuy
	}
	if e.maxOpen <= 0 {
		e.maxOpen = DefaultMaxOpen
	}
	if e.log == nil {
		e.log = log.New(io.Discard, "", 0)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Result is what a draw or an open produced.
type Result struct {
	PackID  string                `json:"pack_id"`
	Opened  int                   `json:"opened"`
	Cost    int64                 `json:"cost"`
	Items   []ledger.ItemInstance `json:"items"`
	Balance int64                 `json:"balance"`
	// Remaining is the caller's unopened count of this pack after an open.
	Remaining int `json:"remaining"`
}

type Purchase struct {
	PackID  string `json:"pack_id"`
	Amount  int    `json:"amount"`
	Cost    int64  `json:"cost"`
	Owned   int    `json:"owned"`
	Balance int64  `json:"balance"`
}

type Inventory struct {
	Participant string                `json:"participant"`
	Items       []ledger.ItemInstance `json:"items"`
	Packs       map[string]int        `json:"packs"`
}

// Listing returns the packs on sale, cheapest first.
func (e *Engine) Listing() []catalog.Pack {
	var out []catalog.Pack
	for _, p := range e.cat.Packs {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (e *Engine) lookup(packID string) (catalog.Pack, []catalog.Item, error) {
	p, ok := e.cat.Pack(packID)
	if !ok || !p.Enabled {
		return catalog.Pack{}, nil, dexerr.Newf(dexerr.CodeNotFound, "pack %s is not for sale", packID)
	}
	pool := e.cat.Eligible(p)
	if len(pool) == 0 {
		return catalog.Pack{}, nil, dexerr.Newf(dexerr.CodeNotFound, "pack %s has nothing to draw", packID)
	}
	return p, pool, nil
}

func checkParticipant(id string) error {
	if !ledger.IsParticipant(id) {
		return dexerr.Newf(dexerr.CodeBadRequest, "%q is not a participant", id)
	}
	return nil
}

// Draw buys and opens one pack in a single step: the price is debited and
// the pack's cards minted together, or nothing changes.
func (e *Engine) Draw(ctx context.Context, participant, packID string) (Result, error) {
	if err := checkParticipant(participant); err != nil {
		return Result{}, err
	}
	p, pool, err := e.lookup(packID)
	if err != nil {
		return Result{}, err
	}
	var res Result
	err = ledger.Run(ctx, e.store, e.retries, func(tx ledger.Tx) error {
		res = Result{PackID: p.ID, Opened: 1, Cost: p.Price}
		bal, err := tx.AdjustBalance(participant, -p.Price)
		if err != nil {
			return err
		}
		res.Balance = bal
		items, err := e.mint(tx, p, pool, participant, e.now().UTC())
		if err != nil {
			return err
		}
		res.Items = items
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	e.log.Printf("draw %s by %s: %d item(s) for %d", p.ID, participant, len(res.Items), p.Price)
	return res, nil
}

// Buy adds amount packs to the participant's inventory for price x amount.
func (e *Engine) Buy(ctx context.Context, participant, packID string, amount int) (Purchase, error) {
	if err := checkParticipant(participant); err != nil {
		return Purchase{}, err
	}
	if amount < 1 || amount > e.maxBuy {
		return Purchase{}, dexerr.Newf(dexerr.CodeBadRequest, "amount must be between 1 and %d", e.maxBuy)
	}
	p, ok := e.cat.Pack(packID)
	if !ok || !p.Enabled {
		return Purchase{}, dexerr.Newf(dexerr.CodeNotFound, "pack %s is not for sale", packID)
	}
	cost := p.Price * int64(amount)
	var out Purchase
	err := ledger.Run(ctx, e.store, e.retries, func(tx ledger.Tx) error {
		bal, err := tx.AdjustBalance(participant, -cost)
		if err != nil {
			return err
		}
		owned, err := tx.AdjustPacks(participant, p.ID, amount)
		if err != nil {
			return err
		}
		out = Purchase{PackID: p.ID, Amount: amount, Cost: cost, Owned: owned, Balance: bal}
		return nil
	})
	if err != nil {
		return Purchase{}, err
	}
	e.log.Printf("buy %dx %s by %s for %d", amount, p.ID, participant, cost)
	return out, nil
}

// Open consumes amount owned packs and mints their cards. Packs with a daily
// limit count opens since the start of the current UTC day.
func (e *Engine) Open(ctx context.Context, participant, packID string, amount int) (Result, error) {
	if err := checkParticipant(participant); err != nil {
		return Result{}, err
	}
	if amount < 1 || amount > e.maxOpen {
		return Result{}, dexerr.Newf(dexerr.CodeBadRequest, "amount must be between 1 and %d", e.maxOpen)
	}
	p, pool, err := e.lookup(packID)
	if err != nil {
		return Result{}, err
	}
	var res Result
	err = ledger.Run(ctx, e.store, e.retries, func(tx ledger.Tx) error {
		now := e.now().UTC()
		res = Result{PackID: p.ID, Opened: amount}
		have, err := tx.PackCount(participant, p.ID)
		if err != nil {
			return err
		}
		if have < amount {
			return dexerr.Newf(dexerr.CodeInsufficientFunds, "only %d of pack %s owned", have, p.ID)
		}
		if p.DailyLimit > 0 {
			opened, err := tx.PackOpensSince(participant, p.ID, startOfDay(now))
			if err != nil {
				return err
			}
			left := p.DailyLimit - opened
			if left <= 0 {
				return dexerr.Newf(dexerr.CodeStateConflict, "daily limit for pack %s reached", p.ID)
			}
			if amount > left {
				return dexerr.Newf(dexerr.CodeStateConflict, "only %d more of pack %s can be opened today", left, p.ID)
			}
		}
		if res.Remaining, err = tx.AdjustPacks(participant, p.ID, -amount); err != nil {
			return err
		}
		for i := 0; i < amount; i++ {
			items, err := e.mint(tx, p, pool, participant, now)
			if err != nil {
				return err
			}
			if err := tx.RecordPackOpen(ledger.PackOpen{
				AccountID: participant,
				PackID:    p.ID,
				OpenedAt:  now,
				ItemID:    items[0].ID,
			}); err != nil {
				return err
			}
			res.Items = append(res.Items, items...)
		}
		acct, err := tx.Account(participant)
		res.Balance = acct.Balance
		return err
	})
	if err != nil {
		return Result{}, err
	}
	e.log.Printf("open %dx %s by %s: %d item(s)", amount, p.ID, participant, len(res.Items))
	return res, nil
}

// Give moves amount unopened packs to another participant and returns the
// giver's remaining count.
func (e *Engine) Give(ctx context.Context, from, to, packID string, amount int) (int, error) {
	if err := checkParticipant(from); err != nil {
		return 0, err
	}
	if err := checkParticipant(to); err != nil {
		return 0, err
	}
	if from == to {
		return 0, dexerr.New(dexerr.CodeBadRequest, "cannot give packs to yourself")
	}
	if amount < 1 {
		return 0, dexerr.New(dexerr.CodeBadRequest, "amount must be at least 1")
	}
	if _, ok := e.cat.Pack(packID); !ok {
		return 0, dexerr.Newf(dexerr.CodeNotFound, "pack %s not in catalog", packID)
	}
	var left int
	err := ledger.Run(ctx, e.store, e.retries, func(tx ledger.Tx) error {
		var err error
		if left, err = tx.AdjustPacks(from, packID, -amount); err != nil {
			return err
		}
		_, err = tx.AdjustPacks(to, packID, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.log.Printf("give %dx %s from %s to %s", amount, packID, from, to)
	return left, nil
}

// Inventory lists a participant's items and unopened packs.
func (e *Engine) Inventory(ctx context.Context, participant string) (Inventory, error) {
	if err := checkParticipant(participant); err != nil {
		return Inventory{}, err
	}
	inv := Inventory{Participant: participant}
	err := ledger.View(ctx, e.store, func(tx ledger.Tx) error {
		var err error
		if inv.Items, err = tx.ItemsOwnedBy(participant); err != nil {
			return err
		}
		inv.Packs, err = tx.PackInventory(participant)
		return err
	})
	return inv, err
}

// mint rolls and mints one pack's cards for owner.
func (e *Engine) mint(tx ledger.Tx, p catalog.Pack, pool []catalog.Item, owner string, now time.Time) ([]ledger.ItemInstance, error) {
	out := make([]ledger.ItemInstance, 0, p.Cards)
	for i := 0; i < p.Cards; i++ {
		def, err := catalog.Pick(pool, e.dice)
		if err != nil {
			return nil, dexerr.Wrap(dexerr.CodeNotFound, "draw "+p.ID, err)
		}
		it, err := tx.MintItem(ledger.ItemInstance{
			DefinitionID: def.ID,
			Owner:        owner,
			SpecialID:    p.Special,
			Attack:       int(e.dice.Between(-e.maxBonus, e.maxBonus)),
			Health:       int(e.dice.Between(-e.maxBonus, e.maxBonus)),
			Source:       ledger.SourcePack,
			CaughtAt:     now,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
