package trade

import (
	"context"
	"errors"

	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
)

// Settler owns every ledger write a trade makes: reserving offered items
// through their trade lock, releasing them, and the final swap.
type Settler struct {
	store   ledger.Store
	retries int
}

func NewSettler(store ledger.Store, retries int) *Settler {
	return &Settler{store: store, retries: retries}
}

// Reserve sets the trade lock of every item to sessionID. It fails with
// INVALID_OFFER if any item is not owned by participant or is reserved by
// another session; then no lock is taken.
func (st *Settler) Reserve(ctx context.Context, sessionID, participant string, items []int64) error {
	return ledger.Run(ctx, st.store, st.retries, func(tx ledger.Tx) error {
		for _, id := range items {
			it, err := offeredItem(tx, id)
			if err != nil {
				return err
			}
			if it.Owner != participant {
				return dexerr.Newf(dexerr.CodeInvalidOffer, "item %d is not owned by %s", id, participant)
			}
			if it.Locked() && it.TradeLock != sessionID {
				return dexerr.Newf(dexerr.CodeInvalidOffer, "item %d is already in another trade", id)
			}
			if err := tx.SetTradeLock(id, sessionID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Release clears the trade locks sessionID holds on items. Items that moved
// or were reserved elsewhere since are left alone.
func (st *Settler) Release(ctx context.Context, sessionID string, items []int64) error {
	if len(items) == 0 {
		return nil
	}
	return ledger.Run(ctx, st.store, st.retries, func(tx ledger.Tx) error {
		for _, id := range items {
			it, err := tx.Item(id)
			if errors.Is(err, dexerr.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if it.TradeLock != sessionID {
				continue
			}
			if err := tx.SetTradeLock(id, ""); err != nil {
				return err
			}
		}
		return nil
	})
}

// Check validates both offers without writing anything.
func (st *Settler) Check(ctx context.Context, sessionID string, sides [2]Side) error {
	return ledger.View(ctx, st.store, func(tx ledger.Tx) error {
		return validate(tx, sessionID, sides)
	})
}

// Settle swaps both offers in one transaction. Any stale offer fails the
// whole settlement with INVALID_OFFER and nothing is applied.
func (st *Settler) Settle(ctx context.Context, sessionID string, sides [2]Side) error {
	return ledger.Run(ctx, st.store, st.retries, func(tx ledger.Tx) error {
		if err := validate(tx, sessionID, sides); err != nil {
			return err
		}
		for i, sd := range sides {
			to := sides[1-i].Participant
			for _, id := range sd.Items {
				if err := tx.SetOwner(id, to); err != nil {
					return err
				}
				if err := tx.SetTradeLock(id, ""); err != nil {
					return err
				}
			}
			if sd.Coins == 0 {
				continue
			}
			if _, err := tx.AdjustBalance(sd.Participant, -sd.Coins); err != nil {
				return asInvalid(err)
			}
			if _, err := tx.AdjustBalance(to, sd.Coins); err != nil {
				return err
			}
		}
		return nil
	})
}

func validate(tx ledger.Tx, sessionID string, sides [2]Side) error {
	for _, sd := range sides {
		for _, id := range sd.Items {
			it, err := offeredItem(tx, id)
			if err != nil {
				return err
			}
			if it.Owner != sd.Participant {
				return dexerr.Newf(dexerr.CodeInvalidOffer, "item %d is no longer owned by %s", id, sd.Participant)
			}
			if it.TradeLock != sessionID {
				return dexerr.Newf(dexerr.CodeInvalidOffer, "item %d is not reserved for trade %s", id, sessionID)
			}
		}
		if sd.Coins <= 0 {
			continue
		}
		acct, err := tx.Account(sd.Participant)
		if err != nil {
			return err
		}
		if acct.Balance < sd.Coins {
			return dexerr.Wrap(dexerr.CodeInvalidOffer, sd.Participant+" cannot cover the offered coins",
				dexerr.Newf(dexerr.CodeInsufficientFunds, "balance %d, offered %d", acct.Balance, sd.Coins))
		}
	}
	return nil
}

func offeredItem(tx ledger.Tx, id int64) (ledger.ItemInstance, error) {
	it, err := tx.Item(id)
	if errors.Is(err, dexerr.ErrNotFound) {
		return it, dexerr.Wrap(dexerr.CodeInvalidOffer, "offered item", err)
	}
	return it, err
}

func asInvalid(err error) error {
	if dexerr.CodeOf(err) == dexerr.CodeInsufficientFunds {
		return dexerr.Wrap(dexerr.CodeInvalidOffer, "settle", err)
	}
	return err
}
