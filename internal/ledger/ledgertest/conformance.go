package ledgertest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
)

// RunConformance exercises the Tx contract against stores built by open.
// Each subtest gets a fresh store.
func RunConformance(t *testing.T, open func(t *testing.T) ledger.Store) {
	t.Run("UnknownAccountIsZero", func(t *testing.T) {
		h := New(t, open(t))
		if got := h.Balance("alice"); got != 0 {
			t.Fatalf("balance = %d", got)
		}
	})

	t.Run("AdjustBalanceRejectsOverdraw", func(t *testing.T) {
		h := New(t, open(t))
		h.Fund("alice", 10)
		err := ledger.Run(context.Background(), h.Store, 0, func(tx ledger.Tx) error {
			_, err := tx.AdjustBalance("alice", -11)
			return err
		})
		if !errors.Is(err, dexerr.ErrInsufficientFunds) {
			t.Fatalf("expected insufficient funds, got %v", err)
		}
		if got := h.Balance("alice"); got != 10 {
			t.Fatalf("balance changed to %d", got)
		}
	})

	t.Run("RollbackDiscardsWrites", func(t *testing.T) {
		h := New(t, open(t))
		h.Fund("alice", 5)
		boom := errors.New("boom")
		err := ledger.Run(context.Background(), h.Store, 0, func(tx ledger.Tx) error {
			if _, err := tx.AdjustBalance("alice", -5); err != nil {
				return err
			}
			if _, err := tx.AdjustBalance("bob", 5); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if h.Balance("alice") != 5 || h.Balance("bob") != 0 {
			t.Fatalf("partial write leaked: alice=%d bob=%d", h.Balance("alice"), h.Balance("bob"))
		}
	})

	t.Run("MintAndTransfer", func(t *testing.T) {
		h := New(t, open(t))
		a := h.Mint("alice", "fox")
		b := h.Mint("alice", "owl")
		if a.ID == b.ID || a.ID == 0 {
			t.Fatalf("ids not distinct: %d %d", a.ID, b.ID)
		}
		h.update(func(tx ledger.Tx) error { return tx.SetOwner(a.ID, "bob") })
		if got := h.Owner(a.ID); got != "bob" {
			t.Fatalf("owner = %q", got)
		}
		if n := len(h.OwnedBy("alice")); n != 1 {
			t.Fatalf("alice owns %d", n)
		}
		err := ledger.View(context.Background(), h.Store, func(tx ledger.Tx) error {
			_, err := tx.Item(a.ID + b.ID + 100)
			return err
		})
		if !errors.Is(err, dexerr.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("TradeLocks", func(t *testing.T) {
		h := New(t, open(t))
		a := h.Mint("alice", "fox")
		h.Mint("alice", "owl")
		h.update(func(tx ledger.Tx) error { return tx.SetTradeLock(a.ID, "trade-1") })
		if got := h.Item(a.ID).TradeLock; got != "trade-1" {
			t.Fatalf("lock = %q", got)
		}
		var cleared int
		h.update(func(tx ledger.Tx) error {
			var err error
			cleared, err = tx.ClearTradeLocks()
			return err
		})
		if cleared != 1 || h.Item(a.ID).Locked() {
			t.Fatalf("cleared=%d locked=%v", cleared, h.Item(a.ID).Locked())
		}
	})

	t.Run("ClaimTokenIsSingleUse", func(t *testing.T) {
		h := New(t, open(t))
		tok := ledger.ClaimToken{SpawnID: "s1", AttemptID: "a1", Winner: "alice", ItemID: 1, ClaimedAt: time.Now().UTC()}
		h.update(func(tx ledger.Tx) error { return tx.PutClaimToken(tok) })
		err := ledger.Run(context.Background(), h.Store, 0, func(tx ledger.Tx) error {
			return tx.PutClaimToken(ledger.ClaimToken{SpawnID: "s1", AttemptID: "a2", Winner: "bob"})
		})
		if !errors.Is(err, dexerr.ErrStateConflict) {
			t.Fatalf("expected state conflict, got %v", err)
		}
		h.view(func(tx ledger.Tx) error {
			got, ok, err := tx.ClaimToken("s1")
			if err != nil {
				return err
			}
			if !ok || got.Winner != "alice" || got.AttemptID != "a1" {
				t.Fatalf("token = %+v ok=%v", got, ok)
			}
			return nil
		})
	})

	t.Run("EscrowRoundTrip", func(t *testing.T) {
		h := New(t, open(t))
		rec := ledger.EscrowRecord{
			ID:     "w1",
			Payout: "winner_take_all",
			Stakes: []ledger.Stake{
				{Participant: "alice", Items: []int64{1, 2}, Coins: 30, Outcome: "red"},
				{Participant: "bob", Coins: 10, Outcome: "blue"},
			},
			CreatedAt: time.Now().UTC().Truncate(time.Second),
			Deadline:  time.Now().UTC().Add(time.Minute).Truncate(time.Second),
		}
		h.update(func(tx ledger.Tx) error { return tx.PutEscrow(rec) })
		got := h.Escrows()
		if len(got) != 1 || len(got[0].Stakes) != 2 || got[0].Stakes[0].Items[1] != 2 || got[0].Stakes[1].Coins != 10 {
			t.Fatalf("escrow = %+v", got)
		}
		if !got[0].Deadline.Equal(rec.Deadline) {
			t.Fatalf("deadline = %v want %v", got[0].Deadline, rec.Deadline)
		}
		h.update(func(tx ledger.Tx) error { return tx.DeleteEscrow("w1") })
		if n := len(h.Escrows()); n != 0 {
			t.Fatalf("escrows left: %d", n)
		}
	})

	t.Run("PackCounts", func(t *testing.T) {
		h := New(t, open(t))
		h.GivePacks("alice", "starter", 2)
		err := ledger.Run(context.Background(), h.Store, 0, func(tx ledger.Tx) error {
			_, err := tx.AdjustPacks("alice", "starter", -3)
			return err
		})
		if !errors.Is(err, dexerr.ErrInsufficientFunds) {
			t.Fatalf("expected insufficient, got %v", err)
		}
		h.GivePacks("alice", "starter", -2)
		h.GivePacks("alice", "gold", 1)
		h.view(func(tx ledger.Tx) error {
			inv, err := tx.PackInventory("alice")
			if err != nil {
				return err
			}
			if len(inv) != 1 || inv["gold"] != 1 {
				t.Fatalf("inventory = %v", inv)
			}
			return nil
		})
	})

	t.Run("PackOpensSince", func(t *testing.T) {
		h := New(t, open(t))
		now := time.Now().UTC()
		h.update(func(tx ledger.Tx) error {
			for _, at := range []time.Time{now.Add(-48 * time.Hour), now.Add(-time.Hour), now} {
				if err := tx.RecordPackOpen(ledger.PackOpen{AccountID: "alice", PackID: "starter", OpenedAt: at, ItemID: 1}); err != nil {
					return err
				}
			}
			return nil
		})
		h.view(func(tx ledger.Tx) error {
			n, err := tx.PackOpensSince("alice", "starter", now.Add(-24*time.Hour))
			if err != nil {
				return err
			}
			if n != 2 {
				t.Fatalf("opens since = %d", n)
			}
			return nil
		})
	})

	t.Run("LeaderboardOrder", func(t *testing.T) {
		h := New(t, open(t))
		h.Fund("alice", 5)
		h.Fund("bob", 50)
		h.Fund("carol", 20)
		var accts []ledger.Account
		h.view(func(tx ledger.Tx) error {
			var err error
			accts, err = tx.Accounts(2)
			return err
		})
		if len(accts) != 2 || accts[0].ID != "bob" || accts[1].ID != "carol" {
			t.Fatalf("leaderboard = %+v", accts)
		}
	})

	t.Run("ConcurrentTransfersConserve", func(t *testing.T) {
		h := New(t, open(t))
		h.Fund("alice", 100)
		h.Fund("bob", 100)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			from, to := "alice", "bob"
			if i%2 == 1 {
				from, to = to, from
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = ledger.Run(context.Background(), h.Store, 50, func(tx ledger.Tx) error {
					if _, err := tx.AdjustBalance(from, -3); err != nil {
						return err
					}
					_, err := tx.AdjustBalance(to, 3)
					return err
				})
			}()
		}
		wg.Wait()
		if got := h.TotalCoins(); got != 200 {
			t.Fatalf("total coins = %d", got)
		}
	})
}
