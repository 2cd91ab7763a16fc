package coins

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"catchdex.io/internal/catalog"
	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/ledger/ledgertest"
)

func newBank(t *testing.T) (*Bank, *ledgertest.Harness) {
	t.Helper()
	cat, err := catalog.New(
		[]catalog.Item{
			{ID: "fox", Name: "Fox", Weight: 1, Active: true, SellValue: 15},
			{ID: "owl", Name: "Owl", Weight: 1, Active: true, SellValue: 7},
		},
		[]catalog.Special{
			{ID: "shiny", Name: "Shiny"},
			{ID: "gold", Name: "Gold", SellMultiplier: 3},
		},
		nil,
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	h := ledgertest.New(t, nil)
	return NewBank(h.Store, cat, 2, nil), h
}

func TestGive(t *testing.T) {
	b, h := newBank(t)
	ctx := context.Background()
	h.Fund("alice", 50)

	tr, err := b.Give(ctx, "alice", "bob", 20)
	if err != nil {
		t.Fatalf("give: %v", err)
	}
	if tr.FromBalance != 30 || tr.ToBalance != 20 {
		t.Fatalf("transfer = %+v", tr)
	}
	if _, err := b.Give(ctx, "alice", "bob", 31); !errors.Is(err, dexerr.ErrInsufficientFunds) {
		t.Fatalf("overdraw: %v", err)
	}
	if _, err := b.Give(ctx, "alice", "alice", 1); !errors.Is(err, dexerr.ErrBadRequest) {
		t.Fatalf("self give: %v", err)
	}
	if _, err := b.Give(ctx, "alice", "bob", 0); !errors.Is(err, dexerr.ErrBadRequest) {
		t.Fatalf("zero give: %v", err)
	}
	if h.Balance("alice") != 30 || h.Balance("bob") != 20 {
		t.Fatalf("balances alice=%d bob=%d", h.Balance("alice"), h.Balance("bob"))
	}
}

func TestConcurrentGivesConserveCoins(t *testing.T) {
	b, h := newBank(t)
	h.Fund("alice", 100)
	h.Fund("bob", 100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = b.Give(context.Background(), "alice", "bob", 3)
		}()
		go func() {
			defer wg.Done()
			_, _ = b.Give(context.Background(), "bob", "alice", 2)
		}()
	}
	wg.Wait()
	if got := h.Balance("alice") + h.Balance("bob"); got != 200 {
		t.Fatalf("total = %d", got)
	}
}

func TestValueAppliesSpecialMultiplier(t *testing.T) {
	b, _ := newBank(t)
	cases := []struct {
		it   ledger.ItemInstance
		want int64
	}{
		{ledger.ItemInstance{DefinitionID: "fox"}, 15},
		{ledger.ItemInstance{DefinitionID: "fox", SpecialID: "shiny"}, 22},
		{ledger.ItemInstance{DefinitionID: "owl", SpecialID: "gold"}, 21},
		{ledger.ItemInstance{DefinitionID: "owl", SpecialID: "retired"}, 10},
		{ledger.ItemInstance{DefinitionID: "unknown"}, 0},
	}
	for _, tc := range cases {
		if got := b.Value(tc.it); got != tc.want {
			t.Fatalf("value(%+v) = %d, want %d", tc.it, got, tc.want)
		}
	}
}

func TestSellMovesItemToHouse(t *testing.T) {
	b, h := newBank(t)
	ctx := context.Background()
	it := h.Mint("alice", "fox")

	sale, err := b.Sell(ctx, "alice", it.ID)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sale.Coins != 15 || sale.Balance != 15 {
		t.Fatalf("sale = %+v", sale)
	}
	if h.Owner(it.ID) != ledger.House {
		t.Fatalf("owner = %s", h.Owner(it.ID))
	}
	if _, err := b.Sell(ctx, "alice", it.ID); !errors.Is(err, dexerr.ErrInvalidOffer) {
		t.Fatalf("second sell: %v", err)
	}
}

func TestSellRefusesTradeLockedItem(t *testing.T) {
	b, h := newBank(t)
	ctx := context.Background()
	it := h.Mint("alice", "fox")
	if err := ledger.Run(ctx, h.Store, 0, func(tx ledger.Tx) error {
		return tx.SetTradeLock(it.ID, "trade-1")
	}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := b.Sell(ctx, "alice", it.ID); !errors.Is(err, dexerr.ErrInvalidOffer) {
		t.Fatalf("sell locked: %v", err)
	}
	if h.Owner(it.ID) != "alice" || h.Balance("alice") != 0 {
		t.Fatalf("state changed")
	}
}

func TestBulkSellSkipsUnsellable(t *testing.T) {
	b, h := newBank(t)
	ctx := context.Background()
	a := h.Mint("alice", "fox")
	c := h.Mint("alice", "owl")
	other := h.Mint("bob", "fox")

	sale, err := b.BulkSell(ctx, "alice", []int64{a.ID, other.ID, c.ID, a.ID, 404})
	if err != nil {
		t.Fatalf("bulk sell: %v", err)
	}
	if !reflect.DeepEqual(sale.Sold, []int64{a.ID, c.ID}) || !reflect.DeepEqual(sale.Skipped, []int64{other.ID, 404}) {
		t.Fatalf("sale = %+v", sale)
	}
	if sale.Coins != 22 || h.Balance("alice") != 22 {
		t.Fatalf("coins = %d balance %d", sale.Coins, h.Balance("alice"))
	}
	if h.Owner(other.ID) != "bob" {
		t.Fatalf("foreign item sold")
	}
}

func TestLeaderboardListsParticipantsOnly(t *testing.T) {
	b, h := newBank(t)
	h.Fund("alice", 10)
	h.Fund("bob", 30)
	h.Fund("carol", 20)
	h.Fund(ledger.House, 1000)
	h.Fund(ledger.EscrowHolder("w1"), 500)
	h.Fund("dave", 0)

	got, err := b.Leaderboard(context.Background(), 2)
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(got) != 2 || got[0].ID != "bob" || got[1].ID != "carol" {
		t.Fatalf("leaderboard = %+v", got)
	}
}

func TestAdminAdjustments(t *testing.T) {
	b, h := newBank(t)
	ctx := context.Background()
	if bal, err := b.Grant(ctx, "alice", 40); err != nil || bal != 40 {
		t.Fatalf("grant: %d %v", bal, err)
	}
	if bal, err := b.Revoke(ctx, "alice", 100); err != nil || bal != 0 {
		t.Fatalf("revoke clamps: %d %v", bal, err)
	}
	if err := b.Set(ctx, "alice", 7); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := b.Set(ctx, "alice", -1); !errors.Is(err, dexerr.ErrBadRequest) {
		t.Fatalf("negative set: %v", err)
	}
	if _, err := b.Grant(ctx, "alice", 0); !errors.Is(err, dexerr.ErrBadRequest) {
		t.Fatalf("zero grant: %v", err)
	}
	if bal, _ := b.Balance(ctx, "alice"); bal != 7 || h.Balance("alice") != 7 {
		t.Fatalf("balance = %d", bal)
	}
}
