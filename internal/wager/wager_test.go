package wager

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"catchdex.io/internal/catalog"
	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/ledger/ledgertest"
	"catchdex.io/internal/scheduler"
)

func TestDistribute(t *testing.T) {
	cases := []struct {
		name    string
		payout  Payout
		stakes  []ledger.Stake
		outcome string
		want    []Payment
	}{
		{
			name:   "winner take all two winners remainder to first",
			payout: WinnerTakeAll,
			stakes: []ledger.Stake{
				{Participant: "a", Coins: 50, Outcome: "red"},
				{Participant: "b", Coins: 1, Outcome: "blue"},
				{Participant: "c", Coins: 50, Outcome: "red"},
			},
			outcome: "red",
			want:    []Payment{{Participant: "a", Coins: 51}, {Participant: "c", Coins: 50}},
		},
		{
			name:   "proportional by own stake",
			payout: Proportional,
			stakes: []ledger.Stake{
				{Participant: "a", Coins: 30, Outcome: "red"},
				{Participant: "b", Coins: 61, Outcome: "blue"},
				{Participant: "c", Coins: 10, Outcome: "red"},
			},
			outcome: "red",
			want:    []Payment{{Participant: "a", Coins: 76}, {Participant: "c", Coins: 25}},
		},
		{
			name:   "proportional with item-only winners splits equally",
			payout: Proportional,
			stakes: []ledger.Stake{
				{Participant: "a", Items: []int64{1}, Outcome: "red"},
				{Participant: "b", Coins: 7, Outcome: "blue"},
				{Participant: "c", Items: []int64{2}, Outcome: "red"},
			},
			outcome: "red",
			want: []Payment{
				{Participant: "a", Items: []int64{1}, Coins: 4},
				{Participant: "c", Items: []int64{2}, Coins: 3},
			},
		},
		{
			name:   "loser items dealt round robin",
			payout: WinnerTakeAll,
			stakes: []ledger.Stake{
				{Participant: "a", Items: []int64{10, 11, 12}, Outcome: "heads"},
				{Participant: "b", Items: []int64{20}, Outcome: "tails"},
				{Participant: "c", Items: []int64{30}, Outcome: "tails"},
			},
			outcome: "tails",
			want: []Payment{
				{Participant: "b", Items: []int64{20, 10, 12}},
				{Participant: "c", Items: []int64{30, 11}},
			},
		},
		{
			name:   "nobody backed the outcome",
			payout: WinnerTakeAll,
			stakes: []ledger.Stake{
				{Participant: "a", Coins: 5, Outcome: "heads"},
				{Participant: "b", Coins: 5, Outcome: "tails"},
			},
			outcome: "edge",
			want:    nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Distribute(tc.stakes, tc.payout, tc.outcome)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %+v want %+v", got, tc.want)
			}
			if got == nil {
				return
			}
			var pool, paid int64
			var staked, dealt int
			for _, s := range tc.stakes {
				pool += s.Coins
				staked += len(s.Items)
			}
			for _, p := range got {
				paid += p.Coins
				dealt += len(p.Items)
			}
			if pool != paid || staked != dealt {
				t.Fatalf("pool %d/%d items, paid %d/%d", pool, staked, paid, dealt)
			}
		})
	}
}

type fixture struct {
	h *ledgertest.Harness
	e *Escrow
	// alice and bob each hold one item and 100 coins.
	aliceItem, bobItem int64
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	h := ledgertest.New(t, nil)
	opts.Retries = 2
	if opts.Dice == nil {
		opts.Dice = catalog.NewDice(1)
	}
	f := &fixture{h: h, e: NewEscrow(h.Store, opts)}
	f.aliceItem = h.Mint("alice", "fox").ID
	f.bobItem = h.Mint("bob", "owl").ID
	h.Fund("alice", 100)
	h.Fund("bob", 100)
	return f
}

func (f *fixture) stakes() []ledger.Stake {
	return []ledger.Stake{
		{Participant: "alice", Items: []int64{f.aliceItem}, Coins: 40, Outcome: "alice"},
		{Participant: "bob", Items: []int64{f.bobItem}, Coins: 25, Outcome: "bob"},
	}
}

func TestCreateEscrowsStakes(t *testing.T) {
	f := newFixture(t, Options{})
	snap, err := f.e.Create(context.Background(), "", WinnerTakeAll, f.stakes())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	holder := ledger.EscrowHolder(snap.ID)
	if f.h.Owner(f.aliceItem) != holder || f.h.Owner(f.bobItem) != holder {
		t.Fatalf("items not in escrow")
	}
	if f.h.Balance(holder) != 65 || f.h.Balance("alice") != 60 || f.h.Balance("bob") != 75 {
		t.Fatalf("balances escrow=%d alice=%d bob=%d", f.h.Balance(holder), f.h.Balance("alice"), f.h.Balance("bob"))
	}
	if recs := f.h.Escrows(); len(recs) != 1 || recs[0].ID != snap.ID {
		t.Fatalf("escrow records = %+v", recs)
	}
}

func TestRefundRoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	total := f.h.TotalCoins()
	snap, err := f.e.Create(ctx, "w1", WinnerTakeAll, f.stakes())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := f.e.Cancel(ctx, snap.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.State != Refunded.String() || got.Reason != ReasonCancelled {
		t.Fatalf("snapshot = %+v", got)
	}
	if f.h.Owner(f.aliceItem) != "alice" || f.h.Owner(f.bobItem) != "bob" {
		t.Fatalf("items not returned")
	}
	if f.h.Balance("alice") != 100 || f.h.Balance("bob") != 100 || f.h.Balance(ledger.EscrowHolder("w1")) != 0 {
		t.Fatalf("balances not restored")
	}
	if f.h.TotalCoins() != total || len(f.h.Escrows()) != 0 {
		t.Fatalf("escrow leaked")
	}
	if _, ok := f.e.Get("w1"); ok {
		t.Fatalf("finished wager still held")
	}
}

func TestResolvePaysWinner(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	total := f.h.TotalCoins()
	snap, err := f.e.Create(ctx, "w1", WinnerTakeAll, f.stakes())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := f.e.Resolve(ctx, snap.ID, "bob")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.State != Settled.String() || got.Outcome != "bob" {
		t.Fatalf("snapshot = %+v", got)
	}
	if f.h.Owner(f.aliceItem) != "bob" || f.h.Owner(f.bobItem) != "bob" {
		t.Fatalf("items not paid out")
	}
	if f.h.Balance("bob") != 140 || f.h.Balance("alice") != 60 {
		t.Fatalf("balances alice=%d bob=%d", f.h.Balance("alice"), f.h.Balance("bob"))
	}
	if f.h.TotalCoins() != total || len(f.h.Escrows()) != 0 {
		t.Fatalf("coins not conserved")
	}
	if _, err := f.e.Resolve(ctx, snap.ID, "alice"); !errors.Is(err, dexerr.ErrNotFound) {
		t.Fatalf("second resolve: %v", err)
	}
}

func TestResolveUnbackedOutcomeRefunds(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	snap, _ := f.e.Create(ctx, "w1", Proportional, f.stakes())
	got, err := f.e.Resolve(ctx, snap.ID, "draw")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.State != Refunded.String() || got.Reason != ReasonNoWinner {
		t.Fatalf("snapshot = %+v", got)
	}
	if f.h.Balance("alice") != 100 || f.h.Owner(f.bobItem) != "bob" {
		t.Fatalf("refund incomplete")
	}
}

func TestResolveRandomPicksABackedOutcome(t *testing.T) {
	f := newFixture(t, Options{})
	snap, _ := f.e.Create(context.Background(), "w1", WinnerTakeAll, f.stakes())
	got, err := f.e.ResolveRandom(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Outcome != "alice" && got.Outcome != "bob" {
		t.Fatalf("outcome = %q", got.Outcome)
	}
	winner := got.Outcome
	if f.h.Owner(f.aliceItem) != winner || f.h.Owner(f.bobItem) != winner {
		t.Fatalf("items not with %s", winner)
	}
}

func TestConcurrentResolutionsSettleOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	snap, _ := f.e.Create(ctx, "w1", WinnerTakeAll, f.stakes())

	outcomes := []string{"alice", "bob", "alice", "bob", "alice", "bob", "alice", "bob"}
	errs := make([]error, len(outcomes))
	var wg sync.WaitGroup
	for i, o := range outcomes {
		wg.Add(1)
		go func(i int, o string) {
			defer wg.Done()
			_, errs[i] = f.e.Resolve(ctx, snap.ID, o)
		}(i, o)
	}
	wg.Wait()
	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, dexerr.ErrStateConflict), errors.Is(err, dexerr.ErrNotFound):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d resolutions succeeded", ok)
	}
	if f.h.Owner(f.aliceItem) != f.h.Owner(f.bobItem) {
		t.Fatalf("items split between outcomes")
	}
}

func TestCreateFailsAtomically(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	poor := f.stakes()
	poor[1].Coins = 101
	if _, err := f.e.Create(ctx, "w1", WinnerTakeAll, poor); !errors.Is(err, dexerr.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	if err := ledger.Run(ctx, f.h.Store, 0, func(tx ledger.Tx) error {
		return tx.SetTradeLock(f.bobItem, "trade-1")
	}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := f.e.Create(ctx, "w2", WinnerTakeAll, f.stakes()); !errors.Is(err, dexerr.ErrInvalidOffer) {
		t.Fatalf("expected invalid offer, got %v", err)
	}

	if f.h.Owner(f.aliceItem) != "alice" || f.h.Balance("alice") != 100 || f.h.Balance("bob") != 100 {
		t.Fatalf("partial escrow left behind")
	}
	if len(f.h.Escrows()) != 0 || len(f.e.Wagers()) != 0 {
		t.Fatalf("failed wagers retained")
	}
}

func TestCreateValidatesStakes(t *testing.T) {
	f := newFixture(t, Options{})
	cases := map[string][]ledger.Stake{
		"single stake": {{Participant: "alice", Coins: 1, Outcome: "a"}},
		"same outcome": {
			{Participant: "alice", Coins: 1, Outcome: "a"},
			{Participant: "bob", Coins: 1, Outcome: "a"},
		},
		"empty stake": {
			{Participant: "alice", Outcome: "a"},
			{Participant: "bob", Coins: 1, Outcome: "b"},
		},
		"duplicate participant": {
			{Participant: "alice", Coins: 1, Outcome: "a"},
			{Participant: "alice", Coins: 1, Outcome: "b"},
		},
		"escrow holder": {
			{Participant: "alice", Coins: 1, Outcome: "a"},
			{Participant: ledger.EscrowHolder("x"), Coins: 1, Outcome: "b"},
		},
	}
	for name, stakes := range cases {
		if _, err := f.e.Create(context.Background(), "", WinnerTakeAll, stakes); !errors.Is(err, dexerr.ErrBadRequest) {
			t.Fatalf("%s: %v", name, err)
		}
	}
	if _, err := f.e.Create(context.Background(), "", "winner_takes_most", f.stakes()); !errors.Is(err, dexerr.ErrBadRequest) {
		t.Fatalf("bad payout: %v", err)
	}
}

func TestResolutionTimeoutRefunds(t *testing.T) {
	sched := scheduler.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = sched.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	finished := make(chan Snapshot, 1)
	f := newFixture(t, Options{
		Scheduler:         sched,
		ResolutionTimeout: 30 * time.Millisecond,
		OnFinish:          func(s Snapshot) { finished <- s },
	})
	if _, err := f.e.Create(context.Background(), "w1", WinnerTakeAll, f.stakes()); err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case s := <-finished:
		if s.State != Refunded.String() || s.Reason != ReasonTimeout {
			t.Fatalf("finish = %+v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("wager never timed out")
	}
	if f.h.Balance("alice") != 100 || f.h.Owner(f.bobItem) != "bob" {
		t.Fatalf("timeout refund incomplete")
	}
}

func TestRecoverRefundsOrphanedEscrows(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	if _, err := f.e.Create(ctx, "w1", WinnerTakeAll, f.stakes()); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A new process sees only the ledger.
	var recovered []Snapshot
	fresh := NewEscrow(f.h.Store, Options{OnFinish: func(s Snapshot) { recovered = append(recovered, s) }})
	n, err := fresh.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover: n=%d err=%v", n, err)
	}
	if f.h.Owner(f.aliceItem) != "alice" || f.h.Balance("bob") != 100 || len(f.h.Escrows()) != 0 {
		t.Fatalf("recover did not refund")
	}
	if len(recovered) != 1 || recovered[0].Reason != ReasonRestart {
		t.Fatalf("recover hook = %+v", recovered)
	}
}

func TestProposalNeedsEveryAcceptance(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p, err := f.e.Propose(ctx, "alice", WinnerTakeAll, f.stakes())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if p.State != Proposed || !reflect.DeepEqual(p.Accepted, []string{"alice"}) {
		t.Fatalf("proposal = %+v", p)
	}
	if f.h.Owner(f.aliceItem) != "alice" || f.h.Balance("alice") != 100 {
		t.Fatalf("proposal moved stakes")
	}
	if _, err := f.e.Accept(ctx, p.ID, "mallory"); !errors.Is(err, dexerr.ErrNotFound) {
		t.Fatalf("outsider accept: %v", err)
	}

	w, err := f.e.Accept(ctx, p.ID, "bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if w.State != Open.String() || w.ID != p.ID {
		t.Fatalf("wager = %+v", w)
	}
	if f.h.Owner(f.bobItem) != ledger.EscrowHolder(p.ID) {
		t.Fatalf("stakes not escrowed on acceptance")
	}
	if f.e.HasProposal(p.ID) {
		t.Fatalf("proposal kept after acceptance")
	}
}

func TestProposalWithdrawAndEarlyChecks(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	greedy := f.stakes()
	greedy[0].Coins = 1000
	if _, err := f.e.Propose(ctx, "alice", WinnerTakeAll, greedy); !errors.Is(err, dexerr.ErrInsufficientFunds) {
		t.Fatalf("unaffordable proposal: %v", err)
	}
	if _, err := f.e.Propose(ctx, "carol", WinnerTakeAll, f.stakes()); !errors.Is(err, dexerr.ErrBadRequest) {
		t.Fatalf("proposer without stake: %v", err)
	}

	p, err := f.e.Propose(ctx, "alice", WinnerTakeAll, f.stakes())
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	got, err := f.e.Withdraw(ctx, p.ID, "bob")
	if err != nil || got.State != Withdrawn {
		t.Fatalf("withdraw: %+v %v", got, err)
	}
	if _, err := f.e.Accept(ctx, p.ID, "bob"); !errors.Is(err, dexerr.ErrNotFound) {
		t.Fatalf("accept after withdraw: %v", err)
	}
}
