package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"catchdex.io/internal/ledger"
	"catchdex.io/internal/ledger/ledgertest"
)

func openTemp(t *testing.T) ledger.Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestSQLiteConformance(t *testing.T) {
	ledgertest.RunConformance(t, openTemp)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.sqlite")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	deadline := time.Date(2026, 1, 2, 3, 4, 5, 600, time.UTC)
	err = ledger.Run(context.Background(), s, 0, func(tx ledger.Tx) error {
		if _, err := tx.AdjustBalance("alice", 42); err != nil {
			return err
		}
		if _, err := tx.MintItem(ledger.ItemInstance{DefinitionID: "fox", Owner: "alice", TradeLock: "t1"}); err != nil {
			return err
		}
		return tx.PutEscrow(ledger.EscrowRecord{ID: "w1", Payout: "proportional", Deadline: deadline,
			Stakes: []ledger.Stake{{Participant: "alice", Coins: 5, Outcome: "red"}}})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	h := ledgertest.New(t, reopen(t, path))
	if got := h.Balance("alice"); got != 42 {
		t.Fatalf("balance after reopen = %d", got)
	}
	items := h.OwnedBy("alice")
	if len(items) != 1 || items[0].TradeLock != "t1" {
		t.Fatalf("items after reopen = %+v", items)
	}
	esc := h.Escrows()
	if len(esc) != 1 || !esc[0].Deadline.Equal(deadline) || esc[0].Stakes[0].Coins != 5 {
		t.Fatalf("escrows after reopen = %+v", esc)
	}
}

func reopen(t *testing.T, path string) ledger.Store {
	t.Helper()
	s, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	return s
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error")
	}
}
