package ledger_test

import (
	"context"
	"errors"
	"testing"

	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/ledger/ledgertest"
)

func TestMemStoreConformance(t *testing.T) {
	ledgertest.RunConformance(t, func(t *testing.T) ledger.Store { return ledger.NewMemStore() })
}

func TestMemStoreCommitConflict(t *testing.T) {
	s := ledger.NewMemStore()
	ctx := context.Background()

	tx1, _ := s.Begin(ctx)
	tx2, _ := s.Begin(ctx)
	if _, err := tx1.AdjustBalance("alice", 10); err != nil {
		t.Fatalf("tx1: %v", err)
	}
	if _, err := tx2.AdjustBalance("alice", 20); err != nil {
		t.Fatalf("tx2: %v", err)
	}
	if err := tx1.Commit(); err != nil {
		t.Fatalf("tx1 commit: %v", err)
	}
	err := tx2.Commit()
	if !errors.Is(err, dexerr.ErrStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	if !dexerr.Retryable(err) {
		t.Fatalf("conflict should be retryable")
	}
}

func TestMemStoreScanConflictsWithInsert(t *testing.T) {
	s := ledger.NewMemStore()
	ctx := context.Background()

	reader, _ := s.Begin(ctx)
	if _, err := reader.ItemsOwnedBy("alice"); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if _, err := reader.AdjustBalance("alice", 1); err != nil {
		t.Fatalf("adjust: %v", err)
	}

	writer, _ := s.Begin(ctx)
	if _, err := writer.MintItem(ledger.ItemInstance{DefinitionID: "fox", Owner: "alice"}); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("writer commit: %v", err)
	}
	if err := reader.Commit(); !errors.Is(err, dexerr.ErrStorageFailure) {
		t.Fatalf("expected phantom conflict, got %v", err)
	}
}

func TestMemStoreClosed(t *testing.T) {
	s := ledger.NewMemStore()
	_ = s.Close()
	if _, err := s.Begin(context.Background()); !errors.Is(err, dexerr.ErrStorageFailure) {
		t.Fatalf("expected storage failure, got %v", err)
	}
}
