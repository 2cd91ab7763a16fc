package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWriteRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w := NewWriter(dir).WithClock(func() time.Time { return now })

	if err := w.Write(Entry{Actor: "alice", Action: ActionClaim, Subject: "spawn-1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(Entry{Actor: "bob", Action: ActionCoinsGive, Details: map[string]any{"amount": 5}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := Files(dir)
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if filepath.Base(files[0]) != "audit-2026-03-01-10.jsonl.zst" {
		t.Fatalf("first file = %s", files[0])
	}
}

func TestReopenAppendsWithinHour(t *testing.T) {
	dir := t.TempDir()
	clock := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	for i, actor := range []string{"alice", "bob"} {
		w := NewWriter(dir).WithClock(clock)
		if err := w.Write(Entry{Actor: actor, Action: ActionTrade}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	got, err := Tail(dir, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(got) != 2 || got[0].Actor != "alice" || got[1].Actor != "bob" {
		t.Fatalf("entries = %+v", got)
	}
	if !got[0].Time.Equal(clock()) {
		t.Fatalf("time = %v", got[0].Time)
	}
}

func TestTailKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	for _, a := range []string{ActionPackBuy, ActionPackOpen, ActionCoinsSell} {
		if err := w.Write(Entry{Actor: "alice", Action: a}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := Tail(dir, 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(got) != 2 || got[0].Action != ActionPackOpen || got[1].Action != ActionCoinsSell {
		t.Fatalf("entries = %+v", got)
	}
}

func TestTailReadsOpenFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	defer w.Close()
	for _, actor := range []string{"alice", "bob"} {
		if err := w.Write(Entry{Actor: actor, Action: ActionCoinsGive}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	got, err := Tail(dir, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(got) != 2 || got[1].Actor != "bob" {
		t.Fatalf("tail = %+v", got)
	}
}
