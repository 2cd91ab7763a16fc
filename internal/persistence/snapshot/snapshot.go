// Package snapshot exports the ledger to a compressed file for offline
// inspection. A snapshot is never loaded back into a live store.
package snapshot

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"catchdex.io/internal/ledger"
)

const Version = 1

type Header struct {
	Version int       `json:"version"`
	TakenAt time.Time `json:"taken_at"`
	Source  string    `json:"source,omitempty"`
}

type PackHoldingV1 struct {
	Account string `json:"account"`
	Pack    string `json:"pack"`
	Count   int    `json:"count"`
}

type LedgerV1 struct {
	Header Header `json:"header"`

	Accounts []ledger.Account      `json:"accounts"`
	Items    []ledger.ItemInstance `json:"items"`
	Escrows  []ledger.EscrowRecord `json:"escrows,omitempty"`
	Packs    []PackHoldingV1       `json:"packs,omitempty"`
}

// Summary is what the admin tools print for a snapshot.
type Summary struct {
	TakenAt     time.Time `json:"taken_at"`
	Accounts    int       `json:"accounts"`
	Coins       int64     `json:"coins"`
	Items       int       `json:"items"`
	HouseItems  int       `json:"house_items"`
	LockedItems int       `json:"locked_items"`
	Escrows     int       `json:"escrows"`
	Packs       int       `json:"packs"`
}

func (s LedgerV1) Summary() Summary {
	out := Summary{
		TakenAt:  s.Header.TakenAt,
		Accounts: len(s.Accounts),
		Items:    len(s.Items),
		Escrows:  len(s.Escrows),
	}
	for _, a := range s.Accounts {
		out.Coins += a.Balance
	}
	for _, it := range s.Items {
		if it.Owner == ledger.House {
			out.HouseItems++
		}
		if it.Locked() {
			out.LockedItems++
		}
	}
	for _, p := range s.Packs {
		out.Packs += p.Count
	}
	return out
}

// Export reads the whole ledger in one read-only transaction. Pack
// holdings are collected for every account and item owner.
func Export(ctx context.Context, store ledger.Store, source string, now time.Time) (LedgerV1, error) {
	snap := LedgerV1{Header: Header{Version: Version, TakenAt: now.UTC(), Source: source}}
	err := ledger.View(ctx, store, func(tx ledger.Tx) error {
		var err error
		if snap.Accounts, err = tx.Accounts(0); err != nil {
			return err
		}
		if snap.Items, err = tx.Items(); err != nil {
			return err
		}
		if snap.Escrows, err = tx.Escrows(); err != nil {
			return err
		}
		holders := map[string]bool{}
		for _, a := range snap.Accounts {
			holders[a.ID] = true
		}
		for _, it := range snap.Items {
			holders[it.Owner] = true
		}
		ids := make([]string, 0, len(holders))
		for id := range holders {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			inv, err := tx.PackInventory(id)
			if err != nil {
				return err
			}
			for pack, n := range inv {
				if n > 0 {
					snap.Packs = append(snap.Packs, PackHoldingV1{Account: id, Pack: pack, Count: n})
				}
			}
		}
		sort.Slice(snap.Packs, func(i, j int) bool {
			if snap.Packs[i].Account != snap.Packs[j].Account {
				return snap.Packs[i].Account < snap.Packs[j].Account
			}
			return snap.Packs[i].Pack < snap.Packs[j].Pack
		})
		return nil
	})
	if err != nil {
		return LedgerV1{}, fmt.Errorf("export: %w", err)
	}
	return snap, nil
}

// WriteSnapshot writes a JSON header line followed by the gob-encoded
// snapshot, zstd compressed. The file appears at path only once complete.
func WriteSnapshot(path string, snap LedgerV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(w io.Writer, snap LedgerV1) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(snap.Header)
	if err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (LedgerV1, error) {
	var snap LedgerV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	hb, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(hb, &h); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// FileName is the conventional name for a snapshot taken at t.
func FileName(t time.Time) string {
	return "ledger-" + t.UTC().Format("20060102T150405Z") + ".snap.zst"
}

// Latest returns the newest snapshot file in dir, or "" if there is none.
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "ledger-*.snap.zst"))
	if err != nil || len(matches) == 0 {
		return "", err
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
