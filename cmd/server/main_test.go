package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"catchdex.io/internal/app"
	"catchdex.io/internal/catalog"
	"catchdex.io/internal/config"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/persistence/audit"
	"catchdex.io/internal/persistence/snapshot"
	"catchdex.io/internal/protocol"
	"catchdex.io/internal/transport/ws"
)

func findRepoRootForServerTests(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate go.mod from %s", dir)
		}
		dir = parent
	}
}

func TestShippedConfigsLoad(t *testing.T) {
	root := findRepoRootForServerTests(t)
	cfg, err := config.Load(filepath.Join(root, "configs", "dex.yaml"))
	if err != nil {
		t.Fatalf("dex.yaml: %v", err)
	}
	if len(cfg.Spawn.Channels) == 0 || cfg.Ledger.Path == "" {
		t.Fatalf("config = %+v", cfg)
	}
	cat, err := catalog.Load(filepath.Join(root, "configs", "catalog.yaml"))
	if err != nil {
		t.Fatalf("catalog.yaml: %v", err)
	}
	if len(cat.Spawnable()) == 0 || len(cat.Packs) == 0 || cat.Digest == "" {
		t.Fatalf("catalog has nothing to spawn or sell")
	}
	for id, p := range cat.Packs {
		if len(cat.Eligible(p)) == 0 {
			t.Fatalf("pack %s has an empty pool", id)
		}
	}
}

type adminFixture struct {
	app   *app.App
	store *ledger.MemStore
	dir   string
	url   string
	mux   *http.ServeMux
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	cat, err := catalog.New([]catalog.Item{{ID: "fox", Name: "Fox", Weight: 1, Active: true, SellValue: 10}}, nil, nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	dir := t.TempDir()
	store := ledger.NewMemStore()
	w := audit.NewWriter(filepath.Join(dir, "audit"))
	t.Cleanup(func() { w.Close() })

	var a *app.App
	srv := ws.NewServer(ws.HandlerFunc(func(ctx context.Context, in protocol.Interaction) protocol.ResultMsg {
		return a.Handle(ctx, in)
	}), v, ws.Options{})
	a, err = app.New(app.Deps{Config: config.Defaults(), Store: store, Catalog: cat, Prompter: srv, Audit: w})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	t.Cleanup(a.Dispatch.Close)

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metricsHandler(a, srv))
	registerAdmin(mux, &admin{
		app:      a,
		store:    store,
		ws:       srv,
		auditDir: w.Dir(),
		snapDir:  filepath.Join(dir, "snapshots"),
		log:      log.New(io.Discard, "", 0),
		now:      func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) },
	})
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return &adminFixture{app: a, store: store, dir: dir, url: hs.URL, mux: mux}
}

func (f *adminFixture) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	resp, err := http.Post(f.url+path, "application/json", rd)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestAdminCoinsSpawnAndSnapshot(t *testing.T) {
	f := newAdminFixture(t)

	code, out := f.post(t, "/admin/v1/coins", coinsRequest{Op: app.CoinsGrant, Account: "alice", Amount: 75})
	if code != http.StatusOK || out["balance"] != float64(75) {
		t.Fatalf("grant: %d %v", code, out)
	}
	code, out = f.post(t, "/admin/v1/coins", coinsRequest{Op: "mint", Account: "alice", Amount: 1})
	if code != http.StatusBadRequest || out["code"] != protocol.ErrBadRequest {
		t.Fatalf("bad op: %d %v", code, out)
	}

	code, out = f.post(t, "/admin/v1/spawn?channel=general&item=fox", nil)
	if code != http.StatusOK || out["definition"] != "fox" {
		t.Fatalf("spawn: %d %v", code, out)
	}
	code, _ = f.post(t, "/admin/v1/spawn?channel=nowhere", nil)
	if code != http.StatusNotFound {
		t.Fatalf("unknown channel: %d", code)
	}

	code, out = f.post(t, "/admin/v1/snapshot", nil)
	if code != http.StatusOK {
		t.Fatalf("snapshot: %d %v", code, out)
	}
	snap, err := snapshot.ReadSnapshot(out["path"].(string))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if s := snap.Summary(); s.Coins != 75 || s.Accounts != 1 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestAdminReadEndpoints(t *testing.T) {
	f := newAdminFixture(t)
	f.post(t, "/admin/v1/coins", coinsRequest{Op: app.CoinsGrant, Account: "bob", Amount: 5})

	resp, err := http.Get(f.url + "/admin/v1/leaderboard?limit=5")
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	var accts []ledger.Account
	_ = json.NewDecoder(resp.Body).Decode(&accts)
	resp.Body.Close()
	if len(accts) != 1 || accts[0].ID != "bob" {
		t.Fatalf("leaderboard = %+v", accts)
	}

	resp, err = http.Get(f.url + "/admin/v1/audit?n=10")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	var entries []audit.Entry
	_ = json.NewDecoder(resp.Body).Decode(&entries)
	resp.Body.Close()
	if len(entries) != 1 || entries[0].Action != audit.ActionCoinsAdmin {
		t.Fatalf("audit = %+v", entries)
	}

	resp, err = http.Get(f.url + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), `catchdex_spawns_total{channel="general"} 0`) {
		t.Fatalf("metrics:\n%s", b)
	}

	resp, err = http.Post(f.url+"/admin/v1/state", "application/json", nil)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST state = %d", resp.StatusCode)
	}
}

func TestAdminRefusesRemoteCallers(t *testing.T) {
	f := newAdminFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "203.0.113.7:4242"
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote state = %d", rec.Code)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80":   true,
		"[::1]:9000":     true,
		"::1":            true,
		"10.1.2.3:80":    false,
		"not-an-address": false,
		"localhost:8080": false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("isLoopbackRemote(%q) = %v", addr, got)
		}
	}
}
