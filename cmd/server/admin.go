package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"catchdex.io/internal/app"
	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/persistence/audit"
	"catchdex.io/internal/persistence/snapshot"
	"catchdex.io/internal/protocol"
	"catchdex.io/internal/transport/ws"
)

// admin serves the local-only operator endpoints.
type admin struct {
	app      *app.App
	store    ledger.Store
	ws       *ws.Server
	auditDir string
	snapDir  string
	log      *log.Logger
	now      func() time.Time
}

func registerAdmin(mux *http.ServeMux, a *admin) {
	if a.now == nil {
		a.now = time.Now
	}
	mux.HandleFunc("/admin/v1/state", a.local(http.MethodGet, a.state))
	mux.HandleFunc("/admin/v1/trades", a.local(http.MethodGet, a.trades))
	mux.HandleFunc("/admin/v1/wagers", a.local(http.MethodGet, a.wagers))
	mux.HandleFunc("/admin/v1/leaderboard", a.local(http.MethodGet, a.leaderboard))
	mux.HandleFunc("/admin/v1/audit", a.local(http.MethodGet, a.auditTail))
	mux.HandleFunc("/admin/v1/snapshot", a.local(http.MethodPost, a.snapshot))
	mux.HandleFunc("/admin/v1/spawn", a.local(http.MethodPost, a.spawn))
	mux.HandleFunc("/admin/v1/coins", a.local(http.MethodPost, a.coins))
}

func (a *admin) local(method string, h func(rw http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeErr(rw http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch dexerr.CodeOf(err) {
	case dexerr.CodeBadRequest, dexerr.CodeInvalidOffer, dexerr.CodeInsufficientFunds:
		status = http.StatusBadRequest
	case dexerr.CodeNotFound:
		status = http.StatusNotFound
	case dexerr.CodeStateConflict:
		status = http.StatusConflict
	case dexerr.CodeTimeout, dexerr.CodeStorageFailure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(rw, status, map[string]any{"ok": false, "code": protocol.CodeFor(err), "error": err.Error()})
}

func intParam(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (a *admin) state(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, struct {
		Catalog   protocol.CatalogDigest `json:"catalog"`
		Connected []string               `json:"connected"`
		Spawns    []app.SpawnStatus      `json:"spawns"`
		Trades    int                    `json:"open_trades"`
		Wagers    int                    `json:"open_wagers"`
		Timers    int                    `json:"timers"`
		Queues    int                    `json:"queues"`
	}{
		Catalog:   a.app.Digest(),
		Connected: a.ws.Connected(),
		Spawns:    a.app.SpawnStatus(),
		Trades:    len(a.app.Trades.Sessions()),
		Wagers:    len(a.app.Wagers.Wagers()),
		Timers:    a.app.Scheduler.Len(),
		Queues:    a.app.Dispatch.Len(),
	})
}

func (a *admin) trades(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, a.app.Trades.Sessions())
}

func (a *admin) wagers(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, a.app.Wagers.Wagers())
}

func (a *admin) leaderboard(rw http.ResponseWriter, r *http.Request) {
	accts, err := a.app.Bank.Leaderboard(r.Context(), intParam(r, "limit", 0))
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, accts)
}

func (a *admin) auditTail(rw http.ResponseWriter, r *http.Request) {
	if a.auditDir == "" {
		writeErr(rw, dexerr.New(dexerr.CodeNotFound, "audit log disabled"))
		return
	}
	entries, err := audit.Tail(a.auditDir, intParam(r, "n", 50))
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, entries)
}

func (a *admin) snapshot(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	now := a.now().UTC()
	snap, err := snapshot.Export(ctx, a.store, "server", now)
	if err != nil {
		writeErr(rw, err)
		return
	}
	path := filepath.Join(a.snapDir, snapshot.FileName(now))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		writeErr(rw, err)
		return
	}
	a.log.Printf("snapshot written: %s", path)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "path": path, "summary": snap.Summary()})
}

func (a *admin) spawn(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	inst, err := a.app.Spawns.Spawn(r.Context(), q.Get("channel"), q.Get("item"))
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"ok":         true,
		"spawn_id":   inst.ID,
		"definition": inst.Definition.ID,
		"expires_at": inst.ExpiresAt,
	})
}

type coinsRequest struct {
	Operator string `json:"operator"`
	Op       string `json:"op"`
	Account  string `json:"account"`
	Amount   int64  `json:"amount"`
}

func (a *admin) coins(rw http.ResponseWriter, r *http.Request) {
	var req coinsRequest
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<16)).Decode(&req); err != nil {
		writeErr(rw, dexerr.Wrap(dexerr.CodeBadRequest, "decode request", err))
		return
	}
	if req.Operator == "" {
		req.Operator = "admin"
	}
	bal, err := a.app.AdjustCoins(r.Context(), req.Operator, req.Op, req.Account, req.Amount)
	if err != nil {
		writeErr(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "account": req.Account, "balance": bal})
}
