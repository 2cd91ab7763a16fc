// Package app wires the spawn, trade, wager, pack and coin engines to one
// ledger and routes inbound interactions to them.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"catchdex.io/internal/catalog"
	"catchdex.io/internal/coins"
	"catchdex.io/internal/config"
	"catchdex.io/internal/dispatch"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/pack"
	"catchdex.io/internal/persistence/audit"
	"catchdex.io/internal/protocol"
	"catchdex.io/internal/render"
	"catchdex.io/internal/scheduler"
	"catchdex.io/internal/spawn"
	"catchdex.io/internal/trade"
	"catchdex.io/internal/wager"
)

// Prompter delivers prompts to the chat transport.
type Prompter interface {
	Deliver(ctx context.Context, p protocol.Prompt) error
}

// AuditSink receives one entry per committed operation.
type AuditSink interface {
	Write(e audit.Entry) error
}

type Deps struct {
	Config   config.Config
	Store    ledger.Store
	Catalog  *catalog.Catalog
	Prompter Prompter
	Audit    AuditSink
	Dice     *catalog.Dice
	Renderer render.Renderer
	// Logger builds the logger for one component; nil discards.
	Logger func(component string) *log.Logger
	Now    func() time.Time
}

type App struct {
	cfg      config.Config
	store    ledger.Store
	cat      *catalog.Catalog
	prompter Prompter
	audit    AuditSink
	renderer render.Renderer
	log      *log.Logger
	now      func() time.Time

	Scheduler *scheduler.Scheduler
	Dispatch  *dispatch.Dispatcher
	Spawns    *spawn.Manager
	Trades    *trade.Manager
	Wagers    *wager.Escrow
	Packs     *pack.Engine
	Bank      *coins.Bank
}

func New(d Deps) (*App, error) {
	if d.Store == nil || d.Catalog == nil {
		return nil, errors.New("app: store and catalog are required")
	}
	logger := d.Logger
	if logger == nil {
		logger = func(string) *log.Logger { return log.New(io.Discard, "", 0) }
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Dice == nil {
		d.Dice = catalog.RandomDice()
	}
	if d.Renderer == nil {
		d.Renderer = render.Text{Now: d.Now}
	}
	cfg := d.Config
	retries := cfg.Ledger.MaxRetries

	a := &App{
		cfg:      cfg,
		store:    d.Store,
		cat:      d.Catalog,
		prompter: d.Prompter,
		audit:    d.Audit,
		renderer: d.Renderer,
		log:      logger("app"),
		now:      d.Now,
	}
	a.Scheduler = scheduler.New(logger("scheduler"))
	a.Dispatch = dispatch.New(dispatch.Options{
		Depth:          cfg.Queue.Depth,
		EnqueueTimeout: cfg.Queue.EnqueueTimeout,
		IdleTimeout:    cfg.Queue.IdleTimeout,
		Logger:         logger("dispatch"),
	})

	arb := spawn.NewArbiter(d.Store, spawn.ArbiterOptions{
		Retries:       retries,
		RequireAnswer: cfg.Spawn.RequireAnswer,
		Logger:        logger("claim"),
		Now:           d.Now,
	})
	a.Spawns = spawn.NewManager(cfg.Spawn.Channels, spawn.Timing{
		MinInterval: cfg.Spawn.MinInterval,
		MaxInterval: cfg.Spawn.MaxInterval,
		Probability: cfg.Spawn.Probability,
		Expiry:      cfg.Spawn.Expiry,
		MaxBonus:    cfg.Spawn.MaxBonus,
	}, spawn.ControllerDeps{
		Catalog:   d.Catalog,
		Dice:      d.Dice,
		Arbiter:   arb,
		Scheduler: a.Scheduler,
		Prompter:  d.Prompter,
		Renderer:  d.Renderer,
		Logger:    logger("spawn"),
		Now:       d.Now,
	})
	a.Trades = trade.NewManager(d.Store, trade.Options{
		Retries:    retries,
		Inactivity: cfg.Trade.InactivityTimeout,
		Scheduler:  a.Scheduler,
		Prompter:   d.Prompter,
		OnFinish:   a.tradeFinished,
		Logger:     logger("trade"),
		Now:        d.Now,
	})
	a.Wagers = wager.NewEscrow(d.Store, wager.Options{
		Retries:           retries,
		ResolutionTimeout: cfg.Wager.ResolutionTimeout,
		Scheduler:         a.Scheduler,
		Prompter:          d.Prompter,
		Dice:              d.Dice,
		OnFinish:          a.wagerFinished,
		Logger:            logger("wager"),
		Now:               d.Now,
	})
	a.Packs = pack.NewEngine(d.Store, d.Catalog, pack.Options{
		Retries:  retries,
		MaxBuy:   cfg.Packs.MaxBuy,
		MaxOpen:  cfg.Packs.MaxOpen,
		MaxBonus: cfg.Spawn.MaxBonus,
		Dice:     d.Dice,
		Logger:   logger("pack"),
		Now:      d.Now,
	})
	a.Bank = coins.NewBank(d.Store, d.Catalog, retries, logger("coins"))
	return a, nil
}

// Recover applies the restart policy: trade sessions and spawns died with
// the previous process, so every trade lock is released and every escrowed
// wager is refunded.
func (a *App) Recover(ctx context.Context) error {
	var locks int
	err := ledger.Run(ctx, a.store, a.cfg.Ledger.MaxRetries, func(tx ledger.Tx) error {
		var err error
		locks, err = tx.ClearTradeLocks()
		return err
	})
	if err != nil {
		return fmt.Errorf("clear trade locks: %w", err)
	}
	refunded, err := a.Wagers.Recover(ctx)
	if err != nil {
		return fmt.Errorf("refund wagers: %w", err)
	}
	a.log.Printf("recovered: released %d trade lock(s), refunded %d wager(s)", locks, refunded)
	a.record(audit.Entry{
		Actor:   ledger.House,
		Action:  audit.ActionRecover,
		Details: map[string]any{"trade_locks": locks, "wagers_refunded": refunded},
	})
	return nil
}

// Run drives timers and spawns until ctx ends, then cancels open trades
// and drains queued work.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Scheduler.Run(gctx) })
	g.Go(func() error { return a.Spawns.Run(gctx) })
	err := g.Wait()

	stop, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.Trades.Shutdown(stop)
	a.Dispatch.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) record(e audit.Entry) {
	if a.audit == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = a.now().UTC()
	}
	if err := a.audit.Write(e); err != nil {
		a.log.Printf("audit %s: %v", e.Action, err)
	}
}

func (a *App) tradeFinished(s trade.Snapshot) {
	a.record(audit.Entry{
		Actor:   s.Sides[0].Participant,
		Action:  audit.ActionTrade,
		Subject: s.ID,
		Outcome: s.State,
		Details: map[string]any{"sides": s.Sides, "reason": s.Reason},
	})
}

func (a *App) wagerFinished(s wager.Snapshot) {
	actor := ""
	if len(s.Stakes) > 0 {
		actor = s.Stakes[0].Participant
	}
	a.record(audit.Entry{
		Actor:   actor,
		Action:  audit.ActionWager,
		Subject: s.ID,
		Outcome: s.State,
		Details: map[string]any{"outcome": s.Outcome, "reason": s.Reason, "payments": s.Payments},
	})
}

// Digest summarizes the catalog for WELCOME.
func (a *App) Digest() protocol.CatalogDigest {
	return protocol.CatalogDigest{Digest: a.cat.Digest, Items: len(a.cat.Items), Packs: len(a.cat.Packs)}
}
