// Package wager holds escrowed bets between participants and pays them out
// or refunds them atomically.
package wager

import (
	"context"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"catchdex.io/internal/catalog"
	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/protocol"
	"catchdex.io/internal/render"
	"catchdex.io/internal/scheduler"
)

const DefaultResolutionTimeout = 30 * time.Minute

type State int

const (
	Open State = iota + 1
	Resolving
	Settled
	Refunded
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Resolving:
		return "RESOLVING"
	case Settled:
		return "SETTLED"
	case Refunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

// Refund reasons.
const (
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
	ReasonNoWinner  = "no winner"
	ReasonRestart   = "restart"
)

// Prompter delivers wager prompts to the participants.
type Prompter interface {
	Deliver(ctx context.Context, p protocol.Prompt) error
}

// Wager is one escrowed bet. Its stakes are owned by the escrow holder from
// creation until it settles or refunds.
type Wager struct {
	ID        string
	Payout    Payout
	Stakes    []ledger.Stake
	CreatedAt time.Time
	Deadline  time.Time

	mu       sync.Mutex
	state    State
	outcome  string
	reason   string
	payments []Payment
}

type Snapshot struct {
	ID       string         `json:"id"`
	State    string         `json:"state"`
	Payout   Payout         `json:"payout"`
	Stakes   []ledger.Stake `json:"stakes"`
	Outcome  string         `json:"outcome,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Payments []Payment      `json:"payments,omitempty"`
	// Accepted lists who agreed to a proposal still waiting for the rest.
	Accepted  []string  `json:"accepted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

func (w *Wager) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        w.ID,
		State:     w.state.String(),
		Payout:    w.Payout,
		Stakes:    slices.Clone(w.Stakes),
		Outcome:   w.outcome,
		Reason:    w.reason,
		Payments:  slices.Clone(w.payments),
		CreatedAt: w.CreatedAt,
		Deadline:  w.Deadline,
	}
}

func (w *Wager) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// Participants lists the stake holders in listing order.
func (w *Wager) Participants() []string {
	out := make([]string, 0, len(w.Stakes))
	for _, s := range w.Stakes {
		out = append(out, s.Participant)
	}
	return out
}

type Options struct {
	Retries           int
	ResolutionTimeout time.Duration
	Scheduler         *scheduler.Scheduler
	Prompter          Prompter
	Dice              *catalog.Dice
	// OnFinish is called once per wager when it settles or refunds.
	OnFinish func(Snapshot)
	Logger   *log.Logger
	Now      func() time.Time
}

// Escrow creates, resolves and refunds wagers.
type Escrow struct {
	store    ledger.Store
	retries  int
	timeout  time.Duration
	sched    *scheduler.Scheduler
	prompter Prompter
	dice     *catalog.Dice
	onFinish func(Snapshot)
	log      *log.Logger
	now      func() time.Time

	mu        sync.Mutex
	wagers    map[string]*Wager
	proposals map[string]*Proposal
}

func NewEscrow(store ledger.Store, opts Options) *Escrow {
	e := &Escrow{
		store:     store,
		retries:   opts.Retries,
		timeout:   opts.ResolutionTimeout,
		sched:     opts.Scheduler,
		prompter:  opts.Prompter,
		dice:      opts.Dice,
		onFinish:  opts.OnFinish,
		log:       opts.Logger,
		now:       opts.Now,
		wagers:    map[string]*Wager{},
		proposals: map[string]*Proposal{},
	}
	if e.timeout <= 0 {
		e.timeout = DefaultResolutionTimeout
	}
	if e.dice == nil {
		e.dice = catalog.RandomDice()
	}
	if e.log == nil {
		e.log = log.New(io.Discard, "", 0)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func timerKey(id string) string { return "wager:" + id }

func validateStakes(payout Payout, stakes []ledger.Stake) error {
	if !payout.Valid() {
		return dexerr.Newf(dexerr.CodeBadRequest, "unknown payout rule %q", payout)
	}
	if len(stakes) < 2 {
		return dexerr.New(dexerr.CodeBadRequest, "a wager needs at least two stakes")
	}
	who := map[string]bool{}
	items := map[int64]bool{}
	for _, s := range stakes {
		if !ledger.IsParticipant(s.Participant) {
			return dexerr.Newf(dexerr.CodeBadRequest, "%q is not a participant", s.Participant)
		}
		if who[s.Participant] {
			return dexerr.Newf(dexerr.CodeBadRequest, "%s staked twice", s.Participant)
		}
		who[s.Participant] = true
		if strings.TrimSpace(s.Outcome) == "" {
			return dexerr.Newf(dexerr.CodeBadRequest, "%s backs no outcome", s.Participant)
		}
		if s.Coins < 0 {
			return dexerr.Newf(dexerr.CodeBadRequest, "%s staked negative coins", s.Participant)
		}
		if s.Coins == 0 && len(s.Items) == 0 {
			return dexerr.Newf(dexerr.CodeBadRequest, "%s staked nothing", s.Participant)
		}
		for _, id := range s.Items {
			if items[id] {
				return dexerr.Newf(dexerr.CodeBadRequest, "item %d staked twice", id)
			}
			items[id] = true
		}
	}
	if len(Outcomes(stakes)) < 2 {
		return dexerr.New(dexerr.CodeBadRequest, "a wager needs at least two outcomes")
	}
	return nil
}

// Create moves every stake into escrow in one transaction and opens the
// wager. An empty id gets a fresh one. Any unowned, reserved or unaffordable
// stake fails the whole creation and nothing moves.
func (e *Escrow) Create(ctx context.Context, id string, payout Payout, stakes []ledger.Stake) (Snapshot, error) {
	if err := validateStakes(payout, stakes); err != nil {
		return Snapshot{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	e.mu.Lock()
	if _, dup := e.wagers[id]; dup {
		e.mu.Unlock()
		return Snapshot{}, dexerr.Newf(dexerr.CodeStateConflict, "wager %s already exists", id)
	}
	now := e.now()
	w := &Wager{
		ID:        id,
		Payout:    payout,
		Stakes:    cloneStakes(stakes),
		CreatedAt: now,
		Deadline:  now.Add(e.timeout),
		state:     Open,
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	e.wagers[id] = w
	e.mu.Unlock()

	holder := ledger.EscrowHolder(id)
	err := ledger.Run(ctx, e.store, e.retries, func(tx ledger.Tx) error {
		for _, s := range w.Stakes {
			for _, itemID := range s.Items {
				it, err := tx.Item(itemID)
				if err != nil {
					return dexerr.Wrap(dexerr.CodeInvalidOffer, "stake", err)
				}
				if it.Owner != s.Participant {
					return dexerr.Newf(dexerr.CodeInvalidOffer, "item %d is not owned by %s", itemID, s.Participant)
				}
				if it.Locked() {
					return dexerr.Newf(dexerr.CodeInvalidOffer, "item %d is in a trade", itemID)
				}
				if err := tx.SetOwner(itemID, holder); err != nil {
					return err
				}
			}
			if err := move(tx, s.Participant, holder, s.Coins); err != nil {
				return err
			}
		}
		return tx.PutEscrow(ledger.EscrowRecord{
			ID:        id,
			Payout:    string(payout),
			Stakes:    w.Stakes,
			CreatedAt: w.CreatedAt.UTC(),
			Deadline:  w.Deadline.UTC(),
		})
	})
	if err != nil {
		e.mu.Lock()
		delete(e.wagers, id)
		e.mu.Unlock()
		return Snapshot{}, err
	}
	if e.sched != nil {
		e.sched.At(timerKey(id), w.Deadline, func() { e.expire(id) })
	}
	e.log.Printf("wager %s: open with %d stakes until %s", id, len(w.Stakes), w.Deadline.Format(time.RFC3339))
	return e.publishLocked(ctx, w), nil
}

// move transfers coins between holders; a short balance is INSUFFICIENT_FUNDS.
func move(tx ledger.Tx, from, to string, coins int64) error {
	if coins == 0 {
		return nil
	}
	if _, err := tx.AdjustBalance(from, -coins); err != nil {
		return err
	}
	_, err := tx.AdjustBalance(to, coins)
	return err
}

func (e *Escrow) Get(id string) (*Wager, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.wagers[id]
	return w, ok
}

// Wagers snapshots every wager still held in memory.
func (e *Escrow) Wagers() []Snapshot {
	e.mu.Lock()
	all := make([]*Wager, 0, len(e.wagers))
	for _, w := range e.wagers {
		all = append(all, w)
	}
	e.mu.Unlock()
	out := make([]Snapshot, 0, len(all))
	for _, w := range all {
		out = append(out, w.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (e *Escrow) lookup(id string) (*Wager, error) {
	w, ok := e.Get(id)
	if !ok {
		return nil, dexerr.Newf(dexerr.CodeNotFound, "wager %s not found", id)
	}
	return w, nil
}

// Resolve pays the pool out to the participants who backed outcome. If
// nobody did, every stake is refunded instead.
func (e *Escrow) Resolve(ctx context.Context, id, outcome string) (Snapshot, error) {
	if strings.TrimSpace(outcome) == "" {
		return Snapshot{}, dexerr.New(dexerr.CodeBadRequest, "empty outcome")
	}
	w, err := e.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return e.resolveLocked(ctx, w, outcome)
}

// ResolveRandom picks one of the backed outcomes uniformly and resolves the
// wager with it.
func (e *Escrow) ResolveRandom(ctx context.Context, id string) (Snapshot, error) {
	w, err := e.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	outcomes := Outcomes(w.Stakes)
	return e.resolveLocked(ctx, w, outcomes[e.dice.IntN(len(outcomes))])
}

func (e *Escrow) resolveLocked(ctx context.Context, w *Wager, outcome string) (Snapshot, error) {
	if w.state != Open {
		return Snapshot{}, dexerr.Newf(dexerr.CodeStateConflict, "wager %s is %s", w.ID, w.state)
	}
	payments := Distribute(w.Stakes, w.Payout, outcome)
	if payments == nil {
		return e.refundLocked(ctx, w, ReasonNoWinner)
	}
	w.state = Resolving
	if err := e.payOut(ctx, w.ID, payments); err != nil {
		w.state = Open
		e.log.Printf("wager %s: payout failed: %v", w.ID, err)
		return Snapshot{}, err
	}
	w.state = Settled
	w.outcome = outcome
	w.payments = payments
	e.finishLocked(w)
	e.log.Printf("wager %s: settled on %q", w.ID, outcome)
	return e.publishLocked(ctx, w), nil
}

// Cancel refunds every stake.
func (e *Escrow) Cancel(ctx context.Context, id string) (Snapshot, error) {
	w, err := e.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return e.refundLocked(ctx, w, ReasonCancelled)
}

func (e *Escrow) refundLocked(ctx context.Context, w *Wager, reason string) (Snapshot, error) {
	if w.state != Open {
		return Snapshot{}, dexerr.Newf(dexerr.CodeStateConflict, "wager %s is %s", w.ID, w.state)
	}
	payments := Refunds(w.Stakes)
	if err := e.payOut(ctx, w.ID, payments); err != nil {
		e.log.Printf("wager %s: refund failed: %v", w.ID, err)
		return Snapshot{}, err
	}
	w.state = Refunded
	w.reason = reason
	w.payments = payments
	e.finishLocked(w)
	e.log.Printf("wager %s: refunded (%s)", w.ID, reason)
	return e.publishLocked(ctx, w), nil
}

// payOut empties the escrow holder into payments and drops the escrow record
// in one transaction.
func (e *Escrow) payOut(ctx context.Context, id string, payments []Payment) error {
	holder := ledger.EscrowHolder(id)
	return ledger.Run(ctx, e.store, e.retries, func(tx ledger.Tx) error {
		return drain(tx, id, holder, payments)
	})
}

func drain(tx ledger.Tx, id, holder string, payments []Payment) error {
	if _, ok, err := tx.Escrow(id); err != nil {
		return err
	} else if !ok {
		return dexerr.Newf(dexerr.CodeStateConflict, "wager %s has no escrow", id)
	}
	for _, p := range payments {
		for _, itemID := range p.Items {
			it, err := tx.Item(itemID)
			if err != nil {
				return err
			}
			if it.Owner != holder {
				return dexerr.Newf(dexerr.CodeStateConflict, "item %d left escrow %s", itemID, id)
			}
			if err := tx.SetOwner(itemID, p.Participant); err != nil {
				return err
			}
		}
		if err := move(tx, holder, p.Participant, p.Coins); err != nil {
			return err
		}
	}
	return tx.DeleteEscrow(id)
}

func (e *Escrow) expire(id string) {
	w, ok := e.Get(id)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Open {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.refundLocked(ctx, w, ReasonTimeout); err != nil {
		e.log.Printf("wager %s: timeout refund: %v", id, err)
		if e.sched != nil {
			e.sched.After(timerKey(id), time.Minute, func() { e.expire(id) })
		}
	}
}

// Recover refunds every escrow record left by an earlier process. It runs
// before any wager is created.
func (e *Escrow) Recover(ctx context.Context) (int, error) {
	var recs []ledger.EscrowRecord
	err := ledger.View(ctx, e.store, func(tx ledger.Tx) error {
		var err error
		recs, err = tx.Escrows()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list escrows: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if err := e.payOut(ctx, rec.ID, Refunds(rec.Stakes)); err != nil {
			return n, fmt.Errorf("refund wager %s: %w", rec.ID, err)
		}
		n++
		if e.onFinish != nil {
			e.onFinish(Snapshot{
				ID:        rec.ID,
				State:     Refunded.String(),
				Payout:    Payout(rec.Payout),
				Stakes:    rec.Stakes,
				Reason:    ReasonRestart,
				Payments:  Refunds(rec.Stakes),
				CreatedAt: rec.CreatedAt,
				Deadline:  rec.Deadline,
			})
		}
		e.log.Printf("wager %s: refunded on restart", rec.ID)
	}
	return n, nil
}

func (e *Escrow) finishLocked(w *Wager) {
	if e.sched != nil {
		e.sched.Cancel(timerKey(w.ID))
	}
	e.mu.Lock()
	delete(e.wagers, w.ID)
	e.mu.Unlock()
	if e.onFinish != nil {
		e.onFinish(w.snapshotLocked())
	}
}

func (e *Escrow) publishLocked(ctx context.Context, w *Wager) Snapshot {
	snap := w.snapshotLocked()
	if e.prompter == nil {
		return snap
	}
	p := protocol.NewPrompt("wager:"+w.ID, protocol.PromptWager)
	p.Recipients = w.Participants()
	p.State = snap.State
	p.Text = describe(snap)
	if w.state == Open {
		p.Actions = []string{protocol.KindBetResolve, protocol.KindBetCancel}
	} else {
		p.Final = true
	}
	if err := e.prompter.Deliver(ctx, p); err != nil {
		e.log.Printf("wager %s: deliver: %v", w.ID, err)
	}
	return snap
}

func describe(snap Snapshot) string {
	var b strings.Builder
	switch snap.State {
	case Settled.String():
		fmt.Fprintf(&b, "Outcome: %s\n", snap.Outcome)
		for _, p := range snap.Payments {
			fmt.Fprintf(&b, "%s wins %s\n", p.Participant, stakeText(p.Items, p.Coins))
		}
	case Refunded.String():
		fmt.Fprintf(&b, "Wager refunded (%s).\n", snap.Reason)
	case Proposed:
		fmt.Fprintf(&b, "Bet proposed, accepted by %s\n", strings.Join(snap.Accepted, ", "))
		for _, s := range snap.Stakes {
			fmt.Fprintf(&b, "%s bets %s on %s\n", s.Participant, stakeText(s.Items, s.Coins), s.Outcome)
		}
	default:
		fmt.Fprintf(&b, "Wager open until %s\n", snap.Deadline.UTC().Format(time.RFC3339))
		for _, s := range snap.Stakes {
			fmt.Fprintf(&b, "%s bets %s on %s\n", s.Participant, stakeText(s.Items, s.Coins), s.Outcome)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func stakeText(items []int64, coins int64) string {
	var parts []string
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("#%d", it))
	}
	if coins > 0 {
		parts = append(parts, render.Coins(coins))
	}
	if len(parts) == 0 {
		return "nothing"
	}
	return strings.Join(parts, ", ")
}

func cloneStakes(in []ledger.Stake) []ledger.Stake {
	out := make([]ledger.Stake, len(in))
	for i, s := range in {
		s.Items = slices.Clone(s.Items)
		out[i] = s
	}
	return out
}
