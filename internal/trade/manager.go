package trade

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

	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/protocol"
	"catchdex.io/internal/render"
	"catchdex.io/internal/scheduler"
)

const DefaultInactivity = 5 * time.Minute

// Prompter delivers trade prompts to both participants.
type Prompter interface {
	Deliver(ctx context.Context, p protocol.Prompt) error
}

type Options struct {
	Retries    int
	Inactivity time.Duration
	Scheduler  *scheduler.Scheduler
	Prompter   Prompter
	// OnFinish is called once per session when it commits or cancels.
	OnFinish func(Snapshot)
	Logger   *log.Logger
	Now      func() time.Time
}

type Manager struct {
	settler    *Settler
	inactivity time.Duration
	sched      *scheduler.Scheduler
	prompter   Prompter
	onFinish   func(Snapshot)
	log        *log.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	// active maps a participant to its one open or locked session.
	active map[string]string
}

func NewManager(store ledger.Store, opts Options) *Manager {
	m := &Manager{
		settler:    NewSettler(store, opts.Retries),
		inactivity: opts.Inactivity,
		sched:      opts.Scheduler,
		prompter:   opts.Prompter,
		onFinish:   opts.OnFinish,
		log:        opts.Logger,
		now:        opts.Now,
		sessions:   map[string]*Session{},
		active:     map[string]string{},
	}
	if m.inactivity <= 0 {
		m.inactivity = DefaultInactivity
	}
	if m.log == nil {
		m.log = log.New(io.Discard, "", 0)
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

func timerKey(id string) string { return "trade:" + id }

// Begin opens a session between initiator and partner. Each participant may
// have only one unfinished session.
func (m *Manager) Begin(ctx context.Context, initiator, partner string) (Snapshot, error) {
	if !ledger.IsParticipant(initiator) || !ledger.IsParticipant(partner) {
		return Snapshot{}, dexerr.New(dexerr.CodeBadRequest, "trades are between two participants")
	}
	if initiator == partner {
		return Snapshot{}, dexerr.New(dexerr.CodeBadRequest, "cannot trade with yourself")
	}
	m.mu.Lock()
	for _, p := range []string{initiator, partner} {
		if id, busy := m.active[p]; busy {
			m.mu.Unlock()
			return Snapshot{}, dexerr.Newf(dexerr.CodeStateConflict, "%s is already in trade %s", p, id)
		}
	}
	s := newSession(uuid.NewString(), initiator, partner, m.now())
	m.sessions[s.ID] = s
	m.active[initiator] = s.ID
	m.active[partner] = s.ID
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	m.touchLocked(s)
	m.log.Printf("trade %s: %s with %s", s.ID, initiator, partner)
	return m.publishLocked(ctx, s), nil
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Active returns the unfinished session participant is in.
func (m *Manager) Active(participant string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[participant]
	if !ok {
		return nil, false
	}
	return m.sessions[id], true
}

// Sessions snapshots every session still held in memory.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// open locks the session for one operation by participant and checks it is
// still Open with participant's side editable.
func (m *Manager) open(id, participant string) (*Session, int, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, -1, dexerr.Newf(dexerr.CodeNotFound, "trade %s not found", id)
	}
	s.mu.Lock()
	i := s.side(participant)
	if i < 0 {
		s.mu.Unlock()
		return nil, -1, dexerr.Newf(dexerr.CodeNotFound, "trade %s not found", id)
	}
	if s.state != Open {
		s.mu.Unlock()
		return nil, -1, dexerr.Newf(dexerr.CodeStateConflict, "trade %s is %s", id, s.state)
	}
	if s.sides[i].LockedIn {
		s.mu.Unlock()
		return nil, -1, dexerr.Newf(dexerr.CodeStateConflict, "%s already locked in", participant)
	}
	return s, i, nil
}

// Add offers items from participant's side. The items are reserved in the
// ledger before they appear in the offer.
func (m *Manager) Add(ctx context.Context, id, participant string, items []int64) (Snapshot, error) {
	if len(items) == 0 {
		return Snapshot{}, dexerr.New(dexerr.CodeBadRequest, "no items given")
	}
	s, i, err := m.open(id, participant)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()

	var fresh []int64
	for _, it := range items {
		if !slices.Contains(s.sides[i].Items, it) && !slices.Contains(fresh, it) {
			fresh = append(fresh, it)
		}
	}
	if err := m.settler.Reserve(ctx, s.ID, participant, fresh); err != nil {
		return Snapshot{}, err
	}
	s.sides[i].Items = append(s.sides[i].Items, fresh...)
	m.touchLocked(s)
	return m.publishLocked(ctx, s), nil
}

// Remove withdraws items from participant's side and releases them.
func (m *Manager) Remove(ctx context.Context, id, participant string, items []int64) (Snapshot, error) {
	s, i, err := m.open(id, participant)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()

	for _, it := range items {
		if !slices.Contains(s.sides[i].Items, it) {
			return Snapshot{}, dexerr.Newf(dexerr.CodeBadRequest, "item %d is not in your offer", it)
		}
	}
	if err := m.settler.Release(ctx, s.ID, items); err != nil {
		return Snapshot{}, err
	}
	s.sides[i].Items = slices.DeleteFunc(s.sides[i].Items, func(it int64) bool { return slices.Contains(items, it) })
	m.touchLocked(s)
	return m.publishLocked(ctx, s), nil
}

// SetCoins sets participant's currency offer. The amount must be covered by
// the current balance.
func (m *Manager) SetCoins(ctx context.Context, id, participant string, amount int64) (Snapshot, error) {
	if amount < 0 {
		return Snapshot{}, dexerr.New(dexerr.CodeBadRequest, "negative amount")
	}
	s, i, err := m.open(id, participant)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()

	if amount > 0 {
		side := Side{Participant: participant, Coins: amount}
		err := m.settler.Check(ctx, s.ID, [2]Side{side, {}})
		if dexerr.CodeOf(err) == dexerr.CodeInvalidOffer {
			return Snapshot{}, dexerr.Wrap(dexerr.CodeInsufficientFunds, "set coins", err)
		}
		if err != nil {
			return Snapshot{}, err
		}
	}
	s.sides[i].Coins = amount
	m.touchLocked(s)
	return m.publishLocked(ctx, s), nil
}

// Lock locks in participant's side. When both sides are locked in the offers
// are validated again: valid offers move the session to Locked, stale ones
// reset both lock-ins and fail with INVALID_OFFER. Two empty offers cancel
// the session.
func (m *Manager) Lock(ctx context.Context, id, participant string) (Snapshot, error) {
	s, i, err := m.open(id, participant)
	if err != nil {
		return Snapshot{}, err
	}
	defer s.mu.Unlock()

	s.sides[i].LockedIn = true
	m.touchLocked(s)
	if !s.sides[1-i].LockedIn {
		return m.publishLocked(ctx, s), nil
	}
	if s.sides[0].empty() && s.sides[1].empty() {
		return m.cancelLocked(ctx, s, ReasonEmpty)
	}
	if err := m.settler.Check(ctx, s.ID, s.sides); err != nil {
		s.resetLockIns()
		m.publishLocked(ctx, s)
		return Snapshot{}, err
	}
	s.state = Locked
	m.log.Printf("trade %s: locked", s.ID)
	return m.publishLocked(ctx, s), nil
}

// Confirm records participant's final confirmation of a Locked session. The
// second confirmation settles it.
func (m *Manager) Confirm(ctx context.Context, id, participant string) (Snapshot, error) {
	s, ok := m.Get(id)
	if !ok {
		return Snapshot{}, dexerr.Newf(dexerr.CodeNotFound, "trade %s not found", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.side(participant)
	if i < 0 {
		return Snapshot{}, dexerr.Newf(dexerr.CodeNotFound, "trade %s not found", id)
	}
	if s.state != Locked {
		return Snapshot{}, dexerr.Newf(dexerr.CodeStateConflict, "trade %s is %s", id, s.state)
	}
	s.sides[i].Confirmed = true
	m.touchLocked(s)
	if !s.sides[1-i].Confirmed {
		return m.publishLocked(ctx, s), nil
	}
	return m.settleLocked(ctx, s, i)
}

// Settle runs the settlement of a Locked session directly.
func (m *Manager) Settle(ctx context.Context, id string) (Snapshot, error) {
	s, ok := m.Get(id)
	if !ok {
		return Snapshot{}, dexerr.Newf(dexerr.CodeNotFound, "trade %s not found", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Locked {
		return Snapshot{}, dexerr.Newf(dexerr.CodeStateConflict, "trade %s is %s", id, s.state)
	}
	return m.settleLocked(ctx, s, -1)
}

// settleLocked commits a Locked session. A stale offer cancels the session;
// a storage failure keeps it Locked and withdraws the confirmation of side
// by (if any) so it can be confirmed again.
func (m *Manager) settleLocked(ctx context.Context, s *Session, by int) (Snapshot, error) {
	err := m.settler.Settle(ctx, s.ID, s.sides)
	switch {
	case err == nil:
		s.state = Committed
		m.finishLocked(s)
		m.log.Printf("trade %s: committed", s.ID)
		return m.publishLocked(ctx, s), nil
	case dexerr.CodeOf(err) == dexerr.CodeInvalidOffer:
		m.log.Printf("trade %s: settlement rejected: %v", s.ID, err)
		if _, cerr := m.cancelLocked(ctx, s, ReasonInvalid); cerr != nil {
			m.log.Printf("trade %s: release after rejection: %v", s.ID, cerr)
		}
		return Snapshot{}, err
	default:
		if by >= 0 {
			s.sides[by].Confirmed = false
		}
		m.log.Printf("trade %s: settlement failed: %v", s.ID, err)
		return Snapshot{}, err
	}
}

// Cancel ends a session before it commits. Reserved items are released;
// ownership and balances are untouched.
func (m *Manager) Cancel(ctx context.Context, id, participant string) (Snapshot, error) {
	s, ok := m.Get(id)
	if !ok {
		return Snapshot{}, dexerr.Newf(dexerr.CodeNotFound, "trade %s not found", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.side(participant) < 0 {
		return Snapshot{}, dexerr.Newf(dexerr.CodeNotFound, "trade %s not found", id)
	}
	return m.cancelLocked(ctx, s, ReasonCancelled)
}

func (m *Manager) cancelLocked(ctx context.Context, s *Session, reason string) (Snapshot, error) {
	if s.state.Terminal() {
		return Snapshot{}, dexerr.Newf(dexerr.CodeStateConflict, "trade %s is %s", s.ID, s.state)
	}
	if err := m.settler.Release(ctx, s.ID, s.allItems()); err != nil {
		return Snapshot{}, err
	}
	s.state = Cancelled
	s.reason = reason
	m.finishLocked(s)
	m.log.Printf("trade %s: cancelled (%s)", s.ID, reason)
	return m.publishLocked(ctx, s), nil
}

// expire fires from the scheduler after the inactivity timeout.
func (m *Manager) expire(id string) {
	s, ok := m.Get(id)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if idle := m.now().Sub(s.activity); idle < m.inactivity {
		m.scheduleLocked(s)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.cancelLocked(ctx, s, ReasonTimeout); err != nil {
		m.log.Printf("trade %s: timeout cancel: %v", s.ID, err)
		m.scheduleLocked(s)
	}
}

// Shutdown cancels every unfinished session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	var open []*Session
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()
	for _, s := range open {
		s.mu.Lock()
		if !s.state.Terminal() {
			if _, err := m.cancelLocked(ctx, s, ReasonShutdown); err != nil {
				m.log.Printf("trade %s: shutdown cancel: %v", s.ID, err)
			}
		}
		s.mu.Unlock()
	}
}

func (m *Manager) touchLocked(s *Session) {
	s.activity = m.now()
	m.scheduleLocked(s)
}

func (m *Manager) scheduleLocked(s *Session) {
	if m.sched == nil {
		return
	}
	id := s.ID
	m.sched.At(timerKey(id), s.activity.Add(m.inactivity), func() { m.expire(id) })
}

// finishLocked drops a terminal session from the indexes.
func (m *Manager) finishLocked(s *Session) {
	if m.sched != nil {
		m.sched.Cancel(timerKey(s.ID))
	}
	m.mu.Lock()
	delete(m.sessions, s.ID)
	for _, sd := range s.sides {
		if m.active[sd.Participant] == s.ID {
			delete(m.active, sd.Participant)
		}
	}
	m.mu.Unlock()
	if m.onFinish != nil {
		m.onFinish(s.snapshotLocked())
	}
}

func (m *Manager) publishLocked(ctx context.Context, s *Session) Snapshot {
	snap := s.snapshotLocked()
	if m.prompter == nil {
		return snap
	}
	p := protocol.NewPrompt("trade:"+s.ID, protocol.PromptTrade)
	p.Recipients = []string{s.sides[0].Participant, s.sides[1].Participant}
	p.State = snap.State
	p.Text = describe(snap)
	switch s.state {
	case Open:
		p.Actions = []string{protocol.KindTradeAdd, protocol.KindTradeRemove, protocol.KindTradeCoins, protocol.KindTradeLock, protocol.KindTradeCancel}
	case Locked:
		p.Actions = []string{protocol.KindTradeConfirm, protocol.KindTradeCancel}
	default:
		p.Final = true
	}
	if err := m.prompter.Deliver(ctx, p); err != nil {
		m.log.Printf("trade %s: deliver: %v", s.ID, err)
	}
	return snap
}

func describe(snap Snapshot) string {
	var b strings.Builder
	switch snap.State {
	case Committed.String():
		b.WriteString("Trade complete.\n")
	case Cancelled.String():
		fmt.Fprintf(&b, "Trade cancelled (%s).\n", snap.Reason)
	}
	for _, sd := range snap.Sides {
		mark := ""
		switch {
		case sd.Confirmed:
			mark = " [confirmed]"
		case sd.LockedIn:
			mark = " [locked]"
		}
		fmt.Fprintf(&b, "%s%s: ", sd.Participant, mark)
		if sd.empty() {
			b.WriteString("nothing")
		}
		for j, it := range sd.Items {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "#%d", it)
		}
		if sd.Coins > 0 {
			if len(sd.Items) > 0 {
				b.WriteString(" + ")
			}
			b.WriteString(render.Coins(sd.Coins))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
