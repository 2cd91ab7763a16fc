package wager

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/protocol"
)

// Proposal states, before anything is escrowed.
const (
	Proposed  = "PROPOSED"
	Withdrawn = "WITHDRAWN"
)

// Proposal is a bet every named participant must accept before its stakes
// move into escrow. Nothing is held while it waits.
type Proposal struct {
	ID        string
	Proposer  string
	Payout    Payout
	Stakes    []ledger.Stake
	CreatedAt time.Time
	Expires   time.Time

	mu       sync.Mutex
	accepted []string
	closed   bool
}

func (p *Proposal) snapshotLocked(state string) Snapshot {
	return Snapshot{
		ID:        p.ID,
		State:     state,
		Payout:    p.Payout,
		Stakes:    cloneStakes(p.Stakes),
		Accepted:  slices.Clone(p.accepted),
		CreatedAt: p.CreatedAt,
		Deadline:  p.Expires,
	}
}

func (p *Proposal) named(participant string) bool {
	for _, s := range p.Stakes {
		if s.Participant == participant {
			return true
		}
	}
	return false
}

func proposalKey(id string) string { return "bet-proposal:" + id }

// Propose records a bet on behalf of proposer, who must hold one of the
// stakes and counts as having accepted. Stakes are checked against the
// ledger now so an impossible bet fails early; they are checked again when
// the last acceptance escrows them.
func (e *Escrow) Propose(ctx context.Context, proposer string, payout Payout, stakes []ledger.Stake) (Snapshot, error) {
	if err := validateStakes(payout, stakes); err != nil {
		return Snapshot{}, err
	}
	now := e.now()
	p := &Proposal{
		ID:        uuid.NewString(),
		Proposer:  proposer,
		Payout:    payout,
		Stakes:    cloneStakes(stakes),
		CreatedAt: now,
		Expires:   now.Add(e.timeout),
		accepted:  []string{proposer},
	}
	if !p.named(proposer) {
		return Snapshot{}, dexerr.New(dexerr.CodeBadRequest, "the proposer must hold a stake")
	}
	if err := e.checkStakes(ctx, p.Stakes); err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	e.proposals[p.ID] = p
	e.mu.Unlock()
	if e.sched != nil {
		id := p.ID
		e.sched.At(proposalKey(id), p.Expires, func() { e.dropProposal(id, ReasonTimeout) })
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e.log.Printf("wager %s: proposed by %s", p.ID, proposer)
	return e.publishProposalLocked(ctx, p, Proposed, ""), nil
}

// checkStakes reads the ledger to see whether every stake could be escrowed.
func (e *Escrow) checkStakes(ctx context.Context, stakes []ledger.Stake) error {
	return ledger.View(ctx, e.store, func(tx ledger.Tx) error {
		for _, s := range stakes {
			for _, id := range s.Items {
				it, err := tx.Item(id)
				if err != nil {
					return dexerr.Wrap(dexerr.CodeInvalidOffer, "stake", err)
				}
				if it.Owner != s.Participant || it.Locked() {
					return dexerr.Newf(dexerr.CodeInvalidOffer, "item %d cannot be staked by %s", id, s.Participant)
				}
			}
			acct, err := tx.Account(s.Participant)
			if err != nil {
				return err
			}
			if acct.Balance < s.Coins {
				return dexerr.Newf(dexerr.CodeInsufficientFunds, "%s has %d, stakes %d", s.Participant, acct.Balance, s.Coins)
			}
		}
		return nil
	})
}

// HasProposal reports whether id names a proposal still collecting
// acceptances.
func (e *Escrow) HasProposal(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.proposals[id]
	return ok
}

func (e *Escrow) proposal(id string) (*Proposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[id]
	if !ok {
		return nil, dexerr.Newf(dexerr.CodeNotFound, "bet %s not found", id)
	}
	return p, nil
}

// Accept records participant's agreement. The last acceptance creates the
// wager under the proposal's id; if escrow fails the proposal is discarded.
func (e *Escrow) Accept(ctx context.Context, id, participant string) (Snapshot, error) {
	p, err := e.proposal(id)
	if err != nil {
		return Snapshot{}, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Snapshot{}, dexerr.Newf(dexerr.CodeNotFound, "bet %s not found", id)
	}
	if !p.named(participant) {
		p.mu.Unlock()
		return Snapshot{}, dexerr.Newf(dexerr.CodeNotFound, "bet %s not found", id)
	}
	if !slices.Contains(p.accepted, participant) {
		p.accepted = append(p.accepted, participant)
	}
	if len(p.accepted) < len(p.Stakes) {
		defer p.mu.Unlock()
		return e.publishProposalLocked(ctx, p, Proposed, ""), nil
	}
	p.closed = true
	p.mu.Unlock()
	e.forget(id)

	snap, err := e.Create(ctx, id, p.Payout, p.Stakes)
	if err != nil {
		e.log.Printf("wager %s: escrow on acceptance failed: %v", id, err)
		p.mu.Lock()
		e.publishProposalLocked(ctx, p, Withdrawn, err.Error())
		p.mu.Unlock()
		return Snapshot{}, err
	}
	return snap, nil
}

// Withdraw drops a proposal; any named participant may do it.
func (e *Escrow) Withdraw(ctx context.Context, id, participant string) (Snapshot, error) {
	p, err := e.proposal(id)
	if err != nil {
		return Snapshot{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.named(participant) {
		return Snapshot{}, dexerr.Newf(dexerr.CodeNotFound, "bet %s not found", id)
	}
	p.closed = true
	e.forget(id)
	e.log.Printf("wager %s: withdrawn by %s", id, participant)
	return e.publishProposalLocked(ctx, p, Withdrawn, ReasonCancelled), nil
}

func (e *Escrow) dropProposal(id, reason string) {
	p, err := e.proposal(id)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	e.forget(id)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.publishProposalLocked(ctx, p, Withdrawn, reason)
}

func (e *Escrow) forget(id string) {
	if e.sched != nil {
		e.sched.Cancel(proposalKey(id))
	}
	e.mu.Lock()
	delete(e.proposals, id)
	e.mu.Unlock()
}

func (e *Escrow) publishProposalLocked(ctx context.Context, p *Proposal, state, reason string) Snapshot {
	snap := p.snapshotLocked(state)
	snap.Reason = reason
	if e.prompter == nil {
		return snap
	}
	pr := protocol.NewPrompt("wager:"+p.ID, protocol.PromptWager)
	for _, s := range p.Stakes {
		pr.Recipients = append(pr.Recipients, s.Participant)
	}
	pr.State = state
	if state == Proposed {
		pr.Text = describe(snap)
		pr.Actions = []string{protocol.KindBetAccept, protocol.KindBetCancel}
	} else {
		pr.Text = "Bet withdrawn (" + reason + ")."
		pr.Final = true
	}
	if err := e.prompter.Deliver(ctx, pr); err != nil {
		e.log.Printf("wager %s: deliver: %v", p.ID, err)
	}
	return snap
}
