package spawn

import (
	"context"
	"io"
	"log"
	"time"

	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
)

// Attempt is one participant's try at claiming a spawn.
type Attempt struct {
	ID          string
	Participant string
	Answer      string
	At          time.Time
}

type Status string

const (
	StatusClaimed     Status = "CLAIMED"
	StatusTooLate     Status = "TOO_LATE"
	StatusWrongAnswer Status = "WRONG_ANSWER"
)

// Outcome is the arbiter's answer to an attempt. TooLate and WrongAnswer
// are normal outcomes, not errors.
type Outcome struct {
	Status  Status              `json:"status"`
	SpawnID string              `json:"spawn_id"`
	Winner  string              `json:"winner,omitempty"`
	Item    ledger.ItemInstance `json:"item"`
	// Replayed is set when the attempt had already won and the original
	// result is returned again.
	Replayed bool `json:"replayed,omitempty"`
}

type Arbiter struct {
	store         ledger.Store
	retries       int
	requireAnswer bool
	log           *log.Logger
	now           func() time.Time
}

type ArbiterOptions struct {
	Retries       int
	RequireAnswer bool
	Logger        *log.Logger
	Now           func() time.Time
}

func NewArbiter(store ledger.Store, opts ArbiterOptions) *Arbiter {
	a := &Arbiter{
		store:         store,
		retries:       opts.Retries,
		requireAnswer: opts.RequireAnswer,
		log:           opts.Logger,
		now:           opts.Now,
	}
	if a.log == nil {
		a.log = log.New(io.Discard, "", 0)
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

func tooLate(spawnID string) Outcome { return Outcome{Status: StatusTooLate, SpawnID: spawnID} }

// Claim resolves one attempt against inst. Exactly one attempt per instance
// ever returns StatusClaimed with Replayed unset.
func (a *Arbiter) Claim(ctx context.Context, inst *Instance, at Attempt) (Outcome, error) {
	if at.ID == "" || at.Participant == "" {
		return Outcome{}, dexerr.New(dexerr.CodeBadRequest, "claim needs attempt id and participant")
	}
	if at.At.IsZero() {
		at.At = a.now()
	}
	for {
		state, inflight := inst.snapshot()
		switch state {
		case Claimed:
			if inst.owns(at) {
				out, _ := inst.Outcome()
				out.Replayed = true
				return out, nil
			}
			return tooLate(inst.ID), nil
		case Expired:
			return tooLate(inst.ID), nil
		case claiming:
			if !inst.owns(at) {
				return tooLate(inst.ID), nil
			}
			// Redelivery of the attempt in flight: wait for its result.
			select {
			case <-inflight:
				continue
			case <-ctx.Done():
				return Outcome{}, dexerr.Wrap(dexerr.CodeTimeout, "claim wait", ctx.Err())
			}
		}

		if !at.At.Before(inst.ExpiresAt) {
			return tooLate(inst.ID), nil
		}
		if a.requireAnswer && !inst.Definition.Matches(at.Answer) {
			return Outcome{Status: StatusWrongAnswer, SpawnID: inst.ID}, nil
		}
		if !inst.casClaiming(at) {
			continue
		}
		return a.commit(ctx, inst, at)
	}
}

func (a *Arbiter) commit(ctx context.Context, inst *Instance, at Attempt) (Outcome, error) {
	var (
		out, prior Outcome
		holder     Attempt
	)
	err := ledger.Run(ctx, a.store, a.retries, func(tx ledger.Tx) error {
		prior = Outcome{}
		if tok, ok, err := tx.ClaimToken(inst.ID); err != nil {
			return err
		} else if ok {
			it, err := tx.Item(tok.ItemID)
			if err != nil {
				return err
			}
			prior = Outcome{Status: StatusClaimed, SpawnID: inst.ID, Winner: tok.Winner, Item: it}
			holder = Attempt{ID: tok.AttemptID, Participant: tok.Winner}
			if !tokenMatches(tok, at) {
				out = tooLate(inst.ID)
				return nil
			}
			out = prior
			out.Replayed = true
			return nil
		}
		item := ledger.ItemInstance{
			DefinitionID: inst.Definition.ID,
			Owner:        at.Participant,
			Attack:       inst.Attack,
			Health:       inst.Health,
			Source:       ledger.SourceSpawn,
			Channel:      inst.Channel,
			CaughtAt:     at.At.UTC(),
		}
		if inst.Special != nil {
			item.SpecialID = inst.Special.ID
		}
		minted, err := tx.MintItem(item)
		if err != nil {
			return err
		}
		if err := tx.PutClaimToken(ledger.ClaimToken{
			SpawnID:   inst.ID,
			AttemptID: at.ID,
			Winner:    at.Participant,
			ItemID:    minted.ID,
			ClaimedAt: at.At.UTC(),
		}); err != nil {
			return err
		}
		out = Outcome{Status: StatusClaimed, SpawnID: inst.ID, Winner: at.Participant, Item: minted}
		return nil
	})
	if err != nil {
		inst.settleFailed(a.now())
		a.log.Printf("claim %s by %s failed: %v", inst.ID, at.Participant, err)
		return Outcome{}, err
	}
	if prior.Status == StatusClaimed {
		// The ledger already holds a winner for this spawn.
		inst.settleClaimed(prior, holder)
		return out, nil
	}
	inst.settleClaimed(Outcome{Status: StatusClaimed, SpawnID: out.SpawnID, Winner: out.Winner, Item: out.Item}, at)
	return out, nil
}

// Replay answers an attempt against a spawn that is no longer live, using
// the persisted claim token.
func (a *Arbiter) Replay(ctx context.Context, spawnID string, at Attempt) (Outcome, error) {
	var out Outcome
	err := ledger.View(ctx, a.store, func(tx ledger.Tx) error {
		tok, ok, err := tx.ClaimToken(spawnID)
		if err != nil {
			return err
		}
		if !ok || !tokenMatches(tok, at) {
			out = tooLate(spawnID)
			return nil
		}
		it, err := tx.Item(tok.ItemID)
		if err != nil {
			return err
		}
		out = Outcome{Status: StatusClaimed, SpawnID: spawnID, Winner: tok.Winner, Item: it, Replayed: true}
		return nil
	})
	return out, err
}

func tokenMatches(tok ledger.ClaimToken, at Attempt) bool {
	return tok.AttemptID == at.ID && tok.Winner == at.Participant
}
