package app

import (
	"context"
	"time"

	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/persistence/audit"
)

// Coin adjustment operations.
const (
	CoinsGrant  = "grant"
	CoinsRevoke = "revoke"
	CoinsSet    = "set"
)

// AdjustCoins applies an operator balance change on the account's queue and
// returns the new balance.
func (a *App) AdjustCoins(ctx context.Context, operator, op, account string, amount int64) (int64, error) {
	if !ledger.IsParticipant(account) {
		return 0, dexerr.Newf(dexerr.CodeBadRequest, "%q is not a participant account", account)
	}
	bal, err := withKey(a, ctx, accountKey(account), func(ctx context.Context) (int64, error) {
		switch op {
		case CoinsGrant:
			return a.Bank.Grant(ctx, account, amount)
		case CoinsRevoke:
			return a.Bank.Revoke(ctx, account, amount)
		case CoinsSet:
			return amount, a.Bank.Set(ctx, account, amount)
		default:
			return 0, dexerr.Newf(dexerr.CodeBadRequest, "unknown coin operation %q", op)
		}
	})
	if err != nil {
		return 0, err
	}
	a.record(audit.Entry{
		Actor:   operator,
		Action:  audit.ActionCoinsAdmin,
		Subject: account,
		Outcome: op,
		Details: map[string]any{"amount": amount, "balance": bal},
	})
	return bal, nil
}

// SpawnStatus describes one spawn channel.
type SpawnStatus struct {
	Channel    string    `json:"channel"`
	Spawns     int       `json:"spawns"`
	Live       string    `json:"live,omitempty"`
	Definition string    `json:"definition,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

func (a *App) SpawnStatus() []SpawnStatus {
	var out []SpawnStatus
	for _, ch := range a.Spawns.Channels() {
		c, ok := a.Spawns.Controller(ch)
		if !ok {
			continue
		}
		st := SpawnStatus{Channel: ch, Spawns: c.Spawns()}
		if inst := c.Current(); inst != nil {
			st.Live = inst.ID
			st.Definition = inst.Definition.ID
			st.ExpiresAt = inst.ExpiresAt
		}
		out = append(out, st)
	}
	return out
}
