package app

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"catchdex.io/internal/catalog"
	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/pack"
	"catchdex.io/internal/persistence/audit"
	"catchdex.io/internal/protocol"
	"catchdex.io/internal/render"
	"catchdex.io/internal/spawn"
	"catchdex.io/internal/wager"
)

// Queue keys. Work on one key runs one at a time.
func spawnKey(in protocol.Interaction) string {
	if in.Channel != "" {
		return "spawn:" + in.Channel
	}
	return "spawn:" + in.SpawnID
}

func tradeKey(id string) string            { return "trade:" + id }
func wagerKey(id string) string            { return "wager:" + id }
func accountKey(participant string) string { return "account:" + participant }

type route func(ctx context.Context, in protocol.Interaction) (any, error)

func (a *App) routes() map[string]route {
	return map[string]route{
		protocol.KindClaim: a.claim,

		protocol.KindTradeBegin:   a.tradeBegin,
		protocol.KindTradeAdd:     a.tradeAdd,
		protocol.KindTradeRemove:  a.tradeRemove,
		protocol.KindTradeCoins:   a.tradeCoins,
		protocol.KindTradeLock:    a.tradeLock,
		protocol.KindTradeConfirm: a.tradeConfirm,
		protocol.KindTradeCancel:  a.tradeCancel,

		protocol.KindBetPlace:   a.betPlace,
		protocol.KindBetAccept:  a.betAccept,
		protocol.KindBetResolve: a.betResolve,
		protocol.KindBetCancel:  a.betCancel,

		protocol.KindPackDraw: a.packDraw,
		protocol.KindPackBuy:  a.packBuy,
		protocol.KindPackOpen: a.packOpen,
		protocol.KindPackGive: a.packGive,

		protocol.KindCoinsGive:   a.coinsGive,
		protocol.KindCoinsSell:   a.coinsSell,
		protocol.KindBalance:     a.balance,
		protocol.KindInventory:   a.inventory,
		protocol.KindLeaderboard: a.leaderboard,
	}
}

// Handle answers one interaction. Validation failures go back to the
// sender only; nothing is broadcast for them.
func (a *App) Handle(ctx context.Context, in protocol.Interaction) protocol.ResultMsg {
	res := protocol.NewResult(in.ID)
	if !ledger.IsParticipant(in.Participant) {
		res.Fail(dexerr.New(dexerr.CodeBadRequest, "interaction has no participant"))
		return res
	}
	if in.At.IsZero() {
		in.At = a.now().UTC()
	}
	r, ok := a.routes()[in.Kind]
	if !ok {
		res.Fail(dexerr.Newf(dexerr.CodeBadRequest, "unknown kind %q", in.Kind))
		return res
	}
	data, err := r(ctx, in)
	if err != nil {
		res.Fail(err)
		// Failed claims still carry their outcome.
		if out, ok := data.(spawn.Outcome); ok {
			res.Data = out
		}
		return res
	}
	res.Data = data
	return res
}

func (a *App) serial(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return a.Dispatch.Do(ctx, key, fn)
}

func (a *App) claim(ctx context.Context, in protocol.Interaction) (any, error) {
	var out spawn.Outcome
	err := a.serial(ctx, spawnKey(in), func(ctx context.Context) error {
		var err error
		out, err = a.Spawns.Claim(ctx, in.Channel, in.SpawnID, spawn.Attempt{
			ID:          in.ID,
			Participant: in.Participant,
			Answer:      in.Answer,
			At:          in.At,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	switch out.Status {
	case spawn.StatusTooLate:
		return out, dexerr.Newf(dexerr.CodeTooLate, "spawn %s was already caught or gone", in.SpawnID)
	case spawn.StatusWrongAnswer:
		return out, dexerr.New(dexerr.CodeWrongAnswer, "that is not its name")
	}
	if !out.Replayed {
		a.record(audit.Entry{
			Time:    in.At,
			Actor:   in.Participant,
			Action:  audit.ActionClaim,
			Subject: out.SpawnID,
			Outcome: string(out.Status),
			Details: map[string]any{"item_id": out.Item.ID, "definition": out.Item.DefinitionID, "special": out.Item.SpecialID},
		})
	}
	return out, nil
}

func (a *App) tradeBegin(ctx context.Context, in protocol.Interaction) (any, error) {
	return withKey(a, ctx, accountKey(in.Participant), func(ctx context.Context) (any, error) {
		return a.Trades.Begin(ctx, in.Participant, in.With)
	})
}

func (a *App) tradeAdd(ctx context.Context, in protocol.Interaction) (any, error) {
	return withKey(a, ctx, tradeKey(in.SessionID), func(ctx context.Context) (any, error) {
		return a.Trades.Add(ctx, in.SessionID, in.Participant, in.Items)
	})
}

func (a *App) tradeRemove(ctx context.Context, in protocol.Interaction) (any, error) {
	return withKey(a, ctx, tradeKey(in.SessionID), func(ctx context.Context) (any, error) {
		return a.Trades.Remove(ctx, in.SessionID, in.Participant, in.Items)
	})
}

func (a *App) tradeCoins(ctx context.Context, in protocol.Interaction) (any, error) {
	return withKey(a, ctx, tradeKey(in.SessionID), func(ctx context.Context) (any, error) {
		return a.Trades.SetCoins(ctx, in.SessionID, in.Participant, in.Coins)
	})
}

func (a *App) tradeLock(ctx context.Context, in protocol.Interaction) (any, error) {
	return withKey(a, ctx, tradeKey(in.SessionID), func(ctx context.Context) (any, error) {
		return a.Trades.Lock(ctx, in.SessionID, in.Participant)
	})
}

func (a *App) tradeConfirm(ctx context.Context, in protocol.Interaction) (any, error) {
	return withKey(a, ctx, tradeKey(in.SessionID), func(ctx context.Context) (any, error) {
		return a.Trades.Confirm(ctx, in.SessionID, in.Participant)
	})
}

func (a *App) tradeCancel(ctx context.Context, in protocol.Interaction) (any, error) {
	return withKey(a, ctx, tradeKey(in.SessionID), func(ctx context.Context) (any, error) {
		return a.Trades.Cancel(ctx, in.SessionID, in.Participant)
	})
}

func stakesFrom(specs []protocol.StakeSpec) []ledger.Stake {
	out := make([]ledger.Stake, 0, len(specs))
	for _, s := range specs {
		out = append(out, ledger.Stake{
			Participant: s.Participant,
			Items:       slices.Clone(s.Items),
			Coins:       s.Coins,
			Outcome:     strings.TrimSpace(s.Outcome),
		})
	}
	return out
}

// betPlace proposes a bet. A resolver placing a bet it holds no stake in
// escrows it straight away.
func (a *App) betPlace(ctx context.Context, in protocol.Interaction) (any, error) {
	payout := wager.Payout(in.Payout)
	if payout == "" {
		payout = wager.WinnerTakeAll
	}
	stakes := stakesFrom(in.Stakes)
	named := slices.ContainsFunc(stakes, func(s ledger.Stake) bool { return s.Participant == in.Participant })
	return withKey(a, ctx, accountKey(in.Participant), func(ctx context.Context) (any, error) {
		if !named && in.Role == protocol.RoleResolver {
			return a.Wagers.Create(ctx, uuid.NewString(), payout, stakes)
		}
		return a.Wagers.Propose(ctx, in.Participant, payout, stakes)
	})
}

func (a *App) betAccept(ctx context.Context, in protocol.Interaction) (any, error) {
	return withKey(a, ctx, wagerKey(in.WagerID), func(ctx context.Context) (any, error) {
		return a.Wagers.Accept(ctx, in.WagerID, in.Participant)
	})
}

// betResolve declares the outcome. Naming the outcome is for resolvers; a
// participant may only ask for a random draw.
func (a *App) betResolve(ctx context.Context, in protocol.Interaction) (any, error) {
	resolver := in.Role == protocol.RoleResolver
	outcome := strings.TrimSpace(in.Outcome)
	if outcome != "" && !resolver {
		return nil, dexerr.New(dexerr.CodeNoPermission, "only a resolver may declare the outcome")
	}
	return withKey(a, ctx, wagerKey(in.WagerID), func(ctx context.Context) (any, error) {
		if outcome != "" {
			return a.Wagers.Resolve(ctx, in.WagerID, outcome)
		}
		if !resolver {
			w, ok := a.Wagers.Get(in.WagerID)
			if !ok {
				return nil, dexerr.Newf(dexerr.CodeNotFound, "bet %s not found", in.WagerID)
			}
			if !slices.Contains(w.Participants(), in.Participant) {
				return nil, dexerr.New(dexerr.CodeNoPermission, "only a participant may ask for a draw")
			}
		}
		return a.Wagers.ResolveRandom(ctx, in.WagerID)
	})
}

// betCancel withdraws a proposal (any named participant) or refunds an
// escrowed bet (resolvers only).
func (a *App) betCancel(ctx context.Context, in protocol.Interaction) (any, error) {
	return withKey(a, ctx, wagerKey(in.WagerID), func(ctx context.Context) (any, error) {
		if a.Wagers.HasProposal(in.WagerID) {
			return a.Wagers.Withdraw(ctx, in.WagerID, in.Participant)
		}
		if in.Role != protocol.RoleResolver {
			if _, ok := a.Wagers.Get(in.WagerID); !ok {
				return nil, dexerr.Newf(dexerr.CodeNotFound, "bet %s not found", in.WagerID)
			}
			return nil, dexerr.New(dexerr.CodeNoPermission, "only a resolver may cancel an escrowed bet")
		}
		return a.Wagers.Cancel(ctx, in.WagerID)
	})
}

func (a *App) packDraw(ctx context.Context, in protocol.Interaction) (any, error) {
	res, err := withKey(a, ctx, accountKey(in.Participant), func(ctx context.Context) (pack.Result, error) {
		return a.Packs.Draw(ctx, in.Participant, in.PackID)
	})
	if err != nil {
		return nil, err
	}
	a.packOpened(ctx, in, audit.ActionPackDraw, res)
	return res, nil
}

func (a *App) packBuy(ctx context.Context, in protocol.Interaction) (any, error) {
	p, err := withKey(a, ctx, accountKey(in.Participant), func(ctx context.Context) (pack.Purchase, error) {
		return a.Packs.Buy(ctx, in.Participant, in.PackID, in.Amount)
	})
	if err != nil {
		return nil, err
	}
	a.record(audit.Entry{
		Time:    in.At,
		Actor:   in.Participant,
		Action:  audit.ActionPackBuy,
		Subject: in.PackID,
		Details: map[string]any{"amount": p.Amount, "cost": p.Cost},
	})
	return p, nil
}

func (a *App) packOpen(ctx context.Context, in protocol.Interaction) (any, error) {
	res, err := withKey(a, ctx, accountKey(in.Participant), func(ctx context.Context) (pack.Result, error) {
		return a.Packs.Open(ctx, in.Participant, in.PackID, in.Amount)
	})
	if err != nil {
		return nil, err
	}
	a.packOpened(ctx, in, audit.ActionPackOpen, res)
	return res, nil
}

func (a *App) packGive(ctx context.Context, in protocol.Interaction) (any, error) {
	left, err := withKey(a, ctx, accountKey(in.Participant), func(ctx context.Context) (int, error) {
		return a.Packs.Give(ctx, in.Participant, in.To, in.PackID, in.Amount)
	})
	if err != nil {
		return nil, err
	}
	a.record(audit.Entry{
		Time:    in.At,
		Actor:   in.Participant,
		Action:  audit.ActionPackGive,
		Subject: in.PackID,
		Details: map[string]any{"to": in.To, "amount": in.Amount},
	})
	return map[string]any{"pack_id": in.PackID, "to": in.To, "amount": in.Amount, "remaining": left}, nil
}

// packOpened audits a draw or open and shows the new cards to the opener.
func (a *App) packOpened(ctx context.Context, in protocol.Interaction, action string, res pack.Result) {
	ids := make([]int64, 0, len(res.Items))
	for _, it := range res.Items {
		ids = append(ids, it.ID)
	}
	a.record(audit.Entry{
		Time:    in.At,
		Actor:   in.Participant,
		Action:  action,
		Subject: res.PackID,
		Details: map[string]any{"items": ids, "cost": res.Cost, "opened": res.Opened},
	})
	if a.prompter == nil || len(res.Items) == 0 {
		return
	}
	p := protocol.NewPrompt("pack:"+in.ID, protocol.PromptPack)
	p.Recipients = []string{in.Participant}
	p.State = "OPENED"
	p.Final = true
	var lines []string
	for i, it := range res.Items {
		def, _ := a.cat.Item(it.DefinitionID)
		card, err := a.renderer.Render(def, a.specialOf(it), &res.Items[i])
		if err != nil {
			a.log.Printf("render item %d: %v", it.ID, err)
			continue
		}
		if p.Card == nil {
			c := card
			p.Card = &c
		}
		lines = append(lines, fmt.Sprintf("#%d %s", it.ID, card.Title))
	}
	p.Text = fmt.Sprintf("You opened %s and got:\n%s", res.PackID, strings.Join(lines, "\n"))
	if err := a.prompter.Deliver(ctx, p); err != nil {
		a.log.Printf("deliver pack result: %v", err)
	}
}

func (a *App) specialOf(it ledger.ItemInstance) *catalog.Special {
	if it.SpecialID == "" {
		return nil
	}
	if s, ok := a.cat.Special(it.SpecialID); ok {
		return &s
	}
	return nil
}

func (a *App) coinsGive(ctx context.Context, in protocol.Interaction) (any, error) {
	tr, err := withKey(a, ctx, accountKey(in.Participant), func(ctx context.Context) (any, error) {
		return a.Bank.Give(ctx, in.Participant, in.To, in.Coins)
	})
	if err != nil {
		return nil, err
	}
	a.record(audit.Entry{
		Time:    in.At,
		Actor:   in.Participant,
		Action:  audit.ActionCoinsGive,
		Subject: in.To,
		Details: map[string]any{"amount": in.Coins},
	})
	return tr, nil
}

func (a *App) coinsSell(ctx context.Context, in protocol.Interaction) (any, error) {
	sale, err := withKey(a, ctx, accountKey(in.Participant), func(ctx context.Context) (any, error) {
		if len(in.Items) == 1 {
			return a.Bank.Sell(ctx, in.Participant, in.Items[0])
		}
		return a.Bank.BulkSell(ctx, in.Participant, in.Items)
	})
	if err != nil {
		return nil, err
	}
	a.record(audit.Entry{
		Time:    in.At,
		Actor:   in.Participant,
		Action:  audit.ActionCoinsSell,
		Details: map[string]any{"sale": sale},
	})
	return sale, nil
}

func (a *App) balance(ctx context.Context, in protocol.Interaction) (any, error) {
	bal, err := a.Bank.Balance(ctx, in.Participant)
	if err != nil {
		return nil, err
	}
	return map[string]any{"participant": in.Participant, "balance": bal, "display": render.Coins(bal)}, nil
}

func (a *App) inventory(ctx context.Context, in protocol.Interaction) (any, error) {
	return a.Packs.Inventory(ctx, in.Participant)
}

func (a *App) leaderboard(ctx context.Context, in protocol.Interaction) (any, error) {
	return a.Bank.Leaderboard(ctx, in.Amount)
}

// withKey runs fn on key's queue and hands back its value.
func withKey[T any](a *App, ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := a.serial(ctx, key, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
