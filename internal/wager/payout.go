package wager

import (
	"math/big"

	"catchdex.io/internal/ledger"
)

type Payout string

const (
	WinnerTakeAll Payout = "winner_take_all"
	Proportional  Payout = "proportional"
)

func (p Payout) Valid() bool { return p == WinnerTakeAll || p == Proportional }

// Payment is what one participant receives when a wager closes.
type Payment struct {
	Participant string  `json:"participant"`
	Items       []int64 `json:"items,omitempty"`
	Coins       int64   `json:"coins,omitempty"`
}

// Distribute splits the pooled stakes among the participants who backed
// outcome, in stake order. It returns nil when nobody backed it.
//
// Coins: winner_take_all splits the pool equally; proportional splits it by
// each winner's own coin stake, falling back to an equal split when the
// winners staked no coins. The integer remainder goes to the first-listed
// winner, so the payments always add up to the pool.
//
// Items: each winner gets their own items back; the losers' items are dealt
// round-robin to the winners in listing order.
func Distribute(stakes []ledger.Stake, payout Payout, outcome string) []Payment {
	var winners []int
	var pool, backed int64
	for i, s := range stakes {
		pool += s.Coins
		if s.Outcome == outcome {
			winners = append(winners, i)
			backed += s.Coins
		}
	}
	if len(winners) == 0 {
		return nil
	}
	out := make([]Payment, len(winners))
	for j, i := range winners {
		out[j] = Payment{Participant: stakes[i].Participant}
		out[j].Items = append(out[j].Items, stakes[i].Items...)
	}

	var paid int64
	n := int64(len(winners))
	for j, i := range winners {
		var share int64
		if payout == Proportional && backed > 0 {
			share = mulDiv(pool, stakes[i].Coins, backed)
		} else {
			share = pool / n
		}
		out[j].Coins = share
		paid += share
	}
	out[0].Coins += pool - paid

	k := 0
	for _, s := range stakes {
		if s.Outcome == outcome {
			continue
		}
		for _, it := range s.Items {
			j := k % len(out)
			out[j].Items = append(out[j].Items, it)
			k++
		}
	}
	return out
}

// mulDiv returns floor(a*b/c) without overflowing.
func mulDiv(a, b, c int64) int64 {
	var r big.Int
	r.Mul(big.NewInt(a), big.NewInt(b))
	r.Quo(&r, big.NewInt(c))
	return r.Int64()
}

// Refunds returns every stake to its owner.
func Refunds(stakes []ledger.Stake) []Payment {
	out := make([]Payment, 0, len(stakes))
	for _, s := range stakes {
		out = append(out, Payment{Participant: s.Participant, Items: append([]int64(nil), s.Items...), Coins: s.Coins})
	}
	return out
}

// Outcomes lists the distinct backed outcomes in first-listed order.
func Outcomes(stakes []ledger.Stake) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range stakes {
		if !seen[s.Outcome] {
			seen[s.Outcome] = true
			out = append(out, s.Outcome)
		}
	}
	return out
}
