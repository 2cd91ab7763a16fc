// Package render turns catalog entries and owned instances into display
// cards for prompts.
package render

import (
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"catchdex.io/internal/catalog"
	"catchdex.io/internal/ledger"
	"catchdex.io/internal/protocol"
)

// Renderer produces the display artifact for one item. Implementations
// keep no state.
type Renderer interface {
	Render(def catalog.Item, special *catalog.Special, inst *ledger.ItemInstance) (protocol.Card, error)
}

// Text renders plain-text cards.
type Text struct {
	Now func() time.Time
}

func (r Text) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Text) Render(def catalog.Item, special *catalog.Special, inst *ledger.ItemInstance) (protocol.Card, error) {
	if def.ID == "" {
		return protocol.Card{}, fmt.Errorf("render: empty definition")
	}
	c := protocol.Card{Title: def.Name, Emoji: def.Emoji}
	if special != nil {
		c.Subtitle = special.Name
		if special.Emoji != "" {
			c.Emoji = special.Emoji
		}
	}
	if inst == nil {
		// Spawn announcement: no stats, the name is the answer.
		c.Title = "A wild item appeared!"
		return c, nil
	}
	c.Lines = append(c.Lines,
		fmt.Sprintf("ATK %d (%s)", applyBonus(def.Attack, inst.Attack), signed(inst.Attack)),
		fmt.Sprintf("HP %d (%s)", applyBonus(def.Health, inst.Health), signed(inst.Health)),
	)
	keys := make([]string, 0, len(def.Attributes))
	for k := range def.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.Lines = append(c.Lines, k+": "+def.Attributes[k])
	}
	c.Footer = fmt.Sprintf("#%d · caught %s", inst.ID, humanize.RelTime(inst.CaughtAt, r.now(), "ago", "from now"))
	return c, nil
}

// applyBonus applies a percent bonus to a base stat.
func applyBonus(base, pct int) int {
	return base + base*pct/100
}

func signed(pct int) string {
	if pct >= 0 {
		return fmt.Sprintf("+%d%%", pct)
	}
	return fmt.Sprintf("%d%%", pct)
}

// Coins formats an amount for display.
func Coins(n int64) string {
	if n == 1 {
		return "1 coin"
	}
	return humanize.Comma(n) + " coins"
}
