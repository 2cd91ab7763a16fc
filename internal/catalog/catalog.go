// Package catalog holds the read-only item, special and pack definitions.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Item struct {
	ID         string            `yaml:"id" json:"id"`
	Name       string            `yaml:"name" json:"name"`
	CatchNames []string          `yaml:"catch_names,omitempty" json:"catch_names,omitempty"`
	Weight     float64           `yaml:"weight" json:"weight"`
	Active     bool              `yaml:"active" json:"active"`
	SellValue  int64             `yaml:"sell_value" json:"sell_value"`
	Attack     int               `yaml:"attack" json:"attack"`
	Health     int               `yaml:"health" json:"health"`
	Emoji      string            `yaml:"emoji,omitempty" json:"emoji,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty"`
}

// Matches reports whether answer names the item, ignoring case and
// surrounding space.
func (it Item) Matches(answer string) bool {
	a := strings.TrimSpace(answer)
	if a == "" {
		return false
	}
	if strings.EqualFold(a, it.Name) || strings.EqualFold(a, it.ID) {
		return true
	}
	for _, n := range it.CatchNames {
		if strings.EqualFold(a, strings.TrimSpace(n)) {
			return true
		}
	}
	return false
}

type Special struct {
	ID    string    `yaml:"id" json:"id"`
	Name  string    `yaml:"name" json:"name"`
	Start time.Time `yaml:"start,omitempty" json:"start,omitempty"`
	End   time.Time `yaml:"end,omitempty" json:"end,omitempty"`
	// Rarity is the chance in [0,1] a spawned item carries this special
	// while it is running.
	Rarity         float64 `yaml:"rarity" json:"rarity"`
	SellMultiplier float64 `yaml:"sell_multiplier,omitempty" json:"sell_multiplier,omitempty"`
	Emoji          string  `yaml:"emoji,omitempty" json:"emoji,omitempty"`
	Hidden         bool    `yaml:"hidden,omitempty" json:"hidden,omitempty"`
}

// Running reports whether now falls inside the special's window. Zero bounds
// are open.
func (s Special) Running(now time.Time) bool {
	if !s.Start.IsZero() && now.Before(s.Start) {
		return false
	}
	if !s.End.IsZero() && !now.Before(s.End) {
		return false
	}
	return true
}

const DefaultSellMultiplier = 1.5

type Pack struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Price int64  `yaml:"price" json:"price"`
	// Cards is how many items one pack yields.
	Cards     int      `yaml:"cards" json:"cards"`
	MinWeight float64  `yaml:"min_weight,omitempty" json:"min_weight,omitempty"`
	MaxWeight float64  `yaml:"max_weight,omitempty" json:"max_weight,omitempty"`
	Pool      []string `yaml:"pool,omitempty" json:"pool,omitempty"`
	// DailyLimit caps opens per account per UTC day; 0 is unlimited.
	DailyLimit int    `yaml:"daily_limit,omitempty" json:"daily_limit,omitempty"`
	Special    string `yaml:"special,omitempty" json:"special,omitempty"`
	Enabled    bool   `yaml:"enabled" json:"enabled"`
}

type Catalog struct {
	Items    map[string]Item
	Specials map[string]Special
	Packs    map[string]Pack
	Digest   string

	itemOrder    []string
	specialOrder []string
}

type file struct {
	Items    []Item    `yaml:"items"`
	Specials []Special `yaml:"specials"`
	Packs    []Pack    `yaml:"packs"`
}

func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("catalog.yaml: %w", err)
	}
	c, err := New(f.Items, f.Specials, f.Packs)
	if err != nil {
		return nil, fmt.Errorf("catalog.yaml: %w", err)
	}
	c.Digest = sha256Hex(raw)
	return c, nil
}

// New builds a catalog from definitions, validating references.
func New(items []Item, specials []Special, packs []Pack) (*Catalog, error) {
	c := &Catalog{
		Items:    map[string]Item{},
		Specials: map[string]Special{},
		Packs:    map[string]Pack{},
	}
	for _, it := range items {
		if it.ID == "" {
			return nil, fmt.Errorf("item: empty id")
		}
		if _, dup := c.Items[it.ID]; dup {
			return nil, fmt.Errorf("item %s: duplicate id", it.ID)
		}
		if it.Weight < 0 {
			return nil, fmt.Errorf("item %s: negative weight", it.ID)
		}
		if it.Name == "" {
			it.Name = it.ID
		}
		c.Items[it.ID] = it
		c.itemOrder = append(c.itemOrder, it.ID)
	}
	for _, s := range specials {
		if s.ID == "" {
			return nil, fmt.Errorf("special: empty id")
		}
		if s.Rarity < 0 || s.Rarity > 1 {
			return nil, fmt.Errorf("special %s: rarity must be in [0,1]", s.ID)
		}
		if s.SellMultiplier == 0 {
			s.SellMultiplier = DefaultSellMultiplier
		}
		c.Specials[s.ID] = s
		c.specialOrder = append(c.specialOrder, s.ID)
	}
	for _, p := range packs {
		if p.ID == "" {
			return nil, fmt.Errorf("pack: empty id")
		}
		if p.Price < 0 {
			return nil, fmt.Errorf("pack %s: negative price", p.ID)
		}
		if p.Cards <= 0 {
			p.Cards = 1
		}
		if p.Special != "" {
			if _, ok := c.Specials[p.Special]; !ok {
				return nil, fmt.Errorf("pack %s: unknown special %s", p.ID, p.Special)
			}
		}
		for _, id := range p.Pool {
			if _, ok := c.Items[id]; !ok {
				return nil, fmt.Errorf("pack %s: unknown pool item %s", p.ID, id)
			}
		}
		c.Packs[p.ID] = p
	}
	sort.Strings(c.specialOrder)
	return c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (c *Catalog) Item(id string) (Item, bool) {
	it, ok := c.Items[id]
	return it, ok
}

func (c *Catalog) Special(id string) (Special, bool) {
	s, ok := c.Specials[id]
	return s, ok
}

func (c *Catalog) Pack(id string) (Pack, bool) {
	p, ok := c.Packs[id]
	return p, ok
}

// Spawnable lists active items with positive weight, in file order.
func (c *Catalog) Spawnable() []Item {
	out := make([]Item, 0, len(c.itemOrder))
	for _, id := range c.itemOrder {
		it := c.Items[id]
		if it.Active && it.Weight > 0 {
			out = append(out, it)
		}
	}
	return out
}

// Eligible lists the draw pool of a pack: its explicit pool if set,
// otherwise every spawnable item whose weight falls in [MinWeight, MaxWeight].
func (c *Catalog) Eligible(p Pack) []Item {
	var out []Item
	if len(p.Pool) > 0 {
		for _, id := range p.Pool {
			if it := c.Items[id]; it.Active && it.Weight > 0 {
				out = append(out, it)
			}
		}
		return out
	}
	for _, it := range c.Spawnable() {
		if p.MinWeight > 0 && it.Weight < p.MinWeight {
			continue
		}
		if p.MaxWeight > 0 && it.Weight > p.MaxWeight {
			continue
		}
		out = append(out, it)
	}
	return out
}

// RollSpecial picks at most one running special. Each running special
// occupies a slice of [0,1) as wide as its rarity; a roll past every slice
// yields no special.
func (c *Catalog) RollSpecial(now time.Time, d *Dice) (Special, bool) {
	u := d.Float64()
	var acc float64
	for _, id := range c.specialOrder {
		s := c.Specials[id]
		if !s.Running(now) || s.Rarity <= 0 {
			continue
		}
		acc += s.Rarity
		if u < acc {
			return s, true
		}
	}
	return Special{}, false
}
