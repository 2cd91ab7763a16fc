package catalog

import (
	"errors"
	"math/rand/v2"
	"sync"
)

var ErrEmptyPool = errors.New("no eligible items")

// Dice is a goroutine-safe random source. A fixed seed gives a fixed
// sequence.
type Dice struct {
	mu sync.Mutex
	r  *rand.Rand
}

func NewDice(seed uint64) *Dice {
	return &Dice{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// RandomDice is seeded from the runtime's random source.
func RandomDice() *Dice {
	return NewDice(rand.Uint64())
}

func (d *Dice) Float64() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.r.Float64()
}

// IntN returns a value in [0,n); n must be positive.
func (d *Dice) IntN(n int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.r.IntN(n)
}

// Between returns a value in [lo,hi].
func (d *Dice) Between(lo, hi int64) int64 {
	if hi <= lo {
		return lo
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo + d.r.Int64N(hi-lo+1)
}

// Pick selects one item by cumulative weight: a uniform draw in
// [0, total) lands in the slice of the first item whose running sum
// exceeds it. Non-positive weights never win.
func Pick(items []Item, d *Dice) (Item, error) {
	var total float64
	for _, it := range items {
		if it.Weight > 0 {
			total += it.Weight
		}
	}
	if total <= 0 {
		return Item{}, ErrEmptyPool
	}
	target := d.Float64() * total
	var acc float64
	last := -1
	for i, it := range items {
		if it.Weight <= 0 {
			continue
		}
		acc += it.Weight
		last = i
		if target < acc {
			return it, nil
		}
	}
	// Float rounding can leave target at the very top.
	return items[last], nil
}
