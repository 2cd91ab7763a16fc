// Package spawn runs the per-channel spawn timers and arbitrates concurrent
// claims on a spawned item.
package spawn

import (
	"sync"
	"time"

	"catchdex.io/internal/catalog"
)

type State int32

const (
	Active State = iota + 1
	// claiming is held only while the winning attempt's ledger
	// transaction runs.
	claiming
	Claimed
	Expired
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case claiming:
		return "CLAIMING"
	case Claimed:
		return "CLAIMED"
	case Expired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Instance is one spawned item waiting to be claimed.
type Instance struct {
	ID         string
	Channel    string
	Definition catalog.Item
	Special    *catalog.Special
	// Attack and Health are percent bonuses rolled at spawn time.
	Attack    int
	Health    int
	CreatedAt time.Time
	ExpiresAt time.Time

	mu       sync.Mutex
	state    State
	attempt  string        // attempt id holding the claiming state
	claimant string        // participant behind attempt
	inflight chan struct{} // closed when the claiming attempt settles
	outcome  Outcome       // set once Claimed
	done     chan struct{}
}

func newInstance(id, channel string, def catalog.Item, special *catalog.Special, created time.Time, ttl time.Duration) *Instance {
	return &Instance{
		ID:         id,
		Channel:    channel,
		Definition: def,
		Special:    special,
		CreatedAt:  created,
		ExpiresAt:  created.Add(ttl),
		state:      Active,
		done:       make(chan struct{}),
	}
}

func (in *Instance) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Done is closed once the instance reaches Claimed or Expired.
func (in *Instance) Done() <-chan struct{} { return in.done }

// Outcome returns the winning outcome once Claimed.
func (in *Instance) Outcome() (Outcome, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.outcome, in.state == Claimed
}

// casClaiming moves Active to claiming on behalf of at.
func (in *Instance) casClaiming(at Attempt) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state != Active {
		return false
	}
	in.state = claiming
	in.attempt = at.ID
	in.claimant = at.Participant
	in.inflight = make(chan struct{})
	return true
}

// settleClaimed records the winning outcome and the attempt behind it.
func (in *Instance) settleClaimed(out Outcome, winner Attempt) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.state = Claimed
	in.attempt = winner.ID
	in.claimant = winner.Participant
	in.outcome = out
	close(in.inflight)
	close(in.done)
}

// settleFailed undoes a claiming state whose transaction did not commit.
func (in *Instance) settleFailed(now time.Time) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.attempt = ""
	in.claimant = ""
	close(in.inflight)
	if !now.Before(in.ExpiresAt) {
		in.state = Expired
		close(in.done)
		return
	}
	in.state = Active
}

// Expire moves an Active instance to Expired. A claim in flight decides the
// instance's fate itself.
func (in *Instance) Expire() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state != Active {
		return false
	}
	in.state = Expired
	close(in.done)
	return true
}

// owns reports whether at is the attempt that holds (or won) the instance.
// Attempt ids are chosen by clients, so the participant must match too.
func (in *Instance) owns(at Attempt) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.attempt != "" && in.attempt == at.ID && in.claimant == at.Participant
}

// snapshot reads state together with the in-flight channel.
func (in *Instance) snapshot() (State, chan struct{}) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state, in.inflight
}
