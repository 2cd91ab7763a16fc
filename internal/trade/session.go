// Package trade runs two-party trade negotiations and settles them in one
// ledger transaction.
package trade

import (
	"slices"
	"sync"
	"time"
)

type State int

const (
	Open State = iota + 1
	Locked
	Committed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Locked:
		return "LOCKED"
	case Committed:
		return "COMMITTED"
	case Cancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool { return s == Committed || s == Cancelled }

// Cancel reasons.
const (
	ReasonCancelled = "cancelled"
	ReasonTimeout   = "timeout"
	ReasonEmpty     = "empty"
	ReasonInvalid   = "invalid"
	ReasonShutdown  = "shutdown"
)

// Side is one participant's half of a trade.
type Side struct {
	Participant string  `json:"participant"`
	Items       []int64 `json:"items"`
	Coins       int64   `json:"coins"`
	LockedIn    bool    `json:"locked_in"`
	Confirmed   bool    `json:"confirmed"`
}

func (s Side) empty() bool { return len(s.Items) == 0 && s.Coins == 0 }

func (s Side) clone() Side {
	s.Items = slices.Clone(s.Items)
	return s
}

// Session is one trade between two participants. Its mutex is held for the
// length of one operation, including that operation's ledger transaction.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	state    State
	sides    [2]Side
	reason   string
	activity time.Time
}

// Snapshot is a copy of a session safe to hand out.
type Snapshot struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Sides     [2]Side   `json:"sides"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newSession(id, a, b string, now time.Time) *Session {
	return &Session{
		ID:        id,
		CreatedAt: now,
		state:     Open,
		sides:     [2]Side{{Participant: a}, {Participant: b}},
		activity:  now,
	}
}

// side returns the index of participant's side, or -1.
func (s *Session) side(participant string) int {
	for i := range s.sides {
		if s.sides[i].Participant == participant {
			return i
		}
	}
	return -1
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        s.ID,
		State:     s.state.String(),
		Sides:     [2]Side{s.sides[0].clone(), s.sides[1].clone()},
		Reason:    s.reason,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.activity,
	}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// allItems lists every item offered on either side.
func (s *Session) allItems() []int64 {
	out := slices.Clone(s.sides[0].Items)
	return append(out, s.sides[1].Items...)
}

func (s *Session) resetLockIns() {
	for i := range s.sides {
		s.sides[i].LockedIn = false
		s.sides[i].Confirmed = false
	}
}
