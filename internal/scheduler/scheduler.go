// Package scheduler fires keyed callbacks at wall-clock deadlines. It drives
// spawn timers and expiry, trade inactivity and wager resolution timeouts.
package scheduler

import (
	"container/heap"
	"context"
	"io"
	"log"
	"sync"
	"time"
)

type entry struct {
	key   string
	at    time.Time
	seq   uint64
	fn    func()
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler holds at most one pending deadline per key. Callbacks run on
// their own goroutine once Run is active.
type Scheduler struct {
	log *log.Logger

	mu    sync.Mutex
	h     entryHeap
	byKey map[string]*entry
	seq   uint64
	wake  chan struct{}

	running sync.WaitGroup
}

func New(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{
		log:   logger,
		byKey: map[string]*entry{},
		wake:  make(chan struct{}, 1),
	}
}

// At schedules fn for key at t, replacing any pending deadline for key.
func (s *Scheduler) At(key string, t time.Time, fn func()) {
	s.mu.Lock()
	if old, ok := s.byKey[key]; ok {
		heap.Remove(&s.h, old.index)
	}
	s.seq++
	e := &entry{key: key, at: t, seq: s.seq, fn: fn}
	heap.Push(&s.h, e)
	s.byKey[key] = e
	s.mu.Unlock()
	s.poke()
}

func (s *Scheduler) After(key string, d time.Duration, fn func()) {
	s.At(key, time.Now().Add(d), fn)
}

// Cancel drops key's pending deadline and reports whether one existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&s.h, e.index)
	delete(s.byKey, key)
	return true
}

// Deadline returns key's pending deadline.
func (s *Scheduler) Deadline(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byKey[key]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.h)
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run fires due callbacks until ctx ends, then waits for in-flight
// callbacks to return.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	defer s.running.Wait()
	for {
		next, due := s.popDue(time.Now())
		for _, e := range due {
			s.fire(e)
		}
		wait := time.Hour
		if !next.IsZero() {
			wait = time.Until(next)
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) popDue(now time.Time) (time.Time, []*entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*entry
	for len(s.h) > 0 && !s.h[0].at.After(now) {
		e := heap.Pop(&s.h).(*entry)
		delete(s.byKey, e.key)
		due = append(due, e)
	}
	if len(s.h) == 0 {
		return time.Time{}, due
	}
	return s.h[0].at, due
}

func (s *Scheduler) fire(e *entry) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Printf("deadline %s panicked: %v", e.key, r)
			}
		}()
		e.fn()
	}()
}
