// Package dispatch serializes work per entity. Each key (a spawn channel, a
// trade session, a wager) gets its own bounded queue drained by one worker
// goroutine; work on different keys runs concurrently.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"catchdex.io/internal/dexerr"
)

type Options struct {
	Depth          int
	EnqueueTimeout time.Duration
	IdleTimeout    time.Duration
	Logger         *log.Logger
}

type Dispatcher struct {
	opts Options
	log  *log.Logger

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	quit   chan struct{}
	wg     sync.WaitGroup
}

type queue struct {
	ch chan job
	// pending counts callers that hold the queue, including ones still
	// trying to enqueue. A worker only retires at zero.
	pending int
}

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type job struct {
	ctx   context.Context
	fn    func(ctx context.Context) error
	done  chan error
	state *atomic.Int32
}

func New(opts Options) *Dispatcher {
	if opts.Depth <= 0 {
		opts.Depth = 64
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 2 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{
		opts:   opts,
		log:    logger,
		queues: map[string]*queue{},
		quit:   make(chan struct{}),
	}
}

// Do runs fn on key's worker and returns its error. It fails with TIMEOUT if
// the queue stays full past the enqueue timeout, or if ctx ends before the
// worker picks fn up; fn then never runs. Once fn has started, Do waits for
// it and returns its result, so a TIMEOUT never hides a committed operation.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	q, err := d.acquire(key)
	if err != nil {
		return err
	}
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1), state: new(atomic.Int32)}

	t := time.NewTimer(d.opts.EnqueueTimeout)
	defer t.Stop()
	select {
	case q.ch <- j:
	case <-t.C:
		d.release(q)
		return dexerr.Newf(dexerr.CodeTimeout, "queue %s full", key)
	case <-ctx.Done():
		d.release(q)
		return dexerr.Wrap(dexerr.CodeTimeout, "enqueue "+key, ctx.Err())
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return dexerr.Wrap(dexerr.CodeTimeout, "wait "+key, ctx.Err())
		}
		return <-j.done
	}
}

func (d *Dispatcher) acquire(key string) (*queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, dexerr.New(dexerr.CodeStateConflict, "dispatcher closed")
	}
	q, ok := d.queues[key]
	if !ok {
		q = &queue{ch: make(chan job, d.opts.Depth)}
		d.queues[key] = q
		d.wg.Add(1)
		go d.work(key, q)
	}
	q.pending++
	return q, nil
}

func (d *Dispatcher) release(q *queue) {
	d.mu.Lock()
	q.pending--
	d.mu.Unlock()
}

func (d *Dispatcher) work(key string, q *queue) {
	defer d.wg.Done()
	wait := d.opts.IdleTimeout
	quit := d.quit
	idle := time.NewTimer(wait)
	defer idle.Stop()
	for {
		select {
		case j := <-q.ch:
			j.done <- d.run(key, j)
			d.release(q)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(wait)
		case <-idle.C:
			if d.retire(key, q) {
				return
			}
			idle.Reset(wait)
		case <-quit:
			// Keep draining held work but retire as soon as nothing is held.
			quit = nil
			wait = 10 * time.Millisecond
			if d.retire(key, q) {
				return
			}
			idle.Reset(wait)
		}
	}
}

func (d *Dispatcher) retire(key string, q *queue) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q.pending > 0 {
		return false
	}
	if d.queues[key] == q {
		delete(d.queues, key)
	}
	return true
}

func (d *Dispatcher) run(key string, j job) (err error) {
	if !j.state.CompareAndSwap(jobQueued, jobStarted) {
		return dexerr.Wrap(dexerr.CodeTimeout, "abandoned "+key, j.ctx.Err())
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Printf("panic in %s: %v", key, r)
			err = fmt.Errorf("%s: panic: %v", key, r)
		}
	}()
	return j.fn(j.ctx)
}

// Len reports how many keys currently have a live worker.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Close rejects new work and waits for queued work to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.quit)
	d.mu.Unlock()
	d.wg.Wait()
}
