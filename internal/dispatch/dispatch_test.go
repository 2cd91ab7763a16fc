package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"catchdex.io/internal/dexerr"
)

func TestDoSerializesPerKey(t *testing.T) {
	d := New(Options{Depth: 128, IdleTimeout: 50 * time.Millisecond})
	defer d.Close()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Do(context.Background(), "trade:1", func(ctx context.Context) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("do: %v", err)
			}
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Fatalf("max concurrent in one key = %d", maxInside.Load())
	}
}

func TestDoRunsKeysConcurrently(t *testing.T) {
	d := New(Options{})
	defer d.Close()

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = d.Do(context.Background(), key, func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}(key)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatalf("keys did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestDoReturnsFnError(t *testing.T) {
	d := New(Options{})
	defer d.Close()
	want := dexerr.New(dexerr.CodeInvalidOffer, "nope")
	if err := d.Do(context.Background(), "k", func(ctx context.Context) error { return want }); !errors.Is(err, dexerr.ErrInvalidOffer) {
		t.Fatalf("err = %v", err)
	}
}

func TestDoTimesOutWhenQueueFull(t *testing.T) {
	d := New(Options{Depth: 1, EnqueueTimeout: 20 * time.Millisecond})
	block := make(chan struct{})
	defer func() {
		close(block)
		d.Close()
	}()

	running := make(chan struct{})
	go func() {
		_ = d.Do(context.Background(), "k", func(ctx context.Context) error {
			close(running)
			<-block
			return nil
		})
	}()
	<-running
	// Fills the one buffered slot.
	go func() { _ = d.Do(context.Background(), "k", func(ctx context.Context) error { return nil }) }()
	time.Sleep(10 * time.Millisecond)

	err := d.Do(context.Background(), "k", func(ctx context.Context) error { return nil })
	if !errors.Is(err, dexerr.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestDoWaitsForStartedJobAfterCancel(t *testing.T) {
	d := New(Options{})
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	running := make(chan struct{})
	var committed atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- d.Do(ctx, "k", func(ctx context.Context) error {
			close(running)
			time.Sleep(20 * time.Millisecond)
			committed.Store(true)
			return nil
		})
	}()
	<-running
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("started job reported %v", err)
	}
	if !committed.Load() {
		t.Fatalf("Do returned before the job finished")
	}
}

func TestCancelledQueuedJobNeverRuns(t *testing.T) {
	d := New(Options{})
	block := make(chan struct{})
	defer func() {
		close(block)
		d.Close()
	}()

	running := make(chan struct{})
	go func() {
		_ = d.Do(context.Background(), "k", func(ctx context.Context) error {
			close(running)
			<-block
			return nil
		})
	}()
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var ran atomic.Bool
	err := d.Do(ctx, "k", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	if !errors.Is(err, dexerr.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	block <- struct{}{}
	if err := d.Do(context.Background(), "k", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if ran.Load() {
		t.Fatalf("abandoned job ran")
	}
}

func TestIdleWorkersRetire(t *testing.T) {
	d := New(Options{IdleTimeout: 10 * time.Millisecond})
	defer d.Close()
	_ = d.Do(context.Background(), "k", func(ctx context.Context) error { return nil })
	deadline := time.Now().Add(time.Second)
	for d.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("worker never retired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := d.Do(context.Background(), "k", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("do after retire: %v", err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	d := New(Options{})
	defer d.Close()
	err := d.Do(context.Background(), "k", func(ctx context.Context) error { panic("boom") })
	if err == nil {
		t.Fatalf("expected error from panic")
	}
}

func TestCloseRejectsNewWork(t *testing.T) {
	d := New(Options{})
	d.Close()
	if err := d.Do(context.Background(), "k", func(ctx context.Context) error { return nil }); !errors.Is(err, dexerr.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}
