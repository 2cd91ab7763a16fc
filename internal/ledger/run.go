package ledger

import (
	"context"
	"errors"
	"time"

	"catchdex.io/internal/dexerr"
)

const DefaultRetries = 3

var retryBackoff = 5 * time.Millisecond

// Run executes fn inside one transaction and commits it. Storage failures
// (including commit conflicts) roll back and retry fn up to retries more
// times; any other error from fn rolls back and is returned as is.
func Run(ctx context.Context, s Store, retries int, fn func(tx Tx) error) error {
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(retryBackoff * time.Duration(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return dexerr.Wrap(dexerr.CodeTimeout, "ledger retry", ctx.Err())
			case <-t.C:
			}
		}
		err := runOnce(ctx, s, fn)
		if err == nil {
			return nil
		}
		if dexerr.CodeOf(err) != dexerr.CodeStorageFailure {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func runOnce(ctx context.Context, s Store, fn func(tx Tx) error) (err error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return asStorage("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return asStorage("commit", err)
	}
	return nil
}

// View runs fn in a transaction that is always rolled back.
func View(ctx context.Context, s Store, fn func(tx Tx) error) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return asStorage("begin", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(tx)
}

func asStorage(op string, err error) error {
	var de *dexerr.Error
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return dexerr.Wrap(dexerr.CodeTimeout, op, err)
	}
	return dexerr.Wrap(dexerr.CodeStorageFailure, op, err)
}
