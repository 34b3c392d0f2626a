// Package retry runs an operation a bounded number of times with a fixed
// delay between attempts. The first attempt runs on the caller's goroutine;
// the rest run in the background so callers never block on a retry.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const DefaultDelay = 200 * time.Millisecond

// Policy bounds a retry sequence.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// GiveUpFunc is called once when a sequence ends without success.
type GiveUpFunc func(attempts int, err error)

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls op. If it fails and the policy allows more attempts, Do returns
// nil and keeps retrying in the background, calling onGiveUp after the last
// failed attempt. If the first attempt is also the last one, Do calls
// onGiveUp and returns the error.
//
// Cancelling ctx stops pending retries without calling onGiveUp.
func Do(ctx context.Context, p Policy, op func() error, onGiveUp GiveUpFunc) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Delay <= 0 {
		p.Delay = DefaultDelay
	}

	err := op()
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if p.Attempts == 1 || errors.As(err, &perm) {
		err = unwrapPermanent(err)
		if onGiveUp != nil {
			onGiveUp(1, err)
		}
		return err
	}

	go run(ctx, p, op, onGiveUp)
	return nil
}

func run(ctx context.Context, p Policy, op func() error, onGiveUp GiveUpFunc) {
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	attempts := 1
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, op()
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Delay)),
		backoff.WithMaxTries(uint(p.Attempts-1)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil || ctx.Err() != nil {
		return
	}
	if onGiveUp != nil {
		onGiveUp(attempts, unwrapPermanent(err))
	}
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
