package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Schedule is a bounded retry policy with escalating per-attempt timeouts.
// Every attempt runs the whole operation (connect through fetch) from
// scratch; there is no partial resume.
type Schedule struct {
	Attempts int
	Timeouts []time.Duration
	Pause    time.Duration
}

// SyncSchedule is the retry policy for sync operations.
func SyncSchedule() Schedule {
	return Schedule{
		Attempts: 3,
		Timeouts: []time.Duration{15 * time.Second, 20 * time.Second, 25 * time.Second},
		Pause:    time.Second,
	}
}

// DeleteSchedule is the retry policy for delete operations. Deletes touch a
// single message, so the timeouts are much tighter.
func DeleteSchedule() Schedule {
	return Schedule{
		Attempts: 3,
		Timeouts: []time.Duration{5 * time.Second, 7 * time.Second, 9 * time.Second},
		Pause:    time.Second,
	}
}

func (s Schedule) timeout(attempt int) time.Duration {
	if len(s.Timeouts) == 0 {
		return 15 * time.Second
	}
	if attempt >= len(s.Timeouts) {
		return s.Timeouts[len(s.Timeouts)-1]
	}
	return s.Timeouts[attempt]
}

// Run executes op under the schedule: each attempt gets its own escalating
// timeout, with a pause between attempts. Individual failures are logged,
// not surfaced; only after all attempts are exhausted does the last error
// come back, wrapped so its message survives to the caller.
func (s Schedule) Run(ctx context.Context, log *logrus.Entry, op func(ctx context.Context) error) error {
	_, err := runSchedule(ctx, s, log, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// runSchedule is Run for operations that produce a value. Each attempt's
// result travels through runBounded's channel, never through variables shared
// across attempts: an abandoned attempt that finishes late cannot clobber a
// later attempt's result.
func runSchedule[T any](ctx context.Context, s Schedule, log *logrus.Entry, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := s.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout(attempt))
		v, err := runBounded(attemptCtx, op)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err

		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"of":      attempts,
		}).Warn("Attempt failed")

		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(s.Pause):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

type attemptResult[T any] struct {
	val T
	err error
}

// runBounded runs op in its own goroutine and enforces the context deadline
// from outside. The IMAP client's network calls are not context-aware, so a
// timed-out attempt is abandoned rather than interrupted; its goroutine ends
// when the connection does, and its late result is dropped on the buffered
// channel.
func runBounded[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := op(ctx)
		done <- attemptResult[T]{val: v, err: err}
	}()

	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
