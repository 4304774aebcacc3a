// Package limiter bounds the number of in-flight API calls for a sync run.
//
// Every outbound request goes through Limiter.Do. When a call fails with an
// authentication error the limiter cancels its run context, so queued calls
// return ErrCanceled instead of hammering an API that already refused us.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/fieldsync/fieldsync/internal/source"
)

// DefaultConcurrency is the permit count used when none is configured.
const DefaultConcurrency = 16

// ErrCanceled is returned by Do once the run has been canceled.
var ErrCanceled = errors.New("limiter: run canceled")

// Stats is a snapshot of limiter instrumentation.
type Stats struct {
	Limit    int
	InFlight int
	Peak     int
	Calls    int64
}

// Limiter grants at most N concurrent calls.
type Limiter struct {
	sem    *semaphore.Weighted
	limit  int
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	inFlight int
	peak     int
	calls    int64
}

// New creates a limiter with n permits whose run context derives from parent.
// n <= 0 selects DefaultConcurrency.
func New(parent context.Context, n int) *Limiter {
	if n <= 0 {
		n = DefaultConcurrency
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Limiter{
		sem:    semaphore.NewWeighted(int64(n)),
		limit:  n,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the run context. It is canceled by Cancel or by the first
// authentication failure observed in Do.
func (l *Limiter) Context() context.Context {
	return l.ctx
}

// Cancel cancels the run with cause.
func (l *Limiter) Cancel(cause error) {
	l.cancel(cause)
}

// Cause returns why the run was canceled, or nil.
func (l *Limiter) Cause() error {
	if l.ctx.Err() == nil {
		return nil
	}
	return context.Cause(l.ctx)
}

// Do runs fn once a permit is available. The context passed to fn is done when
// either ctx or the run context is. Acquisition blocks while all permits are
// taken. If the run is canceled while fn is in flight, Do returns ErrCanceled
// even when fn succeeded.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.ctx.Err() != nil {
		return l.canceled()
	}

	callCtx, stop := mergeContexts(ctx, l.ctx)
	defer stop()

	if err := l.sem.Acquire(callCtx, 1); err != nil {
		if l.ctx.Err() != nil {
			return l.canceled()
		}
		return err
	}
	defer l.sem.Release(1)

	// A permit can be granted in the same instant the run is canceled.
	if l.ctx.Err() != nil {
		return l.canceled()
	}

	l.enter()
	defer l.leave()

	err := fn(callCtx)
	if err != nil && source.IsFatal(err) {
		l.cancel(err)
		return err
	}
	// A result that arrives after the run was canceled is discarded.
	if l.ctx.Err() != nil {
		return l.canceled()
	}
	return err
}

func (l *Limiter) canceled() error {
	return fmt.Errorf("%w: %w", ErrCanceled, context.Cause(l.ctx))
}

func (l *Limiter) enter() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight++
	l.calls++
	if l.inFlight > l.peak {
		l.peak = l.inFlight
	}
}

func (l *Limiter) leave() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight--
}

// Stats returns current instrumentation.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Limit: l.limit, InFlight: l.inFlight, Peak: l.peak, Calls: l.calls}
}

// mergeContexts returns a context done when either a or b is done, keeping
// a's values.
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() {
		cancel(context.Cause(b))
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
