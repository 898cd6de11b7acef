// Package clock abstracts monotonic time so poll loops can run against a
// virtual clock in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock supplies the current time and a context-aware sleep.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in that case.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the wall clock. time.Now carries a monotonic reading, so
// subtraction between two Now values is immune to wall clock jumps.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// Virtual is a manually driven clock. Sleep advances time instantly, which
// makes single-goroutine poll loops deterministic.
type Virtual struct {
	mu  sync.Mutex
	now time.Time
}

// NewVirtual returns a virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Sleep stops at a deadline set by WithDeadline, returning its cause.
func (v *Virtual) Sleep(ctx context.Context, d time.Duration) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if dl, ok := ctx.Value(deadlineKey{}).(deadline); ok {
		now := v.Now()
		if !now.Before(dl.at) {
			return dl.cause
		}
		if now.Add(d).After(dl.at) {
			v.Advance(dl.at.Sub(now))
			return dl.cause
		}
	}
	v.Advance(d)
	return nil
}

// Advance moves the clock forward by d.
func (v *Virtual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	v.mu.Lock()
	v.now = v.now.Add(d)
	v.mu.Unlock()
}

type deadlineKey struct{}

type deadline struct {
	at    time.Time
	cause error
}

// WithDeadline bounds ctx at d on clock c. On the real clock the context is
// cancelled with cause at d. A virtual clock has no timer, so Sleep and
// Expired report the cause once the clock reaches d.
func WithDeadline(parent context.Context, c Clock, d time.Time, cause error) (context.Context, context.CancelFunc) {
	ctx := context.WithValue(parent, deadlineKey{}, deadline{at: d, cause: cause})
	if _, ok := c.(*Virtual); ok {
		return context.WithCancel(ctx)
	}
	return context.WithDeadlineCause(ctx, d, cause)
}

// Expired returns the deadline's cause once c has reached the innermost
// deadline set on ctx, and nil otherwise.
func Expired(ctx context.Context, c Clock) error {
	dl, ok := ctx.Value(deadlineKey{}).(deadline)
	if ok && !c.Now().Before(dl.at) {
		return dl.cause
	}
	return nil
}

// DeadlineOf returns the innermost clock deadline on ctx.
func DeadlineOf(ctx context.Context) (time.Time, bool) {
	dl, ok := ctx.Value(deadlineKey{}).(deadline)
	return dl.at, ok
}
