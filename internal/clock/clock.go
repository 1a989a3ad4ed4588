// Package clock abstracts time so that waits on rate-limit resets and retry
// backoff can be driven deterministically in tests.
package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the call. It reports false when f already ran or the
	// timer was stopped before.
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Fake is a manually driven clock. Sleep returns immediately, advances the
// clock by the requested duration and records it. AfterFunc callbacks run
// when Sleep or Advance moves the clock past their deadline.
type Fake struct {
	mu        sync.Mutex
	now       time.Time
	sleeps    []time.Duration
	scheduled []time.Duration
	timers    []*fakeTimer
}

type fakeTimer struct {
	clock *Fake
	at    time.Time
	f     func()
	done  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func NewFake(now time.Time) *Fake {
	return &Fake{now: now}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	if d > 0 {
		f.now = f.now.Add(d)
	}
	due := f.dueLocked()
	f.mu.Unlock()
	fire(due)
	return nil
}

// Advance moves the clock forward by d and runs the callbacks that became due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	due := f.dueLocked()
	f.mu.Unlock()
	fire(due)
}

// AfterFunc schedules f at Now()+d. Unlike the wall clock, the callback runs
// synchronously inside the Sleep or Advance call that reaches its deadline.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, d)
	t := &fakeTimer{clock: f, at: f.now.Add(d), f: fn}
	f.timers = append(f.timers, t)
	return t
}

// Scheduled returns every duration passed to AfterFunc, in call order.
func (f *Fake) Scheduled() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.scheduled...)
}

// Pending reports how many AfterFunc callbacks are neither run nor stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// dueLocked removes and returns the live timers whose deadline has passed,
// earliest first. f.mu must be held.
func (f *Fake) dueLocked() []*fakeTimer {
	var due, rest []*fakeTimer
	for _, t := range f.timers {
		switch {
		case t.done:
		case !t.at.After(f.now):
			t.done = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	f.timers = rest
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	return due
}

func fire(due []*fakeTimer) {
	for _, t := range due {
		t.f()
	}
}

// Sleeps returns every duration passed to Sleep, in call order.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}
