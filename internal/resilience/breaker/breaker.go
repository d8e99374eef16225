// Package breaker implements a closed/open/half-open circuit breaker
// state machine. It is hand-rolled rather than pulled from a library:
// the half-open contract needed here (exactly one in-flight probe,
// others await its result rather than failing fast, and a configurable
// per-call timeout that itself counts as a failure) is more specific
// than the generic breakers available off the shelf.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/platform/clock"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is rejected because the breaker is
// open.
type OpenError struct{ Name string }

func (e *OpenError) Error() string { return fmt.Sprintf("breaker %s is open", e.Name) }

// TimeoutError is returned when a call (or probe) does not settle within
// the configured timeout.
type TimeoutError struct{ Name string }

func (e *TimeoutError) Error() string { return fmt.Sprintf("breaker %s: call timed out", e.Name) }

// Config configures one Breaker.
type Config struct {
	Name      string
	Threshold int           // consecutive failures before tripping
	Cooldown  time.Duration // time in Open before a probe is allowed
	Timeout   time.Duration // zero disables the per-call timeout
	Clock     clock.Clock
}

// Breaker is one named circuit breaker instance.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailureTime time.Time
	probeDone       chan struct{} // non-nil while a half-open probe is in flight
	probeSucceeded  bool
}

// New creates a Breaker. threshold <= 0 is treated as 1.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state (for /metrics reporting).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// admission is the outcome of asking the breaker whether — and how — a
// call may proceed.
type admission int

const (
	admitRun   admission = iota // caller should run fn normally
	admitProbe                  // caller should run fn as the half-open probe
	admitWait                   // caller should await the in-flight probe
	admitDeny                   // caller should fail fast with OpenError
)

func (b *Breaker) admit() (admission, chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return admitRun, nil

	case Open:
		now := b.cfg.Clock.Now()
		if now.Sub(b.lastFailureTime) < b.cfg.Cooldown {
			return admitDeny, nil
		}
		b.state = HalfOpen
		b.probeDone = make(chan struct{})
		return admitProbe, nil

	default: // HalfOpen
		if b.probeDone == nil {
			b.probeDone = make(chan struct{})
			return admitProbe, nil
		}
		return admitWait, b.probeDone
	}
}

func (b *Breaker) recordSuccess(isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail = 0
	b.state = Closed
	if isProbe && b.probeDone != nil {
		b.probeSucceeded = true
		close(b.probeDone)
		b.probeDone = nil
	}
}

func (b *Breaker) recordFailure(isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailureTime = b.cfg.Clock.Now()
	if isProbe {
		b.state = Open
		b.consecutiveFail = 1
		if b.probeDone != nil {
			b.probeSucceeded = false
			close(b.probeDone)
			b.probeDone = nil
		}
		return
	}
	b.consecutiveFail++
	if b.consecutiveFail >= b.cfg.Threshold {
		b.state = Open
	}
}

// Run executes fn through the breaker. Behavior:
//   - closed: fn runs; failures increment a counter, tripping to open at
//     threshold.
//   - open: fails fast with *OpenError until cooldown has elapsed since the
//     last failure, then the next call becomes the probe.
//   - half-open: at most one probe runs fn; concurrent callers block on its
//     result instead of failing fast. Probe success closes the breaker and
//     resets the counter; probe failure reopens it with the counter at 1.
//
// If cfg.Timeout is non-zero, fn must settle within it or the call fails
// with *TimeoutError, which counts as a breaker failure.
func Run[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	for {
		adm, wait := b.admit()
		switch adm {
		case admitDeny:
			return zero, &OpenError{Name: b.cfg.Name}

		case admitWait:
			select {
			case <-wait:
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			b.mu.Lock()
			ok := b.probeSucceeded
			b.mu.Unlock()
			if !ok {
				return zero, &OpenError{Name: b.cfg.Name}
			}
			// The probe closed the breaker; re-enter admission so this
			// caller runs its own fn through the now-closed path instead
			// of borrowing the probe's result.
			continue

		case admitRun, admitProbe:
			isProbe := adm == admitProbe
			result, err := runWithTimeout(ctx, b.cfg.Timeout, b.cfg.Name, fn)
			if err != nil {
				b.recordFailure(isProbe)
				return zero, err
			}
			b.recordSuccess(isProbe)
			return result, nil
		}
	}
}

// runWithTimeout executes fn, failing with *TimeoutError if it does not
// settle within timeout (timeout <= 0 disables the bound).
func runWithTimeout[T any](ctx context.Context, timeout time.Duration, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(callCtx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-callCtx.Done():
		return zero, &TimeoutError{Name: name}
	}
}
