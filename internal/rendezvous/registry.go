package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pixeltools/cropgate/internal/logging"
)

// Default wait parameters. The deadline mirrors the interactive nature of
// the decision: long enough for a human, short enough to not pin a worker
// forever.
const (
	DefaultPollInterval = 250 * time.Millisecond
	DefaultTimeout      = 4 * time.Minute
)

var (
	// ErrAlreadyRegistered reports a Register for a key that already has a
	// live waiter. Callers that retry must make the key unique per attempt.
	ErrAlreadyRegistered = errors.New("waiter already registered for key")

	// ErrNoActiveWaiter reports a Submit (or Wait) for a key with no live
	// entry. For submitters this is informational, not fatal.
	ErrNoActiveWaiter = errors.New("no active waiter for key")

	// ErrTimeout reports that no decision arrived before the deadline.
	ErrTimeout = errors.New("timed out waiting for decision")

	// ErrCancelled reports that the run was aborted while waiting.
	ErrCancelled = errors.New("cancelled while waiting for decision")

	// ErrInvalidDecision reports a fired signal with a missing payload.
	ErrInvalidDecision = errors.New("missing or invalid decision")
)

// waiter is the shared record for one pending rendezvous. The decision slot
// is read and written only while holding the owning registry's lock; the
// fired channel is closed at most once.
type waiter struct {
	fired    chan struct{}
	once     sync.Once
	decision *Decision
}

// Registry is the process-wide rendezvous coordinator. The zero value is
// not usable; construct with NewRegistry.
type Registry struct {
	mu      sync.Mutex
	waiters map[Key]*waiter
	log     *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger disables logging.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = logging.NewNop()
	}
	return &Registry{
		waiters: make(map[Key]*waiter),
		log:     log,
	}
}

// Register creates a fresh waiter entry for key and returns the handle the
// worker blocks on. It fails with ErrAlreadyRegistered if an entry is live,
// rather than silently orphaning the earlier waiter.
func (r *Registry) Register(key Key) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.waiters[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}
	w := &waiter{fired: make(chan struct{})}
	r.waiters[key] = w
	r.log.Debug("waiter registered", "key", key.String())
	return &Waiter{reg: r, key: key, w: w}, nil
}

// Submit delivers a decision to the waiter for key. If no entry is live it
// returns ErrNoActiveWaiter without blocking. A second Submit for a
// still-registered key succeeds and overwrites the payload; the waiter
// observes whichever write won (best-effort, documented last-write-wins).
func (r *Registry) Submit(key Key, d Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.waiters[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveWaiter, key)
	}
	dc := d
	w.decision = &dc
	w.once.Do(func() { close(w.fired) })
	r.log.Debug("decision submitted", "key", key.String(), "action", string(d.Action))
	return nil
}

// Len reports the number of live waiters.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// remove drops the entry for key. Removing an absent key is a no-op: the
// signal path and the timeout/cancel path may race to clean up.
func (r *Registry) remove(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, key)
}

// WaitOptions bound a single Wait call. Zero values fall back to the
// package defaults; a nil Cancelled predicate means only the context can
// cancel the wait.
type WaitOptions struct {
	// PollInterval is the cadence at which Cancelled is re-evaluated.
	PollInterval time.Duration

	// Timeout is the total deadline for the decision to arrive.
	Timeout time.Duration

	// Cancelled reports whether the enclosing run has been aborted. It must
	// be cheap and safe to call repeatedly.
	Cancelled func() bool
}

// Waiter is the worker-side handle for one registered rendezvous.
type Waiter struct {
	reg *Registry
	key Key
	w   *waiter
}

// Key returns the session key this waiter is registered under.
func (wt *Waiter) Key() Key { return wt.key }

// Close removes the registry entry. It is idempotent, so callers can defer
// it for the setup phase even though Wait also removes the entry on exit.
func (wt *Waiter) Close() { wt.reg.remove(wt.key) }

// Wait blocks until a decision is submitted, the deadline elapses, the
// cancellation predicate flips true, or ctx is done. The registry entry is
// removed on every exit path. Cancellation is cooperative: the predicate is
// only observed at poll ticks, so latency is bounded by PollInterval.
func (wt *Waiter) Wait(ctx context.Context, opts WaitOptions) (Decision, error) {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	defer wt.reg.remove(wt.key)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		select {
		case <-wt.w.fired:
			return wt.takeDecision()
		case <-deadline.C:
			wt.reg.log.Warn("rendezvous timed out", "key", wt.key.String(), "timeout", timeout)
			return Decision{}, fmt.Errorf("%w: %s", ErrTimeout, wt.key)
		case <-ctx.Done():
			return Decision{}, fmt.Errorf("%w: %s: %v", ErrCancelled, wt.key, ctx.Err())
		case <-tick.C:
			if opts.Cancelled != nil && opts.Cancelled() {
				wt.reg.log.Info("rendezvous cancelled", "key", wt.key.String())
				return Decision{}, fmt.Errorf("%w: %s", ErrCancelled, wt.key)
			}
		}
	}
}

// takeDecision reads the payload under the registry lock, after the signal
// has been observed fired.
func (wt *Waiter) takeDecision() (Decision, error) {
	wt.reg.mu.Lock()
	defer wt.reg.mu.Unlock()
	if wt.w.decision == nil {
		return Decision{}, fmt.Errorf("%w: %s", ErrInvalidDecision, wt.key)
	}
	return *wt.w.decision, nil
}
