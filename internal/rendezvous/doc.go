// Package rendezvous pairs a blocking pipeline worker with an asynchronous
// decision submitter.
//
// A worker registers a waiter under a session key (run id + node id), then
// blocks in Wait until a decision arrives, the deadline elapses, or the run
// is cancelled. An independent request handler delivers the decision with
// Submit. The registry is the only shared mutable state; it is guarded by a
// single mutex held only for map lookups and mutation, never across a wait,
// so unrelated keys make independent progress.
//
// # Signal semantics
//
// Each waiter carries a one-shot signal (a closed channel). Submit stores the
// decision payload and fires the signal while holding the registry lock; the
// waiter reads the payload under the same lock after observing the signal,
// so a second Submit on a still-registered key is a benign overwrite
// (last-write-wins). At most one waiter is woken per key, and the entry is
// removed exactly once on every exit path of Wait.
//
// # Cancellation
//
// Cancellation of the enclosing run is only observable through a polled
// predicate, so Wait re-checks it on a short tick while otherwise blocking
// on the signal. Wait additionally honors context cancellation.
package rendezvous
