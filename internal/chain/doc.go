// Package chain runs the ordered steps of one organization and tracks which
// step is active.
//
// A Chain is the immutable list of steps built once per organization. Its
// RunOnce executes the steps sequentially on the calling goroutine and
// isolates failures: an error (or panic) of one step is logged and the next
// step runs anyway. There are no retries inside a run; a failed step is
// retried only when the whole chain runs again.
//
// A Supervisor wraps a Chain with execution state:
//
//	Idle --Start--> RunningStep(0) --> ... --> RunningStep(n-1) --> Idle
//
// The state never becomes terminal. Start returns once the chain went back to
// Idle; the scheduler decides when to call Start again.
//
// Invariants:
//   - At most one Start per Supervisor is active, a second one gets ErrInProgress.
//   - Step index and start time are updated before each step begins.
//   - After Start returns the step index is 0 and the step name is Idle.
//   - Snapshot never observes a half updated state.
package chain
