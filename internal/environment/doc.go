// Package environment brings up and tears down the ephemeral runtime bound
// to a leased slot.
//
// Each [Handle] is a small state machine:
//
//	idle -> starting -> ready -> stopped
//	            \-> failed -> stopped
//
// stopped is the only terminal state and is reachable from every other
// state, so cleanup code calls [Handle.Stop] unconditionally. Stop is
// idempotent, runs even when the caller's context is already cancelled,
// and never blocks slot release: a failed teardown is recorded and logged,
// not retried.
//
// Start waits for the runtime to report readiness and, when ready ports are
// configured, for TCP connections to the slot address to succeed. If either
// does not happen within the startup timeout the partially started
// environment is stopped before Start returns.
package environment
