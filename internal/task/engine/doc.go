// Package engine runs units of work under a retry policy.
//
// It provides:
//   - Runner: bounded exponential backoff with jitter and Retry-After hints
//   - NoRetry / RetryAfter: error classification at the call site
//   - RunState / KeyGate: single-flight gating by state or by key
package engine
