// Package storage persists delivery bookkeeping.
//
// It currently supports:
//   - The sent ledger: which reminder occurrences were already delivered
//   - An append-only delivery audit trail (file and sqlite drivers)
package storage
