// Package delivery implements the Delivery Task: resolve a reminder's
// destination, then send one notification, each phase retried under an
// engine.Policy and cancellable at checkpoints.
//
// A task moves pending -> resolving -> sending -> done, or ends early in
// failed or cancelled. Occurrences already present in the sent ledger end
// in skipped without contacting any collaborator.
package delivery
