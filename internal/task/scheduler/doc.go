// Package scheduler owns recurring triggers.
//
// Service is a cron-backed schedule registry: each fire starts an execution
// with its own ID and context, subject to the schedule's overlap policy.
// Registrar converges the single poll trigger to its desired state and is
// safe to re-run on every start or config reload.
package scheduler
