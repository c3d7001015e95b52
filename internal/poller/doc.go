// Package poller implements the Poll Cycle and the Scheduler Loop.
//
// A Poller lists due reminders and fans them out into Delivery Tasks, joined
// before the cycle returns. A Loop wraps a Poller with the
// Idle/Polling/Stopped state machine that schedule ticks drive.
package poller
