// Package health serves /health, /metrics and optionally /debug/pprof.
//
// /health answers 200 with {"status":"ok"} while the Scheduler Loop is
// alive and 503 once it has stopped or has not completed a cycle within
// StaleAfter.
package health
