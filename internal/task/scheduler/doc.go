// Package scheduler fires the dispatch batch on a cron cadence.
//
// It is trigger-only: each tick enqueues one task into engine.Service, which
// owns execution, timeouts and overlap handling. A tick that lands while the
// previous batch is still running is skipped, not queued.
package scheduler
