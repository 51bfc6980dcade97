// Package sched is the recurring-job scheduler: a concurrent-safe registry
// of interval- and cron-triggered jobs driven by a fixed-cadence tick loop.
// Due jobs are dispatched to the task engine once their dependencies have
// settled for the cycle; failures feed a per-job retry state machine.
//
// The tick loop never blocks on a job body; execution happens in
// engine.Service and completion is reported back asynchronously.
package sched
