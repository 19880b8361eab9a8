// Package scheduler provides the in-process cron scheduler that drives
// tutorbot's recurring jobs: the daily digest, the afternoon alert refresh
// loops, homework reminders and nightly maintenance.
//
// Jobs are registered under a logical name (e.g. "alerts:refresh:18"). Names
// are intended to be stable and human readable so that tasks can be replaced
// (upserted) and removed deterministically across config hot-reloads.
//
// Jobs run on a worker pool with a per-run timeout, retry with jittered
// exponential backoff, and an overlap policy that by default skips a run if
// the previous one is still executing.
//
// The Service can be started/stopped at runtime (e.g. via config hot reload).
// Registering tasks while stopped is supported: definitions are stored and
// applied on the next start.
package scheduler
