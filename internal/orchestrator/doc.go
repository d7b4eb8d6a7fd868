// Package orchestrator runs the fleet of agent sessions.
//
// # Overview
//
// The orchestrator owns one worker per live session, the schedule engine and
// the organization chat substrate. Sessions are started lazily: a fired
// schedule, a routed platform message or a queued mention starts the session
// if it is not already running.
//
// # Lifecycle
//
//   - StartSession is idempotent and restores persisted worker state
//   - StopSession snapshots the worker; schedules keep firing
//   - RestartSession writes a resume marker that the next worker receives first
//   - DeleteSession removes schedules, pending mentions and saved state
//   - ReloadConfig applies a new configuration without restarting workers
//
// # Mention Delivery
//
// Org chat posts that mention a session are queued per target. One attempt
// runs at a time per session. A busy worker is retried after
// delivery.active_retry; failures back off exponentially up to
// delivery.max_backoff. Mentions the target has already read are dropped.
//
// # Routing
//
// Inbound Discord, Slack, Matrix and agent-to-agent requests resolve to a
// session by allow-list, then channel, then guild or team, then the first
// unrestricted session.
package orchestrator
