// Package schedule implements per-session timed triggers for coven-fleet.
//
// # Overview
//
// Every session has an ordered list of schedules persisted as
// <workspace>/.coven/schedules.json. A schedule is either a one-shot
// (fires once at StartAt, then disappears) or cron-repeating.
//
// A single Engine holds the lists of all loaded sessions and one timer,
// armed at the earliest NextRunAt across every session. The delay is
// clamped to MinDelay and capped at IdlePoll. Sessions stay loaded even
// when no worker is running so their schedules can wake them.
//
// # Cron Syntax
//
//	*/5 * * * *          every five minutes
//	30 0 9 * * MON-FRI   09:00:30 on weekdays (leading seconds field)
//	@daily               descriptors
//	@every 90s           fixed intervals
//	CRON_TZ=Asia/Tokyo 0 9 * * *
//
// # Firing
//
// Due schedules are passed to the TriggerFunc one at a time. A schedule
// whose LastRunAt is in the same UTC minute as the tick is skipped.
// One-shots are removed after any attempt; repeating schedules always
// advance NextRunAt and set LastRunAt only on success.
package schedule
