// Package dedupe remembers which organization messages were already
// delivered to which session, so retries and re-queues never hand the same
// mention to a worker twice within the TTL window.
package dedupe
