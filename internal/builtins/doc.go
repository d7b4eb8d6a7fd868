// Package builtins provides the fleet's in-process protocol servers.
//
// # Overview
//
// Builtin servers satisfy the same contract as subprocess protocol servers:
// a session lists them under mcp_servers with a builtin kind instead of a
// command, and their tools appear namespaced by the server id
// (for example chat__post).
//
//	mcp_servers:
//	  - id: chat
//	    builtin: org_chat
//	  - id: wake
//	    builtin: schedules
//
// # Servers
//
// org_chat:
//
//   - post: Post to the session's organization channel
//   - read: Read the channel (unread_only, mentions_only, limit)
//   - search: Search the channel (substring, fuzzy, semantic)
//   - mark_read: Move the read cursor to the newest message
//
// schedules:
//
//   - create: Schedule a one-shot or cron wake-up for the calling session
//   - list: List the session's schedules
//   - update: Change memo, start, cron, or enabled
//   - delete: Remove a schedule
//
// notes:
//
//   - set, get, list, delete: Key-value notes kept in the workspace
//
// ask_model:
//
//   - ask: One-off question to a second model configured on the server spec
//
// admin:
//
//   - list_sessions: Configured sessions and their live state
//   - recent_events: Read the event ledger
//
// # Isolation
//
// Handlers receive the calling session's id from the connection, never from
// tool input. Organization, schedules and notes are always resolved for that
// session.
package builtins
