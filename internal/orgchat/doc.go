// Package orgchat implements the organization messaging substrate.
//
// Every organization has one append-only message log shared by its humans
// and agent sessions. Append order is index order: a viewer's read cursor
// names the last message it has read, and everything after it that the
// viewer did not write is unread.
//
// Posting extracts @mentions of organization members and hands a
// PendingMention to the MentionQueue for each mentioned session other than
// an AI sender itself. Agent sessions may only post to and read their own
// organization.
//
// Logs persist at <dir>/<org>.json. When an Index is configured, messages
// are indexed asynchronously for semantic search.
package orgchat
