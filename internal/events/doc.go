// Package events fans fleet ledger events out to in-process subscribers.
//
// The orchestrator persists an event and then publishes it here. Transport
// layers (SSE streams, chat adapters) subscribe by session id, organization
// id, or All.
package events
