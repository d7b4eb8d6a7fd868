// Package agent defines the Worker contract driven by the orchestrator and
// the default LLM-backed implementation.
//
// # Worker
//
// A Worker owns one session's conversation. The orchestrator guarantees at
// most one live Worker per session id and hands it messages from three
// places: routed inbound chat, schedule wake-ups and organization mentions.
// ProcessMessage runs one turn at a time and returns ErrBusy while a turn is
// in flight; callers that cannot wait use InjectNotification instead, which
// folds the text into the next turn.
//
// # Session
//
// Session is the default Worker. It keeps a bounded history, advertises the
// protocol tools its ToolsConfig permits, and delegates replies to a
// Completer:
//
//	factory := agent.NewFactory(agent.NewAnthropicCompleter, logger)
//	w, err := factory(cfg, protocols)
//
// Snapshot and Restore carry the history across stop and start.
package agent
