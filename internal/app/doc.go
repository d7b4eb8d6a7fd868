// Package app is the application context for coven-fleet.
//
// New constructs every long-lived component exactly once: the data directory
// lock, the SQLite store, the optional semantic index, the builtin protocol
// server registry and the orchestrator. Components receive their
// dependencies explicitly; there are no package-level singletons.
//
// Run blocks until its context is canceled and reloads the configuration file
// on SIGHUP. Shutdown is bounded by ShutdownTimeout.
package app
