// Package store provides persistent storage for coven-fleet using SQLite.
//
// # Tables
//
//   - session_state: serialized worker conversational state, one row per session
//   - events: the fleet ledger of lifecycle, schedule, and delivery events
//
// SQLiteStore opens the database in WAL mode through the pure-Go
// modernc.org/sqlite driver. MockStore is an in-memory implementation
// for tests.
//
// # Usage
//
//	s, err := store.NewSQLiteStore(filepath.Join(dataDir, "fleet.db"), logger)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	err = s.SaveEvent(ctx, &store.Event{Type: store.EventSessionStarted, SessionID: "ops"})
package store
