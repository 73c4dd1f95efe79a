// Package store persists the agent's CPU samples in SQLite.
//
// The database holds a single table:
//
//	CREATE TABLE stats (
//	    timestamp INTEGER PRIMARY KEY,  -- unix seconds
//	    cpu_usage REAL NOT NULL         -- percent
//	);
//
// SQLiteStore uses the pure-Go modernc.org/sqlite driver with WAL enabled, so
// the sampler can keep writing while a command handler reads history.
//
// Samples encode to JSON as [timestamp, cpu_usage] pairs, which is the
// payload an agent returns for a history command.
package store
