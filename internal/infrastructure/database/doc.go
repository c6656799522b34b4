// Package database provides SQLite storage for MACO.
//
// This package manages:
//   - Database connection lifecycle with WAL mode and busy timeout
//   - Forward-only schema migrations embedded in the binary
//   - Transaction helpers for multi-statement atomicity
//   - Health checks
//
// Both binaries use it: the terminal persists pending usage records so a
// power cut never loses a check-out, and the authority persists recent-auth
// records, sessions, uploaded usage, and its audit log.
//
// Usage:
//
//	db, err := database.Open(database.Config{
//	    Path:        "/var/lib/maco/terminal.db",
//	    WALMode:     true,
//	    BusyTimeout: 5,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
