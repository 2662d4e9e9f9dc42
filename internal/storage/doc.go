// Package storage persists schedule records and subscribers.
//
// Drivers:
//   - sqlite: modernc SQLite database file (default)
//   - badger: embedded Badger key-value store
//   - file: in-memory state with an atomic JSON snapshot on every write
//   - memory: in-memory only (tests, dry runs)
//
// Schedule records are replaced as a whole and guarded by a version
// counter: PutSchedule succeeds only when the stored version still equals
// the version the caller read.
package storage
