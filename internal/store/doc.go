// Package store persists collections and records in SQLite.
//
// The store performs type-checked reads and writes against a collection's
// current definition. Concurrency-sensitive invariants live here, at the
// storage layer, not in application locks:
//
//   - Uniqueness is enforced by a side index table written in the same
//     transaction as the record, so concurrent duplicates surface as
//     constraint violations rather than racing an in-memory precheck.
//   - Every record write re-checks the collection's schema version inside
//     its transaction and rejects the commit if the schema moved since
//     validation (capture-compare-commit).
//   - Listing is cursor-based, keyed on (sort value, id), so pages stay
//     stable under concurrent inserts and deletes.
//
// The SQLite configuration (WAL, busy timeout, foreign keys, single writer
// connection, PRAGMA user_version migrations) follows the engine's
// single-node authority model.
package store
