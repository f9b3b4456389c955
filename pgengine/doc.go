// Package pgengine implements the producttwin storage interfaces on
// PostgreSQL: a versioned document store with conditional writes and a
// wide-row projection store.
//
// Revisions are rows of a single append-only table, one sequence per key, with
// the payload held as jsonb. The conditional write locks the key's newest
// revision row for the duration of its transaction, so two writers asserting
// the same observed version cannot both land; the loser receives
// producttwin.ErrVersionMismatch and is expected to retry through
// producttwin.Update.
//
// Call Bootstrap once per database before opening engines on it.
package pgengine
