// Package producttwin provides a library for maintaining digital twins of
// cloud products; A digital twin is a versioned JSON document representing the
// current known state of one product - maintained by digesting facts from
// various sources (inventory, identity, audit) in order to produce a consistent
// view about the product.
//
// The library is built from three cooperating pieces:
//
//   - A versioned document store with per-key optimistic concurrency
//     (Store, Update, TwinStore). Every successful mutation produces a new
//     immutable revision addressed by an opaque VersionToken and notifies a
//     change topic exactly once.
//
//   - A decision diff engine (DiffEngine) that consumes raw policy-evaluation
//     results, normalises their heterogeneous "affected" shapes into affected
//     sets, diffs them against the previous decision snapshot of the same
//     product, and persists the new snapshot through the same
//     optimistic-concurrency discipline.
//
//   - A view projector (ViewProjector) that denormalises decision snapshots
//     into two read-optimised projections (a time-ordered history and a
//     current-state-only latest view) over a capacity-constrained WideRowStore.
//
// Storage engines live in subpackages (memengine, pgengine, redisengine) and
// are verified against the conformance suite in the storetest package.
package producttwin
