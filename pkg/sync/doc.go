// Package sync implements the offline-sync reconciliation engine.
//
// Clients submit partial, possibly stale, nested updates to a per-user,
// per-book state tree: reading position, highlights and a classroom sub-tree
// of members, tools, tool engagements, schedule dates and instructor-curated
// highlights. The engine merges them at entity granularity without a central
// lock, using last-writer-wins ordering per entity plus cross-entity
// structural invariants.
//
// Processing is two-phase. Phase one is pure: the orchestrator loads every
// row the validators will need in one batched read, then runs the family
// validators in a fixed order (location, highlights, classrooms and their
// cascade) over in-memory state; each validator emits staged mutations or a
// hard error. Phase two is a thin sequential loop executing the staged
// mutations, entered only when no validator reported a hard error.
package sync
