// Package storage implements the durable state of the ratchet engine on top
// of SQLite, accessed through database/sql.
//
// The store is the single source of truth: the in-memory session cache kept
// by the orchestrator is a read-through handle layer and any discrepancy is
// resolved in favor of what this package returns.
//
// Session saves are granular. Every ratchet operation reports which slice of
// the session changed (sending chain only, receiving chain only, full DH
// ratchet, or a fresh session) and only those columns are written. Skipped
// message keys inserted or consumed by a decrypt are committed in the same
// transaction as the session row itself, so a crash can never leave the
// skipped-key cache inconsistent with the chain counters.
package storage
