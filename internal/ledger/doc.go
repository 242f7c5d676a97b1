// Package ledger implements the tamper-evident, append-only provenance ledger.
//
// Every entry records the SHA-256 of its payload and the id of the entry
// before it, so ids run 1..N without gaps and each entry names its parent.
// Entries are persisted one JSON line at a time to an active file; once the
// active file reaches the configured size it is sealed into an immutable
// segment, a checkpoint of the Merkle root over the whole in-memory index is
// written next to it, and the oldest sealed segments beyond the retention
// limit are deleted. Checkpoints are never deleted.
//
// FileLedger is the only Ledger implementation. All appends are serialised
// behind one write lock; reads are served from the in-memory index and never
// wait for an in-flight write.
package ledger
