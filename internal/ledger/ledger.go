package ledger

import "context"

// Ledger is the interface the transport layer and tools program against.
// FileLedger implements it.
type Ledger interface {
	// Append persists a new entry chained to the previous one and returns its
	// receipt. payload is stored verbatim and its SHA-256 recorded.
	Append(ctx context.Context, agent, action string, payload []byte) (*Receipt, error)

	// Get returns the entry with the given id or ErrNotFound.
	Get(ctx context.Context, id uint64) (*Entry, error)

	// Len returns the number of entries in the index.
	Len(ctx context.Context) (int, error)

	// Root returns the hex Merkle root over every indexed entry, or "" when
	// the index is empty.
	Root(ctx context.Context) (string, error)

	// Proof returns the ancestor chain of id, most recent first.
	Proof(ctx context.Context, id uint64) ([]ProofStep, error)

	// InclusionProof returns the Merkle sibling path of id against Root.
	InclusionProof(ctx context.Context, id uint64) (*InclusionProof, error)

	// LatestCheckpoint returns the most recent checkpoint or ErrNotFound.
	LatestCheckpoint(ctx context.Context) (*Checkpoint, error)

	// Checkpoints returns every readable checkpoint in rotation order.
	Checkpoints(ctx context.Context) ([]Checkpoint, error)

	// Verify re-reads the retained files from disk and checks hashes,
	// id continuity and parent links. Returns nil if the chain is intact.
	Verify(ctx context.Context) error
}

// Observer receives ledger lifecycle notifications. Calls are made while the
// write lock is held, so implementations must return quickly.
type Observer interface {
	Appended(r Receipt)
	Rotated(cp Checkpoint, retainedSegments int)
	RotationFailed(err error)
}
