package ledger

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/provledger/internal/merkle"
	"go.uber.org/zap"
)

// Get implements Ledger.
func (l *FileLedger) Get(_ context.Context, id uint64) (*Entry, error) {
	e, ok := l.idx.get(id)
	if !ok {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	return &e, nil
}

// Len implements Ledger.
func (l *FileLedger) Len(_ context.Context) (int, error) {
	return l.idx.len(), nil
}

// Root implements Ledger. The root is folded over the whole index on every
// call.
func (l *FileLedger) Root(_ context.Context) (string, error) {
	digests, _ := l.idx.snapshot()
	return merkle.RootHex(digests), nil
}

// Proof implements Ledger. The walk stops at the first entry without a
// parent, or at the oldest entry still in the index.
func (l *FileLedger) Proof(_ context.Context, id uint64) ([]ProofStep, error) {
	steps, ok := l.idx.chain(id)
	if !ok {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	return steps, nil
}

// InclusionProof implements Ledger.
func (l *FileLedger) InclusionProof(_ context.Context, id uint64) (*InclusionProof, error) {
	leaves, pos, ok := l.idx.leavesFor(id)
	if !ok {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	path, err := merkle.Path(leaves, pos)
	if err != nil {
		return nil, err
	}
	return &InclusionProof{
		ID:        id,
		SHA:       leaves[pos],
		LeafIndex: pos,
		Leaves:    len(leaves),
		Root:      merkle.RootHex(leaves),
		Path:      path,
	}, nil
}

// LatestCheckpoint implements Ledger.
func (l *FileLedger) LatestCheckpoint(_ context.Context) (*Checkpoint, error) {
	cp, ok := l.idx.latestCheckpoint()
	if !ok {
		return nil, fmt.Errorf("checkpoint: %w", ErrNotFound)
	}
	return &cp, nil
}

// Checkpoints implements Ledger. Unreadable checkpoint files are logged and
// left out.
func (l *FileLedger) Checkpoints(_ context.Context) ([]Checkpoint, error) {
	names, err := l.store.ListCheckpoints()
	if err != nil {
		return nil, fmt.Errorf("%w: list checkpoints: %w", ErrIO, err)
	}
	out := make([]Checkpoint, 0, len(names))
	for _, name := range names {
		cp, err := l.readCheckpoint(name)
		if err != nil {
			l.logger.Warn("skipping unreadable checkpoint", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}
