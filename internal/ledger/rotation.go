package ledger

import (
	"fmt"

	"github.com/jmerrifield20/provledger/internal/merkle"
	"go.uber.org/zap"
)

// maybeRotate seals the active file once it has reached MaxBytes, writes the
// checkpoint for the sealed segment and prunes old segments. It runs with
// writeMu held, directly after the append that may have crossed the limit.
func (l *FileLedger) maybeRotate(trigger uint64) error {
	if l.store.ActiveSize() < l.cfg.MaxBytes {
		return nil
	}

	ts := l.cfg.Now().UTC()
	segment, err := l.store.Seal(ts)
	if err != nil {
		return &RotationError{EntryID: trigger, Segment: segment, Err: fmt.Errorf("%w: seal: %w", ErrIO, err)}
	}

	digests, lastID := l.idx.snapshot()
	cp := Checkpoint{
		Timestamp:  ts,
		MerkleRoot: merkle.RootHex(digests),
		Segment:    segment,
		LastID:     lastID,
		Entries:    len(digests),
	}
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return &RotationError{EntryID: trigger, Segment: segment, Err: fmt.Errorf("%w: %w", ErrRotation, err)}
	}
	if _, err := l.store.WriteCheckpoint(segment, data); err != nil {
		return &RotationError{EntryID: trigger, Segment: segment, Err: fmt.Errorf("%w: write checkpoint: %w", ErrRotation, err)}
	}
	l.idx.setLatest(cp)

	// The checkpoint is durable from here on, so observers hear about it even
	// when pruning fails.
	retained, pruneErr := l.prune()

	l.logger.Info("ledger rotated",
		zap.String("segment", segment),
		zap.String("merkle_root", cp.MerkleRoot),
		zap.Uint64("last_id", cp.LastID),
		zap.Int("retained_segments", retained),
	)
	for _, o := range l.observers {
		o.Rotated(cp, retained)
	}
	if pruneErr != nil {
		return &RotationError{EntryID: trigger, Segment: segment, Err: fmt.Errorf("%w: prune: %w", ErrRotation, pruneErr)}
	}
	return nil
}

// prune deletes the oldest sealed segments until at most MaxSegments remain.
// Checkpoints are left in place.
func (l *FileLedger) prune() (int, error) {
	segments, err := l.store.ListSegments()
	if err != nil {
		return 0, err
	}
	for len(segments) > l.cfg.MaxSegments {
		if err := l.removeSegment(segments[0]); err != nil {
			return len(segments), err
		}
		segments = segments[1:]
	}
	return len(segments), nil
}
