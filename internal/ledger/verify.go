package ledger

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/provledger/internal/merkle"
	"github.com/jmerrifield20/provledger/internal/storage"
	"go.uber.org/zap"
)

// Report summarises a verification pass over the files on disk.
type Report struct {
	Segments           int    `json:"segments"`
	Entries            int    `json:"entries"`
	FirstID            uint64 `json:"firstId"`
	LastID             uint64 `json:"lastId"`
	CheckpointsChecked int    `json:"checkpointsChecked"`
	// Duplicates counts lines that repeat an entry already seen, as left by
	// a crash between sealing a segment and truncating the active file.
	Duplicates int `json:"duplicates,omitempty"`

	// Checkpoints holds every checkpoint file read, oldest first.
	Checkpoints []Checkpoint `json:"checkpoints,omitempty"`
}

// Verify implements Ledger. It holds the write lock so the active file is
// not appended to while it is read.
func (l *FileLedger) Verify(_ context.Context) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := verifyStore(l.store, l.logger)
	return err
}

// VerifyDir verifies a ledger directory without opening it for writing.
func VerifyDir(dataDir, checkpointDir string, logger *zap.Logger) (*Report, error) {
	store, err := storage.OpenReadOnly(storage.Config{DataDir: dataDir, CheckpointDir: checkpointDir}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return verifyStore(store, logger)
}

// verifyStore checks every retained line strictly: it must decode, its sha
// must match its payload, and ids and parent links must be contiguous. A line
// that repeats an earlier id is accepted only when its sha is identical to
// the entry already seen.
// Checkpoints whose whole leaf range is still on disk are recomputed.
func verifyStore(s *storage.Store, logger *zap.Logger) (*Report, error) {
	segments, err := s.ListSegments()
	if err != nil {
		return nil, fmt.Errorf("%w: list segments: %w", ErrIO, err)
	}

	rep := &Report{Segments: len(segments)}
	var digests []merkle.Digest
	var prev *Entry

	check := func(file string) storage.LineFunc {
		return func(lineNo int, line []byte) error {
			e, _, err := decodeRecord(line)
			if err != nil {
				return fmt.Errorf("%s:%d: %w", file, lineNo, err)
			}
			if prev != nil && e.ID <= prev.ID {
				if e.ID >= rep.FirstID && digests[e.ID-rep.FirstID] == e.SHA {
					rep.Duplicates++
					return nil
				}
				return fmt.Errorf("%w: %s:%d: entry %d conflicts with an earlier entry", ErrValidation, file, lineNo, e.ID)
			}
			switch {
			case prev == nil && e.ID > 1 && uint64(e.ParentID) != e.ID-1:
				return fmt.Errorf("%w: %s:%d: entry %d has parent %d", ErrValidation, file, lineNo, e.ID, e.ParentID)
			case prev != nil && e.ID != prev.ID+1:
				return fmt.Errorf("%w: %s:%d: hash chain broken at entry %d (previous %d)", ErrValidation, file, lineNo, e.ID, prev.ID)
			case prev != nil && uint64(e.ParentID) != prev.ID:
				return fmt.Errorf("%w: %s:%d: entry %d has parent %d, want %d", ErrValidation, file, lineNo, e.ID, e.ParentID, prev.ID)
			}
			if prev == nil {
				rep.FirstID = e.ID
			}
			prev = &e
			digests = append(digests, e.SHA)
			return nil
		}
	}

	for _, seg := range segments {
		if err := s.ScanSegment(seg, check(seg)); err != nil {
			return rep, err
		}
	}
	if err := s.ScanActive(check(storage.ActiveName)); err != nil {
		return rep, err
	}
	rep.Entries = len(digests)
	if prev != nil {
		rep.LastID = prev.ID
	}

	names, err := s.ListCheckpoints()
	if err != nil {
		return rep, fmt.Errorf("%w: list checkpoints: %w", ErrIO, err)
	}
	for _, name := range names {
		data, err := s.ReadCheckpoint(name)
		if err != nil {
			return rep, fmt.Errorf("%w: %w", ErrIO, err)
		}
		cp, err := decodeCheckpoint(data)
		if err != nil {
			return rep, fmt.Errorf("%s: %w", name, err)
		}
		rep.Checkpoints = append(rep.Checkpoints, cp)
		if cp.Entries < 0 || uint64(cp.Entries) > cp.LastID {
			return rep, fmt.Errorf("%w: %s: %d entries ending at id %d", ErrValidation, name, cp.Entries, cp.LastID)
		}
		if cp.Entries == 0 || rep.Entries == 0 {
			continue
		}
		start := cp.LastID - uint64(cp.Entries) + 1
		if start < rep.FirstID || cp.LastID > rep.LastID {
			logger.Debug("checkpoint range no longer on disk", zap.String("checkpoint", name))
			continue
		}
		leaves := digests[start-rep.FirstID : cp.LastID-rep.FirstID+1]
		if got := merkle.RootHex(leaves); got != cp.MerkleRoot {
			return rep, fmt.Errorf("%w: %s: merkle root %s does not match recomputed %s", ErrValidation, name, cp.MerkleRoot, got)
		}
		rep.CheckpointsChecked++
	}
	return rep, nil
}
