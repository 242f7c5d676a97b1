package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/provledger/internal/merkle"
	"github.com/jmerrifield20/provledger/internal/storage"
	"go.uber.org/zap"
)

const (
	// DefaultMaxBytes is the active segment size that triggers rotation.
	DefaultMaxBytes int64 = 50 << 20
	// DefaultMaxSegments is the number of sealed segments kept on disk.
	DefaultMaxSegments = 30
)

// Config holds the ledger's on-disk locations and rotation policy.
type Config struct {
	DataDir       string
	CheckpointDir string

	// MaxBytes is the active file size at or above which the next completed
	// append rotates. Zero means DefaultMaxBytes.
	MaxBytes int64
	// MaxSegments bounds the sealed segments kept on disk. Zero means
	// DefaultMaxSegments.
	MaxSegments int

	SyncWrites bool

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func (c *Config) applyDefaults() error {
	if c.MaxBytes < 0 || c.MaxSegments < 0 {
		return fmt.Errorf("max bytes and max segments must not be negative")
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.MaxSegments == 0 {
		c.MaxSegments = DefaultMaxSegments
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// FileLedger is a durable Ledger backed by newline-delimited JSON files.
type FileLedger struct {
	// writeMu serialises append, persist, publish and rotate as one step.
	writeMu   sync.Mutex
	store     *storage.Store
	idx       *index
	cfg       Config
	observers []Observer
	logger    *zap.Logger

	removeSegment func(name string) error
}

// Open loads the ledger found under cfg's directories, creating them when
// needed. The index is rebuilt from the sealed segments in rotation order
// and then the active file before Open returns.
func Open(cfg Config, logger *zap.Logger) (*FileLedger, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		DataDir:       cfg.DataDir,
		CheckpointDir: cfg.CheckpointDir,
		SyncWrites:    cfg.SyncWrites,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	l := &FileLedger{store: store, idx: &index{}, cfg: cfg, logger: logger, removeSegment: store.RemoveSegment}
	if err := l.rebuild(); err != nil {
		store.Close()
		return nil, err
	}
	l.loadLatestCheckpoint()

	last, _ := l.idx.last()
	logger.Info("ledger index loaded",
		zap.Int("entries", l.idx.len()),
		zap.Uint64("last_id", last.ID),
		zap.Int64("active_bytes", store.ActiveSize()),
	)
	return l, nil
}

// AddObserver registers o for lifecycle notifications. Register observers
// before the ledger starts serving appends.
func (l *FileLedger) AddObserver(o Observer) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.observers = append(l.observers, o)
}

// Close releases the active file. Appends after Close fail.
func (l *FileLedger) Close() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.store.Close()
}

// rebuild scans segments then the active file into the index. Lines that do
// not decode, repeat an earlier id, or fail their hash check are logged and
// skipped.
func (l *FileLedger) rebuild() error {
	segments, err := l.store.ListSegments()
	if err != nil {
		return fmt.Errorf("%w: list segments: %w", ErrIO, err)
	}

	load := func(file string) storage.LineFunc {
		return func(lineNo int, line []byte) error {
			e, _, err := decodeRecord(line)
			if err != nil {
				l.logger.Warn("skipping malformed ledger line",
					zap.String("file", file),
					zap.Int("line", lineNo),
					zap.Error(err),
				)
				return nil
			}
			if last, ok := l.idx.last(); ok {
				if e.ID <= last.ID {
					msg := "skipping duplicate ledger entry"
					if seen, ok := l.idx.get(e.ID); ok && seen.SHA != e.SHA {
						msg = "skipping ledger entry that conflicts with an earlier one"
					}
					l.logger.Warn(msg,
						zap.String("file", file),
						zap.Int("line", lineNo),
						zap.Uint64("id", e.ID),
					)
					return nil
				}
				if e.ID != last.ID+1 {
					l.logger.Warn("gap in ledger ids",
						zap.String("file", file),
						zap.Uint64("after", last.ID),
						zap.Uint64("id", e.ID),
					)
				}
			}
			l.idx.push(e)
			return nil
		}
	}

	for _, seg := range segments {
		if err := l.store.ScanSegment(seg, load(seg)); err != nil {
			return fmt.Errorf("%w: scan %s: %w", ErrIO, seg, err)
		}
	}
	if err := l.store.ScanActive(load(storage.ActiveName)); err != nil {
		return fmt.Errorf("%w: scan active: %w", ErrIO, err)
	}
	return nil
}

// loadLatestCheckpoint caches the newest readable checkpoint.
func (l *FileLedger) loadLatestCheckpoint() {
	names, err := l.store.ListCheckpoints()
	if err != nil {
		l.logger.Warn("cannot list checkpoints", zap.Error(err))
		return
	}
	for i := len(names) - 1; i >= 0; i-- {
		cp, err := l.readCheckpoint(names[i])
		if err != nil {
			l.logger.Warn("skipping unreadable checkpoint", zap.String("file", names[i]), zap.Error(err))
			continue
		}
		l.idx.setLatest(cp)
		return
	}
}

func (l *FileLedger) readCheckpoint(name string) (Checkpoint, error) {
	data, err := l.store.ReadCheckpoint(name)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return decodeCheckpoint(data)
}

// Append implements Ledger.
func (l *FileLedger) Append(_ context.Context, agent, action string, payload []byte) (*Receipt, error) {
	sha := merkle.Sum(payload)
	// Labels must survive a JSON round trip unchanged for replay to match.
	agent = strings.ToValidUTF8(agent, "\uFFFD")
	action = strings.ToValidUTF8(action, "\uFFFD")

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	entry := Entry{
		ID:        1,
		Timestamp: l.cfg.Now().UTC(),
		Agent:     agent,
		Action:    action,
		SHA:       sha,
	}
	if last, ok := l.idx.last(); ok {
		entry.ID = last.ID + 1
		entry.ParentID = ParentID(last.ID)
	}

	line, err := encodeRecord(entry, payload)
	if err != nil {
		return nil, err
	}
	if err := l.store.AppendLine(line); err != nil {
		return nil, fmt.Errorf("%w: persist entry %d: %w", ErrIO, entry.ID, err)
	}
	l.idx.push(entry)

	r := entry.receipt()
	for _, o := range l.observers {
		o.Appended(*r)
	}

	l.logger.Debug("ledger entry appended",
		zap.Uint64("id", entry.ID),
		zap.String("agent", entry.Agent),
		zap.String("action", entry.Action),
	)

	if err := l.maybeRotate(entry.ID); err != nil {
		for _, o := range l.observers {
			o.RotationFailed(err)
		}
		var rerr *RotationError
		if errors.As(err, &rerr) {
			l.logger.Error("ledger rotation failed",
				zap.Uint64("entry_id", rerr.EntryID),
				zap.String("segment", rerr.Segment),
				zap.Error(rerr.Err),
			)
		}
		return nil, err
	}
	return r, nil
}
