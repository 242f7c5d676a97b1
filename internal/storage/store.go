// Package storage is the on-disk layer of the provenance ledger: one active
// append-only file, sealed segment files and checkpoint files.
//
// Segment and checkpoint names carry a rotation sequence number followed by
// the UTC rotation time, so lexicographic order is rotation order even when
// two rotations land in the same second or the wall clock steps backwards.
// Older unsequenced names (ledger-YYYYMMDD-HHMMSS.ndjson and
// checkpoint-YYYYMMDD-HHMMSS.json) are still read; they sort before every
// sequenced name and count as sequence 0.
//
// Store is not safe for concurrent mutation; the ledger serialises every
// AppendLine, Seal, WriteCheckpoint and RemoveSegment call behind its write
// lock. Listing and scanning sealed files is safe at any time.
package storage

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ActiveName is the file name of the active segment inside the data dir.
const ActiveName = "ledger.ndjson"

// StampLayout is the time layout embedded in segment and checkpoint names.
const StampLayout = "20060102T150405Z"

var (
	segmentRe    = regexp.MustCompile(`^ledger-(\d{10})-(\d{8}T\d{6}Z)\.ndjson$`)
	checkpointRe = regexp.MustCompile(`^checkpoint-(\d{10})-(\d{8}T\d{6}Z)\.json$`)

	legacySegmentRe    = regexp.MustCompile(`^ledger-\d{8}-\d{6}\.ndjson$`)
	legacyCheckpointRe = regexp.MustCompile(`^checkpoint-\d{8}-\d{6}\.json$`)
)

// naming pairs the current file name pattern with its legacy form.
type naming struct {
	current *regexp.Regexp
	legacy  *regexp.Regexp
}

func (n naming) match(name string) bool {
	return n.current.MatchString(name) || n.legacy.MatchString(name)
}

var (
	segmentNames    = naming{segmentRe, legacySegmentRe}
	checkpointNames = naming{checkpointRe, legacyCheckpointRe}
)

// ErrReadOnly is returned by mutating calls on a Store opened with OpenReadOnly.
var ErrReadOnly = errors.New("store opened read-only")

// Config locates the ledger files.
type Config struct {
	DataDir       string
	CheckpointDir string
	// SyncWrites fsyncs the active file after every appended line.
	SyncWrites bool
}

// Store owns the active file handle and the rotation sequence counter.
type Store struct {
	cfg    Config
	active *os.File
	size   int64
	seq    uint64
	logger *zap.Logger
}

// Open creates the directories if needed, opens (or creates) the active file
// and terminates a torn trailing line left by a crash mid-append.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DataDir == "" || cfg.CheckpointDir == "" {
		return nil, fmt.Errorf("data dir and checkpoint dir are required")
	}
	for _, dir := range []string{cfg.DataDir, cfg.CheckpointDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	f, err := os.OpenFile(filepath.Join(cfg.DataDir, ActiveName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open active file: %w", err)
	}

	s := &Store{cfg: cfg, active: f, logger: logger}
	if err := s.repairTail(); err != nil {
		f.Close()
		return nil, err
	}
	if err := s.loadSeq(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly returns a Store that can list and scan files but never writes.
func OpenReadOnly(cfg Config, logger *zap.Logger) (*Store, error) {
	if _, err := os.Stat(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("stat data dir: %w", err)
	}
	s := &Store{cfg: cfg, logger: logger}
	if err := s.loadSeq(); err != nil {
		return nil, err
	}
	return s, nil
}

// repairTail appends a newline when the active file does not end with one,
// so the next line is not glued onto a partially written record.
func (s *Store) repairTail() error {
	st, err := s.active.Stat()
	if err != nil {
		return fmt.Errorf("stat active file: %w", err)
	}
	s.size = st.Size()
	if s.size == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := s.active.ReadAt(last, s.size-1); err != nil {
		return fmt.Errorf("read active tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	s.logger.Warn("active ledger file ends with a torn line; terminating it",
		zap.String("file", s.ActivePath()),
		zap.Int64("size", s.size),
	)
	n, err := s.active.Write([]byte{'\n'})
	s.size += int64(n)
	if err != nil {
		return fmt.Errorf("repair active tail: %w", err)
	}
	return s.active.Sync()
}

// loadSeq sets the sequence counter to the highest number found among
// segments and checkpoints. Checkpoints are never pruned, so the counter
// survives retention.
func (s *Store) loadSeq() error {
	for _, spec := range []struct {
		dir    string
		naming naming
	}{
		{s.cfg.DataDir, segmentNames},
		{s.cfg.CheckpointDir, checkpointNames},
	} {
		names, err := list(spec.dir, spec.naming)
		if err != nil {
			return err
		}
		for _, name := range names {
			if seq := seqOf(spec.naming.current, name); seq > s.seq {
				s.seq = seq
			}
		}
	}
	return nil
}

// ActivePath returns the path of the active file.
func (s *Store) ActivePath() string {
	return filepath.Join(s.cfg.DataDir, ActiveName)
}

// ActiveSize returns the current size in bytes of the active file.
func (s *Store) ActiveSize() int64 {
	return s.size
}

// Seq returns the sequence number of the most recent rotation (0 if none).
func (s *Store) Seq() uint64 {
	return s.seq
}

// AppendLine writes line to the active file, adding a trailing newline when
// missing. On a failed write the file is truncated back to its prior size.
func (s *Store) AppendLine(line []byte) error {
	if s.active == nil {
		return ErrReadOnly
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}

	n, err := s.active.Write(line)
	if err == nil && s.cfg.SyncWrites {
		err = s.active.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := s.active.Truncate(s.size); terr != nil {
				s.logger.Error("rollback of partial ledger write failed", zap.Error(terr))
				s.size += int64(n)
			}
		}
		return fmt.Errorf("append line: %w", err)
	}
	s.size += int64(n)
	return nil
}

// Seal copies the active file into a new immutable segment named for ts and
// then truncates the active file. The sealed copy is fully written and
// renamed into place before truncation begins. It returns the segment name.
func (s *Store) Seal(ts time.Time) (string, error) {
	if s.active == nil {
		return "", ErrReadOnly
	}

	seq := s.seq + 1
	name := fmt.Sprintf("ledger-%010d-%s.ndjson", seq, ts.UTC().Format(StampLayout))
	final := filepath.Join(s.cfg.DataDir, name)
	tmp := filepath.Join(s.cfg.DataDir, "."+name+".tmp")

	if err := copyFile(s.ActivePath(), tmp); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("copy active to %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename sealed segment: %w", err)
	}
	s.seq = seq
	if err := syncDir(s.cfg.DataDir); err != nil {
		return name, err
	}

	if err := s.active.Truncate(0); err != nil {
		return name, fmt.Errorf("truncate active after sealing %s: %w", name, err)
	}
	s.size = 0
	if err := s.active.Sync(); err != nil {
		return name, fmt.Errorf("sync truncated active: %w", err)
	}

	s.logger.Info("ledger segment sealed", zap.String("segment", name))
	return name, nil
}

// ListSegments returns sealed segment names in rotation order.
func (s *Store) ListSegments() ([]string, error) {
	return list(s.cfg.DataDir, segmentNames)
}

// ListCheckpoints returns checkpoint file names in rotation order.
func (s *Store) ListCheckpoints() ([]string, error) {
	return list(s.cfg.CheckpointDir, checkpointNames)
}

// CheckpointName returns the checkpoint file name paired with segment.
func CheckpointName(segment string) (string, error) {
	m := segmentRe.FindStringSubmatch(segment)
	if m == nil {
		return "", fmt.Errorf("not a segment name: %q", segment)
	}
	return fmt.Sprintf("checkpoint-%s-%s.json", m[1], m[2]), nil
}

// WriteCheckpoint atomically writes data as the checkpoint for segment and
// returns the checkpoint file name.
func (s *Store) WriteCheckpoint(segment string, data []byte) (string, error) {
	if s.active == nil {
		return "", ErrReadOnly
	}
	name, err := CheckpointName(segment)
	if err != nil {
		return "", err
	}

	final := filepath.Join(s.cfg.CheckpointDir, name)
	tmp := filepath.Join(s.cfg.CheckpointDir, "."+name+".tmp")
	if err := writeFileSync(tmp, data); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write checkpoint %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename checkpoint %s: %w", name, err)
	}
	if err := syncDir(s.cfg.CheckpointDir); err != nil {
		return "", err
	}
	return name, nil
}

// ReadCheckpoint returns the raw contents of a checkpoint file.
func (s *Store) ReadCheckpoint(name string) ([]byte, error) {
	if !checkpointNames.match(name) {
		return nil, fmt.Errorf("not a checkpoint name: %q", name)
	}
	return os.ReadFile(filepath.Join(s.cfg.CheckpointDir, name))
}

// RemoveSegment deletes a sealed segment.
func (s *Store) RemoveSegment(name string) error {
	if s.active == nil {
		return ErrReadOnly
	}
	if !segmentNames.match(name) {
		return fmt.Errorf("not a segment name: %q", name)
	}
	if err := os.Remove(filepath.Join(s.cfg.DataDir, name)); err != nil {
		return fmt.Errorf("remove segment %s: %w", name, err)
	}
	s.logger.Info("ledger segment pruned", zap.String("segment", name))
	return nil
}

// LineFunc receives one non-empty line and its 1-based line number.
// The slice is only valid for the duration of the call.
type LineFunc func(lineNo int, line []byte) error

// ScanSegment calls fn for each line of a sealed segment.
func (s *Store) ScanSegment(name string, fn LineFunc) error {
	if !segmentNames.match(name) {
		return fmt.Errorf("not a segment name: %q", name)
	}
	return scanFile(filepath.Join(s.cfg.DataDir, name), fn)
}

// ScanActive calls fn for each line of the active file. A missing active
// file is treated as empty.
func (s *Store) ScanActive(fn LineFunc) error {
	err := scanFile(s.ActivePath(), fn)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Close releases the active file handle.
func (s *Store) Close() error {
	if s.active == nil {
		return nil
	}
	err := s.active.Close()
	s.active = nil
	return err
}

// list returns the names in dir matching n: legacy names first, then
// sequenced names, each group sorted.
func list(dir string, n naming) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var legacy, names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		switch {
		case n.current.MatchString(e.Name()):
			names = append(names, e.Name())
		case n.legacy.MatchString(e.Name()):
			legacy = append(legacy, e.Name())
		}
	}
	sort.Strings(legacy)
	sort.Strings(names)
	return append(legacy, names...), nil
}

func seqOf(re *regexp.Regexp, name string) uint64 {
	m := re.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	n, _ := strconv.ParseUint(m[1], 10, 64)
	return n
}

func scanFile(path string, fn LineFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64<<10)
	lineNo := 0
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			line = bytes.TrimRight(line, "\r\n")
			if len(line) > 0 {
				if ferr := fn(lineNo, line); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", filepath.Base(path), err)
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}
