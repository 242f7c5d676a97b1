package ledger

import (
	"sort"
	"sync"

	"github.com/jmerrifield20/provledger/internal/merkle"
)

// index is the ordered, in-memory view of every loaded entry. It is only
// grown by push, after the entry is on disk, and never shrinks.
type index struct {
	mu      sync.RWMutex
	entries []Entry
	latest  *Checkpoint
}

func (ix *index) push(e Entry) {
	ix.mu.Lock()
	ix.entries = append(ix.entries, e)
	ix.mu.Unlock()
}

func (ix *index) setLatest(cp Checkpoint) {
	ix.mu.Lock()
	ix.latest = &cp
	ix.mu.Unlock()
}

func (ix *index) latestCheckpoint() (Checkpoint, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.latest == nil {
		return Checkpoint{}, false
	}
	return *ix.latest, true
}

func (ix *index) last() (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.lastLocked()
}

func (ix *index) lastLocked() (Entry, bool) {
	if len(ix.entries) == 0 {
		return Entry{}, false
	}
	return ix.entries[len(ix.entries)-1], true
}

func (ix *index) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

func (ix *index) get(id uint64) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	pos, ok := ix.positionLocked(id)
	if !ok {
		return Entry{}, false
	}
	return ix.entries[pos], true
}

// positionLocked finds id by offset from the first entry, falling back to a
// binary search when lines were skipped during rebuild.
func (ix *index) positionLocked(id uint64) (int, bool) {
	n := len(ix.entries)
	if n == 0 || id < ix.entries[0].ID {
		return 0, false
	}
	if off := id - ix.entries[0].ID; off < uint64(n) && ix.entries[off].ID == id {
		return int(off), true
	}
	pos := sort.Search(n, func(i int) bool { return ix.entries[i].ID >= id })
	if pos < n && ix.entries[pos].ID == id {
		return pos, true
	}
	return 0, false
}

// snapshot returns the leaf digests in order together with the last id.
func (ix *index) snapshot() ([]merkle.Digest, uint64) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	digests := make([]merkle.Digest, len(ix.entries))
	for i, e := range ix.entries {
		digests[i] = e.SHA
	}
	var lastID uint64
	if e, ok := ix.lastLocked(); ok {
		lastID = e.ID
	}
	return digests, lastID
}

// chain walks parent links back from id while the parent is still indexed.
func (ix *index) chain(id uint64) ([]ProofStep, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	pos, ok := ix.positionLocked(id)
	if !ok {
		return nil, false
	}
	var steps []ProofStep
	for {
		e := ix.entries[pos]
		steps = append(steps, ProofStep{ID: e.ID, SHA: e.SHA, Parent: e.ParentID})
		if e.ParentID == 0 {
			break
		}
		if pos, ok = ix.positionLocked(uint64(e.ParentID)); !ok {
			break
		}
	}
	return steps, true
}

// leavesFor returns every leaf digest and the position of id among them.
func (ix *index) leavesFor(id uint64) ([]merkle.Digest, int, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	pos, ok := ix.positionLocked(id)
	if !ok {
		return nil, 0, false
	}
	digests := make([]merkle.Digest, len(ix.entries))
	for i, e := range ix.entries {
		digests[i] = e.SHA
	}
	return digests, pos, true
}
