package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/provledger/internal/ledger"
	"github.com/jmerrifield20/provledger/internal/merkle"
	"github.com/jmerrifield20/provledger/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ctx = context.Background()

const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// stepClock advances one second per reading.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func testConfig(t *testing.T) ledger.Config {
	t.Helper()
	root := t.TempDir()
	clock := &stepClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return ledger.Config{
		DataDir:       filepath.Join(root, "data"),
		CheckpointDir: filepath.Join(root, "checkpoints"),
		MaxBytes:      1 << 20,
		MaxSegments:   10,
		Now:           clock.Now,
	}
}

func openLedger(t *testing.T, cfg ledger.Config) *ledger.FileLedger {
	t.Helper()
	l, err := ledger.Open(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func appendN(t *testing.T, l ledger.Ledger, n int) []*ledger.Receipt {
	t.Helper()
	out := make([]*ledger.Receipt, 0, n)
	for i := 0; i < n; i++ {
		r, err := l.Append(ctx, "svc", "exec", []byte(fmt.Sprintf("payload number %06d", i)))
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func allEntries(t *testing.T, l ledger.Ledger, from, to uint64) []ledger.Entry {
	t.Helper()
	var out []ledger.Entry
	for id := from; id <= to; id++ {
		e, err := l.Get(ctx, id)
		require.NoError(t, err, "id %d", id)
		out = append(out, *e)
	}
	return out
}

func rootOf(entries []ledger.Entry) string {
	digests := make([]merkle.Digest, len(entries))
	for i, e := range entries {
		digests[i] = e.SHA
	}
	return merkle.RootHex(digests)
}

func TestAppend_idsAndParentsAreContiguous(t *testing.T) {
	l := openLedger(t, testConfig(t))

	receipts := appendN(t, l, 20)
	for i, r := range receipts {
		assert.Equal(t, uint64(i+1), r.ID)
		assert.Equal(t, ledger.ParentID(i), r.ParentID)
	}

	first, err := l.Get(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, first.ParentID)
	assert.Equal(t, "svc", first.Agent)
	assert.Equal(t, "exec", first.Action)
	assert.Equal(t, merkle.Sum([]byte("payload number 000000")), first.SHA)
}

func TestAppend_concurrentCallersGetDistinctContiguousIDs(t *testing.T) {
	l := openLedger(t, testConfig(t))

	const workers, perWorker = 16, 25
	var wg sync.WaitGroup
	ids := make(chan uint64, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r, err := l.Append(ctx, fmt.Sprintf("worker-%d", w), "exec", []byte{byte(w), byte(i)})
				if !assert.NoError(t, err) {
					return
				}
				ids <- r.ID
			}
		}(w)
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d issued twice", id)
		seen[id] = true
	}
	require.Len(t, seen, workers*perWorker)
	for id := uint64(1); id <= workers*perWorker; id++ {
		assert.True(t, seen[id], "missing id %d", id)
		e, err := l.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ledger.ParentID(id-1), e.ParentID)
	}
}

func TestAppend_emptyPayloadHasWellKnownDigest(t *testing.T) {
	l := openLedger(t, testConfig(t))

	r, err := l.Append(ctx, "svc", "exec", nil)
	require.NoError(t, err)
	assert.Equal(t, emptySHA256, r.SHA.String())

	e, err := l.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, emptySHA256, e.SHA.String())
}

func TestAppend_invalidUTF8LabelsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	l := openLedger(t, cfg)
	_, err := l.Append(ctx, "svc\xff", "exec", []byte("x"))
	require.NoError(t, err)
	before, err := l.Get(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened := openLedger(t, cfg)
	after, err := reopened.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAppend_persistFailureLeavesIndexUntouched(t *testing.T) {
	l := openLedger(t, testConfig(t))
	appendN(t, l, 3)
	rootBefore, _ := l.Root(ctx)

	require.NoError(t, l.Close())
	r, err := l.Append(ctx, "svc", "exec", []byte("lost"))
	assert.Nil(t, r)
	assert.ErrorIs(t, err, ledger.ErrIO)

	n, _ := l.Len(ctx)
	assert.Equal(t, 3, n)
	rootAfter, _ := l.Root(ctx)
	assert.Equal(t, rootBefore, rootAfter)
	_, err = l.Get(ctx, 4)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRoot_properties(t *testing.T) {
	l := openLedger(t, testConfig(t))

	root, err := l.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", root)

	r := appendN(t, l, 1)[0]
	root, _ = l.Root(ctx)
	assert.Equal(t, r.SHA.String(), root)

	again, _ := l.Root(ctx)
	assert.Equal(t, root, again)

	appendN(t, l, 1)
	grown, _ := l.Root(ctx)
	assert.NotEqual(t, root, grown)
}

func TestRestart_rebuildsIdenticalIndexAcrossRotations(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBytes = 600
	l := openLedger(t, cfg)

	appendN(t, l, 25)
	_, err := l.LatestCheckpoint(ctx)
	require.NoError(t, err, "expected at least one rotation")

	before := allEntries(t, l, 1, 25)
	rootBefore, _ := l.Root(ctx)
	cpBefore, _ := l.LatestCheckpoint(ctx)
	require.NoError(t, l.Close())

	reopened := openLedger(t, cfg)
	n, _ := reopened.Len(ctx)
	assert.Equal(t, 25, n)
	assert.Equal(t, before, allEntries(t, reopened, 1, 25))
	rootAfter, _ := reopened.Root(ctx)
	assert.Equal(t, rootBefore, rootAfter)
	cpAfter, err := reopened.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, cpBefore, cpAfter)

	r, err := reopened.Append(ctx, "svc", "exec", []byte("after restart"))
	require.NoError(t, err)
	assert.Equal(t, uint64(26), r.ID)
	assert.Equal(t, ledger.ParentID(25), r.ParentID)
}

func TestRotation_sealsActiveAndCheckpointsIndexRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBytes = 500
	l := openLedger(t, cfg)
	active := filepath.Join(cfg.DataDir, storage.ActiveName)

	var lastID uint64
	for i := 0; i < 50; i++ {
		before, err := os.ReadFile(active)
		require.NoError(t, err)

		r, err := l.Append(ctx, "svc", "exec", []byte("rotation payload"))
		require.NoError(t, err)
		lastID = r.ID

		cp, err := l.LatestCheckpoint(ctx)
		if err != nil || cp.LastID != r.ID {
			continue
		}

		st, err := os.Stat(active)
		require.NoError(t, err)
		assert.Zero(t, st.Size(), "active file should be emptied by rotation")

		sealed, err := os.ReadFile(filepath.Join(cfg.DataDir, cp.Segment))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(sealed), string(before)), "sealed segment must hold the prior active content")
		assert.GreaterOrEqual(t, int64(len(sealed)), cfg.MaxBytes)

		assert.Equal(t, int(r.ID), cp.Entries)
		assert.Equal(t, rootOf(allEntries(t, l, 1, r.ID)), cp.MerkleRoot)
		return
	}
	t.Fatalf("no rotation after %d appends", lastID)
}

func TestRetention_keepsNewestSegmentsAndAllCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBytes = 300
	cfg.MaxSegments = 2
	l := openLedger(t, cfg)

	var rotations []string
	for i := 0; i < 40; i++ {
		r, err := l.Append(ctx, "svc", "exec", []byte("retention payload"))
		require.NoError(t, err)
		if cp, err := l.LatestCheckpoint(ctx); err == nil && cp.LastID == r.ID {
			rotations = append(rotations, cp.Segment)

			segs, err := filepath.Glob(filepath.Join(cfg.DataDir, "ledger-*.ndjson"))
			require.NoError(t, err)
			assert.LessOrEqual(t, len(segs), cfg.MaxSegments)
		}
	}
	require.Greater(t, len(rotations), cfg.MaxSegments)

	segs, err := filepath.Glob(filepath.Join(cfg.DataDir, "ledger-*.ndjson"))
	require.NoError(t, err)
	for i := range segs {
		segs[i] = filepath.Base(segs[i])
	}
	assert.Equal(t, rotations[len(rotations)-cfg.MaxSegments:], segs)

	cps, err := l.Checkpoints(ctx)
	require.NoError(t, err)
	require.Len(t, cps, len(rotations))
	for i, cp := range cps {
		assert.Equal(t, rotations[i], cp.Segment)
	}
}

func TestScenario_fiftyEntriesSmallSegments(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBytes = 1000
	cfg.MaxSegments = 2
	l := openLedger(t, cfg)

	for i := 0; i < 50; i++ {
		_, err := l.Append(ctx, "svc", "exec", []byte(fmt.Sprintf("thirty-byte-ish payload #%04d", i)))
		require.NoError(t, err)
	}

	cps, err := l.Checkpoints(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, cps)

	root, _ := l.Root(ctx)
	assert.Equal(t, rootOf(allEntries(t, l, 1, 50)), root)

	proof, err := l.Proof(ctx, 50)
	require.NoError(t, err)
	require.Len(t, proof, 50)
	for i, step := range proof {
		assert.Equal(t, uint64(50-i), step.ID)
		assert.Equal(t, ledger.ParentID(49-i), step.Parent)
	}
	assert.Zero(t, proof[len(proof)-1].Parent)

	require.NoError(t, l.Close())
	reopened := openLedger(t, cfg)
	proof, err = reopened.Proof(ctx, 50)
	require.NoError(t, err)
	oldest := proof[len(proof)-1]
	assert.Less(t, len(proof), 50, "pruned segments are not reloaded")
	_, err = reopened.Get(ctx, oldest.ID)
	require.NoError(t, err)
	_, err = reopened.Get(ctx, uint64(oldest.Parent))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestQueries_notFound(t *testing.T) {
	l := openLedger(t, testConfig(t))

	_, err := l.Get(ctx, 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = l.Proof(ctx, 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = l.InclusionProof(ctx, 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = l.LatestCheckpoint(ctx)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	appendN(t, l, 2)
	_, err = l.Get(ctx, 0)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = l.Get(ctx, 3)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestInclusionProof_verifiesAgainstRoot(t *testing.T) {
	l := openLedger(t, testConfig(t))
	appendN(t, l, 13)
	root, _ := l.Root(ctx)

	for id := uint64(1); id <= 13; id++ {
		p, err := l.InclusionProof(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, root, p.Root)
		assert.Equal(t, 13, p.Leaves)

		want, err := merkle.ParseDigest(root)
		require.NoError(t, err)
		assert.True(t, merkle.Verify(p.SHA, p.Path, want), "id %d", id)
	}
}

func TestRebuild_skipsMalformedLine(t *testing.T) {
	cfg := testConfig(t)
	l := openLedger(t, cfg)
	appendN(t, l, 2)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(filepath.Join(cfg.DataDir, storage.ActiveName), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openLedger(t, cfg)
	n, _ := reopened.Len(ctx)
	assert.Equal(t, 2, n)

	r, err := reopened.Append(ctx, "svc", "exec", []byte("next"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), r.ID)

	assert.ErrorIs(t, reopened.Verify(ctx), ledger.ErrValidation)
}

func TestRotation_checkpointFailureSurfacesFromAppend(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBytes = 1
	l := openLedger(t, cfg)

	require.NoError(t, os.RemoveAll(cfg.CheckpointDir))
	require.NoError(t, os.WriteFile(cfg.CheckpointDir, []byte("not a dir"), 0o644))

	r, err := l.Append(ctx, "svc", "exec", []byte("x"))
	assert.Nil(t, r)
	require.ErrorIs(t, err, ledger.ErrRotation)

	var rerr *ledger.RotationError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, uint64(1), rerr.EntryID)
	assert.NotEmpty(t, rerr.Segment)

	// The entry and its sealed segment survive.
	e, err := l.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.ID)
	_, err = os.Stat(filepath.Join(cfg.DataDir, rerr.Segment))
	assert.NoError(t, err)
}

func TestVerify_intactAndTampered(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBytes = 400
	l := openLedger(t, cfg)
	appendN(t, l, 12)
	require.NoError(t, l.Verify(ctx))

	rep, err := ledger.VerifyDir(cfg.DataDir, cfg.CheckpointDir, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 12, rep.Entries)
	assert.Equal(t, uint64(1), rep.FirstID)
	assert.Equal(t, uint64(12), rep.LastID)
	assert.Positive(t, rep.CheckpointsChecked)

	segs, err := filepath.Glob(filepath.Join(cfg.DataDir, "ledger-*.ndjson"))
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	data, err := os.ReadFile(segs[0])
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"agent":"svc"`, `"agent":"evil"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(segs[0], []byte(tampered), 0o644))

	// Labels are not hashed, so relabelling alone leaves the chain intact;
	// changing a payload does not.
	require.NoError(t, l.Verify(ctx))
	tampered = strings.Replace(tampered, `"payload_b64":"`, `"payload_b64":"AAAA`, 1)
	require.NoError(t, os.WriteFile(segs[0], []byte(tampered), 0o644))
	assert.ErrorIs(t, l.Verify(ctx), ledger.ErrValidation)
}

func TestRestart_crashBetweenSealAndTruncate(t *testing.T) {
	cfg := testConfig(t)
	l := openLedger(t, cfg)
	appendN(t, l, 3)
	require.NoError(t, l.Close())

	// The sealed copy was renamed into place but the active file still holds
	// the same lines.
	data, err := os.ReadFile(filepath.Join(cfg.DataDir, storage.ActiveName))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "ledger-0000000001-20260102T030405Z.ndjson"), data, 0o644))

	cfg.MaxBytes = int64(2 * len(data))
	reopened := openLedger(t, cfg)
	n, _ := reopened.Len(ctx)
	assert.Equal(t, 3, n)
	require.NoError(t, reopened.Verify(ctx))

	rep, err := ledger.VerifyDir(cfg.DataDir, cfg.CheckpointDir, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Entries)
	assert.Equal(t, 3, rep.Duplicates)

	receipts := appendN(t, reopened, 4)
	assert.Equal(t, uint64(4), receipts[0].ID)
	assert.Equal(t, ledger.ParentID(3), receipts[0].ParentID)
	cp, err := reopened.LatestCheckpoint(ctx)
	require.NoError(t, err, "the duplicated lines should have been sealed by a rotation")
	assert.Equal(t, rootOf(allEntries(t, reopened, 1, cp.LastID)), cp.MerkleRoot)

	require.NoError(t, reopened.Verify(ctx))
	rep, err = ledger.VerifyDir(cfg.DataDir, cfg.CheckpointDir, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 7, rep.Entries)
	assert.Equal(t, 3, rep.Duplicates)
	assert.Positive(t, rep.CheckpointsChecked)
}

func TestVerify_conflictingDuplicateFails(t *testing.T) {
	cfg := testConfig(t)
	l := openLedger(t, cfg)
	appendN(t, l, 3)
	require.NoError(t, l.Close())

	otherCfg := testConfig(t)
	other := openLedger(t, otherCfg)
	for i := 0; i < 3; i++ {
		_, err := other.Append(ctx, "svc", "exec", []byte(fmt.Sprintf("different payload %d", i)))
		require.NoError(t, err)
	}
	require.NoError(t, other.Close())

	active := filepath.Join(cfg.DataDir, storage.ActiveName)
	data, err := os.ReadFile(active)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "ledger-0000000001-20260102T030405Z.ndjson"), data, 0o644))
	otherData, err := os.ReadFile(filepath.Join(otherCfg.DataDir, storage.ActiveName))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(active, otherData, 0o644))

	reopened := openLedger(t, cfg)
	n, _ := reopened.Len(ctx)
	assert.Equal(t, 3, n)
	assert.ErrorIs(t, reopened.Verify(ctx), ledger.ErrValidation)
}

func TestRotation_pruneFailureStillNotifiesRotated(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBytes = 1
	cfg.MaxSegments = 1
	l := openLedger(t, cfg)
	obs := &recordingObserver{}
	l.AddObserver(obs)
	ledger.SetSegmentRemover(l, func(string) error { return errors.New("device busy") })

	appendN(t, l, 1)
	r, err := l.Append(ctx, "svc", "exec", []byte("second"))
	assert.Nil(t, r)
	require.ErrorIs(t, err, ledger.ErrRotation)

	require.Len(t, obs.rotated, 2)
	assert.Equal(t, uint64(2), obs.rotated[1].LastID)
	assert.Equal(t, 1, obs.failed)

	latest, err := l.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, obs.rotated[1], *latest)

	segs, err := filepath.Glob(filepath.Join(cfg.DataDir, "ledger-*.ndjson"))
	require.NoError(t, err)
	assert.Len(t, segs, 2)
}

func TestOpen_readsLegacyLayout(t *testing.T) {
	srcCfg := testConfig(t)
	src := openLedger(t, srcCfg)
	appendN(t, src, 3)
	root, err := src.Root(ctx)
	require.NoError(t, err)
	require.NoError(t, src.Close())
	data, err := os.ReadFile(filepath.Join(srcCfg.DataDir, storage.ActiveName))
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.MaxBytes = 1
	require.NoError(t, os.MkdirAll(cfg.DataDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.CheckpointDir, 0o755))
	const segment = "ledger-20250814-181900.ndjson"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, segment), data, 0o644))
	legacyCP := `{"ts":"2025-08-14T18:19:00.000Z","merkleRoot":"` + strings.ToUpper(root) + `","segment":"` + segment + `"}`
	require.NoError(t, os.WriteFile(filepath.Join(cfg.CheckpointDir, "checkpoint-20250814-181900.json"), []byte(legacyCP), 0o644))

	l := openLedger(t, cfg)
	n, _ := l.Len(ctx)
	assert.Equal(t, 3, n)
	cp, err := l.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, segment, cp.Segment)
	require.NoError(t, l.Verify(ctx))

	r, err := l.Append(ctx, "svc", "exec", []byte("after upgrade"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), r.ID)

	cp, err = l.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cp.Segment, "ledger-0000000001-"), cp.Segment)
	assert.Equal(t, uint64(4), cp.LastID)

	cps, err := l.Checkpoints(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, segment, cps[0].Segment)
	require.NoError(t, l.Verify(ctx))
}

type recordingObserver struct {
	mu       sync.Mutex
	appended []uint64
	rotated  []ledger.Checkpoint
	failed   int
}

func (o *recordingObserver) Appended(r ledger.Receipt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appended = append(o.appended, r.ID)
}

func (o *recordingObserver) Rotated(cp ledger.Checkpoint, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rotated = append(o.rotated, cp)
}

func (o *recordingObserver) RotationFailed(error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed++
}

func TestObserver_notified(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxBytes = 400
	l := openLedger(t, cfg)
	obs := &recordingObserver{}
	l.AddObserver(obs)

	appendN(t, l, 6)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, obs.appended)
	require.NotEmpty(t, obs.rotated)
	latest, err := l.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, *latest, obs.rotated[len(obs.rotated)-1])
	assert.Zero(t, obs.failed)
}

func TestOpen_rejectsNegativeLimits(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxSegments = -1
	_, err := ledger.Open(cfg, zap.NewNop())
	assert.Error(t, err)
}
