package anchor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/provledger/internal/anchor"
	"github.com/jmerrifield20/provledger/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSink struct {
	mu       sync.Mutex
	failures int
	got      []string
	calls    int
}

func (f *fakeSink) Anchor(_ context.Context, cp ledger.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("sink unavailable")
	}
	f.got = append(f.got, cp.Segment)
	return nil
}

func (f *fakeSink) segments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

type outcomes struct {
	mu        sync.Mutex
	ok, failed int
}

func (o *outcomes) record(success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if success {
		o.ok++
	} else {
		o.failed++
	}
}

func (o *outcomes) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ok, o.failed
}

func cp(segment string) ledger.Checkpoint {
	return ledger.Checkpoint{Segment: segment, MerkleRoot: "ab", LastID: 1, Entries: 1}
}

func TestPublisher_runAnchorsRotations(t *testing.T) {
	sink := &fakeSink{}
	p := anchor.NewPublisher(sink, anchor.Config{QueueSize: 4}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Rotated(cp("seg-1"), 1)
	p.Rotated(cp("seg-2"), 2)

	require.Eventually(t, func() bool { return len(sink.segments()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"seg-1", "seg-2"}, sink.segments())
}

func TestPublisher_retriesThenSucceeds(t *testing.T) {
	sink := &fakeSink{failures: 2}
	var o outcomes
	p := anchor.NewPublisher(sink, anchor.Config{Retries: 3, Backoff: time.Millisecond}, zap.NewNop())
	p.SetMetricsRecord(o.record)

	p.Backfill(context.Background(), []ledger.Checkpoint{cp("seg-1")})

	assert.Equal(t, []string{"seg-1"}, sink.segments())
	assert.Equal(t, 3, sink.calls)
	ok, failed := o.counts()
	assert.Equal(t, 1, ok)
	assert.Zero(t, failed)
}

func TestPublisher_givesUpAfterRetries(t *testing.T) {
	sink := &fakeSink{failures: 10}
	var o outcomes
	p := anchor.NewPublisher(sink, anchor.Config{Retries: 2, Backoff: time.Millisecond}, zap.NewNop())
	p.SetMetricsRecord(o.record)

	p.Backfill(context.Background(), []ledger.Checkpoint{cp("seg-1"), cp("seg-2")})

	assert.Empty(t, sink.segments())
	assert.Equal(t, 4, sink.calls)
	_, failed := o.counts()
	assert.Equal(t, 2, failed)
}

func TestPublisher_fullQueueDrops(t *testing.T) {
	sink := &fakeSink{}
	var o outcomes
	p := anchor.NewPublisher(sink, anchor.Config{QueueSize: 1}, zap.NewNop())
	p.SetMetricsRecord(o.record)

	// No worker is running, so the second checkpoint has nowhere to go.
	p.Rotated(cp("seg-1"), 1)
	p.Rotated(cp("seg-2"), 2)

	_, failed := o.counts()
	assert.Equal(t, 1, failed)
}

func TestPublisher_observesLedgerRotation(t *testing.T) {
	dir := t.TempDir()
	l, err := ledger.Open(ledger.Config{
		DataDir:       dir + "/data",
		CheckpointDir: dir + "/checkpoints",
		MaxBytes:      200,
	}, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	sink := &fakeSink{}
	p := anchor.NewPublisher(sink, anchor.Config{}, zap.NewNop())
	l.AddObserver(p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, "svc", "exec", []byte("payload that is long enough to rotate"))
		require.NoError(t, err)
	}

	cps, err := l.Checkpoints(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, cps)
	require.Eventually(t, func() bool { return len(sink.segments()) == len(cps) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, cps[0].Segment, sink.segments()[0])
}

func TestLogSink_neverFails(t *testing.T) {
	s := anchor.NewLogSink(zap.NewNop())
	assert.NoError(t, s.Anchor(context.Background(), cp("seg-1")))
}
