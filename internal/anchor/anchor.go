// Package anchor copies sealed-segment checkpoints to an external store so a
// checkpoint root can be checked without trusting the ledger host.
//
// A Publisher is registered as a ledger observer. Rotations enqueue their
// checkpoint and a single worker hands them to the configured Sink. Anchoring
// never blocks or fails an append; a full queue or a failing sink is logged
// and counted.
package anchor

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jmerrifield20/provledger/internal/ledger"
	"go.uber.org/zap"
)

// ErrNotAnchored is returned by Lookup when a segment has no anchor row.
var ErrNotAnchored = errors.New("checkpoint not anchored")

// Sink stores a checkpoint outside the ledger directory. Implementations
// must tolerate the same checkpoint being anchored more than once.
type Sink interface {
	Anchor(ctx context.Context, cp ledger.Checkpoint) error
}

// MetricsRecordFunc is called once per anchoring attempt outcome.
type MetricsRecordFunc func(success bool)

// Config controls the publisher's queue and retry policy.
type Config struct {
	QueueSize int
	Timeout   time.Duration
	Retries   int
	Backoff   time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize: 64,
		Timeout:   10 * time.Second,
		Retries:   3,
		Backoff:   time.Second,
	}
}

// Publisher forwards checkpoints from the ledger to a Sink.
type Publisher struct {
	sink      Sink
	cfg       Config
	queue     chan ledger.Checkpoint
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// NewPublisher creates a Publisher. Zero fields in cfg take DefaultConfig
// values.
func NewPublisher(sink Sink, cfg Config, logger *zap.Logger) *Publisher {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	return &Publisher{
		sink:   sink,
		cfg:    cfg,
		queue:  make(chan ledger.Checkpoint, cfg.QueueSize),
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (p *Publisher) SetMetricsRecord(fn MetricsRecordFunc) {
	p.onMetrics = fn
}

// ── ledger.Observer ──────────────────────────────────────────────────────────

// Appended implements ledger.Observer.
func (p *Publisher) Appended(ledger.Receipt) {}

// Rotated implements ledger.Observer. The checkpoint is dropped when the
// queue is full; Backfill on the next start picks it up again.
func (p *Publisher) Rotated(cp ledger.Checkpoint, _ int) {
	select {
	case p.queue <- cp:
	default:
		p.logger.Warn("anchor queue full, checkpoint dropped", zap.String("segment", cp.Segment))
		p.record(false)
	}
}

// RotationFailed implements ledger.Observer.
func (p *Publisher) RotationFailed(error) {}

// ── worker ───────────────────────────────────────────────────────────────────

// Run anchors queued checkpoints until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case cp := <-p.queue:
			p.publish(ctx, cp)
		case <-ctx.Done():
			return
		}
	}
}

// Backfill anchors checkpoints that already exist on disk, in order.
// Sinks ignore checkpoints they have seen, so this is safe on every start.
func (p *Publisher) Backfill(ctx context.Context, cps []ledger.Checkpoint) {
	for _, cp := range cps {
		if ctx.Err() != nil {
			return
		}
		p.publish(ctx, cp)
	}
}

// publish reports whether cp was anchored.
func (p *Publisher) publish(ctx context.Context, cp ledger.Checkpoint) bool {
	var err error
	for attempt := 1; attempt <= p.cfg.Retries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err = p.sink.Anchor(actx, cp)
		cancel()
		if err == nil {
			p.record(true)
			return true
		}
		p.logger.Warn("anchor attempt failed",
			zap.String("segment", cp.Segment),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == p.cfg.Retries {
			break
		}
		select {
		case <-time.After(p.cfg.Backoff * time.Duration(attempt)):
		case <-ctx.Done():
			p.record(false)
			return false
		}
	}
	p.logger.Error("anchor failed", zap.String("segment", cp.Segment), zap.Error(err))
	p.record(false)
	return false
}

func (p *Publisher) record(success bool) {
	if p.onMetrics != nil {
		p.onMetrics(success)
	}
}

// ── LogSink ──────────────────────────────────────────────────────────────────

// LogSink logs checkpoints instead of storing them.
// Use in development or when no database is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink backed by the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Anchor implements Sink.
func (s *LogSink) Anchor(_ context.Context, cp ledger.Checkpoint) error {
	s.logger.Info("checkpoint (not anchored externally)",
		zap.String("segment", cp.Segment),
		zap.String("merkle_root", cp.MerkleRoot),
		zap.Uint64("last_id", cp.LastID),
	)
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
