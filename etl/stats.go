package etl

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap/zapcore"
)

// RunStats tracks run-level counters. Counters are atomic so the
// health endpoint can read them while the pipeline runs.
type RunStats struct {
	extracted   atomic.Int64
	transformed atomic.Int64
	loaded      atomic.Int64
	duplicates  atomic.Int64
	batchesOK   atomic.Int64
	batchesFail atomic.Int64
	violations  atomic.Int64
	startedAt   time.Time
}

// NewRunStats starts the run clock.
func NewRunStats() *RunStats {
	return &RunStats{startedAt: time.Now()}
}

func (s *RunStats) Extracted() int64     { return s.extracted.Load() }
func (s *RunStats) Transformed() int64   { return s.transformed.Load() }
func (s *RunStats) Loaded() int64        { return s.loaded.Load() }
func (s *RunStats) Duplicates() int64    { return s.duplicates.Load() }
func (s *RunStats) BatchesOK() int64     { return s.batchesOK.Load() }
func (s *RunStats) BatchesFailed() int64 { return s.batchesFail.Load() }
func (s *RunStats) Violations() int64    { return s.violations.Load() }
func (s *RunStats) Elapsed() time.Duration {
	return time.Since(s.startedAt)
}

// MarshalLogObject implements zapcore.ObjectMarshaler so the summary
// can be logged as one structured field.
func (s *RunStats) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("extracted", s.Extracted())
	enc.AddInt64("transformed", s.Transformed())
	enc.AddInt64("loaded", s.Loaded())
	enc.AddInt64("duplicates_dropped", s.Duplicates())
	enc.AddInt64("batches_ok", s.BatchesOK())
	enc.AddInt64("batches_failed", s.BatchesFailed())
	enc.AddInt64("violations", s.Violations())
	enc.AddDuration("elapsed", s.Elapsed())
	return nil
}

var _ zapcore.ObjectMarshaler = (*RunStats)(nil)
