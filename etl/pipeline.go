package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Options is the immutable run configuration for one pipeline run,
// constructed once at start and passed by reference everywhere.
type Options struct {
	SourcePath string
	ChunkSize  int
	Delimiter  rune

	SkipValidation bool
	TestMode       bool
	TestRows       int

	// BusinessRulesFatal upgrades business-rule violations from
	// advisory (the documented default) to run-halting.
	BusinessRulesFatal bool
	// LoadErrorsFatal aborts the run on the first failed batch instead
	// of isolating it and continuing.
	LoadErrorsFatal bool

	// RunTimeout aborts the run after the current batch completes.
	// Zero disables it. A batch is never interrupted mid-transaction.
	RunTimeout time.Duration

	ReportsDir string
	Thresholds Thresholds
}

// RunResult is what the orchestrator hands back to main.
type RunResult struct {
	Stats         *RunStats
	Report        *ValidationReport
	ReportPath    string
	FailedBatches []BatchRef
}

// Pipeline sequences extract, validate, transform, and load per chunk.
// Processing is single-threaded and sequential: the dimension cache and
// the cross-batch seen-set need no locking because one batch completes
// before the next begins.
type Pipeline struct {
	opts    Options
	loader  Loader
	logger  *zap.Logger
	metrics *Metrics
	stats   *RunStats
}

// NewPipeline wires an orchestrator. loader must not be nil.
func NewPipeline(opts Options, loader Loader, logger *zap.Logger, metrics *Metrics) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Pipeline{opts: opts, loader: loader, logger: logger, metrics: metrics, stats: NewRunStats()}
}

// Stats exposes the live run counters, readable while Run executes.
func (p *Pipeline) Stats() *RunStats {
	return p.stats
}

// Run executes the full pipeline. It returns a non-nil RunResult even
// on failure so the caller can surface partial statistics; err reports
// fatal conditions that must exit non-zero.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	stats := p.stats
	report := NewValidationReport(p.opts.SourcePath)
	result := &RunResult{Stats: stats, Report: report}

	runCtx := ctx
	if p.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.opts.RunTimeout)
		defer cancel()
	}
	// Batches are atomic: once started they run to commit or rollback,
	// so the timeout is only observed between batches.
	batchCtx := context.WithoutCancel(runCtx)

	extractor := NewExtractor(p.opts.SourcePath, p.opts.ChunkSize, p.logger.Named("extract"))
	if p.opts.Delimiter != 0 {
		extractor.WithDelimiter(p.opts.Delimiter)
	}
	if p.opts.TestMode {
		rows := p.opts.TestRows
		if rows <= 0 {
			rows = 1000
		}
		extractor.WithMaxRows(rows)
		p.logger.Info("Test mode: row cap active", zap.Int("max_rows", rows))
	}

	if err := extractor.Open(runCtx); err != nil {
		return result, err
	}
	defer extractor.Close()

	quality := NewQualityAccumulator()
	var durations []float64

	// Header rules are checked once, before anything touches the store.
	// A file with zero data rows still fails here on a missing column.
	if !p.opts.SkipValidation {
		head := CheckHeader(extractor.Header(), p.opts.Thresholds)
		report.Record(head)
		p.countViolations(stats, head)
		if head.Fatal {
			p.logger.Error("Header check failed",
				zap.Int("violations", len(head.Violations)))
			p.finishReport(report, quality, durations, stats, result)
			return result, fmt.Errorf("%w: %s", ErrValidationFatal, head.Violations[0].Message)
		}
	}

	cache := NewDimCache()
	if err := p.loader.Seed(runCtx, cache); err != nil {
		return result, fmt.Errorf("seeding dimension caches: %w", err)
	}

	transformer := NewTransformer(p.opts.Thresholds.BBox)
	seen := make(map[string]struct{})

	for {
		if err := runCtx.Err(); err != nil {
			p.finishReport(report, quality, durations, stats, result)
			return result, fmt.Errorf("run aborted between batches: %w", err)
		}

		batch, err := extractor.Next(runCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			p.finishReport(report, quality, durations, stats, result)
			return result, err
		}

		if err := p.processBatch(batchCtx, batch, transformer, cache, seen, quality, &durations, stats, report, result); err != nil {
			p.finishReport(report, quality, durations, stats, result)
			return result, err
		}
	}

	p.finishReport(report, quality, durations, stats, result)

	if stats.BatchesOK() > 0 {
		if err := p.loader.Finalize(batchCtx); err != nil {
			return result, fmt.Errorf("post-load maintenance: %w", err)
		}
	}

	if len(result.FailedBatches) > 0 && stats.BatchesOK() == 0 {
		return result, fmt.Errorf("all %d batches failed to load", len(result.FailedBatches))
	}

	p.logger.Info("Pipeline complete",
		zap.Object("stats", stats),
		zap.String("verdict", string(report.Verdict)),
		zap.Int("failed_batches", len(result.FailedBatches)))
	return result, nil
}

// processBatch runs validate -> transform -> load for one chunk.
func (p *Pipeline) processBatch(
	ctx context.Context,
	batch RecordBatch,
	transformer *Transformer,
	cache *DimCache,
	seen map[string]struct{},
	quality *QualityAccumulator,
	durations *[]float64,
	stats *RunStats,
	report *ValidationReport,
	result *RunResult,
) error {
	batchStart := time.Now()
	stats.extracted.Add(int64(len(batch.Records)))
	p.metrics.RowsExtracted.Add(float64(len(batch.Records)))

	if !p.opts.SkipValidation {
		phase := time.Now()

		schema := CheckSchema(batch, p.opts.Thresholds)
		report.Record(schema)
		p.countViolations(stats, schema)

		rules := CheckBusinessRules(batch, p.opts.Thresholds)
		if p.opts.BusinessRulesFatal && len(rules.Violations) > 0 {
			// Marked fatal before recording so the artifact verdict
			// agrees with the exit code.
			rules.Fatal = true
		}
		report.Record(rules)
		p.countViolations(stats, rules)
		if rules.Fatal {
			return fmt.Errorf("%w: %d business-rule violations in batch %d",
				ErrValidationFatal, len(rules.Violations), batch.Seq)
		}

		quality.Observe(batch)
		p.metrics.PhaseSeconds.WithLabelValues("validate").Observe(time.Since(phase).Seconds())
	}

	phase := time.Now()
	facts, dims, counts := transformer.Transform(batch, cache, seen)
	p.metrics.PhaseSeconds.WithLabelValues("transform").Observe(time.Since(phase).Seconds())

	stats.transformed.Add(int64(counts.Output))
	stats.duplicates.Add(int64(counts.DuplicatesDropped))
	quality.DuplicateEvents += counts.DuplicatesDropped
	p.metrics.RowsTransformed.Add(float64(counts.Output))
	p.metrics.RowsDeduped.Add(float64(counts.DuplicatesDropped))

	for _, f := range facts {
		if f.DurationMins != nil {
			*durations = append(*durations, float64(*f.DurationMins))
		}
	}

	ref := BatchRef{Seq: batch.Seq, FirstRow: batch.FirstRow, LastRow: batch.Row(len(batch.Records) - 1)}

	phase = time.Now()
	err := p.loader.LoadBatch(ctx, ref, dims, facts)
	p.metrics.PhaseSeconds.WithLabelValues("load").Observe(time.Since(phase).Seconds())
	p.metrics.BatchSeconds.Observe(time.Since(batchStart).Seconds())

	if err != nil {
		stats.batchesFail.Add(1)
		p.metrics.BatchesTotal.WithLabelValues("failed").Inc()
		result.FailedBatches = append(result.FailedBatches, ref)

		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			p.logger.Error("Batch load failed, continuing with next batch",
				zap.Int("batch", loadErr.BatchSeq),
				zap.Int("first_row", loadErr.FirstRow),
				zap.Int("last_row", loadErr.LastRow),
				zap.Error(loadErr.Err))
		} else {
			p.logger.Error("Batch load failed", zap.Int("batch", ref.Seq), zap.Error(err))
		}
		if p.opts.LoadErrorsFatal {
			return fmt.Errorf("batch %d: %w", ref.Seq, err)
		}
		return nil
	}

	stats.batchesOK.Add(1)
	stats.loaded.Add(int64(len(facts)))
	p.metrics.BatchesTotal.WithLabelValues("ok").Inc()
	p.metrics.RowsLoaded.Add(float64(len(facts)))

	p.logger.Info("Batch processed",
		zap.Int("batch", batch.Seq),
		zap.Int("rows_in", counts.Input),
		zap.Int("facts_loaded", counts.Output),
		zap.Int("duplicates", counts.DuplicatesDropped),
		zap.Int("unparsable_datetimes", counts.UnparsableDatetime),
		zap.Duration("took", time.Since(batchStart)))
	return nil
}

// finishReport runs the dataset-level checks and freezes the artifact.
func (p *Pipeline) finishReport(report *ValidationReport, quality *QualityAccumulator, durations []float64, stats *RunStats, result *RunResult) {
	if !p.opts.SkipValidation {
		qres := CheckQuality(quality, p.opts.Thresholds)
		report.Record(qres)
		p.countViolations(stats, qres)

		minRows := CheckMinRows(int(stats.Extracted()), p.opts.Thresholds)
		report.Record(minRows)
		p.countViolations(stats, minRows)

		outliers, fences := CheckOutliers(durations, p.opts.Thresholds)
		report.Record(outliers)
		p.countViolations(stats, outliers)
		if outliers.Checked > 0 {
			report.Outliers = &fences
		}
	}

	report.Finalize(int(stats.Extracted()))

	if p.opts.ReportsDir != "" {
		path, err := report.WriteArtifact(p.opts.ReportsDir)
		if err != nil {
			p.logger.Warn("Could not write validation report artifact", zap.Error(err))
		} else {
			result.ReportPath = path
			p.logger.Info("Validation report written", zap.String("path", path))
		}
	}
}

func (p *Pipeline) countViolations(stats *RunStats, res CheckResult) {
	if len(res.Violations) == 0 {
		return
	}
	stats.violations.Add(int64(len(res.Violations)))
	p.metrics.Violations.WithLabelValues(res.Check).Add(float64(len(res.Violations)))
}
