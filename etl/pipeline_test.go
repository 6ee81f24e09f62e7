package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

// fakeLoader is an in-memory Loader. Facts are keyed by event number so
// repeat loads model the production upsert; with enforceFKs it also
// models the foreign keys, accepting a fact only when its event type
// row was committed by a batch that did not fail.
type fakeLoader struct {
	facts              map[string]IncidentFact
	committedEventKeys map[int32]bool
	loadCalls          int
	finalizes          int
	failSeqs           map[int]bool
	seedEvents         map[string]int32
	enforceFKs         bool
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		facts:              make(map[string]IncidentFact),
		committedEventKeys: make(map[int32]bool),
		failSeqs:           make(map[int]bool),
	}
}

func (f *fakeLoader) Seed(_ context.Context, cache *DimCache) error {
	for code, key := range f.seedEvents {
		cache.SeedEventType(code, key)
		f.committedEventKeys[key] = true
	}
	return nil
}

func (f *fakeLoader) LoadBatch(_ context.Context, ref BatchRef, dims DimBatch, facts []IncidentFact) error {
	f.loadCalls++
	if f.failSeqs[ref.Seq] {
		// Rolled back: none of this batch's dims or facts are kept.
		return &LoadError{BatchSeq: ref.Seq, FirstRow: ref.FirstRow, LastRow: ref.LastRow,
			Err: errors.New("injected failure")}
	}
	for _, et := range dims.EventTypes {
		f.committedEventKeys[et.Key] = true
	}
	if f.enforceFKs {
		for _, fact := range facts {
			if fact.EventTypeKey != nil && !f.committedEventKeys[*fact.EventTypeKey] {
				return &LoadError{BatchSeq: ref.Seq, FirstRow: ref.FirstRow, LastRow: ref.LastRow,
					Err: fmt.Errorf("event_type_key %d references no committed row", *fact.EventTypeKey)}
			}
		}
	}
	for _, fact := range facts {
		f.facts[fact.EventNumber] = fact
	}
	return nil
}

func (f *fakeLoader) Finalize(context.Context) error {
	f.finalizes++
	return nil
}

// incidentCSV writes a fixture with the full expected header so the
// schema check passes.
func incidentCSV(t *testing.T, rows []RawRecord) string {
	t.Helper()
	lines := []string{strings.Join(ExpectedColumns, ",")}
	for _, r := range rows {
		cells := make([]string, len(ExpectedColumns))
		for i, col := range ExpectedColumns {
			cells[i] = r[col]
		}
		lines = append(lines, strings.Join(cells, ","))
	}
	return writeTestCSV(t, lines)
}

func incidentRows(n int) []RawRecord {
	rows := make([]RawRecord, n)
	for i := range rows {
		rows[i] = RawRecord{
			"event_number":      fmt.Sprintf("E%03d", i+1),
			"dispatch_datetime": "2024/06/15 02:30:00 PM",
			"event_type_group":  "FR",
			"response_code":     "A",
		}
	}
	return rows
}

func testOptions(path string) Options {
	th := DefaultThresholds()
	th.MinRows = 1
	th.MaxNullPct = 100
	return Options{
		SourcePath: path,
		ChunkSize:  2,
		Thresholds: th,
	}
}

func runPipeline(t *testing.T, opts Options, loader Loader) (*RunResult, error) {
	t.Helper()
	p := NewPipeline(opts, loader, nil, nil)
	return p.Run(context.Background())
}

func TestPipelineSchemaFatalHaltsBeforeLoad(t *testing.T) {
	// Header is missing event_number entirely.
	header := strings.Join(ExpectedColumns[1:], ",")
	path := writeTestCSV(t, []string{header, strings.Repeat(",", len(ExpectedColumns)-2)})

	loader := newFakeLoader()
	result, err := runPipeline(t, testOptions(path), loader)

	if !errors.Is(err, ErrValidationFatal) {
		t.Fatalf("err = %v, want ErrValidationFatal", err)
	}
	if loader.loadCalls != 0 {
		t.Errorf("loadCalls = %d; nothing may reach the store after a fatal check", loader.loadCalls)
	}
	if loader.finalizes != 0 {
		t.Errorf("finalizes = %d, want 0", loader.finalizes)
	}
	if result.Report.Verdict != VerdictFail {
		t.Errorf("verdict = %s, want FAIL", result.Report.Verdict)
	}
}

func TestPipelineChunkingEquivalence(t *testing.T) {
	rows := incidentRows(7)

	small := newFakeLoader()
	optsSmall := testOptions(incidentCSV(t, rows))
	optsSmall.ChunkSize = 2
	if _, err := runPipeline(t, optsSmall, small); err != nil {
		t.Fatalf("chunked run failed: %v", err)
	}

	big := newFakeLoader()
	optsBig := testOptions(incidentCSV(t, rows))
	optsBig.ChunkSize = 100
	if _, err := runPipeline(t, optsBig, big); err != nil {
		t.Fatalf("one-shot run failed: %v", err)
	}

	if len(small.facts) != len(rows) || len(big.facts) != len(rows) {
		t.Fatalf("loaded %d and %d facts, want %d each", len(small.facts), len(big.facts), len(rows))
	}
	for ev := range big.facts {
		if _, ok := small.facts[ev]; !ok {
			t.Errorf("chunked run missing %s", ev)
		}
	}
}

func TestPipelineRerunIsIdempotent(t *testing.T) {
	rows := incidentRows(5)
	loader := newFakeLoader()

	for run := 0; run < 2; run++ {
		opts := testOptions(incidentCSV(t, rows))
		if _, err := runPipeline(t, opts, loader); err != nil {
			t.Fatalf("run %d failed: %v", run, err)
		}
	}

	if len(loader.facts) != len(rows) {
		t.Errorf("store holds %d facts after rerun, want %d", len(loader.facts), len(rows))
	}
}

func TestPipelineCrossBatchDedup(t *testing.T) {
	rows := incidentRows(4)
	rows[3]["event_number"] = "E001" // lands in a later chunk than the original

	loader := newFakeLoader()
	result, err := runPipeline(t, testOptions(incidentCSV(t, rows)), loader)
	if err != nil {
		t.Fatal(err)
	}

	if len(loader.facts) != 3 {
		t.Errorf("store holds %d facts, want 3", len(loader.facts))
	}
	if result.Stats.Duplicates() != 1 {
		t.Errorf("Duplicates = %d, want 1", result.Stats.Duplicates())
	}
}

func TestPipelineFailedBatchKeepsLaterBatchesLoadable(t *testing.T) {
	// Every row shares one event type, first proposed by the batch that
	// fails. Later batches must still satisfy the FK from their own
	// proposals; a rolled-back batch must not strand them.
	rows := incidentRows(6) // 3 chunks of 2, all event type FR
	loader := newFakeLoader()
	loader.enforceFKs = true
	loader.failSeqs[0] = true

	result, err := runPipeline(t, testOptions(incidentCSV(t, rows)), loader)
	if err != nil {
		t.Fatalf("later batches must survive the rollback: %v", err)
	}
	if result.Stats.BatchesOK() != 2 || result.Stats.BatchesFailed() != 1 {
		t.Errorf("batches ok=%d fail=%d, want 2/1", result.Stats.BatchesOK(), result.Stats.BatchesFailed())
	}
	if len(loader.facts) != 4 {
		t.Errorf("store holds %d facts, want 4 from the surviving batches", len(loader.facts))
	}
	for ev, fact := range loader.facts {
		if fact.EventTypeKey == nil || !loader.committedEventKeys[*fact.EventTypeKey] {
			t.Errorf("fact %s references an uncommitted event type", ev)
		}
	}
}

func TestPipelineEmptySourceMissingColumnFatal(t *testing.T) {
	// Header only, no data rows: the header check must still halt the
	// run on the missing required column.
	header := strings.Join(ExpectedColumns[1:], ",")
	path := writeTestCSV(t, []string{header})

	loader := newFakeLoader()
	result, err := runPipeline(t, testOptions(path), loader)

	if !errors.Is(err, ErrValidationFatal) {
		t.Fatalf("err = %v, want ErrValidationFatal", err)
	}
	if result.Report.Verdict != VerdictFail {
		t.Errorf("verdict = %s, want FAIL", result.Report.Verdict)
	}
	if loader.loadCalls != 0 {
		t.Errorf("loadCalls = %d, want 0", loader.loadCalls)
	}
}

func TestPipelineHeaderViolationsRecordedOnce(t *testing.T) {
	// Drop one optional column and run several batches; the missing
	// column is a run-level finding, not a per-batch one.
	var cols []string
	for _, col := range ExpectedColumns {
		if col != "geometry_point" {
			cols = append(cols, col)
		}
	}
	lines := []string{strings.Join(cols, ",")}
	for i := 0; i < 6; i++ {
		row := make([]string, len(cols))
		row[0] = fmt.Sprintf("E%03d", i+1)
		lines = append(lines, strings.Join(row, ","))
	}

	loader := newFakeLoader()
	result, err := runPipeline(t, testOptions(writeTestCSV(t, lines)), loader)
	if err != nil {
		t.Fatal(err)
	}

	got := 0
	for _, v := range result.Report.Violations {
		if v.Rule == "expected_column" && v.Field == "geometry_point" {
			got++
		}
	}
	if got != 1 {
		t.Errorf("geometry_point recorded %d times across 3 batches, want once", got)
	}
}

func TestPipelineFailedBatchIsolation(t *testing.T) {
	rows := incidentRows(6) // 3 chunks of 2
	loader := newFakeLoader()
	loader.failSeqs[1] = true

	result, err := runPipeline(t, testOptions(incidentCSV(t, rows)), loader)
	if err != nil {
		t.Fatalf("a failed batch must not fail the run: %v", err)
	}

	if len(result.FailedBatches) != 1 {
		t.Fatalf("FailedBatches = %v, want exactly one", result.FailedBatches)
	}
	ref := result.FailedBatches[0]
	if ref.Seq != 1 || ref.FirstRow != 3 || ref.LastRow != 4 {
		t.Errorf("failed ref = %+v, want seq 1 rows 3-4", ref)
	}
	if len(loader.facts) != 4 {
		t.Errorf("store holds %d facts, want 4 from the surviving batches", len(loader.facts))
	}
	if result.Stats.BatchesOK() != 2 || result.Stats.BatchesFailed() != 1 {
		t.Errorf("batches ok=%d fail=%d, want 2/1", result.Stats.BatchesOK(), result.Stats.BatchesFailed())
	}
	if loader.finalizes != 1 {
		t.Errorf("finalizes = %d, want 1 when any batch succeeded", loader.finalizes)
	}
}

func TestPipelineLoadErrorsFatal(t *testing.T) {
	loader := newFakeLoader()
	loader.failSeqs[0] = true

	opts := testOptions(incidentCSV(t, incidentRows(2)))
	opts.LoadErrorsFatal = true

	_, err := runPipeline(t, opts, loader)
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("err = %v, want a *LoadError", err)
	}
	if loader.loadCalls != 1 {
		t.Errorf("loadCalls = %d, want 1 (abort on first failure)", loader.loadCalls)
	}
}

func TestPipelineAllBatchesFailed(t *testing.T) {
	loader := newFakeLoader()
	loader.failSeqs[0] = true

	opts := testOptions(incidentCSV(t, incidentRows(2)))
	opts.ChunkSize = 10

	_, err := runPipeline(t, opts, loader)
	if err == nil {
		t.Fatal("expected an error when every batch failed")
	}
	if loader.finalizes != 0 {
		t.Errorf("finalizes = %d, want 0 when nothing loaded", loader.finalizes)
	}
}

func TestPipelineBusinessRulesFatal(t *testing.T) {
	rows := incidentRows(2)
	rows[0]["dispatch_datetime"] = "2015/01/01 10:00:00 AM" // outside the plausible range

	loader := newFakeLoader()
	opts := testOptions(incidentCSV(t, rows))
	opts.BusinessRulesFatal = true

	result, err := runPipeline(t, opts, loader)
	if !errors.Is(err, ErrValidationFatal) {
		t.Fatalf("err = %v, want ErrValidationFatal", err)
	}
	if loader.loadCalls != 0 {
		t.Errorf("loadCalls = %d, want 0", loader.loadCalls)
	}
	if result.Report.Verdict != VerdictFail {
		t.Errorf("verdict = %s, want FAIL to match the non-zero exit", result.Report.Verdict)
	}
}

func TestPipelineSkipValidation(t *testing.T) {
	rows := incidentRows(2)
	rows[0]["dispatch_datetime"] = "2015/01/01 10:00:00 AM"

	loader := newFakeLoader()
	opts := testOptions(incidentCSV(t, rows))
	opts.SkipValidation = true

	result, err := runPipeline(t, opts, loader)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Report.Violations) != 0 {
		t.Errorf("violations recorded with validation skipped: %+v", result.Report.Violations)
	}
	if result.Report.Verdict != VerdictPass {
		t.Errorf("verdict = %s, want PASS", result.Report.Verdict)
	}
	if len(loader.facts) != 2 {
		t.Errorf("store holds %d facts, want 2", len(loader.facts))
	}
}

func TestPipelineTestModeRowCap(t *testing.T) {
	loader := newFakeLoader()
	opts := testOptions(incidentCSV(t, incidentRows(10)))
	opts.TestMode = true
	opts.TestRows = 3

	result, err := runPipeline(t, opts, loader)
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Stats.Extracted(); got != 3 {
		t.Errorf("Extracted = %d, want 3", got)
	}
	if len(loader.facts) != 3 {
		t.Errorf("store holds %d facts, want 3", len(loader.facts))
	}
}

func TestPipelineReportArtifact(t *testing.T) {
	loader := newFakeLoader()
	opts := testOptions(incidentCSV(t, incidentRows(3)))
	opts.ReportsDir = t.TempDir()

	result, err := runPipeline(t, opts, loader)
	if err != nil {
		t.Fatal(err)
	}
	if result.ReportPath == "" {
		t.Fatal("no report artifact written")
	}

	raw, err := os.ReadFile(result.ReportPath)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	var decoded ValidationReport
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("artifact is not valid JSON: %v", err)
	}
	if decoded.RunID == "" || decoded.TotalRows != 3 {
		t.Errorf("artifact run_id=%q total_rows=%d, want populated fields", decoded.RunID, decoded.TotalRows)
	}
	if decoded.Verdict == "" {
		t.Error("artifact verdict missing")
	}
}

func TestPipelineSeededDimKeysReused(t *testing.T) {
	loader := newFakeLoader()
	loader.seedEvents = map[string]int32{"FR": 9}

	if _, err := runPipeline(t, testOptions(incidentCSV(t, incidentRows(2))), loader); err != nil {
		t.Fatal(err)
	}
	fact := loader.facts["E001"]
	if fact.EventTypeKey == nil || *fact.EventTypeKey != 9 {
		t.Errorf("EventTypeKey = %v, want the seeded key 9", fact.EventTypeKey)
	}
}
