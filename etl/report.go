package etl

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Verdict is the overall validation outcome for a run.
type Verdict string

const (
	VerdictPass Verdict = "PASS"
	VerdictWarn Verdict = "WARN"
	VerdictFail Verdict = "FAIL"
)

// Violation is one recorded check failure. Row 0 means dataset-level.
// Suppressed counts further occurrences of the same rule beyond the
// per-rule sample cap.
type Violation struct {
	Check      string `json:"check"`
	Rule       string `json:"rule"`
	Field      string `json:"field,omitempty"`
	Row        int    `json:"row,omitempty"`
	Value      string `json:"value,omitempty"`
	Message    string `json:"message"`
	Suppressed int    `json:"suppressed,omitempty"`
}

// CheckSummary aggregates one check class across the run.
type CheckSummary struct {
	Checked int  `json:"checked"`
	Passed  int  `json:"passed"`
	Failed  int  `json:"failed"`
	Fatal   bool `json:"fatal,omitempty"`
}

// ValidationReport is the run artifact: one per pipeline run, finalized
// once and never mutated afterwards.
type ValidationReport struct {
	RunID      string                  `json:"run_id"`
	SourcePath string                  `json:"source_path"`
	StartedAt  time.Time               `json:"started_at"`
	FinishedAt time.Time               `json:"finished_at"`
	TotalRows  int                     `json:"total_rows"`
	Checks     map[string]CheckSummary `json:"checks"`
	Violations []Violation             `json:"violations"`
	Outliers   *OutlierFences          `json:"outlier_fences,omitempty"`
	Verdict    Verdict                 `json:"verdict"`

	finalized bool
}

// NewValidationReport starts a report for one run.
func NewValidationReport(sourcePath string) *ValidationReport {
	return &ValidationReport{
		RunID:      uuid.NewString(),
		SourcePath: sourcePath,
		StartedAt:  time.Now().UTC(),
		Checks:     make(map[string]CheckSummary),
	}
}

// Record folds a check result into the report. Panics if the report has
// been finalized; the report is immutable after that point.
func (r *ValidationReport) Record(res CheckResult) {
	if r.finalized {
		panic("etl: Record on finalized ValidationReport")
	}
	s := r.Checks[res.Check]
	s.Checked += res.Checked
	s.Failed += len(res.Violations)
	s.Passed += res.Checked - len(res.Violations)
	if s.Passed < 0 {
		s.Passed = 0
	}
	if res.Fatal {
		s.Fatal = true
	}
	r.Checks[res.Check] = s
	r.Violations = append(r.Violations, res.Violations...)
}

// HasFatal reports whether any recorded check was fatal.
func (r *ValidationReport) HasFatal() bool {
	for _, s := range r.Checks {
		if s.Fatal {
			return true
		}
	}
	return false
}

// Finalize freezes the report and computes the verdict: FAIL on any
// fatal check, WARN when non-fatal violations were recorded, PASS
// otherwise.
func (r *ValidationReport) Finalize(totalRows int) {
	if r.finalized {
		return
	}
	r.TotalRows = totalRows
	r.FinishedAt = time.Now().UTC()
	switch {
	case r.HasFatal():
		r.Verdict = VerdictFail
	case len(r.Violations) > 0:
		r.Verdict = VerdictWarn
	default:
		r.Verdict = VerdictPass
	}
	r.finalized = true
}

// WriteArtifact persists the finalized report as JSON under dir,
// returning the written path.
func (r *ValidationReport) WriteArtifact(dir string) (string, error) {
	if !r.finalized {
		return "", fmt.Errorf("report not finalized")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}

	name := fmt.Sprintf("validation_report_%s.json", r.FinishedAt.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
