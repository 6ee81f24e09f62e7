package etl

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Check class names used in violations and report counters.
const (
	CheckSchemaName   = "schema"
	CheckQualityName  = "quality"
	CheckBusinessName = "business_rules"
	CheckOutlierName  = "outliers"
)

// RequiredColumns must be present in the header; a missing one is fatal.
var RequiredColumns = []string{
	"event_number",
	"dispatch_datetime",
	"event_close_datetime",
	"event_type_group",
	"response_code",
	"neighbourhood_id",
}

// ExpectedColumns is the full set of columns the Edmonton export carries.
// Missing non-required columns are recorded, not fatal.
var ExpectedColumns = []string{
	"event_number", "dispatch_year", "dispatch_month", "dispatch_day",
	"dispatch_month_name", "dispatch_dayofweek", "dispatch_date",
	"dispatch_date_date", "dispatch_time", "dispatch_datetime",
	"event_close_date", "event_close_date_date", "event_close_time",
	"event_close_datetime", "event_duration_mins", "event_type_group",
	"event_description", "neighbourhood_id", "neighbourhood_name",
	"approximate_location", "equipment_assigned", "latitude",
	"longitude", "geometry_point", "response_code",
}

// integerColumns and floatColumns are checked for type coercibility.
var integerColumns = []string{
	"dispatch_year", "dispatch_month", "dispatch_day",
	"event_duration_mins", "neighbourhood_id",
}

var floatColumns = []string{"latitude", "longitude"}

// BoundingBox is an inclusive lat/lon rectangle.
type BoundingBox struct {
	LatMin float64 `yaml:"lat_min"`
	LatMax float64 `yaml:"lat_max"`
	LonMin float64 `yaml:"lon_min"`
	LonMax float64 `yaml:"lon_max"`
}

// Contains reports whether the point lies inside the box.
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.LatMin && lat <= b.LatMax && lon >= b.LonMin && lon <= b.LonMax
}

// EdmontonBoundingBox is the approximate extent of the city.
func EdmontonBoundingBox() BoundingBox {
	return BoundingBox{LatMin: 53.3, LatMax: 53.8, LonMin: -113.7, LonMax: -113.2}
}

// Thresholds is the immutable validation configuration, built once at
// run start and passed by value to every check.
type Thresholds struct {
	MaxNullPct        float64
	MinRows           int
	MaxDurationMins   int64
	DateRangeStart    time.Time
	DateRangeEnd      time.Time
	BBox              BoundingBox
	IQRMultiplier     float64
	MaxSamplesPerRule int
}

// DefaultThresholds mirrors the documented run defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxNullPct:        10,
		MinRows:           100000,
		MaxDurationMins:   1440,
		DateRangeStart:    time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		DateRangeEnd:      time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC),
		BBox:              EdmontonBoundingBox(),
		IQRMultiplier:     1.5,
		MaxSamplesPerRule: 10,
	}
}

// CheckResult is the outcome of one check class over a batch or the
// accumulated run. Fatal means the run must halt before loading.
type CheckResult struct {
	Check      string
	Checked    int
	Violations []Violation
	Fatal      bool
}

func (r CheckResult) Passed() bool {
	return !r.Fatal && len(r.Violations) == 0
}

// CheckHeader validates the header, once per run before any batch is
// processed: required columns present (fatal when absent), expected
// columns recorded when missing. Header findings never repeat per
// batch.
func CheckHeader(header []string, _ Thresholds) CheckResult {
	res := CheckResult{Check: CheckSchemaName}

	have := make(map[string]bool, len(header))
	for _, col := range header {
		have[col] = true
	}

	for _, col := range RequiredColumns {
		if !have[col] {
			res.Fatal = true
			res.Violations = append(res.Violations, Violation{
				Check: CheckSchemaName, Rule: "required_column", Field: col,
				Message: fmt.Sprintf("required column %q missing from header", col),
			})
		}
	}
	for _, col := range ExpectedColumns {
		if !have[col] && !contains(RequiredColumns, col) {
			res.Violations = append(res.Violations, Violation{
				Check: CheckSchemaName, Rule: "expected_column", Field: col,
				Message: fmt.Sprintf("expected column %q missing from header", col),
			})
		}
	}

	return res
}

// CheckSchema validates one batch's rows: event_number non-empty and
// unique within the batch, declared numeric columns coercible. Header
// rules live in CheckHeader. It never mutates the batch.
func CheckSchema(batch RecordBatch, th Thresholds) CheckResult {
	res := CheckResult{Check: CheckSchemaName, Checked: len(batch.Records)}

	sampler := newSampler(th.MaxSamplesPerRule)
	seen := make(map[string]int, len(batch.Records))
	for i, rec := range batch.Records {
		row := batch.Row(i)

		ev := rec["event_number"]
		if ev == "" {
			sampler.add(&res, Violation{
				Check: CheckSchemaName, Rule: "event_number_null", Field: "event_number", Row: row,
				Message: "event_number is empty",
			})
		} else if first, dup := seen[ev]; dup {
			sampler.add(&res, Violation{
				Check: CheckSchemaName, Rule: "event_number_unique", Field: "event_number", Row: row,
				Value:   ev,
				Message: fmt.Sprintf("duplicate of row %d within batch", first),
			})
		} else {
			seen[ev] = row
		}

		for _, col := range integerColumns {
			if v := rec[col]; v != "" {
				if _, err := strconv.ParseInt(v, 10, 64); err != nil {
					sampler.add(&res, Violation{
						Check: CheckSchemaName, Rule: "type_integer", Field: col, Row: row, Value: v,
						Message: fmt.Sprintf("%s is not an integer", col),
					})
				}
			}
		}
		for _, col := range floatColumns {
			if v := rec[col]; v != "" {
				if _, err := strconv.ParseFloat(v, 64); err != nil {
					sampler.add(&res, Violation{
						Check: CheckSchemaName, Rule: "type_float", Field: col, Row: row, Value: v,
						Message: fmt.Sprintf("%s is not a number", col),
					})
				}
			}
		}
	}

	return res
}

// QualityAccumulator carries run-level quality state across batches.
// It is owned by the orchestrator and threaded through each batch call.
type QualityAccumulator struct {
	Rows            int
	NullCounts      map[string]int
	DuplicateEvents int // duplicates detected across batches by the seen-set
}

// NewQualityAccumulator returns an empty accumulator.
func NewQualityAccumulator() *QualityAccumulator {
	return &QualityAccumulator{NullCounts: make(map[string]int)}
}

// Observe folds one batch into the accumulator. It never mutates the batch.
func (a *QualityAccumulator) Observe(batch RecordBatch) {
	a.Rows += len(batch.Records)
	for _, rec := range batch.Records {
		for _, col := range ExpectedColumns {
			if rec[col] == "" {
				a.NullCounts[col]++
			}
		}
	}
}

// CompletenessScore is the fraction of non-null required fields, 0..1.
func (a *QualityAccumulator) CompletenessScore() float64 {
	if a.Rows == 0 {
		return 1
	}
	total := a.Rows * len(RequiredColumns)
	nulls := 0
	for _, col := range RequiredColumns {
		nulls += a.NullCounts[col]
	}
	return float64(total-nulls) / float64(total)
}

// CheckQuality evaluates the accumulated null rates, cross-batch
// duplicate count, and completeness score against the thresholds.
// Quality failures warn; they never halt the run on their own.
func CheckQuality(acc *QualityAccumulator, th Thresholds) CheckResult {
	res := CheckResult{Check: CheckQualityName, Checked: acc.Rows}
	if acc.Rows == 0 {
		return res
	}

	cols := make([]string, 0, len(acc.NullCounts))
	for col := range acc.NullCounts {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		pct := float64(acc.NullCounts[col]) / float64(acc.Rows) * 100
		if pct > th.MaxNullPct {
			res.Violations = append(res.Violations, Violation{
				Check: CheckQualityName, Rule: "null_rate", Field: col,
				Value:   fmt.Sprintf("%.2f%%", pct),
				Message: fmt.Sprintf("null rate %.2f%% exceeds ceiling %.2f%%", pct, th.MaxNullPct),
			})
		}
	}

	if acc.DuplicateEvents > 0 {
		res.Violations = append(res.Violations, Violation{
			Check: CheckQualityName, Rule: "duplicate_event_numbers", Field: "event_number",
			Value:   strconv.Itoa(acc.DuplicateEvents),
			Message: fmt.Sprintf("%d duplicate event numbers across the dataset", acc.DuplicateEvents),
		})
	}

	score := acc.CompletenessScore()
	floor := 1 - th.MaxNullPct/100
	if score < floor {
		res.Violations = append(res.Violations, Violation{
			Check: CheckQualityName, Rule: "completeness",
			Value:   fmt.Sprintf("%.4f", score),
			Message: fmt.Sprintf("completeness %.2f%% of required fields below %.2f%%", score*100, floor*100),
		})
	}

	return res
}

// CheckBusinessRules validates one batch against the domain rules:
// calendar part ranges, plausible duration, Edmonton coordinates, and
// plausible dispatch dates. Violations warn by default; the orchestrator
// may be configured to treat them as fatal.
func CheckBusinessRules(batch RecordBatch, th Thresholds) CheckResult {
	res := CheckResult{Check: CheckBusinessName, Checked: len(batch.Records)}
	sampler := newSampler(th.MaxSamplesPerRule)

	for i, rec := range batch.Records {
		row := batch.Row(i)

		if v := rec["dispatch_month"]; v != "" {
			if m, err := strconv.Atoi(v); err == nil && (m < 1 || m > 12) {
				sampler.add(&res, Violation{
					Check: CheckBusinessName, Rule: "dispatch_month_range", Field: "dispatch_month",
					Row: row, Value: v, Message: "dispatch_month outside [1,12]",
				})
			}
		}
		if v := rec["dispatch_day"]; v != "" {
			if d, err := strconv.Atoi(v); err == nil && (d < 1 || d > 31) {
				sampler.add(&res, Violation{
					Check: CheckBusinessName, Rule: "dispatch_day_range", Field: "dispatch_day",
					Row: row, Value: v, Message: "dispatch_day outside [1,31]",
				})
			}
		}
		if v := rec["event_duration_mins"]; v != "" {
			if d, err := strconv.ParseInt(v, 10, 64); err == nil {
				if d < 0 {
					sampler.add(&res, Violation{
						Check: CheckBusinessName, Rule: "duration_negative", Field: "event_duration_mins",
						Row: row, Value: v, Message: "event duration is negative",
					})
				} else if d > th.MaxDurationMins {
					sampler.add(&res, Violation{
						Check: CheckBusinessName, Rule: "duration_implausible", Field: "event_duration_mins",
						Row: row, Value: v,
						Message: fmt.Sprintf("event duration exceeds %d minutes", th.MaxDurationMins),
					})
				}
			}
		}

		latStr, lonStr := rec["latitude"], rec["longitude"]
		if latStr != "" && lonStr != "" {
			lat, errLat := strconv.ParseFloat(latStr, 64)
			lon, errLon := strconv.ParseFloat(lonStr, 64)
			if errLat == nil && errLon == nil && !th.BBox.Contains(lat, lon) {
				sampler.add(&res, Violation{
					Check: CheckBusinessName, Rule: "coords_out_of_bounds", Field: "latitude,longitude",
					Row: row, Value: fmt.Sprintf("%s,%s", latStr, lonStr),
					Message: "coordinates outside the Edmonton bounding box",
				})
			}
		}

		if v := rec["dispatch_datetime"]; v != "" {
			if ts, ok := ParseSourceDateTime(v); ok {
				if ts.Before(th.DateRangeStart) || ts.After(th.DateRangeEnd) {
					sampler.add(&res, Violation{
						Check: CheckBusinessName, Rule: "dispatch_date_range", Field: "dispatch_datetime",
						Row: row, Value: v,
						Message: fmt.Sprintf("dispatch outside plausible range %s..%s",
							th.DateRangeStart.Format("2006-01-02"), th.DateRangeEnd.Format("2006-01-02")),
					})
				}
			}
		}
	}

	return res
}

// CheckMinRows is the run-level minimum row-count rule, evaluated once
// after the last batch.
func CheckMinRows(totalRows int, th Thresholds) CheckResult {
	res := CheckResult{Check: CheckBusinessName, Checked: totalRows}
	if totalRows < th.MinRows {
		res.Violations = append(res.Violations, Violation{
			Check: CheckBusinessName, Rule: "min_rows", Value: strconv.Itoa(totalRows),
			Message: fmt.Sprintf("row count %d below expected minimum %d", totalRows, th.MinRows),
		})
	}
	return res
}

// OutlierFences are the IQR fences used for the duration outlier check.
type OutlierFences struct {
	Q1, Q3, Lower, Upper float64
}

// CheckOutliers flags event durations outside
// [Q1 - k*IQR, Q3 + k*IQR] using linear-interpolation quantiles.
// Outliers are informational only: flagged rows remain loaded.
func CheckOutliers(durations []float64, th Thresholds) (CheckResult, OutlierFences) {
	res := CheckResult{Check: CheckOutlierName, Checked: len(durations)}
	if len(durations) < 4 {
		return res, OutlierFences{}
	}

	sorted := make([]float64, len(durations))
	copy(sorted, durations)
	sort.Float64s(sorted)

	q1 := Quantile(sorted, 0.25)
	q3 := Quantile(sorted, 0.75)
	iqr := q3 - q1
	fences := OutlierFences{
		Q1:    q1,
		Q3:    q3,
		Lower: q1 - th.IQRMultiplier*iqr,
		Upper: q3 + th.IQRMultiplier*iqr,
	}

	sampler := newSampler(th.MaxSamplesPerRule)
	for _, d := range durations {
		if d < fences.Lower || d > fences.Upper {
			sampler.add(&res, Violation{
				Check: CheckOutlierName, Rule: "duration_iqr", Field: "event_duration_mins",
				Value:   strconv.FormatFloat(d, 'f', -1, 64),
				Message: fmt.Sprintf("outside IQR fences [%.2f, %.2f]", fences.Lower, fences.Upper),
			})
		}
	}

	return res, fences
}

// Quantile computes the q-th quantile of sorted values using linear
// interpolation between closest ranks.
func Quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// sampler caps recorded violations per rule while still counting the rest.
type sampler struct {
	limit  int
	byRule map[string]int
}

func newSampler(limit int) *sampler {
	if limit <= 0 {
		limit = 10
	}
	return &sampler{limit: limit, byRule: make(map[string]int)}
}

func (s *sampler) add(res *CheckResult, v Violation) {
	s.byRule[v.Rule]++
	if s.byRule[v.Rule] <= s.limit {
		res.Violations = append(res.Violations, v)
	} else {
		res.Violations[indexOfLastRule(res.Violations, v.Rule)].Suppressed++
	}
}

func indexOfLastRule(vs []Violation, rule string) int {
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].Rule == rule {
			return i
		}
	}
	return 0
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
