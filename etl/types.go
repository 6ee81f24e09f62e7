// Package etl implements the batch pipeline that loads the Edmonton
// fire-incident CSV export into a PostgreSQL star schema: chunked
// extraction, validation, column derivation, and idempotent load.
package etl

import (
	"errors"
	"fmt"
	"time"
)

// RawRecord is one CSV row, header name -> raw cell value.
// An empty string means the cell was empty in the source.
type RawRecord map[string]string

// RecordBatch is one extracted chunk. FirstRow is the absolute CSV row
// number (1 = first data row after the header) of Records[0], so
// violations can cite source rows.
type RecordBatch struct {
	Seq      int
	FirstRow int
	Records  []RawRecord
}

// Row returns the absolute CSV row number of Records[i].
func (b RecordBatch) Row(i int) int {
	return b.FirstRow + i
}

// IncidentFact is the canonical fact row keyed by EventNumber.
type IncidentFact struct {
	EventNumber string

	DispatchAt        *time.Time
	ClosedAt          *time.Time
	DispatchYear      *int
	DispatchMonth     *int
	DispatchDay       *int
	DispatchHour      *int
	DispatchDayOfWeek *int // 0=Monday .. 6=Sunday
	IsWeekend         bool
	Shift             *string
	YearMonth         *string
	DurationMins      *int64

	EventTypeGroup   *string
	EventDescription *string
	EventCategory    string
	EventTypeKey     *int32

	NeighbourhoodID     *int64
	NeighbourhoodName   *string
	ApproximateLocation *string
	Latitude            *float64
	Longitude           *float64
	CoordsOutOfRange    bool
	GeometryPoint       *string

	EquipmentAssigned *string
	EquipmentCount    int
	ResponseCode      *string
	ResponseCodeKey   *int32
}

// EventType is a dimension row for dim_event_types.
type EventType struct {
	Key         int32
	Code        string
	Description string
}

// ResponseCode is a dimension row for dim_response_codes.
type ResponseCodeDim struct {
	Key  int32
	Code string
}

// Neighbourhood is a dimension row for dim_neighbourhoods, keyed by the
// stable source neighbourhood id.
type Neighbourhood struct {
	ID   int64
	Name *string
}

// DimBatch carries every dimension row referenced by one batch's facts.
// They must be persisted before those facts; the same row may appear in
// later batches' DimBatches, which the loader's insert-if-absent
// tolerates.
type DimBatch struct {
	EventTypes     []EventType
	ResponseCodes  []ResponseCodeDim
	Neighbourhoods []Neighbourhood
}

// Empty reports whether the batch introduced no new dimension rows.
func (d DimBatch) Empty() bool {
	return len(d.EventTypes) == 0 && len(d.ResponseCodes) == 0 && len(d.Neighbourhoods) == 0
}

// SourceErrorKind discriminates extraction failures.
type SourceErrorKind string

const (
	SourceNotFound   SourceErrorKind = "not_found"
	SourceUnreadable SourceErrorKind = "unreadable"
	SourceBadHeader  SourceErrorKind = "bad_header"
)

// SourceError is fatal: the pipeline halts before any load.
type SourceError struct {
	Kind SourceErrorKind
	Path string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s (%s): %v", e.Path, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// LoadError reports a failed batch transaction. The batch rolled back
// atomically; FirstRow/LastRow identify the source range for retry.
type LoadError struct {
	BatchSeq int
	FirstRow int
	LastRow  int
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load failed for batch %d (rows %d-%d): %v", e.BatchSeq, e.FirstRow, e.LastRow, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ErrValidationFatal is returned by the pipeline when validation halts
// the run before loading.
var ErrValidationFatal = errors.New("fatal validation failure")
