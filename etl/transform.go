package etl

import (
	"math"
	"strconv"
	"strings"
	"time"
)

// Source datetime layouts used by the Edmonton export.
const (
	sourceDateTimeLayout = "2006/01/02 03:04:05 PM"
	sourceDateLayout     = "2006/01/02"
)

// ParseSourceDateTime parses a "2006/01/02 03:04:05 PM" timestamp.
func ParseSourceDateTime(s string) (time.Time, bool) {
	t, err := time.Parse(sourceDateTimeLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseSourceDate parses a "2006/01/02" date.
func ParseSourceDate(s string) (time.Time, bool) {
	t, err := time.Parse(sourceDateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// DimCache maps dimension codes to surrogate keys for the run's
// lifetime. It is owned by the orchestrator, seeded from existing
// dimension rows at pipeline start, and passed into every Transform
// call so each distinct code maps to exactly one key regardless of
// which batch first carries it. The cache only assigns keys; which
// rows a batch proposes for insert is decided per batch, so a rolled
// back batch never leaves later batches referencing rows that were
// never committed.
type DimCache struct {
	EventTypes    map[string]int32
	ResponseCodes map[string]int32

	nextEventTypeKey    int32
	nextResponseCodeKey int32
}

// NewDimCache returns an empty cache whose surrogate keys start at 1.
func NewDimCache() *DimCache {
	return &DimCache{
		EventTypes:          make(map[string]int32),
		ResponseCodes:       make(map[string]int32),
		nextEventTypeKey:    1,
		nextResponseCodeKey: 1,
	}
}

// SeedEventType registers an existing dimension row loaded from the
// store, advancing the key counter past it.
func (c *DimCache) SeedEventType(code string, key int32) {
	c.EventTypes[code] = key
	if key >= c.nextEventTypeKey {
		c.nextEventTypeKey = key + 1
	}
}

// SeedResponseCode registers an existing dim_response_codes row.
func (c *DimCache) SeedResponseCode(code string, key int32) {
	c.ResponseCodes[code] = key
	if key >= c.nextResponseCodeKey {
		c.nextResponseCodeKey = key + 1
	}
}

// resolveEventType returns the key for code, assigning the next key on
// first sight.
func (c *DimCache) resolveEventType(code string) int32 {
	if key, ok := c.EventTypes[code]; ok {
		return key
	}
	key := c.nextEventTypeKey
	c.nextEventTypeKey++
	c.EventTypes[code] = key
	return key
}

func (c *DimCache) resolveResponseCode(code string) int32 {
	if key, ok := c.ResponseCodes[code]; ok {
		return key
	}
	key := c.nextResponseCodeKey
	c.nextResponseCodeKey++
	c.ResponseCodes[code] = key
	return key
}

// dimSet tracks which dimension rows the current batch has already
// proposed, so each row referenced by the batch appears once in its
// DimBatch.
type dimSet struct {
	eventTypes     map[string]struct{}
	responseCodes  map[string]struct{}
	neighbourhoods map[int64]struct{}
}

func newDimSet() *dimSet {
	return &dimSet{
		eventTypes:     make(map[string]struct{}),
		responseCodes:  make(map[string]struct{}),
		neighbourhoods: make(map[int64]struct{}),
	}
}

// TransformCounts summarizes non-fatal data repairs made while
// transforming one batch. Parse failures null the field and continue;
// a row is never rejected for one.
type TransformCounts struct {
	Input              int
	Output             int
	MissingEventNumber int
	DuplicatesDropped  int
	UnparsableDatetime int
	NegativeDurations  int
	CoordsFlagged      int
}

// Add accumulates another batch's counts.
func (c *TransformCounts) Add(o TransformCounts) {
	c.Input += o.Input
	c.Output += o.Output
	c.MissingEventNumber += o.MissingEventNumber
	c.DuplicatesDropped += o.DuplicatesDropped
	c.UnparsableDatetime += o.UnparsableDatetime
	c.NegativeDurations += o.NegativeDurations
	c.CoordsFlagged += o.CoordsFlagged
}

// Transformer maps raw batches to fact rows and dimension proposals. It
// is stateless; all cross-batch state (the dimension cache and the seen
// event-number set) is passed in explicitly so batch processing stays
// deterministic and testable in isolation.
type Transformer struct {
	bbox BoundingBox
}

// NewTransformer returns a transformer using the given bounding box for
// coordinate flagging.
func NewTransformer(bbox BoundingBox) *Transformer {
	return &Transformer{bbox: bbox}
}

// Transform maps one batch to fact rows plus every dimension row those
// facts reference. Each referenced row is proposed once per batch even
// when an earlier batch already carried it; the loader's insert-if-
// absent makes the repeat proposals harmless, and a batch that rolls
// back cannot strand later batches on uncommitted dimension rows.
// Duplicated event numbers (within the batch or already in seen) are
// dropped, first occurrence wins. seen and cache are mutated to
// reflect the batch.
func (t *Transformer) Transform(batch RecordBatch, cache *DimCache, seen map[string]struct{}) ([]IncidentFact, DimBatch, TransformCounts) {
	facts := make([]IncidentFact, 0, len(batch.Records))
	var dims DimBatch
	proposed := newDimSet()
	counts := TransformCounts{Input: len(batch.Records)}

	for _, rec := range batch.Records {
		ev := strings.TrimSpace(rec["event_number"])
		if ev == "" {
			// Schema check already reported it; nothing to key a fact on.
			counts.MissingEventNumber++
			continue
		}
		if _, dup := seen[ev]; dup {
			counts.DuplicatesDropped++
			continue
		}
		seen[ev] = struct{}{}

		fact := IncidentFact{EventNumber: ev}

		dispatch, ok := parseTimestamp(rec["dispatch_datetime"])
		if rec["dispatch_datetime"] != "" && !ok {
			counts.UnparsableDatetime++
		}
		closed, ok := parseTimestamp(rec["event_close_datetime"])
		if rec["event_close_datetime"] != "" && !ok {
			counts.UnparsableDatetime++
		}
		fact.DispatchAt = dispatch
		fact.ClosedAt = closed

		t.deriveTemporal(&fact)
		t.deriveDuration(&fact, rec["event_duration_mins"], &counts)
		t.deriveLocation(&fact, rec, &counts)
		t.deriveClassification(&fact, rec, cache, &dims, proposed)
		t.deriveResponse(&fact, rec, cache, &dims, proposed)

		facts = append(facts, fact)
	}

	counts.Output = len(facts)
	return facts, dims, counts
}

func parseTimestamp(s string) (*time.Time, bool) {
	if strings.TrimSpace(s) == "" {
		return nil, true
	}
	ts, ok := ParseSourceDateTime(s)
	if !ok {
		return nil, false
	}
	return &ts, true
}

// deriveTemporal fills calendar parts from the dispatch timestamp.
// Day-of-week is 0=Monday..6=Sunday to match the analytical views.
func (t *Transformer) deriveTemporal(f *IncidentFact) {
	if f.DispatchAt == nil {
		return
	}
	d := *f.DispatchAt
	year, month, day := d.Date()
	hour := d.Hour()
	dow := (int(d.Weekday()) + 6) % 7

	f.DispatchYear = intPtr(year)
	f.DispatchMonth = intPtr(int(month))
	f.DispatchDay = intPtr(day)
	f.DispatchHour = intPtr(hour)
	f.DispatchDayOfWeek = intPtr(dow)
	f.IsWeekend = dow >= 5
	f.Shift = strPtr(shiftForHour(hour))
	f.YearMonth = strPtr(d.Format("2006-01"))
}

// shiftForHour buckets the dispatch hour into operational shifts.
func shiftForHour(hour int) string {
	switch {
	case hour >= 8 && hour < 16:
		return "Day"
	case hour >= 16 && hour < 20:
		return "Evening"
	case hour >= 20 || hour < 4:
		return "Night"
	default:
		return "Early Morning"
	}
}

// deriveDuration recomputes the duration from the two endpoints when
// both parsed; otherwise it falls back to the source column. Negative
// values become null rather than failing the row.
func (t *Transformer) deriveDuration(f *IncidentFact, raw string, counts *TransformCounts) {
	if f.DispatchAt != nil && f.ClosedAt != nil {
		mins := int64(f.ClosedAt.Sub(*f.DispatchAt).Minutes())
		if mins < 0 {
			counts.NegativeDurations++
			return
		}
		f.DurationMins = &mins
		return
	}

	if raw = strings.TrimSpace(raw); raw != "" {
		if mins, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if mins < 0 {
				counts.NegativeDurations++
				return
			}
			f.DurationMins = &mins
		}
	}
}

func (t *Transformer) deriveLocation(f *IncidentFact, rec RawRecord, counts *TransformCounts) {
	f.NeighbourhoodID = parseInt64Ptr(rec["neighbourhood_id"])
	f.NeighbourhoodName = cleanText(rec["neighbourhood_name"])
	if f.NeighbourhoodID == nil && f.NeighbourhoodName == nil {
		f.NeighbourhoodName = strPtr("Unknown")
	}

	f.ApproximateLocation = cleanText(rec["approximate_location"])
	if f.ApproximateLocation == nil {
		f.ApproximateLocation = strPtr("No location")
	}
	f.GeometryPoint = cleanText(rec["geometry_point"])

	lat := parseFloatPtr(rec["latitude"])
	lon := parseFloatPtr(rec["longitude"])
	if lat != nil && lon != nil {
		// Round to the star schema's 8-decimal precision.
		*lat = roundTo(*lat, 8)
		*lon = roundTo(*lon, 8)
		f.Latitude = lat
		f.Longitude = lon
		if !t.bbox.Contains(*lat, *lon) {
			// Flagged, never dropped: the fact row still loads.
			f.CoordsOutOfRange = true
			counts.CoordsFlagged++
		}
	}
}

func (t *Transformer) deriveClassification(f *IncidentFact, rec RawRecord, cache *DimCache, dims *DimBatch, proposed *dimSet) {
	f.EventTypeGroup = cleanText(rec["event_type_group"])
	f.EventDescription = cleanText(rec["event_description"])
	f.EventCategory = categorizeEvent(f.EventTypeGroup)

	if f.NeighbourhoodID != nil {
		if _, ok := proposed.neighbourhoods[*f.NeighbourhoodID]; !ok {
			proposed.neighbourhoods[*f.NeighbourhoodID] = struct{}{}
			dims.Neighbourhoods = append(dims.Neighbourhoods, Neighbourhood{ID: *f.NeighbourhoodID, Name: f.NeighbourhoodName})
		}
	}

	if f.EventTypeGroup == nil {
		return
	}
	key := cache.resolveEventType(*f.EventTypeGroup)
	f.EventTypeKey = &key
	if _, ok := proposed.eventTypes[*f.EventTypeGroup]; !ok {
		proposed.eventTypes[*f.EventTypeGroup] = struct{}{}
		desc := "UNKNOWN"
		if f.EventDescription != nil {
			desc = *f.EventDescription
		}
		dims.EventTypes = append(dims.EventTypes, EventType{Key: key, Code: *f.EventTypeGroup, Description: desc})
	}
}

func (t *Transformer) deriveResponse(f *IncidentFact, rec RawRecord, cache *DimCache, dims *DimBatch, proposed *dimSet) {
	f.EquipmentAssigned = cleanText(rec["equipment_assigned"])
	if f.EquipmentAssigned == nil {
		f.EquipmentAssigned = strPtr("Unknown")
		f.EquipmentCount = 0
	} else {
		f.EquipmentCount = len(strings.Split(*f.EquipmentAssigned, ","))
	}

	f.ResponseCode = cleanText(rec["response_code"])
	if f.ResponseCode == nil {
		return
	}
	key := cache.resolveResponseCode(*f.ResponseCode)
	f.ResponseCodeKey = &key
	if _, ok := proposed.responseCodes[*f.ResponseCode]; !ok {
		proposed.responseCodes[*f.ResponseCode] = struct{}{}
		dims.ResponseCodes = append(dims.ResponseCodes, ResponseCodeDim{Key: key, Code: *f.ResponseCode})
	}
}

// categorizeEvent folds the short event-type code into a reporting
// category.
func categorizeEvent(code *string) string {
	if code == nil {
		return "Unknown"
	}
	switch *code {
	case "FR":
		return "Fire"
	case "MD":
		return "Medical"
	case "AL", "OF":
		return "Alarm/Fire"
	case "TA":
		return "Traffic Accident"
	case "HZ":
		return "Hazardous"
	default:
		return "Other"
	}
}

func cleanText(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func parseInt64Ptr(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseFloatPtr(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }
