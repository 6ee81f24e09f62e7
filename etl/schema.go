package etl

// schemaDDL creates the star schema. Statements are idempotent so
// re-runs with schema creation enabled are harmless.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS dim_event_types (
		event_type_key    INTEGER PRIMARY KEY,
		event_type_code   TEXT NOT NULL UNIQUE,
		event_description TEXT NOT NULL DEFAULT 'UNKNOWN'
	)`,

	`CREATE TABLE IF NOT EXISTS dim_response_codes (
		response_code_key INTEGER PRIMARY KEY,
		response_code     TEXT NOT NULL UNIQUE
	)`,

	`CREATE TABLE IF NOT EXISTS dim_neighbourhoods (
		neighbourhood_id   BIGINT PRIMARY KEY,
		neighbourhood_name TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS fire_incidents (
		event_number         TEXT PRIMARY KEY,
		dispatch_datetime    TIMESTAMP,
		event_close_datetime TIMESTAMP,
		dispatch_year        INTEGER,
		dispatch_month       INTEGER,
		dispatch_day         INTEGER,
		dispatch_hour        INTEGER,
		dispatch_day_of_week INTEGER,
		is_weekend           BOOLEAN NOT NULL DEFAULT FALSE,
		shift                TEXT,
		year_month           TEXT,
		event_duration_mins  BIGINT CHECK (event_duration_mins >= 0),
		event_type_group     TEXT,
		event_description    TEXT,
		event_category       TEXT NOT NULL DEFAULT 'Unknown',
		event_type_key       INTEGER REFERENCES dim_event_types (event_type_key),
		neighbourhood_id     BIGINT REFERENCES dim_neighbourhoods (neighbourhood_id),
		neighbourhood_name   TEXT,
		approximate_location TEXT,
		latitude             DOUBLE PRECISION,
		longitude            DOUBLE PRECISION,
		coords_out_of_range  BOOLEAN NOT NULL DEFAULT FALSE,
		geometry_point       TEXT,
		equipment_assigned   TEXT,
		equipment_count      INTEGER NOT NULL DEFAULT 0,
		response_code        TEXT,
		response_code_key    INTEGER REFERENCES dim_response_codes (response_code_key),
		loaded_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_fire_incidents_dispatch_datetime
		ON fire_incidents (dispatch_datetime)`,
	`CREATE INDEX IF NOT EXISTS idx_fire_incidents_event_type
		ON fire_incidents (event_type_key)`,
	`CREATE INDEX IF NOT EXISTS idx_fire_incidents_neighbourhood
		ON fire_incidents (neighbourhood_id)`,
	`CREATE INDEX IF NOT EXISTS idx_fire_incidents_year_month
		ON fire_incidents (year_month)`,

	`CREATE MATERIALIZED VIEW IF NOT EXISTS mv_daily_incident_summary AS
		SELECT dispatch_datetime::date           AS incident_date,
		       event_category,
		       COUNT(*)                          AS incident_count,
		       AVG(event_duration_mins)          AS avg_duration_mins,
		       SUM(equipment_count)              AS equipment_dispatched
		FROM fire_incidents
		WHERE dispatch_datetime IS NOT NULL
		GROUP BY dispatch_datetime::date, event_category`,

	`CREATE MATERIALIZED VIEW IF NOT EXISTS mv_neighbourhood_stats AS
		SELECT n.neighbourhood_id,
		       n.neighbourhood_name,
		       COUNT(fi.event_number)            AS incident_count,
		       AVG(fi.event_duration_mins)       AS avg_duration_mins,
		       MAX(fi.dispatch_datetime)         AS last_incident_at
		FROM dim_neighbourhoods n
		LEFT JOIN fire_incidents fi USING (neighbourhood_id)
		GROUP BY n.neighbourhood_id, n.neighbourhood_name`,

	`CREATE MATERIALIZED VIEW IF NOT EXISTS mv_response_time_percentiles AS
		SELECT et.event_type_code,
		       COUNT(*)                                                           AS incident_count,
		       percentile_cont(0.5)  WITHIN GROUP (ORDER BY fi.event_duration_mins) AS p50_duration_mins,
		       percentile_cont(0.9)  WITHIN GROUP (ORDER BY fi.event_duration_mins) AS p90_duration_mins,
		       percentile_cont(0.95) WITHIN GROUP (ORDER BY fi.event_duration_mins) AS p95_duration_mins
		FROM fire_incidents fi
		JOIN dim_event_types et USING (event_type_key)
		WHERE fi.event_duration_mins IS NOT NULL
		GROUP BY et.event_type_code`,

	`CREATE MATERIALIZED VIEW IF NOT EXISTS mv_hourly_incident_patterns AS
		SELECT dispatch_hour,
		       dispatch_day_of_week,
		       shift,
		       COUNT(*) AS incident_count
		FROM fire_incidents
		WHERE dispatch_hour IS NOT NULL
		GROUP BY dispatch_hour, dispatch_day_of_week, shift`,
}

// materializedViews are refreshed exactly once after all batches load.
var materializedViews = []string{
	"mv_daily_incident_summary",
	"mv_neighbourhood_stats",
	"mv_response_time_percentiles",
	"mv_hourly_incident_patterns",
}

// factTables in dependency order, used by load verification and truncate.
var factTables = []string{
	"fire_incidents",
	"dim_event_types",
	"dim_response_codes",
	"dim_neighbourhoods",
}
