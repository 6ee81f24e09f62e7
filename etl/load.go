package etl

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// BatchRef identifies a batch's source row range, carried on LoadError
// so failed batches can be retried or inspected.
type BatchRef struct {
	Seq      int
	FirstRow int
	LastRow  int
}

// Loader persists dimension and fact rows. The pipeline depends on this
// interface; PostgresLoader is the production implementation.
type Loader interface {
	// Seed preloads the dimension cache from existing dimension rows.
	Seed(ctx context.Context, cache *DimCache) error
	// LoadBatch persists one batch atomically: dimensions first, then
	// facts upserted on event_number. A failure rolls the whole batch
	// back and returns a *LoadError.
	LoadBatch(ctx context.Context, ref BatchRef, dims DimBatch, facts []IncidentFact) error
	// Finalize runs post-load maintenance (ANALYZE, view refresh)
	// exactly once after all batches.
	Finalize(ctx context.Context) error
}

const upsertFactSQL = `
INSERT INTO fire_incidents (
	event_number, dispatch_datetime, event_close_datetime,
	dispatch_year, dispatch_month, dispatch_day, dispatch_hour,
	dispatch_day_of_week, is_weekend, shift, year_month,
	event_duration_mins, event_type_group, event_description,
	event_category, event_type_key, neighbourhood_id, neighbourhood_name,
	approximate_location, latitude, longitude, coords_out_of_range,
	geometry_point, equipment_assigned, equipment_count,
	response_code, response_code_key
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
	$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
)
ON CONFLICT (event_number) DO UPDATE SET
	dispatch_datetime    = EXCLUDED.dispatch_datetime,
	event_close_datetime = EXCLUDED.event_close_datetime,
	dispatch_year        = EXCLUDED.dispatch_year,
	dispatch_month       = EXCLUDED.dispatch_month,
	dispatch_day         = EXCLUDED.dispatch_day,
	dispatch_hour        = EXCLUDED.dispatch_hour,
	dispatch_day_of_week = EXCLUDED.dispatch_day_of_week,
	is_weekend           = EXCLUDED.is_weekend,
	shift                = EXCLUDED.shift,
	year_month           = EXCLUDED.year_month,
	event_duration_mins  = EXCLUDED.event_duration_mins,
	event_type_group     = EXCLUDED.event_type_group,
	event_description    = EXCLUDED.event_description,
	event_category       = EXCLUDED.event_category,
	event_type_key       = EXCLUDED.event_type_key,
	neighbourhood_id     = EXCLUDED.neighbourhood_id,
	neighbourhood_name   = EXCLUDED.neighbourhood_name,
	approximate_location = EXCLUDED.approximate_location,
	latitude             = EXCLUDED.latitude,
	longitude            = EXCLUDED.longitude,
	coords_out_of_range  = EXCLUDED.coords_out_of_range,
	geometry_point       = EXCLUDED.geometry_point,
	equipment_assigned   = EXCLUDED.equipment_assigned,
	equipment_count      = EXCLUDED.equipment_count,
	response_code        = EXCLUDED.response_code,
	response_code_key    = EXCLUDED.response_code_key,
	loaded_at            = now()`

// PostgresLoader writes the star schema through a pgx connection pool.
type PostgresLoader struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLoader returns a loader over an established pool.
func NewPostgresLoader(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresLoader{pool: pool, logger: logger}
}

// EnsureSchema applies the star-schema DDL. Idempotent.
func (l *PostgresLoader) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaDDL {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema DDL failed: %w", err)
		}
	}
	l.logger.Info("Schema ensured",
		zap.Strings("tables", factTables),
		zap.Strings("views", materializedViews))
	return nil
}

// Seed preloads the dimension cache from existing rows so surrogate
// keys stay stable across re-runs.
func (l *PostgresLoader) Seed(ctx context.Context, cache *DimCache) error {
	rows, err := l.pool.Query(ctx, `SELECT event_type_key, event_type_code FROM dim_event_types`)
	if err != nil {
		return fmt.Errorf("seed dim_event_types: %w", err)
	}
	for rows.Next() {
		var key int32
		var code string
		if err := rows.Scan(&key, &code); err != nil {
			rows.Close()
			return fmt.Errorf("seed dim_event_types: %w", err)
		}
		cache.SeedEventType(code, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("seed dim_event_types: %w", err)
	}

	rows, err = l.pool.Query(ctx, `SELECT response_code_key, response_code FROM dim_response_codes`)
	if err != nil {
		return fmt.Errorf("seed dim_response_codes: %w", err)
	}
	for rows.Next() {
		var key int32
		var code string
		if err := rows.Scan(&key, &code); err != nil {
			rows.Close()
			return fmt.Errorf("seed dim_response_codes: %w", err)
		}
		cache.SeedResponseCode(code, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("seed dim_response_codes: %w", err)
	}

	l.logger.Info("Dimension caches seeded",
		zap.Int("event_types", len(cache.EventTypes)),
		zap.Int("response_codes", len(cache.ResponseCodes)))
	return nil
}

// LoadBatch writes one batch in a single transaction: dimension rows
// first (insert-if-absent), then the facts as an upsert keyed on
// event_number. Any failure rolls back the whole batch; no partial
// fact visibility.
func (l *PostgresLoader) LoadBatch(ctx context.Context, ref BatchRef, dims DimBatch, facts []IncidentFact) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return &LoadError{BatchSeq: ref.Seq, FirstRow: ref.FirstRow, LastRow: ref.LastRow,
			Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback(ctx)

	if err := l.insertDims(ctx, tx, dims); err != nil {
		return &LoadError{BatchSeq: ref.Seq, FirstRow: ref.FirstRow, LastRow: ref.LastRow, Err: err}
	}
	if err := l.upsertFacts(ctx, tx, facts); err != nil {
		return &LoadError{BatchSeq: ref.Seq, FirstRow: ref.FirstRow, LastRow: ref.LastRow, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &LoadError{BatchSeq: ref.Seq, FirstRow: ref.FirstRow, LastRow: ref.LastRow,
			Err: fmt.Errorf("commit: %w", err)}
	}

	l.logger.Debug("Batch committed",
		zap.Int("batch", ref.Seq),
		zap.Int("facts", len(facts)),
		zap.Int("new_event_types", len(dims.EventTypes)),
		zap.Int("new_response_codes", len(dims.ResponseCodes)),
		zap.Int("new_neighbourhoods", len(dims.Neighbourhoods)))
	return nil
}

func (l *PostgresLoader) insertDims(ctx context.Context, tx pgx.Tx, dims DimBatch) error {
	for _, et := range dims.EventTypes {
		_, err := tx.Exec(ctx,
			`INSERT INTO dim_event_types (event_type_key, event_type_code, event_description)
			 VALUES ($1, $2, $3) ON CONFLICT (event_type_code) DO NOTHING`,
			et.Key, et.Code, et.Description)
		if err != nil {
			return fmt.Errorf("insert dim_event_types %q: %w", et.Code, describePgErr(err))
		}
	}
	for _, rc := range dims.ResponseCodes {
		_, err := tx.Exec(ctx,
			`INSERT INTO dim_response_codes (response_code_key, response_code)
			 VALUES ($1, $2) ON CONFLICT (response_code) DO NOTHING`,
			rc.Key, rc.Code)
		if err != nil {
			return fmt.Errorf("insert dim_response_codes %q: %w", rc.Code, describePgErr(err))
		}
	}
	for _, n := range dims.Neighbourhoods {
		_, err := tx.Exec(ctx,
			`INSERT INTO dim_neighbourhoods (neighbourhood_id, neighbourhood_name)
			 VALUES ($1, $2) ON CONFLICT (neighbourhood_id) DO NOTHING`,
			n.ID, n.Name)
		if err != nil {
			return fmt.Errorf("insert dim_neighbourhoods %d: %w", n.ID, describePgErr(err))
		}
	}
	return nil
}

func (l *PostgresLoader) upsertFacts(ctx context.Context, tx pgx.Tx, facts []IncidentFact) error {
	if len(facts) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, f := range facts {
		b.Queue(upsertFactSQL,
			f.EventNumber, f.DispatchAt, f.ClosedAt,
			f.DispatchYear, f.DispatchMonth, f.DispatchDay, f.DispatchHour,
			f.DispatchDayOfWeek, f.IsWeekend, f.Shift, f.YearMonth,
			f.DurationMins, f.EventTypeGroup, f.EventDescription,
			f.EventCategory, f.EventTypeKey, f.NeighbourhoodID, f.NeighbourhoodName,
			f.ApproximateLocation, f.Latitude, f.Longitude, f.CoordsOutOfRange,
			f.GeometryPoint, f.EquipmentAssigned, f.EquipmentCount,
			f.ResponseCode, f.ResponseCodeKey)
	}

	br := tx.SendBatch(ctx, b)
	defer br.Close()
	for i := range facts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert fact %q: %w", facts[i].EventNumber, describePgErr(err))
		}
	}
	return br.Close()
}

// Finalize runs index/view maintenance once, after the bulk insert is
// complete, so the views never churn per batch.
func (l *PostgresLoader) Finalize(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, "ANALYZE fire_incidents"); err != nil {
		return fmt.Errorf("analyze fire_incidents: %w", err)
	}
	for _, view := range materializedViews {
		if _, err := l.pool.Exec(ctx, "REFRESH MATERIALIZED VIEW "+view); err != nil {
			return fmt.Errorf("refresh %s: %w", view, err)
		}
		l.logger.Debug("Refreshed materialized view", zap.String("view", view))
	}
	l.logger.Info("Post-load maintenance complete", zap.Int("views", len(materializedViews)))
	return nil
}

// VerifyLoad logs row counts per table after the run.
func (l *PostgresLoader) VerifyLoad(ctx context.Context) error {
	for _, table := range factTables {
		var count int64
		if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			return fmt.Errorf("count %s: %w", table, err)
		}
		l.logger.Info("Table row count", zap.String("table", table), zap.Int64("rows", count))
	}
	return nil
}

// TruncateAll empties every pipeline table. Destructive; only reachable
// behind the --truncate flag.
func (l *PostgresLoader) TruncateAll(ctx context.Context) error {
	for _, table := range factTables {
		if _, err := l.pool.Exec(ctx, "TRUNCATE TABLE "+table+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	l.logger.Warn("All pipeline tables truncated", zap.Strings("tables", factTables))
	return nil
}

// describePgErr attaches the SQLSTATE to server-side errors so
// constraint violations are identifiable in the batch failure report.
func describePgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s (SQLSTATE %s, constraint %q)", pgErr.Message, pgErr.Code, pgErr.ConstraintName)
	}
	return err
}
