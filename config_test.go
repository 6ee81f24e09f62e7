package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "source:\n  csv_path: incidents.csv\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Service.Name != "fire-incidents-etl" {
		t.Errorf("service name = %q", cfg.Service.Name)
	}
	if cfg.Source.ChunkSize != 10000 {
		t.Errorf("chunk size = %d, want 10000", cfg.Source.ChunkSize)
	}
	if cfg.Postgres.Host != "localhost" || cfg.Postgres.Port != 5432 {
		t.Errorf("postgres defaults = %s:%d", cfg.Postgres.Host, cfg.Postgres.Port)
	}
	if cfg.Postgres.SSLMode != "disable" {
		t.Errorf("sslmode = %q", cfg.Postgres.SSLMode)
	}
	if cfg.Delimiter() != ',' {
		t.Errorf("delimiter = %q, want comma", cfg.Delimiter())
	}
}

func TestLoadConfigRequiresSourcePath(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "service:\n  name: x\n")); err == nil {
		t.Fatal("expected an error without source.csv_path")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PASSWORD", "hunter2")

	cfg, err := LoadConfig(writeConfig(t, `
source:
  csv_path: incidents.csv
postgres:
  host: localhost
  database: fire_incidents_db
`))
	if err != nil {
		t.Fatal(err)
	}

	dsn := cfg.GetPostgresDSN()
	want := "host=db.internal port=5432 dbname=fire_incidents_db user=postgres password=hunter2 sslmode=disable"
	if dsn != want {
		t.Errorf("DSN = %q\nwant %q", dsn, want)
	}
}

func TestConfigThresholds(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
source:
  csv_path: incidents.csv
validation:
  max_null_pct: 15
  min_rows: 500
  date_range_start: "2021-01-01"
  date_range_end: "2025-12-31"
`))
	if err != nil {
		t.Fatal(err)
	}

	th, err := cfg.Thresholds()
	if err != nil {
		t.Fatalf("Thresholds: %v", err)
	}
	if th.MaxNullPct != 15 || th.MinRows != 500 {
		t.Errorf("thresholds = %+v", th)
	}
	if th.IQRMultiplier != 1.5 {
		t.Errorf("IQRMultiplier = %v, want the 1.5 default", th.IQRMultiplier)
	}
	wantEnd := time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC)
	if !th.DateRangeEnd.Equal(wantEnd) {
		t.Errorf("DateRangeEnd = %v, want %v (inclusive end of day)", th.DateRangeEnd, wantEnd)
	}
}

func TestConfigThresholdsBadDate(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
source:
  csv_path: incidents.csv
validation:
  date_range_start: "01/01/2021"
`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.Thresholds(); err == nil {
		t.Fatal("expected an error for a malformed date")
	}
}
