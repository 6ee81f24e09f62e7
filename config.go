package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yegdata/fire-incidents-etl/etl"
)

// Config represents the full run configuration.
type Config struct {
	Service struct {
		Name       string `yaml:"name"`
		HealthPort int    `yaml:"health_port"` // 0 disables the health/metrics server
	} `yaml:"service"`

	Source struct {
		CSVPath   string `yaml:"csv_path"`
		Delimiter string `yaml:"delimiter"`
		ChunkSize int    `yaml:"chunk_size"`
		TestRows  int    `yaml:"test_rows"` // row cap applied in test mode
	} `yaml:"source"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Database string `yaml:"database"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"postgres"`

	Validation struct {
		MaxNullPct         float64         `yaml:"max_null_pct"`
		MinRows            int             `yaml:"min_rows"`
		MaxDurationMins    int64           `yaml:"max_duration_mins"`
		DateRangeStart     string          `yaml:"date_range_start"`
		DateRangeEnd       string          `yaml:"date_range_end"`
		BoundingBox        etl.BoundingBox `yaml:"bounding_box"`
		IQRMultiplier      float64         `yaml:"iqr_multiplier"`
		MaxSamplesPerRule  int             `yaml:"max_samples_per_rule"`
		BusinessRulesFatal bool            `yaml:"business_rules_fatal"`
	} `yaml:"validation"`

	Load struct {
		SkipSchemaCreation bool `yaml:"skip_schema_creation"`
		LoadErrorsFatal    bool `yaml:"load_errors_fatal"`
	} `yaml:"load"`

	RunTimeoutMinutes int    `yaml:"run_timeout_minutes"` // 0 = no timeout
	ReportsDir        string `yaml:"reports_dir"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // json or console
	} `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file and applies defaults
// and environment overrides for the database credentials.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if cfg.Service.Name == "" {
		cfg.Service.Name = "fire-incidents-etl"
	}
	if cfg.Source.ChunkSize == 0 {
		cfg.Source.ChunkSize = etl.DefaultChunkSize
	}
	if cfg.Source.TestRows == 0 {
		cfg.Source.TestRows = 1000
	}
	if cfg.Postgres.Host == "" {
		cfg.Postgres.Host = "localhost"
	}
	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.Database == "" {
		cfg.Postgres.Database = "fire_incidents_db"
	}
	if cfg.Postgres.User == "" {
		cfg.Postgres.User = "postgres"
	}
	if cfg.Postgres.SSLMode == "" {
		cfg.Postgres.SSLMode = "disable"
	}
	if cfg.ReportsDir == "" {
		cfg.ReportsDir = "reports"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	// Credentials come from the environment when present (.env is
	// loaded by main before this runs).
	cfg.Postgres.Host = envOr("POSTGRES_HOST", cfg.Postgres.Host)
	cfg.Postgres.Database = envOr("POSTGRES_DB", cfg.Postgres.Database)
	cfg.Postgres.User = envOr("POSTGRES_USER", cfg.Postgres.User)
	cfg.Postgres.Password = envOr("POSTGRES_PASSWORD", cfg.Postgres.Password)

	if cfg.Source.CSVPath == "" {
		return nil, fmt.Errorf("source.csv_path is required")
	}

	return &cfg, nil
}

// GetPostgresDSN returns the PostgreSQL connection string.
func (c *Config) GetPostgresDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Postgres.Host, c.Postgres.Port, c.Postgres.Database,
		c.Postgres.User, c.Postgres.Password, c.Postgres.SSLMode)
}

// Thresholds materializes the validation section into the immutable
// structure the checks consume.
func (c *Config) Thresholds() (etl.Thresholds, error) {
	th := etl.DefaultThresholds()

	if c.Validation.MaxNullPct > 0 {
		th.MaxNullPct = c.Validation.MaxNullPct
	}
	if c.Validation.MinRows > 0 {
		th.MinRows = c.Validation.MinRows
	}
	if c.Validation.MaxDurationMins > 0 {
		th.MaxDurationMins = c.Validation.MaxDurationMins
	}
	if c.Validation.IQRMultiplier > 0 {
		th.IQRMultiplier = c.Validation.IQRMultiplier
	}
	if c.Validation.MaxSamplesPerRule > 0 {
		th.MaxSamplesPerRule = c.Validation.MaxSamplesPerRule
	}
	if (c.Validation.BoundingBox != etl.BoundingBox{}) {
		th.BBox = c.Validation.BoundingBox
	}

	if c.Validation.DateRangeStart != "" {
		start, err := time.Parse("2006-01-02", c.Validation.DateRangeStart)
		if err != nil {
			return th, fmt.Errorf("validation.date_range_start: %w", err)
		}
		th.DateRangeStart = start
	}
	if c.Validation.DateRangeEnd != "" {
		end, err := time.Parse("2006-01-02", c.Validation.DateRangeEnd)
		if err != nil {
			return th, fmt.Errorf("validation.date_range_end: %w", err)
		}
		th.DateRangeEnd = end.Add(24*time.Hour - time.Second)
	}

	return th, nil
}

// Delimiter returns the configured field delimiter, defaulting to comma.
func (c *Config) Delimiter() rune {
	if c.Source.Delimiter == "" {
		return ','
	}
	return []rune(c.Source.Delimiter)[0]
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
