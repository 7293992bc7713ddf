package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zorgdata/omopetl/internal/platform/envutil"
)

func defaultConfig() *Config {
	return &Config{
		Env:    "development",
		Engine: "bigquery",
		BigQuery: BigQueryConfig{
			Location:    "EU",
			DatasetWork: "work",
			DatasetOMOP: "omop",
		},
		Postgres: PostgresConfig{
			SchemaWork: "work",
			SchemaOMOP: "omop",
		},
		Run: RunConfig{
			MaxParallelTables:        9,
			MaxWorkerThreadsPerTable: 16,
			RetryMaxAttempts:         3,
			RetryMaxElapsed:          10 * time.Second,
		},
	}
}

// Load reads the YAML config file (path argument, else OMOPETL_CONFIG,
// else ./omopetl.yml if present) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = envutil.String("OMOPETL_CONFIG", "")
	}
	if path == "" {
		if _, err := os.Stat("omopetl.yml"); err == nil {
			path = "omopetl.yml"
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Env = envutil.String("LOG_MODE", cfg.Env)
	cfg.Engine = strings.ToLower(envutil.String("OMOPETL_ENGINE", cfg.Engine))
	cfg.CDMFolder = envutil.String("OMOPETL_CDM_FOLDER", cfg.CDMFolder)
	cfg.Postgres.DSN = envutil.String("OMOPETL_POSTGRES_DSN", cfg.Postgres.DSN)
	cfg.BigQuery.ProjectID = envutil.String("OMOPETL_BQ_PROJECT", cfg.BigQuery.ProjectID)
	cfg.BigQuery.CredentialsFile = envutil.String("GOOGLE_APPLICATION_CREDENTIALS", cfg.BigQuery.CredentialsFile)
	cfg.Run.MaxParallelTables = envutil.Int("OMOPETL_MAX_PARALLEL_TABLES", cfg.Run.MaxParallelTables)
	cfg.Run.MaxWorkerThreadsPerTable = envutil.Int("OMOPETL_MAX_WORKER_THREADS", cfg.Run.MaxWorkerThreadsPerTable)
	cfg.Run.FailFast = envutil.Bool("OMOPETL_FAIL_FAST", cfg.Run.FailFast)
	cfg.Run.RetryMaxElapsed = envutil.Duration("OMOPETL_RETRY_MAX_ELAPSED", cfg.Run.RetryMaxElapsed)

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Engine {
	case "bigquery":
		if c.BigQuery.ProjectID == "" {
			return fmt.Errorf("config: bigquery.project_id is required")
		}
		if c.BigQuery.Bucket == "" {
			return fmt.Errorf("config: bigquery.bucket is required")
		}
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required")
		}
	default:
		return fmt.Errorf("config: unknown engine %q (want bigquery or postgres)", c.Engine)
	}
	if c.Run.MaxParallelTables < 1 {
		c.Run.MaxParallelTables = 1
	}
	if c.Run.MaxWorkerThreadsPerTable < 1 {
		c.Run.MaxWorkerThreadsPerTable = 1
	}
	if c.Run.RetryMaxAttempts < 1 {
		c.Run.RetryMaxAttempts = 1
	}
	return nil
}
