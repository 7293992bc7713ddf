package config

import "time"

// Config is the full run configuration of the ETL engine. It is loaded
// once at startup and read-only afterwards.
type Config struct {
	Env string `yaml:"env"`

	// Engine selects the warehouse backend: "bigquery" or "postgres".
	Engine string `yaml:"engine"`

	// CDMFolder is the root of the on-disk ETL project: one folder per
	// destination table holding the extraction queries and the mapping CSVs.
	CDMFolder string `yaml:"cdm_folder"`

	BigQuery BigQueryConfig `yaml:"bigquery"`
	Postgres PostgresConfig `yaml:"postgres"`
	Run      RunConfig      `yaml:"run"`
}

type BigQueryConfig struct {
	ProjectID       string `yaml:"project_id"`
	Location        string `yaml:"location"`
	DatasetWork     string `yaml:"dataset_work"`
	DatasetOMOP     string `yaml:"dataset_omop"`
	Bucket          string `yaml:"bucket"`
	CredentialsFile string `yaml:"credentials_file"`
}

type PostgresConfig struct {
	DSN        string `yaml:"dsn"`
	SchemaWork string `yaml:"schema_work"`
	SchemaOMOP string `yaml:"schema_omop"`
}

type RunConfig struct {
	MaxParallelTables        int  `yaml:"max_parallel_tables"`
	MaxWorkerThreadsPerTable int  `yaml:"max_worker_threads_per_table"`
	FailFast                 bool `yaml:"fail_fast"`

	// ProcessSemiApprovedMappings also trusts mappings reviewed to
	// SEMI-APPROVED, next to APPROVED.
	ProcessSemiApprovedMappings bool `yaml:"process_semi_approved_mappings"`

	// Retry window for transient remote failures.
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryMaxElapsed  time.Duration `yaml:"retry_max_elapsed"`
}
