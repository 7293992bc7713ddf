package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "omopetl.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
engine: postgres
cdm_folder: ./etl
postgres:
  dsn: postgres://etl@localhost/omop
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Run.MaxParallelTables != 9 || cfg.Run.MaxWorkerThreadsPerTable != 16 {
		t.Fatalf("parallelism defaults = %+v", cfg.Run)
	}
	if cfg.Run.RetryMaxAttempts != 3 || cfg.Run.RetryMaxElapsed != 10*time.Second {
		t.Fatalf("retry defaults = %+v", cfg.Run)
	}
	if cfg.Postgres.SchemaWork != "work" || cfg.Postgres.SchemaOMOP != "omop" {
		t.Fatalf("schema defaults = %+v", cfg.Postgres)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
engine: postgres
postgres:
  dsn: postgres://etl@localhost/omop
`)
	t.Setenv("OMOPETL_MAX_PARALLEL_TABLES", "3")
	t.Setenv("OMOPETL_FAIL_FAST", "true")
	t.Setenv("OMOPETL_RETRY_MAX_ELAPSED", "90s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Run.MaxParallelTables != 3 {
		t.Fatalf("max parallel tables = %d", cfg.Run.MaxParallelTables)
	}
	if !cfg.Run.FailFast {
		t.Fatalf("fail fast override lost")
	}
	if cfg.Run.RetryMaxElapsed != 90*time.Second {
		t.Fatalf("retry elapsed = %v", cfg.Run.RetryMaxElapsed)
	}
}

func TestLoadValidatesEngineSettings(t *testing.T) {
	if _, err := Load(writeConfig(t, "engine: bigquery\n")); err == nil ||
		!strings.Contains(err.Error(), "project_id") {
		t.Fatalf("bigquery without project should fail, got %v", err)
	}
	if _, err := Load(writeConfig(t, "engine: postgres\n")); err == nil ||
		!strings.Contains(err.Error(), "dsn") {
		t.Fatalf("postgres without dsn should fail, got %v", err)
	}
	if _, err := Load(writeConfig(t, "engine: oracle\n")); err == nil ||
		!strings.Contains(err.Error(), "unknown engine") {
		t.Fatalf("unknown engine should fail, got %v", err)
	}
}
