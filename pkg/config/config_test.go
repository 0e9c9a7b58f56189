package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DataFile != "data/documents.db" || cfg.Storage.IndexPath != "data/index" {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if !cfg.Storage.ReconcileOnStart || cfg.Storage.StrictLoad {
		t.Errorf("unexpected storage flags: %+v", cfg.Storage)
	}
	if cfg.Search.MaxResults != 10 {
		t.Errorf("MaxResults = %d, want 10", cfg.Search.MaxResults)
	}
	if cfg.Server.MaxBodyBytes != 16384 {
		t.Errorf("MaxBodyBytes = %d, want 16384", cfg.Server.MaxBodyBytes)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  port: 9000
  read_timeout: 5s
storage:
  data_file: /var/lib/docsearch/docs.db
  index_path: /var/lib/docsearch/index
redis:
  enabled: true
  addr: cache:6379
kafka:
  topics:
    index_complete: done
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9000 || cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("unset field lost its default: %v", cfg.Server.WriteTimeout)
	}
	if cfg.Storage.DataFile != "/var/lib/docsearch/docs.db" {
		t.Errorf("DataFile = %q", cfg.Storage.DataFile)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "cache:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Kafka.Topics.IndexComplete != "done" || cfg.Kafka.Topics.DocumentIngest != "document-ingest" {
		t.Errorf("topics = %+v", cfg.Kafka.Topics)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APP_STORAGE_DATA_FILE", "/tmp/x.db")
	t.Setenv("APP_SERVER_PORT", "7070")
	t.Setenv("APP_STORAGE_STRICT_LOAD", "true")
	t.Setenv("APP_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("APP_REDIS_CACHE_TTL", "2m")
	t.Setenv("APP_SEARCH_MAX_RESULTS", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.DataFile != "/tmp/x.db" {
		t.Errorf("DataFile = %q", cfg.Storage.DataFile)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if !cfg.Storage.StrictLoad {
		t.Error("StrictLoad not applied")
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("Brokers = %v", cfg.Kafka.Brokers)
	}
	if cfg.Redis.CacheTTL != 2*time.Minute {
		t.Errorf("CacheTTL = %v", cfg.Redis.CacheTTL)
	}
	if cfg.Search.MaxResults != 10 {
		t.Errorf("bad env value should be ignored, got %d", cfg.Search.MaxResults)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := defaultConfig()
	cfg.Storage.DataFile = " "
	cfg.Storage.IndexPath = ""
	cfg.Search.MaxResults = 0
	cfg.Server.Port = 70000

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"data_file", "index_path", "max_results", "server.port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	if _, err := Load(writeFile(t, "storage: [not a map")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := Load(writeFile(t, "storage:\n  index_path: \"\"\n")); err == nil {
		t.Error("expected validation error for empty index_path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected read error for missing file")
	}
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(*cfg, *defaultConfig()) {
		t.Errorf("configs/default.yaml drifted from defaultConfig():\n got  %+v\n want %+v", *cfg, *defaultConfig())
	}
}
