package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  port: 9090
elasticsearch:
  urls: ["http://es-1:9200", "http://es-2:9200"]
  index: "events-*"
sync:
  page_size: 500
  keep_alive: 5m
alerting:
  batch_size: 200
  attribute_suricata: true
  kafka:
    enabled: true
    brokers: ["kafka:9092"]
scheduler:
  sync_interval: 10m
correlation:
  on_sync: false
  batch_size: 50
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if len(cfg.Elasticsearch.URLs) != 2 || cfg.Elasticsearch.Index != "events-*" {
		t.Errorf("elasticsearch = %+v", cfg.Elasticsearch)
	}
	if cfg.Sync.PageSize != 500 || cfg.Sync.KeepAlive != 5*time.Minute {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	// untouched fields keep their defaults
	if cfg.Sync.PageTimeout != 30*time.Second {
		t.Errorf("page timeout = %v", cfg.Sync.PageTimeout)
	}
	if cfg.Alerting.BatchSize != 200 || !cfg.Alerting.AttributeSuricata || !cfg.Alerting.Kafka.Enabled {
		t.Errorf("alerting = %+v", cfg.Alerting)
	}
	if cfg.Scheduler.SyncInterval != 10*time.Minute || cfg.Scheduler.AlertInterval != time.Minute {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Correlation.OnSync || cfg.Correlation.BatchSize != 50 {
		t.Errorf("correlation = %+v", cfg.Correlation)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"page size", "sync:\n  page_size: 0\n"},
		{"driver", "database:\n  driver: postgres\n"},
		{"no es urls", "elasticsearch:\n  urls: []\n"},
		{"kafka without brokers", "alerting:\n  kafka:\n    enabled: true\n    brokers: []\n"},
		{"lock without redis", "scheduler:\n  distributed_lock: true\n"},
		{"sampling", "telemetry:\n  sampling_rate: 2\n"},
		{"syntax", "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"THREATPULSE_SERVER_PORT":        "7000",
		"THREATPULSE_ELASTICSEARCH_URLS": "http://a:9200, http://b:9200,",
		"THREATPULSE_REDIS_ENABLED":      "true",
		"THREATPULSE_KAFKA_BROKERS":      "k1:9092,k2:9092",
		"THREATPULSE_LOG_LEVEL":          "debug",
		"DB_DSN":                         "user:pw@tcp(db:3306)/threatpulse",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	cfg.Database.DSNEnv = "DB_DSN"
	if err := cfg.applyEnv(lookup); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}

	if cfg.Server.Port != 7000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if len(cfg.Elasticsearch.URLs) != 2 || cfg.Elasticsearch.URLs[1] != "http://b:9200" {
		t.Errorf("urls = %v", cfg.Elasticsearch.URLs)
	}
	if !cfg.Redis.Enabled || len(cfg.Alerting.Kafka.Brokers) != 2 || cfg.Telemetry.LogLevel != "debug" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Database.DSN != "user:pw@tcp(db:3306)/threatpulse" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}

	env["THREATPULSE_SERVER_PORT"] = "eighty"
	if err := DefaultConfig().applyEnv(lookup); err == nil {
		t.Error("expected error for bad port")
	}
}
