package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "memory" || cfg.Notify.Backend != "memory" {
		t.Fatalf("expected memory backends, got %q/%q", cfg.Storage.Backend, cfg.Notify.Backend)
	}

	orch := cfg.Orchestrator()
	want := promotion.DefaultOrchestratorConfig()
	if got := orch.Level(promotion.Level1); !got.Enabled || got.Required != want.Level(promotion.Level1).Required {
		t.Fatalf("level1 = %+v", got)
	}
	if got := orch.Level(promotion.Level2); got != want.Level(promotion.Level2) {
		t.Fatalf("level2 = %+v, want %+v", got, want.Level(promotion.Level2))
	}
	if orch.Level(promotion.Level3).Enabled {
		t.Fatalf("expected level3 disabled by default")
	}
	if orch.Crowd != want.Crowd {
		t.Fatalf("crowd = %+v, want %+v", orch.Crowd, want.Crowd)
	}
	if orch.PoolSize != want.PoolSize || orch.NodeTimeout != want.NodeTimeout {
		t.Fatalf("unexpected worker settings: %d %v", orch.PoolSize, orch.NodeTimeout)
	}
	if orch.Captcha.Deadline != 3*time.Minute || orch.Captcha.PollInterval != 5*time.Second {
		t.Fatalf("unexpected captcha timings: %+v", orch.Captcha)
	}
	if orch.Language != "en" || orch.ReportPath != "reports" || orch.NotifyTopic != "promotion-runs" {
		t.Fatalf("unexpected defaults: %+v", orch)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  mode: api_key
  api_key: secret
levels:
  level1:
    required: 5
  level2:
    enabled: false
  level3:
    enabled: true
    required: 2
    fan_out: 3
  crowd:
    enabled: false
workers:
  pool_size: 6
  node_timeout: 90s
captcha:
  providers:
    - name: 2captcha
      api_key: two
    - name: capsolver
      api_key: cap
      base_url: http://solver.local
  poll_interval: 2s
storage:
  backend: s3
  s3:
    bucket: reports-bucket
    region: eu-west-1
notify:
  backend: kafka
  kafka:
    brokers: ["k1:9092", "k2:9092"]
ratelimit:
  per_adapter:
    telegraph:
      rps: 2
      burst: 4
language: de
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Auth.Mode != AuthAPIKey || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected server and auth overrides: %+v %+v", cfg.Server, cfg.Auth)
	}
	if cfg.Storage.S3.Bucket != "reports-bucket" || cfg.Storage.S3.Region != "eu-west-1" {
		t.Fatalf("expected s3 overrides: %+v", cfg.Storage.S3)
	}
	if len(cfg.Notify.Kafka.Brokers) != 2 {
		t.Fatalf("expected two brokers, got %v", cfg.Notify.Kafka.Brokers)
	}
	if rate := cfg.RateLimit.PerAdapter["telegraph"]; rate.RPS != 2 || rate.Burst != 4 {
		t.Fatalf("expected telegraph rate override, got %+v", rate)
	}

	orch := cfg.Orchestrator()
	if got := orch.Level(promotion.Level1); !got.Enabled || got.Required != 5 {
		t.Fatalf("level1 = %+v", got)
	}
	if orch.Level(promotion.Level2).Enabled {
		t.Fatalf("expected level2 disabled")
	}
	if got := orch.Level(promotion.Level3); !got.Enabled || got.Required != 2 || got.FanOut != 3 {
		t.Fatalf("level3 = %+v", got)
	}
	if orch.Crowd.Enabled {
		t.Fatalf("expected crowd disabled")
	}
	if orch.PoolSize != 6 || orch.NodeTimeout != 90*time.Second {
		t.Fatalf("unexpected workers: %d %v", orch.PoolSize, orch.NodeTimeout)
	}
	if len(orch.Captcha.Chain) != 2 || orch.Captcha.Chain[0].Name != "2captcha" || orch.Captcha.Chain[1].APIKey != "cap" {
		t.Fatalf("unexpected chain: %+v", orch.Captcha.Chain)
	}
	if orch.Captcha.PollInterval != 2*time.Second {
		t.Fatalf("expected poll interval override, got %v", orch.Captcha.PollInterval)
	}
	if got := cfg.CaptchaBaseURLs(); got["capsolver"] != "http://solver.local" || len(got) != 1 {
		t.Fatalf("unexpected base urls: %v", got)
	}
	if orch.Language != "de" {
		t.Fatalf("expected language de, got %q", orch.Language)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("LINKCASCADE_WORKERS_POOL_SIZE", "11")
	t.Setenv("LINKCASCADE_CAPTCHA_CHAIN", "anticaptcha:abc, rucaptcha:def")
	t.Setenv("LINKCASCADE_TEST_MODE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	orch := cfg.Orchestrator()
	if orch.PoolSize != 11 {
		t.Fatalf("expected pool size 11, got %d", orch.PoolSize)
	}
	if !orch.TestMode {
		t.Fatalf("expected test mode from env")
	}
	want := []promotion.ProviderCredentials{{Name: "anticaptcha", APIKey: "abc"}, {Name: "rucaptcha", APIKey: "def"}}
	if len(orch.Captcha.Chain) != len(want) || orch.Captcha.Chain[0] != want[0] || orch.Captcha.Chain[1] != want[1] {
		t.Fatalf("chain = %+v, want %+v", orch.Captcha.Chain, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Levels: LevelsConfig{
			Level1: LevelConfig{Enabled: true, Required: 3},
		},
		Workers: WorkersConfig{PoolSize: 1, NodeTimeout: time.Minute},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{name: "invalid port", mut: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "api key missing", mut: func(c *Config) { c.Auth.Mode = AuthAPIKey }, want: "auth.api_key"},
		{name: "jwt secret missing", mut: func(c *Config) { c.Auth.Mode = AuthJWT }, want: "auth.jwt_secret"},
		{name: "unknown auth mode", mut: func(c *Config) { c.Auth.Mode = "oidc" }, want: "auth.mode"},
		{name: "level1 disabled", mut: func(c *Config) { c.Levels.Level1.Enabled = false }, want: "levels.level1.enabled"},
		{
			name: "level2 required",
			mut:  func(c *Config) { c.Levels.Level2 = LevelConfig{Enabled: true} },
			want: "levels.level2.required",
		},
		{
			name: "crowd target",
			mut:  func(c *Config) { c.Levels.Crowd = CrowdConfig{Enabled: true} },
			want: "levels.crowd.target",
		},
		{name: "pool size", mut: func(c *Config) { c.Workers.PoolSize = 0 }, want: "workers.pool_size"},
		{name: "node timeout", mut: func(c *Config) { c.Workers.NodeTimeout = 0 }, want: "workers.node_timeout"},
		{name: "bad chain", mut: func(c *Config) { c.Captcha.Chain = "2captcha" }, want: "captcha.chain"},
		{name: "gcs bucket", mut: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.gcs.bucket"},
		{name: "minio endpoint", mut: func(c *Config) { c.Storage.Backend = "minio" }, want: "storage.minio"},
		{name: "unknown storage", mut: func(c *Config) { c.Storage.Backend = "ftp" }, want: "storage.backend"},
		{name: "pubsub project", mut: func(c *Config) { c.Notify.Backend = "pubsub" }, want: "notify.pubsub.project_id"},
		{name: "kafka brokers", mut: func(c *Config) { c.Notify.Backend = "kafka" }, want: "notify.kafka.brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mut(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
