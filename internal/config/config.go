// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Levels    LevelsConfig    `mapstructure:"levels"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Captcha   CaptchaConfig   `mapstructure:"captcha"`
	AI        AIConfig        `mapstructure:"ai"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	PageMeta  PageMetaConfig  `mapstructure:"pagemeta"`
	Telegraph TelegraphConfig `mapstructure:"telegraph"`
	Language  string          `mapstructure:"language"`
	TestMode  bool            `mapstructure:"test_mode"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Auth modes.
const (
	AuthNone   = "none"
	AuthAPIKey = "api_key"
	AuthJWT    = "jwt"
)

// AuthConfig selects how API callers authenticate.
type AuthConfig struct {
	Mode      string `mapstructure:"mode"`
	APIKey    string `mapstructure:"api_key"`
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// LevelConfig configures one cascade level.
type LevelConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Required int  `mapstructure:"required"`
	FanOut   int  `mapstructure:"fan_out"`
}

// CrowdConfig configures crowd placements.
type CrowdConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Target  int  `mapstructure:"target"`
}

// LevelsConfig groups the cascade levels.
type LevelsConfig struct {
	Level1 LevelConfig `mapstructure:"level1"`
	Level2 LevelConfig `mapstructure:"level2"`
	Level3 LevelConfig `mapstructure:"level3"`
	Crowd  CrowdConfig `mapstructure:"crowd"`
}

// WorkersConfig sizes the adapter worker pool.
type WorkersConfig struct {
	PoolSize    int           `mapstructure:"pool_size"`
	QueueDepth  int           `mapstructure:"queue_depth"`
	NodeTimeout time.Duration `mapstructure:"node_timeout"`
	AuthorName  string        `mapstructure:"author_name"`
	AuthorEmail string        `mapstructure:"author_email"`
}

// CaptchaProvider is one configured solving service.
type CaptchaProvider struct {
	Name    string `mapstructure:"name"`
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// CaptchaConfig configures the provider chain. Chain is an env-friendly
// "name:key,name:key" form appended after Providers.
type CaptchaConfig struct {
	Providers    []CaptchaProvider `mapstructure:"providers"`
	Chain        string            `mapstructure:"chain"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	Deadline     time.Duration     `mapstructure:"deadline"`
}

// AIConfig selects the text generation backend.
type AIConfig struct {
	Provider string        `mapstructure:"provider"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RegistryConfig points at the adapter catalog. Empty uses the built-in catalog.
type RegistryConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
}

// StorageConfig selects where report artifacts are written.
type StorageConfig struct {
	Backend    string       `mapstructure:"backend"`
	ReportPath string       `mapstructure:"report_path"`
	Local      LocalStorage `mapstructure:"local"`
	GCS        BucketConfig `mapstructure:"gcs"`
	S3         S3Config     `mapstructure:"s3"`
	MinIO      MinIOConfig  `mapstructure:"minio"`
}

// LocalStorage configures the filesystem backend.
type LocalStorage struct {
	BaseDir string `mapstructure:"base_dir"`
}

// BucketConfig names a bucket and key prefix.
type BucketConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// MinIOConfig configures the MinIO backend.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DatabaseConfig controls run persistence. An empty DSN keeps runs in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// NotifyConfig selects the broker that receives run lifecycle notifications.
type NotifyConfig struct {
	Backend string       `mapstructure:"backend"`
	Topic   string       `mapstructure:"topic"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
	Kafka   KafkaConfig  `mapstructure:"kafka"`
}

// PubSubConfig holds Google Pub/Sub settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ProgressConfig tunes the progress event hub.
type ProgressConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	MaxBatch      int           `mapstructure:"max_batch"`
	MaxBatchWait  time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
	LogEnabled    bool          `mapstructure:"log_enabled"`
	NotifyEnabled bool          `mapstructure:"notify_enabled"`
}

// HeadlessConfig configures the Chrome pool used by browser adapters.
type HeadlessConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// AdapterRate overrides the dispatch rate of one adapter.
type AdapterRate struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// RateLimitConfig throttles dispatches per adapter.
type RateLimitConfig struct {
	Enabled      bool                   `mapstructure:"enabled"`
	DefaultRPS   float64                `mapstructure:"default_rps"`
	DefaultBurst int                    `mapstructure:"default_burst"`
	PerAdapter   map[string]AdapterRate `mapstructure:"per_adapter"`
}

// PageMetaConfig controls the target page metadata fetch.
type PageMetaConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxTopics     int           `mapstructure:"max_topics"`
}

// TelegraphConfig configures the Telegraph API adapter.
type TelegraphConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	AccessToken string `mapstructure:"access_token"`
	AuthorName  string `mapstructure:"author_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LINKCASCADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := promotion.DefaultOrchestratorConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.mode", AuthNone)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	for _, lvl := range promotion.CascadeLevels {
		key := fmt.Sprintf("levels.level%d", lvl)
		settings := def.Level(lvl)
		v.SetDefault(key+".enabled", settings.Enabled)
		v.SetDefault(key+".required", settings.Required)
		v.SetDefault(key+".fan_out", max(settings.FanOut, 1))
	}
	v.SetDefault("levels.crowd.enabled", def.Crowd.Enabled)
	v.SetDefault("levels.crowd.target", def.Crowd.Target)

	v.SetDefault("workers.pool_size", def.PoolSize)
	v.SetDefault("workers.queue_depth", 256)
	v.SetDefault("workers.node_timeout", def.NodeTimeout.String())

	v.SetDefault("captcha.chain", "")
	v.SetDefault("captcha.poll_interval", def.Captcha.PollInterval.String())
	v.SetDefault("captcha.deadline", def.Captcha.Deadline.String())

	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.timeout", "2m")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.report_path", def.ReportPath)
	v.SetDefault("storage.local.base_dir", "data/reports")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate", true)

	v.SetDefault("notify.backend", "memory")
	v.SetDefault("notify.topic", def.NotifyTopic)
	v.SetDefault("notify.kafka.max_attempts", 3)
	v.SetDefault("notify.kafka.write_timeout", "10s")

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch", 256)
	v.SetDefault("progress.max_batch_wait", "250ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.notify_enabled", true)

	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.headless", true)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 0.5)
	v.SetDefault("ratelimit.default_burst", 1)

	v.SetDefault("pagemeta.enabled", true)
	v.SetDefault("pagemeta.user_agent", "linkcascade/1.0")
	v.SetDefault("pagemeta.respect_robots", true)
	v.SetDefault("pagemeta.timeout", "15s")
	v.SetDefault("pagemeta.max_topics", 8)

	v.SetDefault("language", def.Language)
	v.SetDefault("test_mode", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Auth.Mode {
	case "", AuthNone:
	case AuthAPIKey:
		if c.Auth.APIKey == "" {
			return fmt.Errorf("auth.api_key must be set when auth.mode is %s", AuthAPIKey)
		}
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must be set when auth.mode is %s", AuthJWT)
		}
	default:
		return fmt.Errorf("auth.mode %q is not supported", c.Auth.Mode)
	}
	if !c.Levels.Level1.Enabled {
		return fmt.Errorf("levels.level1.enabled must be true")
	}
	for name, lvl := range map[string]LevelConfig{
		"level1": c.Levels.Level1,
		"level2": c.Levels.Level2,
		"level3": c.Levels.Level3,
	} {
		if lvl.Enabled && lvl.Required <= 0 {
			return fmt.Errorf("levels.%s.required must be > 0", name)
		}
	}
	if c.Levels.Crowd.Enabled && c.Levels.Crowd.Target <= 0 {
		return fmt.Errorf("levels.crowd.target must be > 0 when crowd is enabled")
	}
	if c.Workers.PoolSize <= 0 {
		return fmt.Errorf("workers.pool_size must be > 0")
	}
	if c.Workers.NodeTimeout <= 0 {
		return fmt.Errorf("workers.node_timeout must be > 0")
	}
	if _, err := c.CaptchaChain(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "", "memory", "local":
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket must be set for the s3 backend")
		}
	case "minio":
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			return fmt.Errorf("storage.minio.endpoint and bucket must be set for the minio backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	switch c.Notify.Backend {
	case "", "none", "memory":
	case "pubsub":
		if c.Notify.PubSub.ProjectID == "" {
			return fmt.Errorf("notify.pubsub.project_id must be set for the pubsub backend")
		}
	case "kafka":
		if len(c.Notify.Kafka.Brokers) == 0 {
			return fmt.Errorf("notify.kafka.brokers must be set for the kafka backend")
		}
	default:
		return fmt.Errorf("notify.backend %q is not supported", c.Notify.Backend)
	}
	return nil
}

// CaptchaChain returns the ordered provider chain. Providers come first, then
// entries parsed from Chain.
func (c Config) CaptchaChain() ([]promotion.ProviderCredentials, error) {
	chain := make([]promotion.ProviderCredentials, 0, len(c.Captcha.Providers))
	for _, p := range c.Captcha.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("captcha.providers entries need a name")
		}
		chain = append(chain, promotion.ProviderCredentials{Name: p.Name, APIKey: p.APIKey})
	}
	for _, entry := range strings.Split(c.Captcha.Chain, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, key, ok := strings.Cut(entry, ":")
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("captcha.chain entry %q must look like name:key", entry)
		}
		chain = append(chain, promotion.ProviderCredentials{Name: name, APIKey: key})
	}
	return chain, nil
}

// CaptchaBaseURLs returns provider base URL overrides keyed by lowercase name.
func (c Config) CaptchaBaseURLs() map[string]string {
	out := map[string]string{}
	for _, p := range c.Captcha.Providers {
		if p.BaseURL != "" {
			out[strings.ToLower(p.Name)] = p.BaseURL
		}
	}
	return out
}

// Orchestrator builds the explicit configuration handed to the coordinator and workers.
func (c Config) Orchestrator() promotion.OrchestratorConfig {
	chain, _ := c.CaptchaChain()
	level := func(l LevelConfig) promotion.LevelSettings {
		return promotion.LevelSettings{Enabled: l.Enabled, Required: l.Required, FanOut: max(l.FanOut, 1)}
	}
	return promotion.OrchestratorConfig{
		Levels: map[promotion.Level]promotion.LevelSettings{
			promotion.Level1: level(c.Levels.Level1),
			promotion.Level2: level(c.Levels.Level2),
			promotion.Level3: level(c.Levels.Level3),
		},
		Crowd:       promotion.CrowdSettings{Enabled: c.Levels.Crowd.Enabled, Target: c.Levels.Crowd.Target},
		PoolSize:    c.Workers.PoolSize,
		NodeTimeout: c.Workers.NodeTimeout,
		AI: promotion.AISettings{
			Provider: c.AI.Provider,
			APIKey:   c.AI.APIKey,
			Model:    c.AI.Model,
		},
		Captcha: promotion.CaptchaSettings{
			Chain:        chain,
			PollInterval: c.Captcha.PollInterval,
			Deadline:     c.Captcha.Deadline,
		},
		Language:    c.Language,
		ReportPath:  c.Storage.ReportPath,
		NotifyTopic: c.Notify.Topic,
		TestMode:    c.TestMode,
	}
}
