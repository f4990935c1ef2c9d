package promotion

import "time"

// LevelSettings configures one cascade level.
type LevelSettings struct {
	Enabled  bool
	Required int
	// FanOut bounds the children created per successful parent (levels 2 and 3).
	FanOut int
}

// CrowdSettings configures crowd placements.
type CrowdSettings struct {
	Enabled bool
	Target  int
}

// ProviderCredentials is one entry of the captcha provider chain.
type ProviderCredentials struct {
	Name   string
	APIKey string
}

// CaptchaSettings configures the captcha provider chain.
type CaptchaSettings struct {
	Chain        []ProviderCredentials
	PollInterval time.Duration
	Deadline     time.Duration
}

// AISettings selects the text generation backend.
type AISettings struct {
	Provider string
	APIKey   string
	Model    string
}

// OrchestratorConfig is built once at process start and passed to every collaborator.
type OrchestratorConfig struct {
	Levels      map[Level]LevelSettings
	Crowd       CrowdSettings
	PoolSize    int
	NodeTimeout time.Duration
	AI          AISettings
	Captcha     CaptchaSettings
	Language    string
	ReportPath  string
	NotifyTopic string
	TestMode    bool
}

// Level returns the settings for l, or a disabled zero value.
func (c OrchestratorConfig) Level(l Level) LevelSettings {
	if c.Levels == nil {
		return LevelSettings{}
	}
	return c.Levels[l]
}

// LevelsEnabled captures the enable flags for a new run.
func (c OrchestratorConfig) LevelsEnabled() LevelsEnabled {
	return LevelsEnabled{
		Level1: c.Level(Level1).Enabled,
		Level2: c.Level(Level2).Enabled,
		Level3: c.Level(Level3).Enabled,
		Crowd:  c.Crowd.Enabled,
	}
}

// DefaultOrchestratorConfig mirrors the configuration defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Levels: map[Level]LevelSettings{
			Level1: {Enabled: true, Required: 3},
			Level2: {Enabled: true, Required: 3, FanOut: 1},
			Level3: {Enabled: false, Required: 3, FanOut: 1},
		},
		Crowd:       CrowdSettings{Enabled: true, Target: 5},
		PoolSize:    4,
		NodeTimeout: 5 * time.Minute,
		Captcha: CaptchaSettings{
			PollInterval: 5 * time.Second,
			Deadline:     3 * time.Minute,
		},
		Language:    "en",
		ReportPath:  "reports",
		NotifyTopic: "promotion-runs",
	}
}
