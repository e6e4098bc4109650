// internal/common/config/config.go
package config

import "fmt"

// Runtime values recognised in AppConfig.Runtime.
const (
	RuntimeServer     = "server"
	RuntimeServerless = "serverless"
)

// Config is the main application configuration struct.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	GenAI     GenAIConfig     `mapstructure:"genai"`
	Render    RenderConfig    `mapstructure:"render"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Events    EventsConfig    `mapstructure:"events"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Runtime     string `mapstructure:"runtime"` // server | serverless, resolved by the loader
}

// IsServerless reports whether the process runs on a bounded-execution host.
func (a AppConfig) IsServerless() bool {
	return a.Runtime == RuntimeServerless
}

type ServerConfig struct {
	Address         string `mapstructure:"address"`
	ReadTimeout     int    `mapstructure:"read_timeout"`     // milliseconds
	WriteTimeout    int    `mapstructure:"write_timeout"`    // milliseconds, 0 keeps streams open
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Configured reports whether an external Redis target was supplied.
func (r RedisConfig) Configured() bool {
	return r.Address != ""
}

// --- Pipeline Sections ---

// CacheConfig selects and tunes the content cache backend.
type CacheConfig struct {
	Backend    string `mapstructure:"backend"` // auto | memory | redis
	TTL        int    `mapstructure:"ttl"`     // milliseconds
	KeyPrefix  string `mapstructure:"key_prefix"`
	MaxEntries int    `mapstructure:"max_entries"` // memory backend only, 0 = unbounded
}

// RateLimitConfig holds the tier-derived ceilings supplied by the billing collaborator.
type RateLimitConfig struct {
	Backend         string                `mapstructure:"backend"` // auto | memory | redis
	KeyPrefix       string                `mapstructure:"key_prefix"`
	Scopes          map[string]ScopeLimit `mapstructure:"scopes"`
	TierMultipliers map[string]int        `mapstructure:"tier_multipliers"`
	MonthlyQuota    map[string]int        `mapstructure:"monthly_quota"`    // documents per tier, -1 = unlimited
	MaxPromptRunes  map[string]int        `mapstructure:"max_prompt_runes"` // per tier
}

// ScopeLimit is the free-tier ceiling of one scope.
type ScopeLimit struct {
	Window int `mapstructure:"window"` // milliseconds
	Max    int `mapstructure:"max"`
}

// GenAIConfig configures the AI completion service.
type GenAIConfig struct {
	APIKeys         []string `mapstructure:"api_keys"`
	Model           string   `mapstructure:"model"`
	Timeout         int      `mapstructure:"timeout"` // milliseconds
	MaxRetries      int      `mapstructure:"max_retries"`
	Temperature     float64  `mapstructure:"temperature"`
	MaxOutputTokens int      `mapstructure:"max_output_tokens"`
	KeyCooldown     int      `mapstructure:"key_cooldown"` // milliseconds
	BypassAIForRTL  bool     `mapstructure:"bypass_ai_for_rtl"`
	RTLBypassRatio  float64  `mapstructure:"rtl_bypass_ratio"`
}

// RenderConfig configures the render engine pool.
type RenderConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	PoolSize            int     `mapstructure:"pool_size"`
	MaxRendersPerWorker int     `mapstructure:"max_renders_per_worker"`
	MaxAge              int     `mapstructure:"max_age"`         // milliseconds
	IdleTimeout         int     `mapstructure:"idle_timeout"`    // milliseconds
	AcquireTimeout      int     `mapstructure:"acquire_timeout"` // milliseconds
	RenderTimeout       int     `mapstructure:"render_timeout"`  // milliseconds
	BrowserBin          string  `mapstructure:"browser_bin"`
	NoSandbox           bool    `mapstructure:"no_sandbox"`
	PageFormat          string  `mapstructure:"page_format"`
	MarginMM            float64 `mapstructure:"margin_mm"`
}

// PipelineConfig bounds job execution.
type PipelineConfig struct {
	JobTimeout           int    `mapstructure:"job_timeout"` // milliseconds
	Workers              int    `mapstructure:"workers"`
	QueueBackend         string `mapstructure:"queue_backend"` // auto | memory | redis
	QueueSize            int    `mapstructure:"queue_size"`
	MaxJobsPerInvocation int    `mapstructure:"max_jobs_per_invocation"`
	MaxInvocationTime    int    `mapstructure:"max_invocation_time"` // milliseconds
	MaxImageBytes        int    `mapstructure:"max_image_bytes"`
}

// StorageConfig selects where rendered documents are kept.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // filesystem | s3
	BaseDir string `mapstructure:"base_dir"`
	S3      struct {
		Bucket       string `mapstructure:"bucket"`
		Prefix       string `mapstructure:"prefix"`
		Region       string `mapstructure:"region"`
		Endpoint     string `mapstructure:"endpoint"`
		UsePathStyle bool   `mapstructure:"use_path_style"`
	} `mapstructure:"s3"`
}

// NotifierConfig tunes job status fan-out.
type NotifierConfig struct {
	Buffer            int `mapstructure:"buffer"`
	HeartbeatInterval int `mapstructure:"heartbeat_interval"` // milliseconds
}

// EventsConfig configures outbound terminal job events.
type EventsConfig struct {
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		Region   string `mapstructure:"region"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
