// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// serverlessSignals are environment variables set by bounded-execution hosts.
var serverlessSignals = []string{
	"AWS_LAMBDA_FUNCTION_NAME",
	"VERCEL",
	"K_SERVICE",
	"NETLIFY",
	"FUNCTIONS_WORKER_RUNTIME",
}

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()

	// Base config
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	// Enable ENV override like GENAI_MODEL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment specific overlay, optional
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig()

	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = env
	}

	return finalize(&cfg)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return finalize(&cfg)
}

// Default returns a configuration built only from defaults and the environment.
// Used by tools that run without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	overrideEmptyConfig(cfg)
	cfg.App.Runtime = detectRuntime(cfg.App.Runtime)
	return cfg
}

func finalize(cfg *Config) (*Config, error) {
	applyDefaults(cfg)
	overrideEmptyConfig(cfg)
	cfg.App.Runtime = detectRuntime(cfg.App.Runtime)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadEnvFile loads .env from the first location that has one.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			// Unset variables expand to "" so placeholders never leak into addresses.
			if expanded != strVal {
				v.Set(key, expanded)
			}
		}
	}
}

// detectRuntime resolves the execution context once at startup.
// An explicit value (config or APP_RUNTIME) always wins over host signals.
func detectRuntime(configured string) string {
	if val := os.Getenv("APP_RUNTIME"); val != "" {
		configured = val
	}
	switch strings.ToLower(configured) {
	case RuntimeServer:
		return RuntimeServer
	case RuntimeServerless:
		return RuntimeServerless
	}
	for _, name := range serverlessSignals {
		if os.Getenv(name) != "" {
			return RuntimeServerless
		}
	}
	return RuntimeServer
}

// Direct override if config values are still empty after expansion
func overrideEmptyConfig(cfg *Config) {
	if len(cfg.GenAI.APIKeys) == 0 {
		if val := os.Getenv("GENAI_API_KEYS"); val != "" {
			cfg.GenAI.APIKeys = splitKeys(val)
		} else if val := os.Getenv("GENAI_API_KEY"); val != "" {
			cfg.GenAI.APIKeys = []string{val}
		}
	}
	cfg.GenAI.APIKeys = splitKeys(strings.Join(cfg.GenAI.APIKeys, ","))

	if val := os.Getenv("MARKUP_BYPASS_AI_FOR_RTL"); val == "true" || val == "1" {
		cfg.GenAI.BypassAIForRTL = true
	}

	if cfg.Database.Redis.Address == "" {
		if val := os.Getenv("REDIS_ADDRESS"); val != "" {
			cfg.Database.Redis.Address = val
		}
	}
	if cfg.Database.Redis.Password == "" {
		if val := os.Getenv("REDIS_PASSWORD"); val != "" {
			cfg.Database.Redis.Password = val
		}
	}

	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}

	if cfg.Render.BrowserBin == "" {
		if val := os.Getenv("RENDER_BROWSER_BIN"); val != "" {
			cfg.Render.BrowserBin = val
		}
	}
	if os.Getenv("ROD_NO_SANDBOX") == "1" {
		cfg.Render.NoSandbox = true
	}

	if cfg.Storage.S3.Bucket == "" {
		if val := os.Getenv("STORAGE_S3_BUCKET"); val != "" {
			cfg.Storage.S3.Bucket = val
		}
	}
}

func splitKeys(raw string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		key := strings.TrimSpace(part)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	return keys
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "docgen"
	}

	// Server defaults
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30000
	}

	// Database defaults
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Redis.PoolSize == 0 {
		cfg.Database.Redis.PoolSize = 10
	}

	// Cache defaults
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "auto"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 24 * 60 * 60 * 1000
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "docgen:markup:"
	}

	applyRateLimitDefaults(&cfg.RateLimit)

	// GenAI defaults
	if cfg.GenAI.Model == "" {
		cfg.GenAI.Model = "gemini-2.0-flash"
	}
	if cfg.GenAI.Timeout == 0 {
		cfg.GenAI.Timeout = 45000
	}
	if cfg.GenAI.MaxRetries == 0 {
		cfg.GenAI.MaxRetries = 2
	}
	if cfg.GenAI.Temperature == 0 {
		cfg.GenAI.Temperature = 0.4
	}
	if cfg.GenAI.MaxOutputTokens == 0 {
		cfg.GenAI.MaxOutputTokens = 8192
	}
	if cfg.GenAI.KeyCooldown == 0 {
		cfg.GenAI.KeyCooldown = 60000
	}
	if cfg.GenAI.RTLBypassRatio == 0 {
		cfg.GenAI.RTLBypassRatio = 0.3
	}

	// Render defaults
	if cfg.Render.PoolSize == 0 {
		cfg.Render.PoolSize = 2
	}
	if cfg.Render.MaxRendersPerWorker == 0 {
		cfg.Render.MaxRendersPerWorker = 50
	}
	if cfg.Render.MaxAge == 0 {
		cfg.Render.MaxAge = 10 * 60 * 1000
	}
	if cfg.Render.IdleTimeout == 0 {
		cfg.Render.IdleTimeout = 2 * 60 * 1000
	}
	if cfg.Render.AcquireTimeout == 0 {
		cfg.Render.AcquireTimeout = 30000
	}
	if cfg.Render.RenderTimeout == 0 {
		cfg.Render.RenderTimeout = 30000
	}
	if cfg.Render.PageFormat == "" {
		cfg.Render.PageFormat = "A4"
	}
	if cfg.Render.MarginMM == 0 {
		cfg.Render.MarginMM = 15
	}

	// Pipeline defaults
	if cfg.Pipeline.JobTimeout == 0 {
		cfg.Pipeline.JobTimeout = 120000
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.QueueBackend == "" {
		cfg.Pipeline.QueueBackend = "auto"
	}
	if cfg.Pipeline.QueueSize == 0 {
		cfg.Pipeline.QueueSize = 256
	}
	if cfg.Pipeline.MaxJobsPerInvocation == 0 {
		cfg.Pipeline.MaxJobsPerInvocation = 5
	}
	if cfg.Pipeline.MaxInvocationTime == 0 {
		cfg.Pipeline.MaxInvocationTime = 50000
	}
	if cfg.Pipeline.MaxImageBytes == 0 {
		cfg.Pipeline.MaxImageBytes = 5 << 20
	}

	// Storage defaults
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "filesystem"
	}
	if cfg.Storage.BaseDir == "" {
		cfg.Storage.BaseDir = "./data/results"
	}

	// Notifier defaults
	if cfg.Notifier.Buffer == 0 {
		cfg.Notifier.Buffer = 16
	}
	if cfg.Notifier.HeartbeatInterval == 0 {
		cfg.Notifier.HeartbeatInterval = 15000
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func applyRateLimitDefaults(rl *RateLimitConfig) {
	if rl.Backend == "" {
		rl.Backend = "auto"
	}
	if rl.KeyPrefix == "" {
		rl.KeyPrefix = "docgen:rl:"
	}

	defaultScopes := map[string]ScopeLimit{
		"generation": {Window: 60 * 60 * 1000, Max: 10},
		"api":        {Window: 60 * 1000, Max: 60},
		"upload":     {Window: 60 * 60 * 1000, Max: 20},
		"job":        {Window: 60 * 60 * 1000, Max: 15},
	}
	if rl.Scopes == nil {
		rl.Scopes = make(map[string]ScopeLimit)
	}
	for scope, limit := range defaultScopes {
		if _, ok := rl.Scopes[scope]; !ok {
			rl.Scopes[scope] = limit
		}
	}

	defaultMultipliers := map[string]int{
		"free":         1,
		"starter":      2,
		"professional": 5,
		"business":     10,
		"enterprise":   25,
	}
	if rl.TierMultipliers == nil {
		rl.TierMultipliers = make(map[string]int)
	}
	for tier, m := range defaultMultipliers {
		if _, ok := rl.TierMultipliers[tier]; !ok {
			rl.TierMultipliers[tier] = m
		}
	}

	defaultQuota := map[string]int{
		"free":         5,
		"starter":      50,
		"professional": 250,
		"business":     1000,
		"enterprise":   -1,
	}
	if rl.MonthlyQuota == nil {
		rl.MonthlyQuota = make(map[string]int)
	}
	for tier, q := range defaultQuota {
		if _, ok := rl.MonthlyQuota[tier]; !ok {
			rl.MonthlyQuota[tier] = q
		}
	}

	defaultPromptRunes := map[string]int{
		"free":         2000,
		"starter":      4000,
		"professional": 8000,
		"business":     16000,
		"enterprise":   32000,
	}
	if rl.MaxPromptRunes == nil {
		rl.MaxPromptRunes = make(map[string]int)
	}
	for tier, n := range defaultPromptRunes {
		if _, ok := rl.MaxPromptRunes[tier]; !ok {
			rl.MaxPromptRunes[tier] = n
		}
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	switch cfg.Cache.Backend {
	case "auto", "memory":
	case "redis":
		if !cfg.Database.Redis.Configured() {
			return fmt.Errorf("cache.backend=redis requires database.redis.address")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", cfg.Cache.Backend)
	}

	switch cfg.RateLimit.Backend {
	case "auto", "memory":
	case "redis":
		if !cfg.Database.Redis.Configured() {
			return fmt.Errorf("rate_limit.backend=redis requires database.redis.address")
		}
	default:
		return fmt.Errorf("rate_limit.backend %q is not supported", cfg.RateLimit.Backend)
	}

	switch cfg.Pipeline.QueueBackend {
	case "auto", "memory":
	case "redis":
		if !cfg.Database.Redis.Configured() {
			return fmt.Errorf("pipeline.queue_backend=redis requires database.redis.address")
		}
	default:
		return fmt.Errorf("pipeline.queue_backend %q is not supported", cfg.Pipeline.QueueBackend)
	}

	if cfg.Database.Postgres.Enabled {
		if cfg.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if cfg.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
		if cfg.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}
	}

	switch cfg.Storage.Backend {
	case "filesystem":
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", cfg.Storage.Backend)
	}

	if cfg.Events.SNS.Enabled && cfg.Events.SNS.TopicARN == "" {
		return fmt.Errorf("events.sns.topic_arn is required")
	}

	if cfg.Render.PoolSize < 0 {
		return fmt.Errorf("render.pool_size must not be negative")
	}
	if cfg.GenAI.RTLBypassRatio < 0 || cfg.GenAI.RTLBypassRatio > 1 {
		return fmt.Errorf("genai.rtl_bypass_ratio must be between 0 and 1")
	}

	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}

// UseRedis resolves an auto|memory|redis backend choice against the Redis target.
func UseRedis(backend string, redis RedisConfig) bool {
	switch backend {
	case "redis":
		return true
	case "memory":
		return false
	default:
		return redis.Configured()
	}
}
