package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string                   `toml:"environment"` // "development" or "production"
	Server      ServerConfig             `toml:"server"`
	Storage     StorageConfig            `toml:"storage"`
	Logging     LoggingConfig            `toml:"logging"`
	Browser     BrowserConfig            `toml:"browser"`
	Automation  AutomationConfig         `toml:"automation"`
	Accounts    map[string]AccountConfig `toml:"accounts"` // keyed by platform
	Blocking    BlockingConfig           `toml:"blocking"`
	AWS         AWSConfig                `toml:"aws"`
	Tokens      TokensConfig             `toml:"tokens"`
	Redis       RedisConfig              `toml:"redis"`
	API         APIConfig                `toml:"api"`
	Callback    CallbackConfig           `toml:"callback"`
	Locators    LocatorsConfig           `toml:"locators"`
	Metrics     MetricsConfig            `toml:"metrics"`
	WebSocket   WebSocketConfig          `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// BrowserConfig controls how browser sessions are launched
type BrowserConfig struct {
	Headless        bool     `toml:"headless"`
	RemoteURL       string   `toml:"remote_url"`        // DevTools websocket URL; empty launches a local browser
	UserAgents      []string `toml:"user_agents"`       // Pool of user agents; one is picked per session
	WindowWidth     int      `toml:"window_width"`
	WindowHeight    int      `toml:"window_height"`
	Language        string   `toml:"language"`          // Accept-Language / --lang value
	Proxy           string   `toml:"proxy"`             // host:port or scheme://host:port
	ProfileRoot     string   `toml:"profile_root"`      // Parent dir for per-session profiles (default: OS temp)
	StartupTimeout  string   `toml:"startup_timeout"`   // e.g. "30s"
	ProbeTimeout    string   `toml:"probe_timeout"`     // Liveness probe timeout
	MaxSessionAge   string   `toml:"max_session_age"`   // Sessions older than this are reported stale
	NavigationDelay string   `toml:"navigation_delay"`  // Minimum delay between navigations to one domain
	RandomDelay     string   `toml:"random_delay"`      // Jitter added to navigation delay
	RecoverDelay    string   `toml:"recover_delay"`     // Pause between discarding and recreating a session
}

// AutomationConfig controls the registration state machine
type AutomationConfig struct {
	Platforms       []string         `toml:"platforms"`        // Enabled platforms (default: all built-in)
	RetryAttempts   int              `toml:"retry_attempts"`   // Element interaction attempts
	RetryDelay      string           `toml:"retry_delay"`      // Fixed delay between attempts
	ElementTimeout  string           `toml:"element_timeout"`  // Wait for a single element
	LoginTimeout    string           `toml:"login_timeout"`    // Wait for logged-in indicator
	VerifyTimeout   string           `toml:"verify_timeout"`   // Wait for listing-detail signal
	ManualWait      string           `toml:"manual_wait"`      // CAPTCHA/SMS intervention window
	PollInterval    string           `toml:"poll_interval"`    // Predicate polling interval
	SettleDelay     string           `toml:"settle_delay"`     // Pause after navigation before cookie snapshot
	PreferAPI       bool             `toml:"prefer_api"`       // Use direct API when a valid bundle exists
	CaptureTokens   bool             `toml:"capture_tokens"`   // Capture a token bundle after UI login
	HistoryLimit    int              `toml:"history_limit"`    // Default number of results returned by history queries
	Screenshots     ScreenshotConfig `toml:"screenshots"`
}

type ScreenshotConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// AccountConfig holds default login details for a platform
type AccountConfig struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
	Phone    string `toml:"phone"`
}

// BlockingConfig controls the blocking detector and IP rotation
type BlockingConfig struct {
	Enabled   bool `toml:"enabled"`   // Trigger rotation at threshold (false only logs)
	Threshold int  `toml:"threshold"` // Consecutive blocking signals before rotation
}

// AWSConfig holds the marker bucket used by the external compute-lifecycle function
type AWSConfig struct {
	Region         string `toml:"region"`
	InstanceID     string `toml:"instance_id"`
	Bucket         string `toml:"bucket"`
	Endpoint       string `toml:"endpoint"` // Custom S3 endpoint (MinIO/localstack)
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UsePathStyle   bool   `toml:"use_path_style"`
	RebootPrefix   string `toml:"reboot_prefix"`
	CompletePrefix string `toml:"complete_prefix"`
}

// TokensConfig controls token bundle persistence
type TokensConfig struct {
	Backend       string             `toml:"backend"`        // "badger", "redis" or "remote"
	Lifetime      string             `toml:"lifetime"`       // Bundle lifetime from capture (default: 8h)
	SweepSchedule string             `toml:"sweep_schedule"` // Cron schedule for evicting expired bundles
	Remote        RemoteTokensConfig `toml:"remote"`
}

// RemoteTokensConfig points at an external token-management service
type RemoteTokensConfig struct {
	BaseURL string `toml:"base_url"`
	Timeout string `toml:"timeout"`
}

type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	PoolSize  int    `toml:"pool_size"`
	KeyPrefix string `toml:"key_prefix"`
}

// APIConfig controls direct private-API registration
type APIConfig struct {
	Timeout   string  `toml:"timeout"`    // Bounded request timeout
	RateLimit float64 `toml:"rate_limit"` // Requests per second across all platforms
	UserAgent string  `toml:"user_agent"`
}

// CallbackConfig posts successful registrations back to an inventory backend
type CallbackConfig struct {
	URL     string `toml:"url"`
	Secret  string `toml:"secret"`
	Timeout string `toml:"timeout"`
}

// LocatorsConfig points at locator override files (*.toml, *.yaml)
type LocatorsConfig struct {
	Dir string `toml:"dir"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// WebSocketConfig contains configuration for WebSocket event streaming
type WebSocketConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"` // Empty allows any origin
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8085,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Browser: BrowserConfig{
			Headless: true,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
			WindowWidth:     1920,
			WindowHeight:    1080,
			Language:        "ko-KR",
			StartupTimeout:  "30s",
			ProbeTimeout:    "5s",
			MaxSessionAge:   "30m",
			NavigationDelay: "1s",
			RandomDelay:     "500ms",
			RecoverDelay:    "2s",
		},
		Automation: AutomationConfig{
			RetryAttempts:  3,
			RetryDelay:     "2s",
			ElementTimeout: "10s",
			LoginTimeout:   "30s",
			VerifyTimeout:  "30s",
			ManualWait:     "30s",
			PollInterval:   "500ms",
			SettleDelay:    "2s",
			PreferAPI:      true,
			CaptureTokens:  true,
			HistoryLimit:   50,
			Screenshots: ScreenshotConfig{
				Enabled: true,
				Dir:     "./screenshots",
			},
		},
		Accounts: map[string]AccountConfig{},
		Blocking: BlockingConfig{
			Enabled:   false,
			Threshold: 5,
		},
		AWS: AWSConfig{
			Region:         "ap-northeast-2",
			RebootPrefix:   "reboot/",
			CompletePrefix: "complete/",
		},
		Tokens: TokensConfig{
			Backend:       "badger",
			Lifetime:      "8h",
			SweepSchedule: "@every 10m",
			Remote: RemoteTokensConfig{
				Timeout: "10s",
			},
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			PoolSize:  10,
			KeyPrefix: "marketpost:token:",
		},
		API: APIConfig{
			Timeout:   "10s",
			RateLimit: 1,
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
		},
		Callback: CallbackConfig{
			Timeout: "5s",
		},
		Locators: LocatorsConfig{
			Dir: "./locators",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env -> CLI
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("MARKETPOST_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("MARKETPOST_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("MARKETPOST_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("MARKETPOST_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("MARKETPOST_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("MARKETPOST_LOG_OUTPUT"); output != "" {
		if outputs := splitList(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Browser configuration
	if headless := os.Getenv("MARKETPOST_BROWSER_HEADLESS"); headless != "" {
		if b, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = b
		}
	}
	if remote := os.Getenv("MARKETPOST_BROWSER_REMOTE_URL"); remote != "" {
		config.Browser.RemoteURL = remote
	}
	if proxy := os.Getenv("MARKETPOST_BROWSER_PROXY"); proxy != "" {
		config.Browser.Proxy = proxy
	}

	// Automation configuration
	if platforms := os.Getenv("MARKETPOST_PLATFORMS"); platforms != "" {
		config.Automation.Platforms = splitList(platforms)
	}

	// Accounts: MARKETPOST_<PLATFORM>_USERNAME / _PASSWORD / _PHONE
	for _, platform := range config.Automation.Platforms {
		applyAccountEnv(config, platform)
	}
	for platform := range config.Accounts {
		applyAccountEnv(config, platform)
	}

	// Blocking / AWS configuration
	if enabled := os.Getenv("MARKETPOST_BLOCKING_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Blocking.Enabled = b
		}
	}
	if threshold := os.Getenv("MARKETPOST_BLOCKING_THRESHOLD"); threshold != "" {
		if t, err := strconv.Atoi(threshold); err == nil {
			config.Blocking.Threshold = t
		}
	}
	if region := os.Getenv("MARKETPOST_AWS_REGION"); region != "" {
		config.AWS.Region = region
	}
	if instanceID := os.Getenv("MARKETPOST_AWS_INSTANCE_ID"); instanceID != "" {
		config.AWS.InstanceID = instanceID
	}
	if bucket := os.Getenv("MARKETPOST_AWS_BUCKET"); bucket != "" {
		config.AWS.Bucket = bucket
	}
	if ak := os.Getenv("MARKETPOST_AWS_ACCESS_KEY"); ak != "" {
		config.AWS.AccessKey = ak
	}
	if sk := os.Getenv("MARKETPOST_AWS_SECRET_KEY"); sk != "" {
		config.AWS.SecretKey = sk
	}

	// Tokens / Redis configuration
	if backend := os.Getenv("MARKETPOST_TOKENS_BACKEND"); backend != "" {
		config.Tokens.Backend = backend
	}
	if baseURL := os.Getenv("MARKETPOST_TOKENS_REMOTE_URL"); baseURL != "" {
		config.Tokens.Remote.BaseURL = baseURL
	}
	if addr := os.Getenv("MARKETPOST_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if password := os.Getenv("MARKETPOST_REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}

	// Callback configuration
	if url := os.Getenv("MARKETPOST_CALLBACK_URL"); url != "" {
		config.Callback.URL = url
	}
	if secret := os.Getenv("MARKETPOST_CALLBACK_SECRET"); secret != "" {
		config.Callback.Secret = secret
	}
}

func applyAccountEnv(config *Config, platform string) {
	prefix := "MARKETPOST_" + strings.ToUpper(platform) + "_"
	username := os.Getenv(prefix + "USERNAME")
	password := os.Getenv(prefix + "PASSWORD")
	phone := os.Getenv(prefix + "PHONE")
	if username == "" && password == "" && phone == "" {
		return
	}

	if config.Accounts == nil {
		config.Accounts = make(map[string]AccountConfig)
	}
	account := config.Accounts[platform]
	if username != "" {
		account.Username = username
	}
	if password != "" {
		account.Password = password
	}
	if phone != "" {
		account.Phone = phone
	}
	config.Accounts[platform] = account
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if c.Automation.RetryAttempts < 1 {
		return fmt.Errorf("automation.retry_attempts must be at least 1, got %d", c.Automation.RetryAttempts)
	}
	if c.Blocking.Threshold < 1 {
		return fmt.Errorf("blocking.threshold must be at least 1, got %d", c.Blocking.Threshold)
	}

	switch c.Tokens.Backend {
	case "badger", "redis":
	case "remote":
		if c.Tokens.Remote.BaseURL == "" {
			return fmt.Errorf("tokens.remote.base_url is required when tokens.backend is remote")
		}
	default:
		return fmt.Errorf("unknown tokens.backend %q (expected badger, redis or remote)", c.Tokens.Backend)
	}

	if c.Tokens.SweepSchedule != "" {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Tokens.SweepSchedule); err != nil {
			return fmt.Errorf("invalid tokens.sweep_schedule: %w", err)
		}
	}

	durations := map[string]string{
		"browser.startup_timeout":    c.Browser.StartupTimeout,
		"browser.probe_timeout":      c.Browser.ProbeTimeout,
		"browser.max_session_age":    c.Browser.MaxSessionAge,
		"browser.navigation_delay":   c.Browser.NavigationDelay,
		"browser.random_delay":       c.Browser.RandomDelay,
		"browser.recover_delay":      c.Browser.RecoverDelay,
		"automation.retry_delay":     c.Automation.RetryDelay,
		"automation.element_timeout": c.Automation.ElementTimeout,
		"automation.login_timeout":   c.Automation.LoginTimeout,
		"automation.verify_timeout":  c.Automation.VerifyTimeout,
		"automation.manual_wait":     c.Automation.ManualWait,
		"automation.poll_interval":   c.Automation.PollInterval,
		"automation.settle_delay":    c.Automation.SettleDelay,
		"tokens.lifetime":            c.Tokens.Lifetime,
		"tokens.remote.timeout":      c.Tokens.Remote.Timeout,
		"api.timeout":                c.API.Timeout,
		"callback.timeout":           c.Callback.Timeout,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}

	return nil
}

// Account returns the configured login details for platform
func (c *Config) Account(platform string) (AccountConfig, bool) {
	account, ok := c.Accounts[platform]
	return account, ok
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDuration parses value, returning fallback when empty or invalid
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
