package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// RateLimit is one endpoint's admission ceiling: Limit requests per Window per client.
type RateLimit struct {
	Limit  int
	Window time.Duration
}

// Config holds service and client configuration loaded from YAML, secrets and env.
type Config struct {
	Environment string
	ServerPort  string

	OpenWeatherAPIKey string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration

	AIAPIKey      string
	AIURL         string
	AIModel       string
	AITimeout     time.Duration
	AITemperature float64
	AIStructured  bool

	ContactProvider  string
	ContactURL       string
	ContactToEmail   string
	ContactFromEmail string
	ContactTimeout   time.Duration
	Web3FormsAPIKey  string
	SendGridAPIKey   string

	CORSAllowedOrigins  []string
	CORSAllowedPatterns []string
	CORSDefaultOrigin   string

	WeatherRateLimit    RateLimit
	ChatRateLimit       RateLimit
	InsightsRateLimit   RateLimit
	ContactRateLimit    RateLimit
	RateLimitMaxClients int
	GlobalRPS           int
	GlobalBurst         int

	RequestTimeout time.Duration

	CacheBackend          string // "none", "in_memory" or "memcached"
	CacheTTL              time.Duration
	CacheStaleTTL         time.Duration
	CoalesceTimeout       time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	WarmCities            []string
	WarmInterval          time.Duration

	ShutdownTimeout       time.Duration
	InFlightTimeout       time.Duration
	InFlightCheckInterval time.Duration

	HealthWindow      time.Duration
	OverloadThreshold int
	DegradedErrorPct  int

	CircuitBreakerEnabled bool
	CBFailureThreshold    int
	CBSuccessThreshold    int
	CBTimeout             time.Duration

	ClientBaseURL         string
	ClientAppOrigin       string
	ClientTimeout         time.Duration
	ClientFreshnessWindow time.Duration
	ClientAutoRefresh     time.Duration
	ClientRetries         int
	ClientPrefsPath       string
}

type rateLimitFile struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"`
}

type fileConfig struct {
	Environment string `yaml:"environment"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		BaseURL          string `yaml:"base_url"`
		Timeout          string `yaml:"timeout"`
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
	} `yaml:"weather_api"`

	AI struct {
		URL         string   `yaml:"url"`
		Model       string   `yaml:"model"`
		Timeout     string   `yaml:"timeout"`
		Temperature *float64 `yaml:"temperature"`
		Structured  *bool    `yaml:"structured"`
	} `yaml:"ai"`

	Contact struct {
		Provider  string `yaml:"provider"`
		URL       string `yaml:"url"`
		ToEmail   string `yaml:"to_email"`
		FromEmail string `yaml:"from_email"`
		Timeout   string `yaml:"timeout"`
	} `yaml:"contact"`

	CORS struct {
		AllowedOrigins  []string `yaml:"allowed_origins"`
		AllowedPatterns []string `yaml:"allowed_patterns"`
		DefaultOrigin   string   `yaml:"default_origin"`
	} `yaml:"cors"`

	RateLimits struct {
		Weather     rateLimitFile `yaml:"weather"`
		Chat        rateLimitFile `yaml:"chat"`
		Insights    rateLimitFile `yaml:"insights"`
		Contact     rateLimitFile `yaml:"contact"`
		MaxClients  int           `yaml:"max_clients"`
		GlobalRPS   int           `yaml:"global_rps"`
		GlobalBurst int           `yaml:"global_burst"`
	} `yaml:"rate_limits"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend         string   `yaml:"backend"`
		TTL             string   `yaml:"ttl"`
		StaleTTL        string   `yaml:"stale_ttl"`
		CoalesceTimeout string   `yaml:"coalesce_timeout"`
		WarmCities      []string `yaml:"warm_cities"`
		WarmInterval    string   `yaml:"warm_interval"`
		Memcached       struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Health struct {
		Window            string `yaml:"window"`
		OverloadThreshold int    `yaml:"overload_threshold"`
		DegradedErrorPct  int    `yaml:"degraded_error_pct"`
	} `yaml:"health"`

	CircuitBreaker struct {
		Enabled          *bool  `yaml:"enabled"`
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Client struct {
		BaseURL             string `yaml:"base_url"`
		AppOrigin           string `yaml:"app_origin"`
		Timeout             string `yaml:"timeout"`
		FreshnessWindow     string `yaml:"freshness_window"`
		AutoRefreshInterval string `yaml:"auto_refresh_interval"`
		Retries             *int   `yaml:"retries"`
		PrefsPath           string `yaml:"prefs_path"`
	} `yaml:"client"`
}

type secretsFile struct {
	OpenWeatherAPIKey string `yaml:"openweather_api_key"`
	AIAPIKey          string `yaml:"ai_api_key"`
	Web3FormsAPIKey   string `yaml:"web3forms_api_key"`
	SendGridAPIKey    string `yaml:"sendgrid_api_key"`
}

// Load reads configuration from the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadDir(cwd)
}

// LoadDir loads dir/.env (if present, without overriding the process env), then
// config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml. API keys come from env
// first, then the secrets file. Missing keys are not an error; callers warn and the
// affected endpoints answer 500 at request time.
func LoadDir(dir string) (*Config, error) {
	dotenv := filepath.Join(dir, ".env")
	if _, err := os.Stat(dotenv); err == nil {
		if err := godotenv.Load(dotenv); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(dir, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.Environment = firstNonEmpty(os.Getenv("ENVIRONMENT"), fc.Environment, env)
	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.OpenWeatherAPIKey = firstNonEmpty(os.Getenv("OPENWEATHER_API_KEY"), sec.OpenWeatherAPIKey)
	cfg.WeatherAPIURL = firstNonEmpty(fc.WeatherAPI.BaseURL, "https://api.openweathermap.org")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.RetryAttempts = fc.WeatherAPI.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	cfg.RetryBaseDelay = parseDuration(fc.WeatherAPI.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.WeatherAPI.RetryMaxDelay, 2*time.Second)

	cfg.AIAPIKey = firstNonEmpty(os.Getenv("AI_API_KEY"), os.Getenv("LOVABLE_API_KEY"), sec.AIAPIKey)
	cfg.AIURL = firstNonEmpty(fc.AI.URL, "https://ai.gateway.lovable.dev/v1/chat/completions")
	cfg.AIModel = firstNonEmpty(fc.AI.Model, "google/gemini-2.5-flash")
	cfg.AITimeout = parseDuration(fc.AI.Timeout, 15*time.Second)
	cfg.AITemperature = 0.7
	if fc.AI.Temperature != nil && *fc.AI.Temperature >= 0 {
		cfg.AITemperature = *fc.AI.Temperature
	}
	cfg.AIStructured = true
	if fc.AI.Structured != nil {
		cfg.AIStructured = *fc.AI.Structured
	}

	cfg.ContactProvider = strings.ToLower(firstNonEmpty(os.Getenv("CONTACT_PROVIDER"), fc.Contact.Provider, "web3forms"))
	cfg.ContactURL = strings.TrimSpace(fc.Contact.URL)
	cfg.ContactToEmail = strings.TrimSpace(fc.Contact.ToEmail)
	cfg.ContactFromEmail = strings.TrimSpace(fc.Contact.FromEmail)
	cfg.ContactTimeout = parseDuration(fc.Contact.Timeout, 10*time.Second)
	cfg.Web3FormsAPIKey = firstNonEmpty(os.Getenv("WEB3FORMS_API_KEY"), sec.Web3FormsAPIKey)
	cfg.SendGridAPIKey = firstNonEmpty(os.Getenv("SENDGRID_API_KEY"), sec.SendGridAPIKey)

	cfg.CORSAllowedOrigins = fc.CORS.AllowedOrigins
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"http://localhost:8080", "http://localhost:5173", "https://weathernow-ai.vercel.app"}
	}
	cfg.CORSAllowedPatterns = fc.CORS.AllowedPatterns
	cfg.CORSDefaultOrigin = firstNonEmpty(fc.CORS.DefaultOrigin, cfg.CORSAllowedOrigins[0])

	cfg.WeatherRateLimit = rateLimit(fc.RateLimits.Weather, 100, time.Minute)
	cfg.ChatRateLimit = rateLimit(fc.RateLimits.Chat, 30, time.Minute)
	cfg.InsightsRateLimit = rateLimit(fc.RateLimits.Insights, 50, time.Minute)
	cfg.ContactRateLimit = rateLimit(fc.RateLimits.Contact, 5, time.Hour)
	cfg.RateLimitMaxClients = positiveOr(fc.RateLimits.MaxClients, 10000)
	cfg.GlobalRPS = positiveOr(fc.RateLimits.GlobalRPS, 100)
	cfg.GlobalBurst = positiveOr(fc.RateLimits.GlobalBurst, 250)

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 20*time.Second)

	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory")))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.CacheStaleTTL = parseDurationOrZero(fc.Cache.StaleTTL, time.Hour)
	cfg.CoalesceTimeout = parseDurationOrZero(fc.Cache.CoalesceTimeout, 0)
	cfg.WarmCities = fc.Cache.WarmCities
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.WarmInterval, 0)
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.InFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.HealthWindow = parseDuration(fc.Health.Window, time.Minute)
	cfg.OverloadThreshold = positiveOr(fc.Health.OverloadThreshold, 50)
	cfg.DegradedErrorPct = positiveOr(fc.Health.DegradedErrorPct, 20)

	cfg.CircuitBreakerEnabled = true
	if fc.CircuitBreaker.Enabled != nil {
		cfg.CircuitBreakerEnabled = *fc.CircuitBreaker.Enabled
	}
	cfg.CBFailureThreshold = positiveOr(fc.CircuitBreaker.FailureThreshold, 5)
	cfg.CBSuccessThreshold = positiveOr(fc.CircuitBreaker.SuccessThreshold, 2)
	cfg.CBTimeout = parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second)

	cfg.ClientBaseURL = firstNonEmpty(os.Getenv("WEATHERNOW_URL"), fc.Client.BaseURL, "http://localhost:"+cfg.ServerPort)
	cfg.ClientAppOrigin = firstNonEmpty(fc.Client.AppOrigin, cfg.CORSDefaultOrigin)
	cfg.ClientTimeout = parseDuration(fc.Client.Timeout, 30*time.Second)
	cfg.ClientFreshnessWindow = parseDuration(fc.Client.FreshnessWindow, 5*time.Minute)
	cfg.ClientAutoRefresh = parseDuration(fc.Client.AutoRefreshInterval, 15*time.Minute)
	cfg.ClientRetries = 2
	if fc.Client.Retries != nil && *fc.Client.Retries >= 0 {
		cfg.ClientRetries = *fc.Client.Retries
	}
	cfg.ClientPrefsPath = firstNonEmpty(os.Getenv("WEATHERNOW_PREFS"), fc.Client.PrefsPath, defaultPrefsPath())

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MissingSecrets names the API keys that are unset, for a startup warning.
func (c *Config) MissingSecrets() []string {
	var missing []string
	if c.OpenWeatherAPIKey == "" {
		missing = append(missing, "OPENWEATHER_API_KEY")
	}
	if c.AIAPIKey == "" {
		missing = append(missing, "AI_API_KEY")
	}
	switch c.ContactProvider {
	case "sendgrid":
		if c.SendGridAPIKey == "" {
			missing = append(missing, "SENDGRID_API_KEY")
		}
	default:
		if c.Web3FormsAPIKey == "" {
			missing = append(missing, "WEB3FORMS_API_KEY")
		}
	}
	return missing
}

// ContactAPIKey returns the key for the configured contact provider.
func (c *Config) ContactAPIKey() string {
	if c.ContactProvider == "sendgrid" {
		return c.SendGridAPIKey
	}
	return c.Web3FormsAPIKey
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func defaultPrefsPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "weathernow", "prefs.db")
	}
	return "weathernow-prefs.db"
}

func rateLimit(f rateLimitFile, limit int, window time.Duration) RateLimit {
	return RateLimit{
		Limit:  positiveOr(f.Limit, limit),
		Window: parseDuration(f.Window, window),
	}
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout is raised above the
// slowest upstream timeout so handlers never cut off a call that could still succeed.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	slowest := cfg.WeatherAPITimeout
	if cfg.AITimeout > slowest {
		slowest = cfg.AITimeout
	}
	if cfg.ContactTimeout > slowest {
		slowest = cfg.ContactTimeout
	}
	if cfg.RequestTimeout <= slowest {
		cfg.RequestTimeout = slowest + time.Second
	}
	switch cfg.CacheBackend {
	case "none", "in_memory", "memcached":
	default:
		return fmt.Errorf("cache.backend must be none, in_memory or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.ContactProvider {
	case "web3forms", "sendgrid":
	default:
		return fmt.Errorf("contact.provider must be web3forms or sendgrid, got %q", cfg.ContactProvider)
	}
	for _, p := range cfg.CORSAllowedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("cors.allowed_patterns: %q: %w", p, err)
		}
	}
	if cfg.CacheStaleTTL < 0 {
		cfg.CacheStaleTTL = 0
	}
	return nil
}
