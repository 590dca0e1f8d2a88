package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/warden/internal/prompt"
	"github.com/MikeSquared-Agency/warden/internal/quota"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"

	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

type Config struct {
	Port        int
	NatsURL     string
	NatsToken   string
	DatabaseURL string
	LogLevel    string
	APIToken    string
	JWTSecret   string

	Provider          string
	Model             string
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	AzureDeployment   string
	AzureAPIVersion   string
	ContextWindow     int
	MaxResponseTokens int
	SystemPrompt      string

	ContextMode      string
	HistoryShare     float64
	HistoryUserFirst bool
	MinDocumentScore float64
	TopK             int

	CacheBackend    string
	CacheMaxEntries int
	SQLitePath      string
	DynamoTable     string
	DynamoTTL       time.Duration
	AWSRegion       string

	LimitsFile       string
	Limiters         []quota.Limiter
	ModelWindows     prompt.Windows
	QuotaTick        time.Duration
	QuotaReservation int64

	BackendRetries  int
	UpstreamRetries int
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultLimiters are used when no limits file is configured: a monthly
// per-user allowance and a monthly allowance shared by the whole cluster.
func DefaultLimiters() []quota.Limiter {
	const month = 30 * 24 * time.Hour
	return []quota.Limiter{
		{Name: "user_monthly_limits", Kind: quota.KindUser, InitialQuota: 100_000, QuotaIncrease: 100_000, Period: month},
		{Name: "cluster_monthly_limits", Kind: quota.KindCluster, InitialQuota: 1_000_000, QuotaIncrease: 1_000_000, Period: month},
	}
}

// Load reads the environment. Limiters come from WARDEN_LIMITS_FILE when set;
// call LoadLimits again if the path is overridden later.
func Load() (Config, error) {
	cfg := Config{
		Port:        envInt("WARDEN_PORT", 8760),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),
		DatabaseURL: envStr("DATABASE_URL", ""),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		APIToken:    envStr("WARDEN_API_TOKEN", ""),
		JWTSecret:   envStr("WARDEN_JWT_SECRET", ""),

		Provider:          envStr("WARDEN_PROVIDER", ProviderAnthropic),
		Model:             envStr("WARDEN_MODEL", "claude-sonnet-4-20250514"),
		AnthropicAPIKey:   envStr("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:      envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     envStr("OPENAI_BASE_URL", ""),
		AzureDeployment:   envStr("AZURE_OPENAI_DEPLOYMENT", ""),
		AzureAPIVersion:   envStr("AZURE_OPENAI_API_VERSION", "2024-06-01"),
		ContextWindow:     envInt("WARDEN_CONTEXT_WINDOW", prompt.DefaultContextWindow),
		MaxResponseTokens: envInt("WARDEN_MAX_RESPONSE_TOKENS", prompt.DefaultMaxResponseTokens),
		SystemPrompt:      envStr("WARDEN_SYSTEM_PROMPT", ""),

		ContextMode:      envStr("WARDEN_CONTEXT_MODE", string(prompt.HistoryFirst)),
		HistoryShare:     envFloat("WARDEN_HISTORY_SHARE", 0.5),
		HistoryUserFirst: envBool("WARDEN_HISTORY_USER_FIRST", false),
		MinDocumentScore: envFloat("WARDEN_MIN_DOCUMENT_SCORE", prompt.DefaultMinDocumentScore),
		TopK:             envInt("WARDEN_TOP_K", 5),

		CacheBackend:    envStr("WARDEN_CACHE_BACKEND", BackendMemory),
		CacheMaxEntries: envInt("WARDEN_CACHE_MAX_ENTRIES", 1000),
		SQLitePath:      envStr("WARDEN_SQLITE_PATH", "warden.db"),
		DynamoTable:     envStr("WARDEN_DYNAMODB_TABLE", ""),
		DynamoTTL:       envDuration("WARDEN_DYNAMODB_TTL", 30*24*time.Hour),
		AWSRegion:       envStr("AWS_REGION", ""),

		LimitsFile:       envStr("WARDEN_LIMITS_FILE", ""),
		QuotaTick:        envDuration("WARDEN_QUOTA_TICK", quota.DefaultTick),
		QuotaReservation: int64(envInt("WARDEN_QUOTA_RESERVATION", 1)),

		BackendRetries:  envInt("WARDEN_BACKEND_RETRIES", 3),
		UpstreamRetries: envInt("WARDEN_UPSTREAM_RETRIES", 2),
		RequestTimeout:  envDuration("WARDEN_REQUEST_TIMEOUT", 120*time.Second),
		ShutdownTimeout: envDuration("WARDEN_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if err := cfg.LoadLimits(cfg.LimitsFile); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// LoadLimits replaces the limiters and model windows with the contents of
// path, or with DefaultLimiters when path is empty.
func (c *Config) LoadLimits(path string) error {
	c.LimitsFile = path
	if path == "" {
		c.Limiters = DefaultLimiters()
		c.ModelWindows = nil
		return nil
	}
	f, err := ReadLimits(path)
	if err != nil {
		return err
	}
	c.Limiters = f.Limiters
	c.ModelWindows = f.Models
	return nil
}

// LimitsFile is the YAML document behind WARDEN_LIMITS_FILE:
//
//	limiters:
//	  - name: user_monthly_limits
//	    type: user
//	    initial_quota: 100000
//	    quota_increase: 100000
//	    period: 720h
//	models:
//	  gpt-4o:
//	    context_window: 128000
//	    max_response_tokens: 4096
type LimitsFile struct {
	Limiters []quota.Limiter `yaml:"limiters"`
	Models   prompt.Windows  `yaml:"models"`
}

func ReadLimits(path string) (LimitsFile, error) {
	var f LimitsFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read limits file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse limits file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Limiters))
	for _, l := range f.Limiters {
		if err := l.Validate(); err != nil {
			return f, fmt.Errorf("limits file %s: %w", path, err)
		}
		if seen[l.Name] {
			return f, fmt.Errorf("limits file %s: duplicate limiter %s", path, l.Name)
		}
		seen[l.Name] = true
	}
	for name, w := range f.Models {
		if err := w.Validate(); err != nil {
			return f, fmt.Errorf("limits file %s: model %s: %w", path, name, err)
		}
	}
	return f, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.CacheBackend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendDynamoDB:
		if c.DynamoTable == "" {
			errs = append(errs, errors.New("WARDEN_DYNAMODB_TABLE is required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.CacheBackend))
	}
	if c.Provider != ProviderAnthropic && c.Provider != ProviderOpenAI {
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	if err := c.Window().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.QuotaReservation <= 0 {
		errs = append(errs, errors.New("WARDEN_QUOTA_RESERVATION must be positive"))
	}
	return errors.Join(errs...)
}

// Window returns the configured model's window: the longest matching entry
// of the limits file's models section, else the WARDEN_CONTEXT_WINDOW and
// WARDEN_MAX_RESPONSE_TOKENS values.
func (c Config) Window() prompt.Window {
	fallback := prompt.Window{ContextWindow: c.ContextWindow, MaxResponseTokens: c.MaxResponseTokens}
	return c.ModelWindows.Lookup(c.Model, fallback)
}

func (c Config) Policy() prompt.Policy {
	return prompt.Policy{
		Mode:             prompt.Mode(strings.ToLower(c.ContextMode)),
		HistoryShare:     c.HistoryShare,
		MinDocumentScore: c.MinDocumentScore,
		UserFirst:        c.HistoryUserFirst,
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
