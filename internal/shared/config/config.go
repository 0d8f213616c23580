package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	KurrentDB     KurrentDBConfig     `mapstructure:"kurrentdb"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Inference     InferenceConfig     `mapstructure:"inference"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
	Knowledge     KnowledgeConfig     `mapstructure:"knowledge"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	PatientSource PatientSourceConfig `mapstructure:"patient_source"`
	Log           LogConfig           `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Env             string        `mapstructure:"env"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RateLimitRPS is per client IP on /api/v1; zero disables the limiter
	RateLimitRPS    int           `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// DatabaseConfig configures the PostgreSQL session store.
// An empty Host keeps sessions in memory.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.Host != ""
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	// Host is the KurrentDB server hostname; empty disables the event bus
	Host string `mapstructure:"host"`
	// Port is the gRPC/HTTP port (default 2113)
	Port int `mapstructure:"port"`
	// Insecure disables TLS (for development)
	Insecure bool   `mapstructure:"insecure"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ConnectionString builds an esdb connection string.
func (k KurrentDBConfig) ConnectionString() string {
	auth := ""
	if k.Username != "" {
		auth = k.Username + ":" + k.Password + "@"
	}
	return fmt.Sprintf("esdb://%s%s:%d?tls=%t", auth, k.Host, k.Port, !k.Insecure)
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// InferenceConfig configures the text-inference collaborator used by analyzers.
type InferenceConfig struct {
	// Provider: "none" or "openai" (any OpenAI-compatible chat completions endpoint)
	Provider   string        `mapstructure:"provider"`
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RPS        float64       `mapstructure:"rps"`
	Burst      int           `mapstructure:"burst"`
	MaxRetries int           `mapstructure:"max_retries"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

type PipelineConfig struct {
	AnalyzerTimeout time.Duration `mapstructure:"analyzer_timeout"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	TopNPerCategory int           `mapstructure:"top_n_per_category"`
	MaxKeyConcerns  int           `mapstructure:"max_key_concerns"`

	// Compliance penalties per unresolved warning
	ContraindicationPenalty int `mapstructure:"contraindication_penalty"`
	AllergyPenalty          int `mapstructure:"allergy_penalty"`
	CriticalAlertPenalty    int `mapstructure:"critical_alert_penalty"`
}

// KnowledgeConfig points at external knowledge, rule and formulary files.
// Empty paths use the embedded defaults.
type KnowledgeConfig struct {
	KnowledgeFile string `mapstructure:"knowledge_file"`
	RulesFile     string `mapstructure:"rules_file"`
	FormularyFile string `mapstructure:"formulary_file"`
}

// PrivacyConfig holds the pseudonymization key for inference prompts.
type PrivacyConfig struct {
	HMACKey string `mapstructure:"hmac_key"`
}

type PatientSourceConfig struct {
	// Kind: "inline" (profile in request body) or "heliant"
	Kind       string `mapstructure:"kind"`
	HeliantDSN string `mapstructure:"heliant_dsn"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// envPrefix is prepended to every variable in envBindings.
const envPrefix = "HANDOFF_"

// envBindings maps config keys to the environment variables that override them.
var envBindings = map[string]string{
	"server.port":                       "SERVER_PORT",
	"server.env":                        "ENV",
	"server.read_timeout":               "SERVER_READ_TIMEOUT",
	"server.write_timeout":              "SERVER_WRITE_TIMEOUT",
	"server.shutdown_timeout":           "SERVER_SHUTDOWN_TIMEOUT",
	"server.rate_limit_rps":             "SERVER_RATE_LIMIT_RPS",
	"server.rate_limit_burst":           "SERVER_RATE_LIMIT_BURST",
	"server.max_body_bytes":             "SERVER_MAX_BODY_BYTES",
	"database.host":                     "DB_HOST",
	"database.port":                     "DB_PORT",
	"database.user":                     "DB_USER",
	"database.password":                 "DB_PASSWORD",
	"database.name":                     "DB_NAME",
	"database.sslmode":                  "DB_SSLMODE",
	"database.max_conns":                "DB_MAX_CONNS",
	"database.min_conns":                "DB_MIN_CONNS",
	"kurrentdb.host":                    "KURRENTDB_HOST",
	"kurrentdb.port":                    "KURRENTDB_PORT",
	"kurrentdb.insecure":                "KURRENTDB_INSECURE",
	"kurrentdb.username":                "KURRENTDB_USERNAME",
	"kurrentdb.password":                "KURRENTDB_PASSWORD",
	"redis.url":                         "REDIS_URL",
	"inference.provider":                "INFERENCE_PROVIDER",
	"inference.base_url":                "INFERENCE_BASE_URL",
	"inference.api_key":                 "INFERENCE_API_KEY",
	"inference.model":                   "INFERENCE_MODEL",
	"inference.timeout":                 "INFERENCE_TIMEOUT",
	"inference.rps":                     "INFERENCE_RPS",
	"inference.burst":                   "INFERENCE_BURST",
	"inference.max_retries":             "INFERENCE_MAX_RETRIES",
	"inference.cache_ttl":               "INFERENCE_CACHE_TTL",
	"pipeline.analyzer_timeout":         "PIPELINE_ANALYZER_TIMEOUT",
	"pipeline.workers":                  "PIPELINE_WORKERS",
	"pipeline.queue_size":               "PIPELINE_QUEUE_SIZE",
	"pipeline.top_n_per_category":       "PIPELINE_TOP_N_PER_CATEGORY",
	"pipeline.max_key_concerns":         "PIPELINE_MAX_KEY_CONCERNS",
	"pipeline.contraindication_penalty": "PIPELINE_CONTRAINDICATION_PENALTY",
	"pipeline.allergy_penalty":          "PIPELINE_ALLERGY_PENALTY",
	"pipeline.critical_alert_penalty":   "PIPELINE_CRITICAL_ALERT_PENALTY",
	"knowledge.knowledge_file":          "KNOWLEDGE_FILE",
	"knowledge.rules_file":              "KNOWLEDGE_RULES_FILE",
	"knowledge.formulary_file":          "KNOWLEDGE_FORMULARY_FILE",
	"privacy.hmac_key":                  "PRIVACY_HMAC_KEY",
	"patient_source.kind":               "PATIENT_SOURCE",
	"patient_source.heliant_dsn":        "HELIANT_DSN",
	"log.level":                         "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit_rps", 10)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "handoff")
	v.SetDefault("database.password", "handoff")
	v.SetDefault("database.name", "handoff")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("kurrentdb.port", 2113)
	v.SetDefault("kurrentdb.insecure", true)

	v.SetDefault("inference.provider", "none")
	v.SetDefault("inference.base_url", "https://api.openai.com/v1")
	v.SetDefault("inference.model", "gpt-4o-mini")
	v.SetDefault("inference.timeout", "45s")
	v.SetDefault("inference.rps", 2.0)
	v.SetDefault("inference.burst", 5)
	v.SetDefault("inference.max_retries", 2)
	v.SetDefault("inference.cache_ttl", "10m")

	v.SetDefault("pipeline.analyzer_timeout", "60s")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 64)
	v.SetDefault("pipeline.top_n_per_category", 5)
	v.SetDefault("pipeline.max_key_concerns", 5)
	v.SetDefault("pipeline.contraindication_penalty", 15)
	v.SetDefault("pipeline.allergy_penalty", 15)
	v.SetDefault("pipeline.critical_alert_penalty", 20)

	v.SetDefault("privacy.hmac_key", "dev-hmac-key-change-in-production")
	v.SetDefault("patient_source.kind", "inline")
	v.SetDefault("log.level", "info")
}

// Load reads configuration from defaults, an optional config file and the environment,
// in increasing order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, envPrefix+env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", envPrefix+env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Inference.Provider = strings.ToLower(strings.TrimSpace(cfg.Inference.Provider))
	cfg.PatientSource.Kind = strings.ToLower(strings.TrimSpace(cfg.PatientSource.Kind))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Inference.Provider {
	case "none":
	case "openai":
		if c.Inference.BaseURL == "" {
			problems = append(problems, "inference.base_url is required for provider openai")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown inference.provider %q", c.Inference.Provider))
	}
	if c.Pipeline.AnalyzerTimeout <= 0 {
		problems = append(problems, "pipeline.analyzer_timeout must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		problems = append(problems, "pipeline.workers must be positive")
	}
	if c.Pipeline.QueueSize <= 0 {
		problems = append(problems, "pipeline.queue_size must be positive")
	}
	if c.Pipeline.TopNPerCategory <= 0 {
		problems = append(problems, "pipeline.top_n_per_category must be positive")
	}
	if c.Pipeline.MaxKeyConcerns <= 0 {
		problems = append(problems, "pipeline.max_key_concerns must be positive")
	}
	switch c.PatientSource.Kind {
	case "inline":
	case "heliant":
		if c.PatientSource.HeliantDSN == "" {
			problems = append(problems, "patient_source.heliant_dsn is required for heliant")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown patient_source.kind %q", c.PatientSource.Kind))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}
