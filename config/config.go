package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for fractal.
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Server       ServerConfig       `mapstructure:"server"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Capability   CapabilityConfig   `mapstructure:"capability"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Execution    ExecutionConfig    `mapstructure:"execution"`
	Distill      DistillConfig      `mapstructure:"distill"`
	Budget       BudgetConfig       `mapstructure:"budget"`
	Policy       PolicyConfig       `mapstructure:"policy"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Queue        QueueConfig        `mapstructure:"queue"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Metrics         bool          `mapstructure:"metrics"`
}

// LLMConfig configures the OpenAI-compatible provider behind every worker.
type LLMConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	ChatModel       string        `mapstructure:"chat_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	CostPer1K       float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RepairAttempts  int           `mapstructure:"repair_attempts"`
	// Synthesize writes the deliverable body with the chat model. When off the
	// deterministic composer is used.
	Synthesize bool `mapstructure:"synthesize"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ServiceName    string        `mapstructure:"service_name"`
	OTLPEndpoint   string        `mapstructure:"otlp_endpoint"`
	MetricsPort    int           `mapstructure:"metrics_port"`
	SampleRatio    float64       `mapstructure:"sample_ratio"`
	ExportInterval time.Duration `mapstructure:"export_interval"`
}

func (t TelemetryConfig) Validate() error {
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	if t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

// CapabilityConfig controls the capability registry.
type CapabilityConfig struct {
	SigningSecret string   `mapstructure:"signing_secret"`
	Personas      []string `mapstructure:"personas"`
	// Required lists role/persona bindings that must be registered.
	Required []string `mapstructure:"required"`
}

func (c CapabilityConfig) Validate() error {
	for _, k := range c.Required {
		role, persona, ok := strings.Cut(k, "/")
		if !ok || strings.TrimSpace(role) == "" || strings.TrimSpace(persona) == "" {
			return fmt.Errorf("capability.required entry %q must be role/persona", k)
		}
	}
	return nil
}

// OrchestratorConfig holds the per-run defaults of the planning loop.
type OrchestratorConfig struct {
	MaxDepth             int    `mapstructure:"max_depth"`
	MaxNodes             int    `mapstructure:"max_nodes"`
	MaxChildren          int    `mapstructure:"max_children"`
	MaxReplans           int    `mapstructure:"max_replans"`
	TopKContext          int    `mapstructure:"top_k_context"`
	DetectCycles         bool   `mapstructure:"detect_cycles"`
	RequirePlanApproval  bool   `mapstructure:"require_plan_approval"`
	RequireFinalApproval bool   `mapstructure:"require_final_approval"`
	Persona              string `mapstructure:"persona"`
}

func (o OrchestratorConfig) Validate() error {
	if o.MaxDepth < 0 {
		return fmt.Errorf("orchestrator.max_depth cannot be negative")
	}
	if o.MaxNodes < 1 {
		return fmt.Errorf("orchestrator.max_nodes must be at least 1")
	}
	if o.MaxChildren < 1 {
		return fmt.Errorf("orchestrator.max_children must be at least 1")
	}
	return nil
}

// ExecutionConfig tunes leaf dispatch.
type ExecutionConfig struct {
	MaxParallel    int           `mapstructure:"max_parallel"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

func (e ExecutionConfig) Validate() error {
	if e.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries cannot be negative")
	}
	if e.RateLimit < 0 {
		return fmt.Errorf("execution.rate_limit cannot be negative")
	}
	if e.MaxBackoff > 0 && e.InitialBackoff > e.MaxBackoff {
		return fmt.Errorf("execution.initial_backoff exceeds execution.max_backoff")
	}
	return nil
}

// DistillConfig tunes knowledge compression and context views.
type DistillConfig struct {
	MaxNuggetRunes  int           `mapstructure:"max_nugget_runes"`
	MaxNuggets      int           `mapstructure:"max_nuggets"`
	SimilarityFloor float64       `mapstructure:"similarity_floor"`
	TokenBudget     int           `mapstructure:"token_budget"`
	Encoding        string        `mapstructure:"encoding"`
	Summarize       bool          `mapstructure:"summarize"`
	EmbedAttempts   int           `mapstructure:"embed_attempts"`
	EmbedBackoff    time.Duration `mapstructure:"embed_backoff"`
}

func (d DistillConfig) Validate() error {
	if d.SimilarityFloor < -1 || d.SimilarityFloor > 1 {
		return fmt.Errorf("distill.similarity_floor must be within [-1,1]")
	}
	if d.MaxNuggetRunes < 0 || d.MaxNuggets < 0 || d.TokenBudget < 0 {
		return fmt.Errorf("distill bounds cannot be negative")
	}
	return nil
}

// BudgetConfig is the default per-run budget. Zero means unlimited.
type BudgetConfig struct {
	MaxCost        float64 `mapstructure:"max_cost"`
	MaxTokens      int64   `mapstructure:"max_tokens"`
	MaxTimeSeconds int64   `mapstructure:"max_time_seconds"`
}

func (b BudgetConfig) Validate() error {
	if b.MaxCost < 0 || b.MaxTokens < 0 || b.MaxTimeSeconds < 0 {
		return fmt.Errorf("budget limits cannot be negative")
	}
	return nil
}

// PolicyConfig points at the YAML deny rules applied to every capability call.
type PolicyConfig struct {
	File string `mapstructure:"file"`
}

// Checkpoint backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// StorageConfig selects and configures the checkpoint store.
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

func (s StorageConfig) Validate() error {
	switch s.Backend {
	case BackendMemory:
		return nil
	case BackendRedis:
		return s.Redis.Validate()
	case BackendPostgres:
		return s.Postgres.Validate()
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, redis, postgres", s.Backend)
	}
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Addr joins host and port.
func (r RedisConfig) Addr() string { return r.Host + ":" + r.Port }

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// QueueConfig wires checkpoint notifications and decisions over Redis Streams.
// It reuses storage.redis for the connection.
type QueueConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Approvals string        `mapstructure:"approvals"`
	Decisions string        `mapstructure:"decisions"`
	Runs      string        `mapstructure:"runs"`
	Group     string        `mapstructure:"group"`
	Consumer  string        `mapstructure:"consumer"`
	MaxLen    int64         `mapstructure:"max_len"`
	Block     time.Duration `mapstructure:"block"`
}

func (q QueueConfig) Validate() error {
	if !q.Enabled {
		return nil
	}
	if q.Approvals == "" || q.Decisions == "" || q.Runs == "" {
		return fmt.Errorf("queue stream names are required when the queue is enabled")
	}
	if q.MaxLen < 0 {
		return fmt.Errorf("queue.max_len cannot be negative")
	}
	return nil
}

// envOnly are keys without a useful default. Registering them lets
// AutomaticEnv fill them during Unmarshal.
var envOnly = map[string]interface{}{
	"general.debug":                       false,
	"llm.api_key":                         "",
	"llm.base_url":                        "",
	"llm.cost_per_1k_input":               0.0,
	"llm.cost_per_1k_output":              0.0,
	"telemetry.enabled":                   false,
	"telemetry.otlp_endpoint":             "",
	"telemetry.metrics_port":              0,
	"capability.signing_secret":           "",
	"capability.required":                 []string{},
	"orchestrator.require_plan_approval":  false,
	"orchestrator.require_final_approval": false,
	"execution.rate_limit":                0.0,
	"budget.max_cost":                     0.0,
	"budget.max_tokens":                   0,
	"budget.max_time_seconds":             0,
	"policy.file":                         "",
	"server.allow_origins":                []string{},
	"storage.redis.password":              "",
	"storage.redis.db":                    0,
	"storage.redis.ttl":                   time.Duration(0),
	"storage.postgres.url":                "",
	"storage.postgres.host":               "",
	"storage.postgres.user":               "",
	"storage.postgres.password":           "",
	"storage.postgres.dbname":             "",
	"queue.enabled":                       false,
	"queue.consumer":                      "",
}

func setDefaults(v *viper.Viper) {
	for k, val := range envOnly {
		v.SetDefault(k, val)
	}
	v.SetDefault("general.log_level", "info")

	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.metrics", true)

	v.SetDefault("llm.chat_model", "gpt-4o-mini")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.repair_attempts", 2)
	v.SetDefault("llm.synthesize", true)

	v.SetDefault("telemetry.service_name", "fractal")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.export_interval", 15*time.Second)

	v.SetDefault("capability.personas", []string{"researcher"})

	v.SetDefault("orchestrator.max_depth", 3)
	v.SetDefault("orchestrator.max_nodes", 50)
	v.SetDefault("orchestrator.max_children", 10)
	v.SetDefault("orchestrator.max_replans", 3)
	v.SetDefault("orchestrator.top_k_context", 3)
	v.SetDefault("orchestrator.detect_cycles", true)
	v.SetDefault("orchestrator.persona", "researcher")

	v.SetDefault("execution.max_parallel", 4)
	v.SetDefault("execution.burst", 1)
	v.SetDefault("execution.max_retries", 2)
	v.SetDefault("execution.initial_backoff", 200*time.Millisecond)
	v.SetDefault("execution.max_backoff", 2*time.Second)

	v.SetDefault("distill.max_nugget_runes", 600)
	v.SetDefault("distill.max_nuggets", 8)
	v.SetDefault("distill.similarity_floor", 0.4)
	v.SetDefault("distill.token_budget", 2000)
	v.SetDefault("distill.encoding", "cl100k_base")
	v.SetDefault("distill.summarize", true)
	v.SetDefault("distill.embed_attempts", 3)
	v.SetDefault("distill.embed_backoff", 500*time.Millisecond)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("storage.redis.prefix", "fractal:cp")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", 5*time.Second)

	v.SetDefault("queue.approvals", "fractal.approvals")
	v.SetDefault("queue.decisions", "fractal.decisions")
	v.SetDefault("queue.runs", "fractal.runs")
	v.SetDefault("queue.group", "fractal-engine")
	v.SetDefault("queue.max_len", 10000)
	v.SetDefault("queue.block", 2*time.Second)
}

// Validate checks every section.
func (c *Config) Validate() error {
	checks := []interface{ Validate() error }{
		c.Telemetry, c.Capability, c.Orchestrator, c.Execution,
		c.Distill, c.Budget, c.Storage, c.Queue,
	}
	for _, ch := range checks {
		if err := ch.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the configuration. With an empty path the file is looked up as
// config.json in the usual places and may be absent; defaults and FRACTAL_*
// environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("FRACTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Capability.Personas = trimAll(cfg.Capability.Personas)
	cfg.Server.AllowOrigins = trimAll(cfg.Server.AllowOrigins)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig is Load that panics on error.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

func trimAll(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
