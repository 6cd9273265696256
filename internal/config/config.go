// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package config

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// DefaultSystemPrompt is the agent's instructions unless configured.
const DefaultSystemPrompt = "You are an AI customer support agent for Frontier Airlines. " +
	"You have access to a knowledge base of articles and documents about the airline's services, policies, and procedures, " +
	"and to tools for searching, booking and checking flights. " +
	"Answer questions based on information you look up in the knowledge base, not based on your own knowledge. " +
	"Discuss any airline-related topics with the user. If the user asks about anything unrelated to the airline, " +
	"politely inform them that you can only assist with airline-related inquiries."

// Config is the top-level Skyguard configuration.
type Config struct {
	// Mode is "assistant" (the guarded airline agent) or "red-teaming",
	// where the stream endpoint serves an agent that attacks the assistant.
	Mode      string          `mapstructure:"mode"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Guardrail GuardrailConfig `mapstructure:"guardrail"`
	Fallback  FallbackConfig  `mapstructure:"fallback"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RedTeam   RedTeamConfig   `mapstructure:"red_team"`
}

// Serving modes.
const (
	ModeAssistant  = "assistant"
	ModeRedTeaming = "red-teaming"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen       string          `mapstructure:"listen"`
	CORSOrigins  []string        `mapstructure:"cors_origins"`
	ReadTimeout  time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout time.Duration   `mapstructure:"write_timeout"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig limits stream requests per client. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend          string `mapstructure:"backend"`
	Path             string `mapstructure:"path"`
	VectorDimensions int    `mapstructure:"vector_dimensions"`
}

// AgentConfig selects the model that plans and calls tools.
type AgentConfig struct {
	Provider     string        `mapstructure:"provider"`
	Model        string        `mapstructure:"model"`
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	MaxSteps     int           `mapstructure:"max_steps"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	StepTimeout  time.Duration `mapstructure:"step_timeout"`
	ToolTimeout  time.Duration `mapstructure:"tool_timeout"`
}

// GuardrailConfig selects and tunes the validation backend.
type GuardrailConfig struct {
	// Backend is codex, policy or none.
	Backend           string        `mapstructure:"backend"`
	APIKey            string        `mapstructure:"api_key"`
	ProjectID         string        `mapstructure:"project_id"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ContextTools      []string      `mapstructure:"context_tools"`
	Consult           bool          `mapstructure:"consult"`
	ConsultOptional   bool          `mapstructure:"consult_optional"`
	ValidateToolCalls bool          `mapstructure:"validate_tool_calls"`
	FallbackText      string        `mapstructure:"fallback_text"`
	Policy            PolicyConfig  `mapstructure:"policy"`
}

// PolicyConfig feeds the local rule backend.
type PolicyConfig struct {
	DeniedTools          []string          `mapstructure:"denied_tools"`
	MaxFlightsPerBooking int               `mapstructure:"max_flights_per_booking"`
	BlockedPhrases       []string          `mapstructure:"blocked_phrases"`
	ExpertAnswers        map[string]string `mapstructure:"expert_answers"`
}

// FallbackConfig tunes recovery messages for blocked tool calls. An empty
// model reuses the agent model.
type FallbackConfig struct {
	Model         string        `mapstructure:"model"`
	HistoryWindow int           `mapstructure:"history_window"`
	Timeout       time.Duration `mapstructure:"timeout"`
	StaticText    string        `mapstructure:"static_text"`
}

// ToolsConfig points at the data the business tools serve.
type ToolsConfig struct {
	FlightsPath string `mapstructure:"flights_path"`
	// KBPath is imported into the knowledge base at startup when set.
	KBPath string `mapstructure:"kb_path"`
	// Today pins get_current_date, formatted 2006-01-02. Empty uses the clock.
	Today     string          `mapstructure:"today"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
}

// EmbeddingConfig enables semantic knowledge base search. An empty
// provider keeps full-text search only.
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

// RedTeamConfig tunes the agent served in red-teaming mode. Empty model
// and provider fields reuse the agent section.
type RedTeamConfig struct {
	Model    string `mapstructure:"model"`
	MaxSteps int    `mapstructure:"max_steps"`
	// ToolTimeout bounds each tool call, including a whole turn of the
	// assistant under test.
	ToolTimeout time.Duration `mapstructure:"tool_timeout"`
}

// AuditConfig enables the turn record streams. The audit table is always
// written.
type AuditConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
	NATS  NATSConfig  `mapstructure:"nats"`
}

type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envAliases are well-known variables honoured next to SKYGUARD_*.
var envAliases = map[string][]string{
	"guardrail.api_key":    {"CODEX_API_KEY"},
	"guardrail.project_id": {"CLEANLAB_PROJECT_ID"},
	"mode":                 {"AGENT_MODE"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeAssistant)

	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.rate_limit.rps", 2.0)
	v.SetDefault("server.rate_limit.burst", 5)

	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "skyguard.db")
	v.SetDefault("storage.vector_dimensions", 1536)

	v.SetDefault("agent.provider", "openai")
	v.SetDefault("agent.model", "gpt-4.1")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.base_url", "")
	v.SetDefault("agent.max_steps", 10)
	v.SetDefault("agent.system_prompt", DefaultSystemPrompt)
	v.SetDefault("agent.step_timeout", 60*time.Second)
	v.SetDefault("agent.tool_timeout", 10*time.Second)

	v.SetDefault("guardrail.backend", "policy")
	v.SetDefault("guardrail.base_url", "https://api-codex.cleanlab.ai")
	v.SetDefault("guardrail.timeout", 30*time.Second)
	v.SetDefault("guardrail.context_tools", []string{"search", "get_article", "list_directory"})
	v.SetDefault("guardrail.consult", true)
	v.SetDefault("guardrail.consult_optional", false)
	v.SetDefault("guardrail.validate_tool_calls", true)
	v.SetDefault("guardrail.fallback_text", "")
	v.SetDefault("guardrail.policy.max_flights_per_booking", 4)

	v.SetDefault("fallback.model", "")
	v.SetDefault("fallback.static_text", "")
	v.SetDefault("fallback.history_window", 6)
	v.SetDefault("fallback.timeout", 20*time.Second)

	v.SetDefault("tools.flights_path", "")
	v.SetDefault("tools.kb_path", "")
	v.SetDefault("tools.today", "")
	v.SetDefault("tools.embedding.provider", "")
	v.SetDefault("tools.embedding.model", "text-embedding-3-small")
	v.SetDefault("tools.embedding.api_key", "")
	v.SetDefault("tools.embedding.base_url", "")

	v.SetDefault("red_team.model", "")
	v.SetDefault("red_team.max_steps", 20)
	v.SetDefault("red_team.tool_timeout", 5*time.Minute)

	v.SetDefault("audit.kafka.brokers", "")
	v.SetDefault("audit.kafka.topic", "skyguard.audit")
	v.SetDefault("audit.nats.url", "")
	v.SetDefault("audit.nats.subject", "skyguard.audit")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "skyguard")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// NewViper builds the layered configuration source: defaults, then the
// optional file at path, then environment. A .env file in the working
// directory is loaded into the environment first; variables already set
// win over it.
func NewViper(path string) (*viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, skyerr.Wrap(err, skyerr.CodeConfigParseInvalidFormat, "reading .env")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SKYGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		envs := append([]string{"SKYGUARD_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, skyerr.Wrapf(err, skyerr.CodeConfigParseInvalidFormat, "binding env for %s", key)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, skyerr.Wrapf(err, skyerr.CodeConfigLoadReadFailure, "reading config %s", path)
		}
	}
	return v, nil
}

// Decode unmarshals and validates v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, skyerr.Wrap(err, skyerr.CodeConfigParseInvalidFormat, "unmarshalling config")
	}
	cfg.applyProviderKey()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, skyerr.Wrap(errors.Join(errs...), skyerr.CodeConfigValidateInvalidValue, "validating config")
	}
	return &cfg, nil
}

// Load reads configuration from path (or defaults only when empty) with
// SKYGUARD_ environment overrides.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// applyProviderKey falls back to the provider's conventional variable.
func (c *Config) applyProviderKey() {
	defer c.applyEmbeddingKey()
	if c.Agent.APIKey != "" {
		return
	}
	switch c.Agent.Provider {
	case "openai":
		c.Agent.APIKey = os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		c.Agent.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	case "google":
		c.Agent.APIKey = os.Getenv("GEMINI_API_KEY")
		if c.Agent.APIKey == "" {
			c.Agent.APIKey = os.Getenv("GOOGLE_API_KEY")
		}
	}
}

// applyEmbeddingKey reuses the agent's OpenAI key, then OPENAI_API_KEY.
func (c *Config) applyEmbeddingKey() {
	e := &c.Tools.Embedding
	if e.Provider != "openai" || e.APIKey != "" {
		return
	}
	if c.Agent.Provider == "openai" && c.Agent.APIKey != "" {
		e.APIKey = c.Agent.APIKey
		return
	}
	e.APIKey = os.Getenv("OPENAI_API_KEY")
}

// Validate checks the configuration for logical errors. Every problem is
// reported, not just the first.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateAgent()...)
	errs = append(errs, c.validateGuardrail()...)
	errs = append(errs, c.validateFallback()...)
	errs = append(errs, c.validateTools()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateMode()...)

	return errs
}

func invalid(format string, args ...any) error {
	return skyerr.Errorf(skyerr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func oneOf(field, got string, allowed ...string) error {
	for _, a := range allowed {
		if got == a {
			return nil
		}
	}
	return invalid("%s must be one of [%s], got %q", field, strings.Join(allowed, ", "), got)
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, invalid("server.listen must not be empty"))
	} else if _, portStr, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errs = append(errs, invalid("server.listen must be a valid host:port address, got %q", c.Server.Listen))
	} else if port, err := strconv.Atoi(portStr); err != nil || port < 1 || port > 65535 {
		errs = append(errs, invalid("server.listen port must be between 1 and 65535, got %q", portStr))
	}

	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		errs = append(errs, invalid("server timeouts must not be negative"))
	}
	if c.Server.RateLimit.RPS < 0 {
		errs = append(errs, invalid("server.rate_limit.rps must not be negative, got %g", c.Server.RateLimit.RPS))
	}
	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst < 1 {
		errs = append(errs, invalid("server.rate_limit.burst must be at least 1 when rps is set, got %d", c.Server.RateLimit.Burst))
	}
	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error
	if err := oneOf("storage.backend", c.Storage.Backend, "sqlite", "memory"); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		errs = append(errs, invalid("storage.path must not be empty for the sqlite backend"))
	}
	if c.Storage.VectorDimensions <= 0 {
		errs = append(errs, invalid("storage.vector_dimensions must be greater than 0, got %d", c.Storage.VectorDimensions))
	}
	return errs
}

func (c *Config) validateAgent() []error {
	var errs []error
	if err := oneOf("agent.provider", c.Agent.Provider, "openai", "anthropic", "google"); err != nil {
		errs = append(errs, err)
	}
	if c.Agent.Model == "" {
		errs = append(errs, invalid("agent.model must not be empty"))
	}
	if c.Agent.MaxSteps <= 0 {
		errs = append(errs, invalid("agent.max_steps must be greater than 0, got %d", c.Agent.MaxSteps))
	}
	if c.Agent.StepTimeout < 0 || c.Agent.ToolTimeout < 0 {
		errs = append(errs, invalid("agent timeouts must not be negative"))
	}
	return errs
}

func (c *Config) validateGuardrail() []error {
	var errs []error
	g := c.Guardrail
	if err := oneOf("guardrail.backend", g.Backend, "codex", "policy", "none"); err != nil {
		errs = append(errs, err)
	}
	if g.Backend == "codex" {
		if g.APIKey == "" {
			errs = append(errs, invalid("guardrail.api_key (or CODEX_API_KEY) is required for the codex backend"))
		}
		if g.ProjectID == "" {
			errs = append(errs, invalid("guardrail.project_id (or CLEANLAB_PROJECT_ID) is required for the codex backend"))
		}
	}
	if g.Timeout < 0 {
		errs = append(errs, invalid("guardrail.timeout must not be negative"))
	}
	if g.Policy.MaxFlightsPerBooking < 0 {
		errs = append(errs, invalid("guardrail.policy.max_flights_per_booking must not be negative, got %d", g.Policy.MaxFlightsPerBooking))
	}
	return errs
}

func (c *Config) validateFallback() []error {
	var errs []error
	if c.Fallback.HistoryWindow <= 0 {
		errs = append(errs, invalid("fallback.history_window must be greater than 0, got %d", c.Fallback.HistoryWindow))
	}
	if c.Fallback.Timeout < 0 {
		errs = append(errs, invalid("fallback.timeout must not be negative"))
	}
	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error
	if err := oneOf("logging.level", strings.ToLower(c.Logging.Level), "debug", "info", "warn", "error"); err != nil {
		errs = append(errs, err)
	}
	if err := oneOf("logging.format", c.Logging.Format, "text", "json"); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func (c *Config) validateTools() []error {
	var errs []error
	if c.Tools.Today != "" {
		if _, err := time.Parse(time.DateOnly, c.Tools.Today); err != nil {
			errs = append(errs, invalid("tools.today must be formatted YYYY-MM-DD, got %q", c.Tools.Today))
		}
	}
	e := c.Tools.Embedding
	if err := oneOf("tools.embedding.provider", e.Provider, "", "openai"); err != nil {
		errs = append(errs, err)
	} else if e.Provider != "" {
		if e.Model == "" {
			errs = append(errs, invalid("tools.embedding.model must not be empty"))
		}
		if e.APIKey == "" {
			errs = append(errs, invalid("tools.embedding.api_key (or OPENAI_API_KEY) is required for embeddings"))
		}
	}
	return errs
}

func (c *Config) validateMode() []error {
	var errs []error
	if err := oneOf("mode", c.Mode, ModeAssistant, ModeRedTeaming); err != nil {
		errs = append(errs, err)
	}
	if c.RedTeam.MaxSteps <= 0 {
		errs = append(errs, invalid("red_team.max_steps must be greater than 0, got %d", c.RedTeam.MaxSteps))
	}
	return errs
}
