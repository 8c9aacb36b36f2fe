// Package config loads the callflow server configuration.
//
// Values come from, in increasing priority: built-in defaults, an optional
// YAML file, and environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	callflow "github.com/agentplexus/omnivoice-callflow"
	"github.com/agentplexus/omnivoice-callflow/dialogue"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Twilio   TwilioConfig   `yaml:"twilio"`
	Dialogue DialogueConfig `yaml:"dialogue"`
	Voice    VoiceConfig    `yaml:"voice"`
	Script   ScriptConfig   `yaml:"script"`
	Ledger   LedgerConfig   `yaml:"ledger"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url"`

	// ValidateSignatures checks X-Twilio-Signature on webhooks. When unset
	// it is enabled whenever an auth token and public URL are configured.
	ValidateSignatures *bool `yaml:"validate_signatures"`

	// AdminToken is the bearer token for /v1/calls and /v1/monitor. Both
	// routes are off without it.
	AdminToken string `yaml:"admin_token"`

	Monitor             bool          `yaml:"monitor"`
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

// TwilioConfig holds the Twilio account used for calls and messages.
type TwilioConfig struct {
	AccountSID         string `yaml:"account_sid"`
	AuthToken          string `yaml:"auth_token"`
	CallCenterNumber   string `yaml:"call_center_number"`
	DefaultCountryCode string `yaml:"default_country_code"`
	APIBaseURL         string `yaml:"api_base_url"`

	// DryRun logs text messages instead of sending them and needs no
	// Twilio credentials.
	DryRun bool `yaml:"dry_run"`
}

// DialogueConfig selects the language model backend.
type DialogueConfig struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	StructuredActions bool    `yaml:"structured_actions"`
	OpenAIAPIKey      string  `yaml:"openai_api_key"`
	OpenAIBaseURL     string  `yaml:"openai_base_url"`
	GeminiAPIKey      string  `yaml:"gemini_api_key"`
}

// VoiceConfig controls speech output and recognition.
type VoiceConfig struct {
	Voice         string `yaml:"voice"`
	Language      string `yaml:"language"`
	SpeechModel   string `yaml:"speech_model"`
	SpeechTimeout string `yaml:"speech_timeout"`
	PauseSeconds  int    `yaml:"pause_seconds"`
}

// ScriptConfig overrides the call script. Empty fields keep the defaults.
type ScriptConfig struct {
	Persona      string `yaml:"persona"`
	SystemPrompt string `yaml:"system_prompt"`
	Greeting     string `yaml:"greeting"`
	Goodbye      string `yaml:"goodbye"`
	Apology      string `yaml:"apology"`
	NotifyFailed string `yaml:"notify_failed"`
	Sentinel     string `yaml:"sentinel"`
	ProbePrompt  string `yaml:"probe_prompt"`
	BodyPrompt   string `yaml:"body_prompt"`
}

// LedgerConfig selects where call outcomes are recorded. An empty
// database URL keeps them in memory.
type LedgerConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadHeaderTimeout:   10 * time.Second,
			ShutdownGracePeriod: 15 * time.Second,
		},
		Twilio: TwilioConfig{
			DefaultCountryCode: "+1",
			APIBaseURL:         callflow.DefaultAPIBaseURL,
		},
		Dialogue: DialogueConfig{
			Provider:    dialogue.ProviderOpenAI,
			Temperature: 0.5,
		},
		Voice: VoiceConfig{
			Voice:         callflow.VoiceJoannaNeural,
			Language:      callflow.DefaultLanguage,
			SpeechModel:   callflow.DefaultSpeechModel,
			SpeechTimeout: "auto",
			PauseSeconds:  1,
		},
	}
}

// LoadFromEnv loads the file named by CALLFLOW_CONFIG, if any, and applies
// environment overrides.
func LoadFromEnv() (Config, error) {
	return Load(strings.TrimSpace(os.Getenv("CALLFLOW_CONFIG")))
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = envOr("HOST", c.Server.Host)
	c.Server.Port = envIntOr("PORT", c.Server.Port)
	c.Server.PublicURL = envOr("PUBLIC_URL", c.Server.PublicURL)
	c.Server.AdminToken = envOr("CALLFLOW_ADMIN_TOKEN", c.Server.AdminToken)
	c.Server.Monitor = envBoolOr("CALLFLOW_MONITOR", c.Server.Monitor)
	if v, ok := envBool("CALLFLOW_VALIDATE_SIGNATURES"); ok {
		c.Server.ValidateSignatures = &v
	}

	c.Twilio.AccountSID = envOr("TWILIO_ACCOUNT_SID", c.Twilio.AccountSID)
	c.Twilio.AuthToken = envOr("TWILIO_AUTH_TOKEN", c.Twilio.AuthToken)
	c.Twilio.CallCenterNumber = envOr("CALL_CENTER_NUMBER", c.Twilio.CallCenterNumber)
	c.Twilio.DryRun = envBoolOr("CALLFLOW_DRY_RUN", c.Twilio.DryRun)

	c.Dialogue.Provider = envOr("DIALOGUE_PROVIDER", c.Dialogue.Provider)
	c.Dialogue.Model = envOr("DIALOGUE_MODEL", c.Dialogue.Model)
	c.Dialogue.OpenAIAPIKey = envOr("OPENAI_API_KEY", c.Dialogue.OpenAIAPIKey)
	c.Dialogue.OpenAIBaseURL = envOr("OPENAI_BASE_URL", c.Dialogue.OpenAIBaseURL)
	c.Dialogue.GeminiAPIKey = envOr("GEMINI_API_KEY", c.Dialogue.GeminiAPIKey)

	c.Ledger.DatabaseURL = envOr("CALLFLOW_DATABASE_URL", c.Ledger.DatabaseURL)
}

func (c *Config) normalize() {
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	c.Server.AdminToken = strings.TrimSpace(c.Server.AdminToken)
	c.Server.PublicURL = strings.TrimRight(strings.TrimSpace(c.Server.PublicURL), "/")
	c.Dialogue.Provider = strings.ToLower(strings.TrimSpace(c.Dialogue.Provider))
	if c.Dialogue.Provider == "" {
		c.Dialogue.Provider = dialogue.ProviderOpenAI
	}
	if c.Twilio.DefaultCountryCode != "" && !strings.HasPrefix(c.Twilio.DefaultCountryCode, "+") {
		c.Twilio.DefaultCountryCode = "+" + c.Twilio.DefaultCountryCode
	}
	if c.Voice.PauseSeconds <= 0 {
		c.Voice.PauseSeconds = 1
	}
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.PublicURL != "" {
		u, err := url.Parse(c.Server.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.public_url must be an absolute URL")
		}
	}

	if c.Server.Monitor && c.Server.AdminToken == "" {
		return errors.New("server.monitor needs server.admin_token (CALLFLOW_ADMIN_TOKEN)")
	}

	if !c.Twilio.DryRun {
		if c.Twilio.AccountSID == "" {
			return errors.New("twilio.account_sid (TWILIO_ACCOUNT_SID) is required")
		}
		if c.Twilio.AuthToken == "" {
			return errors.New("twilio.auth_token (TWILIO_AUTH_TOKEN) is required")
		}
		if c.Twilio.CallCenterNumber == "" {
			return errors.New("twilio.call_center_number (CALL_CENTER_NUMBER) is required")
		}
	}

	switch c.Dialogue.Provider {
	case dialogue.ProviderOpenAI:
		if c.Dialogue.OpenAIAPIKey == "" && c.Dialogue.OpenAIBaseURL == "" {
			return errors.New("dialogue.openai_api_key (OPENAI_API_KEY) is required")
		}
	case dialogue.ProviderGemini:
		if c.Dialogue.GeminiAPIKey == "" {
			return errors.New("dialogue.gemini_api_key (GEMINI_API_KEY) is required")
		}
	default:
		return fmt.Errorf("dialogue.provider must be one of openai|gemini")
	}
	if c.Dialogue.Temperature < 0 || c.Dialogue.Temperature > 2 {
		return fmt.Errorf("dialogue.temperature must be between 0 and 2")
	}

	if c.SignaturesEnabled() && (c.Twilio.AuthToken == "" || c.Server.PublicURL == "") {
		return errors.New("signature validation needs twilio.auth_token and server.public_url")
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// SignaturesEnabled reports whether webhook signatures are checked.
func (c Config) SignaturesEnabled() bool {
	if c.Server.ValidateSignatures != nil {
		return *c.Server.ValidateSignatures
	}
	return !c.Twilio.DryRun && c.Twilio.AuthToken != "" && c.Server.PublicURL != ""
}

// DialogueAPIKey returns the key of the selected backend.
func (c Config) DialogueAPIKey() string {
	if c.Dialogue.Provider == dialogue.ProviderGemini {
		return c.Dialogue.GeminiAPIKey
	}
	return c.Dialogue.OpenAIAPIKey
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "t", "yes", "y", "on":
		return true, true
	case "0", "false", "f", "no", "n", "off":
		return false, true
	default:
		return false, false
	}
}

func envBoolOr(key string, def bool) bool {
	if v, ok := envBool(key); ok {
		return v
	}
	return def
}
