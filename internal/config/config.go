package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env            string        `mapstructure:"ENV"`
	Port           string        `mapstructure:"PORT"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	StaffKey       string        `mapstructure:"STAFF_KEY"`
	CORSAllowed    string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`

	AIProvider       string        `mapstructure:"AI_PROVIDER"`
	AIURL            string        `mapstructure:"AI_URL"`
	OpenAIAPIKey     string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL    string        `mapstructure:"OPENAI_BASE_URL"`
	OpenAIModel      string        `mapstructure:"OPENAI_MODEL"`
	UpstreamTimeout  time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	InferenceRetries int           `mapstructure:"INFERENCE_RETRIES"`

	ContextTailTurns          int     `mapstructure:"CONTEXT_TAIL_TURNS"`
	IntentConfidenceThreshold float64 `mapstructure:"INTENT_CONFIDENCE_THRESHOLD"`
	EscalationThreshold       int     `mapstructure:"ESCALATION_SEVERITY_THRESHOLD"`

	AlertMaxAttempts int           `mapstructure:"ALERT_MAX_ATTEMPTS"`
	AlertBackoff     time.Duration `mapstructure:"ALERT_BACKOFF"`
	AlertWebhookURL  string        `mapstructure:"ALERT_WEBHOOK_URL"`
	AlertPGChannel   string        `mapstructure:"ALERT_PG_CHANNEL"`

	PatientsFile        string        `mapstructure:"PATIENTS_FILE"`
	KnowledgeFile       string        `mapstructure:"KNOWLEDGE_FILE"`
	ScheduleHorizonDays int           `mapstructure:"SCHEDULE_HORIZON_DAYS"`
	ClinicTimezone      string        `mapstructure:"CLINIC_TIMEZONE"`
	SessionIdleTTL      time.Duration `mapstructure:"SESSION_IDLE_TTL"`
	MetricsNamespace    string        `mapstructure:"METRICS_NAMESPACE"`
}

var defaults = map[string]any{
	"ENV":                           "dev",
	"PORT":                          "8080",
	"DATABASE_URL":                  "",
	"STAFF_KEY":                     "",
	"CORS_ALLOWED_ORIGINS":          "*",
	"REQUEST_TIMEOUT":               "30s",
	"LOG_LEVEL":                     "info",
	"AI_PROVIDER":                   "mock",
	"AI_URL":                        "",
	"OPENAI_API_KEY":                "",
	"OPENAI_BASE_URL":               "",
	"OPENAI_MODEL":                  "gpt-4o-mini",
	"UPSTREAM_TIMEOUT":              "10s",
	"INFERENCE_RETRIES":             1,
	"CONTEXT_TAIL_TURNS":            5,
	"INTENT_CONFIDENCE_THRESHOLD":   0.5,
	"ESCALATION_SEVERITY_THRESHOLD": 8,
	"ALERT_MAX_ATTEMPTS":            3,
	"ALERT_BACKOFF":                 "200ms",
	"ALERT_WEBHOOK_URL":             "",
	"ALERT_PG_CHANNEL":              "",
	"PATIENTS_FILE":                 "",
	"KNOWLEDGE_FILE":                "",
	"SCHEDULE_HORIZON_DAYS":         30,
	"CLINIC_TIMEZONE":               "UTC",
	"SESSION_IDLE_TTL":              "0s",
	"METRICS_NAMESPACE":             "triage",
}

func Load() (Config, error) {
	return LoadFile(".env")
}

// LoadFile reads path if it exists, then the environment, which wins.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()
	_ = v.ReadInConfig()

	// Every key needs a default so Unmarshal sees environment overrides.
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	c.AIProvider = strings.ToLower(c.AIProvider)
	switch c.AIProvider {
	case "mock":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("config: OPENAI_API_KEY is required for AI_PROVIDER=openai")
		}
	case "http":
		if c.AIURL == "" {
			return fmt.Errorf("config: AI_URL is required for AI_PROVIDER=http")
		}
	default:
		return fmt.Errorf("config: unknown AI_PROVIDER %q", c.AIProvider)
	}
	if c.IntentConfidenceThreshold <= 0 || c.IntentConfidenceThreshold > 1 {
		return fmt.Errorf("config: INTENT_CONFIDENCE_THRESHOLD must be within (0,1], got %v", c.IntentConfidenceThreshold)
	}
	if c.EscalationThreshold < 1 || c.EscalationThreshold > 10 {
		return fmt.Errorf("config: ESCALATION_SEVERITY_THRESHOLD must be within 1..10, got %d", c.EscalationThreshold)
	}
	if c.InferenceRetries < 0 {
		return fmt.Errorf("config: INFERENCE_RETRIES must not be negative")
	}
	if c.AlertMaxAttempts < 1 {
		return fmt.Errorf("config: ALERT_MAX_ATTEMPTS must be at least 1")
	}
	if c.ContextTailTurns < 1 {
		return fmt.Errorf("config: CONTEXT_TAIL_TURNS must be at least 1")
	}
	if c.ScheduleHorizonDays < 1 {
		return fmt.Errorf("config: SCHEDULE_HORIZON_DAYS must be at least 1")
	}
	if _, err := time.LoadLocation(c.ClinicTimezone); err != nil {
		return fmt.Errorf("config: CLINIC_TIMEZONE: %w", err)
	}
	return nil
}

// Location returns the clinic time zone. Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS. An empty value means any
// origin.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowed, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func (c Config) Provider() string {
	return strings.ToLower(c.AIProvider)
}
