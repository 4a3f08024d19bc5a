// Package config loads hookline configuration from a YAML file with
// environment overrides, and validates it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	Engine   EngineConfig   `yaml:"engine"`
	Profile  ProfileConfig  `yaml:"profile"`
	TextGen  TextGenConfig  `yaml:"textgen"`
	Mail     MailConfig     `yaml:"mail"`
	Review   ReviewConfig   `yaml:"review"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects the backing store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
	// Ephemeral keeps all records in process memory. Local runs only.
	Ephemeral bool `yaml:"ephemeral"`
}

// HTTPConfig configures the API and the public event surface.
type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required"`
	// PublicURL is the origin used in delivered links and the tracking pixel.
	PublicURL string `yaml:"public_url" validate:"required,url"`
	// CredentialsURL hosts the login page for credential objectives. Defaults to PublicURL.
	CredentialsURL string        `yaml:"credentials_url" validate:"omitempty,url"`
	APIKeys        []string      `yaml:"api_keys"`
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gte=0"`
}

// EngineConfig tunes the reconciliation loop.
type EngineConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
	Window   time.Duration `yaml:"window" validate:"gt=0"`
	Cooldown time.Duration `yaml:"cooldown" validate:"gte=0"`
}

// ProfileConfig points at the profile-data service.
type ProfileConfig struct {
	URL      string        `yaml:"url" validate:"required,url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
	RetryMax int           `yaml:"retry_max" validate:"gte=0,lte=10"`
}

// TextGenConfig selects the content generation provider.
type TextGenConfig struct {
	Provider      string  `yaml:"provider" validate:"required,oneof=gemini openai"`
	Model         string  `yaml:"model" validate:"required"`
	APIKey        string  `yaml:"api_key"`
	BaseURL       string  `yaml:"base_url" validate:"omitempty,url"`
	RatePerMinute float64 `yaml:"rate_per_minute" validate:"gt=0"`
	Burst         int     `yaml:"burst" validate:"gte=1"`
}

// MailConfig configures the transport paths.
type MailConfig struct {
	// SimulationHeader is added to every delivered message so mail filters can allow-list it.
	SimulationHeader  string        `yaml:"simulation_header" validate:"required"`
	DefaultSender     string        `yaml:"default_sender" validate:"required,email"`
	DefaultSenderName string        `yaml:"default_sender_name"`
	SMTP              SMTPConfig    `yaml:"smtp"`
	Gmail             GmailConfig   `yaml:"gmail"`
	Mailgun           MailgunConfig `yaml:"mailgun"`
	// Resolver is the DNS server used for workspace detection.
	Resolver      string        `yaml:"resolver" validate:"required,hostname_port"`
	CapabilityTTL time.Duration `yaml:"capability_ttl" validate:"gt=0"`
}

// SMTPConfig lists the controlled mailboxes that can send directly.
type SMTPConfig struct {
	Host     string        `yaml:"host" validate:"required"`
	Port     int           `yaml:"port" validate:"gt=0,lte=65535"`
	Accounts []SMTPAccount `yaml:"accounts" validate:"dive"`
}

// SMTPAccount is one controlled sender.
type SMTPAccount struct {
	Address  string `yaml:"address" validate:"required,email"`
	Password string `yaml:"password" validate:"required"`
}

// GmailConfig configures mailbox insertion through domain-wide delegation.
type GmailConfig struct {
	ServiceAccountFile string `yaml:"service_account_file"`
}

// MailgunConfig configures the fallback sender.
type MailgunConfig struct {
	Domain  string `yaml:"domain"`
	APIKey  string `yaml:"api_key"`
	APIBase string `yaml:"api_base" validate:"omitempty,url"`
	From    string `yaml:"from" validate:"omitempty,email"`
}

// ReviewConfig configures approval notifications.
type ReviewConfig struct {
	SlackToken   string `yaml:"slack_token"`
	SlackChannel string `yaml:"slack_channel" validate:"required_with=SlackToken"`
	// AdminURL is linked from notifications, e.g. https://admin.example.com/reviews
	AdminURL string `yaml:"admin_url" validate:"omitempty,url"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns a Config with every optional value filled in.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:        ":8080",
			PublicURL:   "http://localhost:8080",
			ReadTimeout: 15 * time.Second,
		},
		Engine: EngineConfig{
			Interval: 10 * time.Second,
			Window:   30 * 24 * time.Hour,
			Cooldown: 7 * 24 * time.Hour,
		},
		Profile: ProfileConfig{
			URL:      "http://localhost:8000",
			Timeout:  10 * time.Second,
			RetryMax: 3,
		},
		TextGen: TextGenConfig{
			Provider:      "gemini",
			Model:         "gemini-2.0-flash",
			RatePerMinute: 30,
			Burst:         1,
		},
		Mail: MailConfig{
			SimulationHeader: "X-Hookline-Simulation",
			DefaultSender:    "it-support@proto-mail.com",
			SMTP:             SMTPConfig{Host: "smtp.gmail.com", Port: 587},
			Mailgun:          MailgunConfig{From: "no-reply@proto-mail.com"},
			Resolver:         "8.8.8.8:53",
			CapabilityTTL:    6 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (optional), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg, os.Getenv)
	if cfg.HTTP.CredentialsURL == "" {
		cfg.HTTP.CredentialsURL = cfg.HTTP.PublicURL
	}
	if err := NewValidator().Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	set(&cfg.Database.URL, "HOOKLINE_DATABASE_URL", "DATABASE_URL")
	if port := getenv("PORT"); port != "" {
		cfg.HTTP.Addr = ":" + port
	}
	set(&cfg.HTTP.PublicURL, "HOOKLINE_PUBLIC_URL")
	set(&cfg.HTTP.CredentialsURL, "HOOKLINE_CREDENTIALS_URL")
	if keys := getenv("HOOKLINE_API_KEYS"); keys != "" {
		cfg.HTTP.APIKeys = strings.Split(keys, ",")
	}
	set(&cfg.Profile.URL, "HOOKLINE_PROFILE_URL")
	set(&cfg.Profile.APIKey, "HOOKLINE_PROFILE_API_KEY")
	if cfg.TextGen.APIKey == "" {
		switch cfg.TextGen.Provider {
		case "gemini":
			set(&cfg.TextGen.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
		case "openai":
			set(&cfg.TextGen.APIKey, "OPENAI_API_KEY")
		}
	}
	set(&cfg.Mail.Gmail.ServiceAccountFile, "HOOKLINE_GMAIL_SERVICE_ACCOUNT_FILE")
	set(&cfg.Mail.Mailgun.APIKey, "MAILGUN_API_KEY")
	set(&cfg.Review.SlackToken, "HOOKLINE_SLACK_TOKEN")
	set(&cfg.Log.Level, "HOOKLINE_LOG_LEVEL")
}
