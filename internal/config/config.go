// Package config handles configuration loading from defaults, an optional
// YAML file and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	OTel     OTelConfig     `mapstructure:"otel"`
	Log      LogConfig      `mapstructure:"log"`
	Mpesa    MpesaConfig    `mapstructure:"mpesa"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	SMS      SMSConfig      `mapstructure:"sms"`
	Loans    LoanConfig     `mapstructure:"loans"`
	Workers  WorkerConfig   `mapstructure:"workers"`
}

type ServerConfig struct {
	Port           string `mapstructure:"port"`
	Env            string `mapstructure:"env"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
	// BaseURL is the public address used to build links in emails.
	BaseURL string `mapstructure:"base_url"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type OTelConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// MpesaConfig holds Daraja API credentials.
type MpesaConfig struct {
	Env                string        `mapstructure:"env"`
	ConsumerKey        string        `mapstructure:"consumer_key"`
	ConsumerSecret     string        `mapstructure:"consumer_secret"`
	ShortCode          string        `mapstructure:"shortcode"`
	B2CShortCode       string        `mapstructure:"b2c_shortcode"`
	Passkey            string        `mapstructure:"passkey"`
	InitiatorName      string        `mapstructure:"initiator_name"`
	SecurityCredential string        `mapstructure:"security_credential"`
	CallbackBaseURL    string        `mapstructure:"callback_base_url"`
	// CallbackToken is the secret path segment in every callback URL.
	CallbackToken string `mapstructure:"callback_token"`
	// AllowedIPs is a comma separated list of addresses or CIDRs allowed to
	// post callbacks. Empty allows any address.
	AllowedIPs string        `mapstructure:"allowed_ips"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// BaseURL returns the Daraja host for the configured environment.
func (m MpesaConfig) BaseURL() string {
	if m.Env == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type SMSConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	APIKey   string `mapstructure:"api_key"`
	Username string `mapstructure:"username"`
	SenderID string `mapstructure:"sender_id"`
}

// LoanConfig holds lending policy knobs.
type LoanConfig struct {
	LimitMultiplier float64 `mapstructure:"limit_multiplier"`
	GraceDays       int     `mapstructure:"grace_days"`
	MaxActiveLoans  int     `mapstructure:"max_active_loans"`
}

type WorkerConfig struct {
	PoolSize          int           `mapstructure:"pool_size"`
	QueueSize         int           `mapstructure:"queue_size"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	DeductionInterval time.Duration `mapstructure:"deduction_interval"`
	PayrollDay        int           `mapstructure:"payroll_day"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	STKStaleAfter     time.Duration `mapstructure:"stk_stale_after"`
}

var defaults = map[string]any{
	"server.port":                "8080",
	"server.env":                 "dev",
	"server.allowed_origins":     "*",
	"server.base_url":            "http://localhost:8080",
	"database.url":               "",
	"redis.addr":                 "localhost:6379",
	"redis.password":             "",
	"redis.db":                   0,
	"auth.jwt_secret":            "",
	"auth.issuer":                "fairtrade-loans",
	"otel.endpoint":              "",
	"log.level":                  "info",
	"log.file":                   "",
	"log.max_size_mb":            10,
	"log.max_backups":            5,
	"mpesa.env":                  "sandbox",
	"mpesa.consumer_key":         "",
	"mpesa.consumer_secret":      "",
	"mpesa.shortcode":            "174379",
	"mpesa.b2c_shortcode":        "600000",
	"mpesa.passkey":              "",
	"mpesa.initiator_name":       "",
	"mpesa.security_credential":  "",
	"mpesa.callback_base_url":    "",
	"mpesa.callback_token":       "",
	"mpesa.allowed_ips":          "",
	"mpesa.timeout":              "30s",
	"smtp.host":                  "",
	"smtp.port":                  587,
	"smtp.username":              "",
	"smtp.password":              "",
	"smtp.from":                  "loans@localhost",
	"sms.base_url":               "",
	"sms.api_key":                "",
	"sms.username":               "",
	"sms.sender_id":              "",
	"loans.limit_multiplier":     3.0,
	"loans.grace_days":           30,
	"loans.max_active_loans":     3,
	"workers.pool_size":          5,
	"workers.queue_size":         100,
	"workers.max_attempts":       3,
	"workers.deduction_interval": "1h",
	"workers.payroll_day":        25,
	"workers.reconcile_interval": "2m",
	"workers.stk_stale_after":    "5m",
}

// Load reads configuration. Values from the YAML file at path (optional)
// override defaults, and environment variables override both.
// MPESA_CONSUMER_KEY maps to mpesa.consumer_key.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return cfg, nil
}

const minCallbackTokenLen = 16

// Validate checks that required values are present.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required in production")
		}
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required in production")
		}
	}
	if (c.IsProduction() || c.Mpesa.ConsumerKey != "") && len(c.Mpesa.CallbackToken) < minCallbackTokenLen {
		return fmt.Errorf("mpesa.callback_token must be at least %d characters", minCallbackTokenLen)
	}
	if c.Loans.LimitMultiplier <= 0 {
		return fmt.Errorf("loans.limit_multiplier must be positive")
	}
	if c.Workers.PoolSize <= 0 {
		return fmt.Errorf("workers.pool_size must be positive")
	}
	if c.Workers.PayrollDay < 1 || c.Workers.PayrollDay > 28 {
		return fmt.Errorf("workers.payroll_day must be between 1 and 28")
	}
	return nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production" || c.Server.Env == "prod"
}

// GetAddr returns the full address string for the server.
func (c *Config) GetAddr() string {
	return ":" + c.Server.Port
}

// CallbackURL returns the public URL Daraja calls for path, e.g.
// "/stk/callback".
func (c *Config) CallbackURL(path string) string {
	return strings.TrimRight(c.Mpesa.CallbackBaseURL, "/") + "/api/v1/mpesa/" + c.Mpesa.CallbackToken + path
}

// CallbackAllowList splits Mpesa.AllowedIPs.
func (m MpesaConfig) CallbackAllowList() []string {
	var out []string
	for _, ip := range strings.Split(m.AllowedIPs, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			out = append(out, ip)
		}
	}
	return out
}
