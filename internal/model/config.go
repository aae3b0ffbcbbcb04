package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. MAILER_DATABASE_PATH.
const EnvPrefix = "MAILER"

// DatabaseConfig locates the SQLite database shared with the hosting app.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DispatchConfig controls the polling cycle and the per-account pool caps.
type DispatchConfig struct {
	// Interval is the delay between the start of two dispatch cycles.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// MaxConnections caps the open SMTP connections per account.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections"`

	// MaxMessagesPerConnection recycles a connection after this many sends.
	MaxMessagesPerConnection int `mapstructure:"max_messages_per_connection" yaml:"max_messages_per_connection"`

	// Workers is the number of accounts delivered in parallel. 1 keeps
	// strict scan order.
	Workers int `mapstructure:"workers" yaml:"workers"`
}

// SMTPConfig holds connection behaviour shared by every account.
type SMTPConfig struct {
	// TLSMode is one of "opportunistic", "starttls", "smtps" or "none".
	TLSMode            string        `mapstructure:"tls_mode" yaml:"tls_mode"`
	HeloName           string        `mapstructure:"helo_name" yaml:"helo_name"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	CommandTimeout     time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// DKIMConfig enables DKIM signing when Selector and KeyPath are set.
type DKIMConfig struct {
	Selector string `mapstructure:"selector" yaml:"selector"`
	Domain   string `mapstructure:"domain" yaml:"domain"`
	KeyPath  string `mapstructure:"key_path" yaml:"key_path"`
}

// SentCopyConfig controls appending delivered mail to an IMAP mailbox.
type SentCopyConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`
}

// CredentialConfig selects where "keyring:" password references resolve.
type CredentialConfig struct {
	// Backend is "" (references disabled) or "keyring".
	Backend string `mapstructure:"backend" yaml:"backend"`
	FileDir string `mapstructure:"file_dir" yaml:"file_dir"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig holds the Prometheus listener address. Empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database    DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Dispatch    DispatchConfig   `mapstructure:"dispatch" yaml:"dispatch"`
	SMTP        SMTPConfig       `mapstructure:"smtp" yaml:"smtp"`
	DKIM        DKIMConfig       `mapstructure:"dkim" yaml:"dkim"`
	SentCopy    SentCopyConfig   `mapstructure:"sent_copy" yaml:"sent_copy"`
	Credentials CredentialConfig `mapstructure:"credentials" yaml:"credentials"`
	Log         LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics     MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailer/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailer", "config.yaml")
}

// DefaultAppConfig returns the configuration used when no file is present.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{Path: "mailer.db"},
		Dispatch: DispatchConfig{
			Interval:                 1500 * time.Millisecond,
			MaxConnections:           5,
			MaxMessagesPerConnection: 100,
			Workers:                  1,
		},
		SMTP: SMTPConfig{
			TLSMode:        "opportunistic",
			HeloName:       "localhost",
			DialTimeout:    30 * time.Second,
			CommandTimeout: 2 * time.Minute,
		},
		SentCopy:    SentCopyConfig{Mailbox: "Sent"},
		Credentials: CredentialConfig{FileDir: "~/.config/mailer/credentials"},
		Log:         LogConfig{Level: "info", Format: "console"},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with MAILER_ override file values. If the
// path is empty or the file does not exist, defaults and environment apply.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Registering every key also lets viper resolve it from the environment.
	for section, values := range sections(DefaultAppConfig()) {
		for key, value := range values {
			v.SetDefault(section+"."+key, value)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			_, missing := err.(*os.PathError)
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				missing = true
			}
			if !missing {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Dispatch.Interval <= 0 {
		return nil, fmt.Errorf("dispatch.interval must be positive, got %s", cfg.Dispatch.Interval)
	}
	if cfg.Dispatch.Workers < 1 {
		cfg.Dispatch.Workers = 1
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	for section, values := range sections(cfg) {
		v.Set(section, values)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// sections flattens cfg into its YAML sections keyed by mapstructure name.
func sections(cfg *AppConfig) map[string]map[string]any {
	return map[string]map[string]any{
		"database": {"path": cfg.Database.Path},
		"dispatch": {
			"interval":                    cfg.Dispatch.Interval.String(),
			"max_connections":             cfg.Dispatch.MaxConnections,
			"max_messages_per_connection": cfg.Dispatch.MaxMessagesPerConnection,
			"workers":                     cfg.Dispatch.Workers,
		},
		"smtp": {
			"tls_mode":             cfg.SMTP.TLSMode,
			"helo_name":            cfg.SMTP.HeloName,
			"dial_timeout":         cfg.SMTP.DialTimeout.String(),
			"command_timeout":      cfg.SMTP.CommandTimeout.String(),
			"insecure_skip_verify": cfg.SMTP.InsecureSkipVerify,
		},
		"dkim": {
			"selector": cfg.DKIM.Selector,
			"domain":   cfg.DKIM.Domain,
			"key_path": cfg.DKIM.KeyPath,
		},
		"sent_copy": {
			"enabled": cfg.SentCopy.Enabled,
			"mailbox": cfg.SentCopy.Mailbox,
		},
		"credentials": {
			"backend":  cfg.Credentials.Backend,
			"file_dir": cfg.Credentials.FileDir,
		},
		"log": {
			"level":  cfg.Log.Level,
			"format": cfg.Log.Format,
		},
		"metrics": {"addr": cfg.Metrics.Addr},
	}
}
