// Package config loads and validates the MailSystem TOML configuration.
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// SMTPConfig holds the mail-acceptance server configuration.
type SMTPConfig struct {
	Start       bool   `toml:"start"`
	Addr        string `toml:"addr"`
	Domain      string `toml:"domain"`       // Domain announced in the greeting banner
	IdleTimeout string `toml:"idle_timeout"` // Maximum idle time before disconnect ("0" disables)
	MaxErrors   int    `toml:"max_errors"`   // Client errors tolerated before disconnect (0 = default)
}

// GetIdleTimeout parses the idle timeout duration.
func (c *SMTPConfig) GetIdleTimeout() (time.Duration, error) {
	if c.IdleTimeout == "" {
		return 5 * time.Minute, nil
	}
	return parseDuration(c.IdleTimeout)
}

// GetMaxErrors returns the tolerated client error count.
func (c *SMTPConfig) GetMaxErrors() int {
	if c.MaxErrors <= 0 {
		return 3
	}
	return c.MaxErrors
}

// Validate checks the SMTP server configuration.
func (c *SMTPConfig) Validate() error {
	if c.Start && c.Addr == "" {
		return fmt.Errorf("smtp server enabled but no addr configured")
	}
	if _, err := c.GetIdleTimeout(); err != nil {
		return fmt.Errorf("invalid smtp idle_timeout: %w", err)
	}
	return nil
}

// POP3Config holds the mailbox-retrieval server configuration.
type POP3Config struct {
	Start       bool   `toml:"start"`
	Addr        string `toml:"addr"`
	IdleTimeout string `toml:"idle_timeout"` // Maximum idle time before disconnect ("0" disables)
	MaxErrors   int    `toml:"max_errors"`   // Client errors tolerated before disconnect (0 = default)
}

// GetIdleTimeout parses the idle timeout duration.
func (c *POP3Config) GetIdleTimeout() (time.Duration, error) {
	if c.IdleTimeout == "" {
		return 5 * time.Minute, nil
	}
	return parseDuration(c.IdleTimeout)
}

// GetMaxErrors returns the tolerated client error count.
func (c *POP3Config) GetMaxErrors() int {
	if c.MaxErrors <= 0 {
		return 3
	}
	return c.MaxErrors
}

// Validate checks the POP3 server configuration.
func (c *POP3Config) Validate() error {
	if c.Start && c.Addr == "" {
		return fmt.Errorf("pop3 server enabled but no addr configured")
	}
	if _, err := c.GetIdleTimeout(); err != nil {
		return fmt.Errorf("invalid pop3 idle_timeout: %w", err)
	}
	return nil
}

// StorageConfig holds the flat-file mailbox store configuration.
type StorageConfig struct {
	Root string `toml:"root"` // Base directory holding one subdirectory per user
}

// FiltersConfig holds the blacklist filter gate configuration.
type FiltersConfig struct {
	Dir string `toml:"dir"` // Directory holding the blacklist files
}

// UsersConfig holds the file-backed user store configuration.
type UsersConfig struct {
	File string `toml:"file"` // Path to the credentials file
}

// MetricsConfig holds the health/metrics HTTP endpoint configuration.
type MetricsConfig struct {
	Start bool   `toml:"start"`
	Addr  string `toml:"addr"`
}

// Config is the top-level application configuration.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	SMTP    SMTPConfig    `toml:"smtp"`
	POP3    POP3Config    `toml:"pop3"`
	Storage StorageConfig `toml:"storage"`
	Filters FiltersConfig `toml:"filters"`
	Users   UsersConfig   `toml:"users"`
	Metrics MetricsConfig `toml:"metrics"`
}

// NewDefaultConfig returns a configuration with working defaults for a
// local single-node deployment.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		SMTP: SMTPConfig{
			Start:  true,
			Addr:   ":2525",
			Domain: "localhost",
		},
		POP3: POP3Config{
			Start: true,
			Addr:  ":8110",
		},
		Storage: StorageConfig{Root: "mailbox"},
		Filters: FiltersConfig{Dir: "filters"},
		Users:   UsersConfig{File: "users.txt"},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.SMTP.Validate(); err != nil {
		return err
	}
	if err := c.POP3.Validate(); err != nil {
		return err
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage root not configured")
	}
	if c.Filters.Dir == "" {
		return fmt.Errorf("filters dir not configured")
	}
	if c.Users.File == "" {
		return fmt.Errorf("users file not configured")
	}
	if c.Metrics.Start && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics endpoint enabled but no addr configured")
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file into cfg.
// Unknown keys produce warnings, not errors, so a newer config file keeps
// working against an older binary.
func LoadConfigFromFile(path string, cfg *Config) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		log.Printf("WARNING: unknown configuration keys in %s: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// parseDuration parses a duration string, treating "0" as zero (disabled).
func parseDuration(s string) (time.Duration, error) {
	if s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
