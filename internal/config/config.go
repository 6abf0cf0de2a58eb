package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"

	"github.com/dshills/lspguard/internal/logging"
	"github.com/dshills/lspguard/pkg/frame"
)

const (
	EnvServerPath       = "LSPGUARD_SERVER_PATH"
	EnvServerDir        = "LSPGUARD_SERVER_DIR"
	EnvJournal          = "LSPGUARD_JOURNAL"
	EnvJournalPath      = "LSPGUARD_JOURNAL_PATH"
	EnvMaxContentLength = "LSPGUARD_MAX_CONTENT_LENGTH"

	// DefaultJournalPath is expanded against the user's home directory.
	DefaultJournalPath = "~/.lspguard/journal.db"
	DefaultQueueSize   = 1024
	DefaultGrace       = 2 * time.Second
	DefaultRetention   = 30 * 24 * time.Hour
)

type Config struct {
	Log       Log       `toml:"log" yaml:"log"`
	Server    Server    `toml:"server" yaml:"server"`
	Sanitizer Sanitizer `toml:"sanitizer" yaml:"sanitizer"`
	Journal   Journal   `toml:"journal" yaml:"journal"`
	Shutdown  Shutdown  `toml:"shutdown" yaml:"shutdown"`
}

type Log struct {
	Level string `toml:"level" yaml:"level"`
}

// Server describes the language server process to supervise.
type Server struct {
	Command string   `toml:"command" yaml:"command"`
	Args    []string `toml:"args" yaml:"args"`
	Dir     string   `toml:"dir" yaml:"dir"`
	Env     []string `toml:"env" yaml:"env"`
}

type Sanitizer struct {
	MaxContentLength int `toml:"max_content_length" yaml:"max_content_length"`
	ReadBufferSize   int `toml:"read_buffer_size" yaml:"read_buffer_size"`
}

type Journal struct {
	Enabled    bool          `toml:"enabled" yaml:"enabled"`
	Path       string        `toml:"path" yaml:"path"`
	QueueSize  int           `toml:"queue_size" yaml:"queue_size"`
	Retention_ string        `toml:"retention" yaml:"retention"`
	Retention  time.Duration `toml:"-" yaml:"-"`
}

type Shutdown struct {
	Grace_ string        `toml:"grace" yaml:"grace"`
	Grace  time.Duration `toml:"-" yaml:"-"`
}

// Default returns a configuration with every default applied and no
// server command.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads a TOML (.toml) or YAML (.yaml, .yml) file, applies defaults
// and validates the result. Environment overrides are not applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &c); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .toml, .yaml or .yml)", filepath.Ext(path))
	}

	c.setDefaults()
	if err := c.parseDurations(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ApplyEnv overlays LSPGUARD_* variables. Variables that fail to parse are
// reported rather than ignored.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvServerPath); v != "" {
		c.Server.Command = v
	}
	if v := os.Getenv(EnvServerDir); v != "" {
		c.Server.Dir = v
	}
	if v := os.Getenv(EnvJournalPath); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv(EnvJournal); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvJournal, err)
		}
		c.Journal.Enabled = b
	}
	if v := os.Getenv(EnvMaxContentLength); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxContentLength, err)
		}
		c.Sanitizer.MaxContentLength = n
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Sanitizer.MaxContentLength == 0 {
		c.Sanitizer.MaxContentLength = frame.DefaultMaxContentLength
	}
	if c.Sanitizer.ReadBufferSize == 0 {
		c.Sanitizer.ReadBufferSize = 32 * 1024
	}
	if c.Journal.Path == "" {
		c.Journal.Path = DefaultJournalPath
	}
	if c.Journal.QueueSize == 0 {
		c.Journal.QueueSize = DefaultQueueSize
	}
	if c.Journal.Retention_ == "" {
		c.Journal.Retention = DefaultRetention
	}
	if c.Shutdown.Grace_ == "" {
		c.Shutdown.Grace = DefaultGrace
	}
}

func (c *Config) parseDurations() error {
	if c.Journal.Retention_ != "" {
		d, err := time.ParseDuration(c.Journal.Retention_)
		if err != nil {
			return fmt.Errorf("journal.retention: %w", err)
		}
		c.Journal.Retention = d
	}
	if c.Shutdown.Grace_ != "" {
		d, err := time.ParseDuration(c.Shutdown.Grace_)
		if err != nil {
			return fmt.Errorf("shutdown.grace: %w", err)
		}
		c.Shutdown.Grace = d
	}
	return nil
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var allErrors []error

	if strings.TrimSpace(c.Server.Command) == "" {
		allErrors = append(allErrors, fmt.Errorf("server.command is required"))
	}
	if c.Server.Dir != "" {
		if info, err := os.Stat(c.Server.Dir); err != nil || !info.IsDir() {
			allErrors = append(allErrors, fmt.Errorf("server.dir %q is not a directory", c.Server.Dir))
		}
	}
	for i, kv := range c.Server.Env {
		if !strings.Contains(kv, "=") {
			allErrors = append(allErrors, fmt.Errorf("server.env[%d] %q must be KEY=VALUE", i, kv))
		}
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		allErrors = append(allErrors, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}
	if c.Sanitizer.MaxContentLength <= 0 {
		allErrors = append(allErrors, fmt.Errorf("sanitizer.max_content_length must be positive"))
	}
	if c.Sanitizer.ReadBufferSize < 512 {
		allErrors = append(allErrors, fmt.Errorf("sanitizer.read_buffer_size must be at least 512"))
	}
	if c.Journal.QueueSize < 1 {
		allErrors = append(allErrors, fmt.Errorf("journal.queue_size must be at least 1"))
	}
	if c.Journal.Retention < 0 {
		allErrors = append(allErrors, fmt.Errorf("journal.retention must not be negative"))
	}
	if c.Shutdown.Grace <= 0 {
		allErrors = append(allErrors, fmt.Errorf("shutdown.grace must be positive"))
	}

	return writeErr(allErrors)
}

// JournalPath returns the journal location with a leading ~ expanded.
func (c *Config) JournalPath() (string, error) {
	return ExpandHome(c.Journal.Path)
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func writeErr(allErrors []error) error {
	if len(allErrors) > 0 {
		var messages []string
		for _, err := range allErrors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return nil
}
