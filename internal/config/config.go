// Package config provides YAML configuration loading and validation for the
// casper-inotify daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// DefaultMessage is the message template applied when neither the entry nor
// the top level supplies one.
const DefaultMessage = "CASPER-INOTIFY :: WARNING :: ${CASPER_INOTIFY_NAME} ${CASPER_INOTIFY_OBJECT} was ${CASPER_INOTIFY_EVENT} @ ${CASPER_INOTIFY_HOSTNAME} [ ${CASPER_INOTIFY_DATETIME} ]"

// Config is the top-level configuration structure for the daemon.
type Config struct {
	// User is the default OS username commands run as when an entry does not
	// override it. Defaults to "root" when omitted.
	User string `yaml:"user"`

	// Command is the default command template. Entries without their own
	// command use it; an entry with no effective command is rejected.
	Command string `yaml:"command"`

	// Message is the default message template. Defaults to DefaultMessage
	// when omitted.
	Message string `yaml:"message"`

	// Log configures the event log sink.
	Log LogConfig `yaml:"log"`

	// Status configures the optional read-only status API.
	Status StatusConfig `yaml:"status"`

	// Journal configures the optional SQLite spawn journal.
	Journal JournalConfig `yaml:"journal"`

	// Audit configures the optional tamper-evident spawn audit log.
	Audit AuditConfig `yaml:"audit"`

	// Directories lists the directory watch entries.
	Directories []WatchEntry `yaml:"directories"`

	// Files lists the file watch entries.
	Files []WatchEntry `yaml:"files"`
}

// LogConfig configures the event log sink.
type LogConfig struct {
	// Path is the event log file. Empty writes to stderr.
	Path string `yaml:"path"`

	// Level is the minimum record level: "debug", "info", "event",
	// "warning" or "error". Defaults to "info" when omitted.
	Level string `yaml:"level"`
}

// StatusConfig configures the read-only status HTTP API. The API is disabled
// when Addr is empty.
type StatusConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:9002".
	Addr string `yaml:"addr"`

	// JWTPublicKey is the path to a PEM-encoded RSA public key used to
	// verify RS256 Bearer tokens on the /api routes. Empty disables
	// authentication.
	JWTPublicKey string `yaml:"jwt_public_key"`
}

// JournalConfig configures the SQLite spawn journal. Disabled when Path is
// empty.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig configures the hash-chained spawn audit log. Disabled when
// Path is empty.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// WatchEntry describes one directory or file watch.
type WatchEntry struct {
	// URI is the absolute path to watch. Required.
	URI string `yaml:"uri"`

	// Events lists the event keywords to subscribe to. Required.
	Events []string `yaml:"events"`

	// User overrides the top-level run-as user for this entry.
	User string `yaml:"user,omitempty"`

	// Command overrides the top-level command template for this entry.
	Command string `yaml:"command,omitempty"`

	// Message overrides the top-level message template for this entry.
	Message string `yaml:"message,omitempty"`

	// Pattern is an optional glob applied to the event's object name.
	Pattern string `yaml:"pattern,omitempty"`
}

// validLevels is the set of accepted log level strings.
var validLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"event":   true,
	"warning": true,
	"error":   true,
}

// Load reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. A validation error lists
// every failure found, combined with errors.Join.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Message == "" {
		cfg.Message = DefaultMessage
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLevels[cfg.Log.Level] {
		errs = append(errs, fmt.Errorf("log.level %q must be one of: debug, info, event, warning, error", cfg.Log.Level))
	}

	for i, e := range cfg.Directories {
		errs = append(errs, validateEntry(fmt.Sprintf("directories[%d]", i), cfg, e)...)
	}
	for i, e := range cfg.Files {
		errs = append(errs, validateEntry(fmt.Sprintf("files[%d]", i), cfg, e)...)
	}

	return errors.Join(errs...)
}

// validateEntry checks one watch entry. The effective command falls back to
// the top-level default, so an entry is valid with no command of its own.
func validateEntry(prefix string, cfg *Config, e WatchEntry) []error {
	var errs []error

	if e.URI == "" {
		errs = append(errs, fmt.Errorf("%s: uri is required", prefix))
	} else if !filepath.IsAbs(e.URI) {
		errs = append(errs, fmt.Errorf("%s: uri %q must be absolute", prefix, e.URI))
	}
	if len(e.Events) == 0 {
		errs = append(errs, fmt.Errorf("%s: events is required", prefix))
	}
	if e.Command == "" && cfg.Command == "" {
		errs = append(errs, fmt.Errorf("%s: command is required (no top-level default)", prefix))
	}
	if e.Pattern != "" {
		if _, err := glob.Compile(e.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("%s: pattern %q: %w", prefix, e.Pattern, err))
		}
	}

	return errs
}
