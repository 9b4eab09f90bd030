// Package config loads and validates ueventd's configuration: a small set
// of command-line flags for the paths the supervisor needs at startup, and
// an optional YAML overlay for the domain-stack pieces (control surface,
// audit mirror backend) that have too many fields to carry comfortably as
// flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved configuration the supervisor runs with.
type Config struct {
	// Basedir is the directory containing one subdirectory per queue.
	// Required.
	Basedir string

	// RulesDir contains the rule handler files applied to every queue's
	// events, in reverse-alphabetical order. Required.
	RulesDir string

	// PIDFile, if non-empty, receives the supervisor's PID on startup.
	PIDFile string

	// AuditLogPath is the append-only hash-chained audit log path.
	AuditLogPath string

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string

	// Foreground is accepted on the command line but changes nothing:
	// ueventd never detaches or double-forks itself, and nothing reads this
	// field.
	Foreground bool

	// Overlay holds the optional YAML-sourced settings. Zero value is
	// valid: the control surface and audit mirror are simply disabled.
	Overlay Overlay
}

// Overlay is the YAML-file-only portion of configuration: the pieces with
// enough structure (TLS-adjacent paths, DSNs) that flags would be unwieldy.
type Overlay struct {
	// Control configures the optional HTTP control surface.
	// Zero value (empty ListenAddr) disables it.
	Control ControlConfig `yaml:"control"`

	// AuditMirror configures an optional durable mirror of the audit log.
	// Zero value (empty Backend) disables it.
	AuditMirror AuditMirrorConfig `yaml:"audit_mirror"`
}

// ControlConfig configures the read-only HTTP introspection API.
type ControlConfig struct {
	// ListenAddr is the control surface's bind address, e.g.
	// "127.0.0.1:9000". Empty disables the control surface.
	ListenAddr string `yaml:"listen_addr"`

	// JWTPublicKeyPath is the PEM-encoded RSA public key used to verify
	// bearer tokens presented to the control surface. Required whenever
	// ListenAddr is set.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`
}

// AuditMirrorConfig configures a durable mirror of audit entries.
type AuditMirrorConfig struct {
	// Backend selects the mirror implementation: "sqlite", "postgres", or
	// "" to disable mirroring.
	Backend string `yaml:"backend"`

	// DSN is the backend-specific connection string: a file path for
	// sqlite, a libpq connection URL for postgres.
	DSN string `yaml:"dsn"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validBackends = map[string]bool{
	"":         true,
	"sqlite":   true,
	"postgres": true,
}

// Load parses CLI flags from args (excluding the program name, as in
// flag.FlagSet.Parse), applies the optional --config YAML overlay, fills in
// defaults, and validates the result.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}
	var overlayPath string

	fs.StringVar(&cfg.Basedir, "basedir", "", "queue base directory (required)")
	fs.StringVar(&cfg.RulesDir, "rulesdir", "", "rule handler directory (required)")
	fs.StringVar(&cfg.PIDFile, "pidfile", "", "path to write the supervisor's PID")
	fs.StringVar(&cfg.AuditLogPath, "auditlog", "", "path to the tamper-evident audit log (required)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "log level: debug, info, warn, error")
	fs.BoolVar(&cfg.Foreground, "foreground", false, "do not detach from the controlling terminal")
	fs.StringVar(&overlayPath, "config", "", "optional YAML file for control-surface and audit-mirror settings")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if overlayPath != "" {
		data, err := os.ReadFile(overlayPath)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", overlayPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg.Overlay); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", overlayPath, err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Basedir == "" {
		errs = append(errs, errors.New("--basedir is required"))
	}
	if cfg.RulesDir == "" {
		errs = append(errs, errors.New("--rulesdir is required"))
	}
	if cfg.AuditLogPath == "" {
		errs = append(errs, errors.New("--auditlog is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("--loglevel %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Overlay.Control.ListenAddr != "" && cfg.Overlay.Control.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("control.jwt_public_key_path is required when control.listen_addr is set"))
	}
	if !validBackends[cfg.Overlay.AuditMirror.Backend] {
		errs = append(errs, fmt.Errorf("audit_mirror.backend %q must be one of: sqlite, postgres", cfg.Overlay.AuditMirror.Backend))
	}
	if cfg.Overlay.AuditMirror.Backend != "" && cfg.Overlay.AuditMirror.DSN == "" {
		errs = append(errs, errors.New("audit_mirror.dsn is required when audit_mirror.backend is set"))
	}

	return errors.Join(errs...)
}
