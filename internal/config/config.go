// Package config holds the server's fixed configuration record and the
// hand-rolled flag parser that fills it in, generalizing the reference
// engine's dynamic run-config YAML into an explicitly enumerated struct.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// LogFileLocation enumerates where a run_file execution's extra log copy
// (and, for workspace/custom, the server's own --log-file) is placed. The
// worker's rolling per-session log always stays in its session directory.
type LogFileLocation string

const (
	LogLocationDofile    LogFileLocation = "dofile"
	LogLocationParent    LogFileLocation = "parent"
	LogLocationWorkspace LogFileLocation = "workspace"
	LogLocationExtension LogFileLocation = "extension"
	LogLocationCustom    LogFileLocation = "custom"
)

// StataEdition enumerates the Stata editions the worker can launch.
type StataEdition string

const (
	EditionMP StataEdition = "mp"
	EditionSE StataEdition = "se"
	EditionBE StataEdition = "be"
)

// ResultDisplayMode selects the default output filter mode (spec §4.3).
type ResultDisplayMode string

const (
	DisplayCompact ResultDisplayMode = "compact"
	DisplayFull    ResultDisplayMode = "full"
)

// LogLevel gates internal/logging verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// Config is the fully-typed server configuration record (spec §6, §10).
// Every field here corresponds to one CLI flag; ConfigFile is the one
// addition not in spec.md, layered underneath CLI overrides.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ForcePort bool `yaml:"force_port"`

	StataPath    string       `yaml:"stata_path"`
	StataEdition StataEdition `yaml:"stata_edition"`

	LogFile         string          `yaml:"log_file"`
	LogFileLocation LogFileLocation `yaml:"log_file_location"`
	CustomLogDir    string          `yaml:"custom_log_directory"`

	WorkspaceRoot string `yaml:"workspace_root"`

	ResultDisplayMode ResultDisplayMode `yaml:"result_display_mode"`
	MaxOutputTokens   int               `yaml:"max_output_tokens"`

	LogLevel LogLevel `yaml:"log_level"`

	MultiSession   bool `yaml:"multi_session"`
	MaxSessions    int  `yaml:"max_sessions"`
	SessionTimeout int  `yaml:"session_timeout"` // seconds

	ConfigFile string `yaml:"-"`
}

// Default returns the built-in defaults, applied before the config file and
// CLI overrides.
func Default() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              4000,
		StataEdition:      EditionMP,
		LogFileLocation:   LogLocationWorkspace,
		ResultDisplayMode: DisplayCompact,
		MaxOutputTokens:   4000,
		LogLevel:          LogInfo,
		MultiSession:      true,
		MaxSessions:       8,
		SessionTimeout:    1800,
	}
}

// Parse builds a Config from defaults, an optional --config-file YAML
// layer, and CLI argument overrides, in that precedence order (lowest to
// highest), mirroring the reference run-config loader's layering.
func Parse(args []string) (Config, error) {
	cfg := Default()

	configFile, rest := extractConfigFile(args)
	if configFile != "" {
		if err := mergeYAMLFile(&cfg, configFile); err != nil {
			return Config{}, fmt.Errorf("--config-file: %w", err)
		}
		cfg.ConfigFile = configFile
	}

	for i := 0; i < len(rest); i++ {
		arg := rest[i]
		next := func() (string, error) {
			i++
			if i >= len(rest) {
				return "", fmt.Errorf("%s requires a value", arg)
			}
			return rest[i], nil
		}
		var err error
		switch arg {
		case "--host":
			cfg.Host, err = next()
		case "--port":
			var v string
			if v, err = next(); err == nil {
				cfg.Port, err = strconv.Atoi(v)
			}
		case "--force-port":
			cfg.ForcePort = true
		case "--stata-path":
			cfg.StataPath, err = next()
		case "--stata-edition":
			var v string
			if v, err = next(); err == nil {
				err = assignEdition(&cfg, v)
			}
		case "--log-file":
			cfg.LogFile, err = next()
		case "--log-file-location":
			var v string
			if v, err = next(); err == nil {
				err = assignLogLocation(&cfg, v)
			}
		case "--custom-log-directory":
			cfg.CustomLogDir, err = next()
		case "--workspace-root":
			cfg.WorkspaceRoot, err = next()
		case "--result-display-mode":
			var v string
			if v, err = next(); err == nil {
				err = assignDisplayMode(&cfg, v)
			}
		case "--max-output-tokens":
			var v string
			if v, err = next(); err == nil {
				cfg.MaxOutputTokens, err = strconv.Atoi(v)
			}
		case "--log-level":
			var v string
			if v, err = next(); err == nil {
				err = assignLogLevel(&cfg, v)
			}
		case "--multi-session":
			cfg.MultiSession = true
		case "--max-sessions":
			var v string
			if v, err = next(); err == nil {
				cfg.MaxSessions, err = strconv.Atoi(v)
			}
		case "--session-timeout":
			var v string
			if v, err = next(); err == nil {
				cfg.SessionTimeout, err = strconv.Atoi(v)
			}
		default:
			err = fmt.Errorf("unknown flag: %s", arg)
		}
		if err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated fields and bounds. Called once after parsing.
func (c Config) Validate() error {
	switch c.StataEdition {
	case EditionMP, EditionSE, EditionBE:
	default:
		return fmt.Errorf("invalid stata edition: %s", c.StataEdition)
	}
	switch c.LogFileLocation {
	case LogLocationDofile, LogLocationParent, LogLocationWorkspace, LogLocationExtension, LogLocationCustom:
	default:
		return fmt.Errorf("invalid log file location: %s", c.LogFileLocation)
	}
	if c.LogFileLocation == LogLocationCustom && c.CustomLogDir == "" {
		return fmt.Errorf("--custom-log-directory is required when --log-file-location=custom")
	}
	switch c.ResultDisplayMode {
	case DisplayCompact, DisplayFull:
	default:
		return fmt.Errorf("invalid result display mode: %s", c.ResultDisplayMode)
	}
	switch c.LogLevel {
	case LogDebug, LogInfo, LogWarn, LogError:
	default:
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	if c.MaxOutputTokens < 0 {
		return fmt.Errorf("--max-output-tokens must be >= 0 (0 means unlimited)")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("--max-sessions must be > 0")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("--session-timeout must be > 0")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("--port out of range: %d", c.Port)
	}
	return nil
}

func extractConfigFile(args []string) (string, []string) {
	for i, a := range args {
		if a == "--config-file" && i+1 < len(args) {
			rest := make([]string, 0, len(args)-2)
			rest = append(rest, args[:i]...)
			rest = append(rest, args[i+2:]...)
			return args[i+1], rest
		}
	}
	return "", args
}

func mergeYAMLFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, cfg)
}

func assignEdition(cfg *Config, v string) error {
	switch StataEdition(v) {
	case EditionMP, EditionSE, EditionBE:
		cfg.StataEdition = StataEdition(v)
		return nil
	default:
		return fmt.Errorf("invalid --stata-edition: %s", v)
	}
}

func assignLogLocation(cfg *Config, v string) error {
	switch LogFileLocation(v) {
	case LogLocationDofile, LogLocationParent, LogLocationWorkspace, LogLocationExtension, LogLocationCustom:
		cfg.LogFileLocation = LogFileLocation(v)
		return nil
	default:
		return fmt.Errorf("invalid --log-file-location: %s", v)
	}
}

func assignDisplayMode(cfg *Config, v string) error {
	switch ResultDisplayMode(v) {
	case DisplayCompact, DisplayFull:
		cfg.ResultDisplayMode = ResultDisplayMode(v)
		return nil
	default:
		return fmt.Errorf("invalid --result-display-mode: %s", v)
	}
}

func assignLogLevel(cfg *Config, v string) error {
	switch LogLevel(v) {
	case LogDebug, LogInfo, LogWarn, LogError:
		cfg.LogLevel = LogLevel(v)
		return nil
	default:
		return fmt.Errorf("invalid --log-level: %s", v)
	}
}
