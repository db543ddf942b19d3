// Package config loads FerretBot's process-level configuration from a TOML
// file, merging it with sensible defaults the way the teacher project layers
// global and project configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// ProviderKind selects which LLM provider backend to construct.
type ProviderKind string

const (
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderOpenAI    ProviderKind = "openai"
)

// PathsConfig holds directories FerretBot reads and writes.
type PathsConfig struct {
	WorkflowDir  string `toml:"workflow_dir"`  // Root directory workflow.yaml files are loaded from
	StorageDir   string `toml:"storage_dir"`   // Where run-<id>.json snapshots live
	WorkspaceDir string `toml:"workspace_dir"` // Root directory system steps and tools write within
}

// IPCConfig holds gateway listener settings.
type IPCConfig struct {
	Socket string `toml:"socket"` // Unix socket path; empty disables the unix listener
	Host   string `toml:"host"`   // TCP host; empty disables the tcp listener
	Port   int    `toml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// ContextConfig holds context-assembler budget defaults (§4.5).
type ContextConfig struct {
	ContextLimit           int     `toml:"context_limit"`
	OutputReserve          int     `toml:"output_reserve"` // 0 means auto-derive from ContextLimit
	CompletionSafetyBuffer int     `toml:"completion_safety_buffer"`
	CharsPerToken          float64 `toml:"chars_per_token"`
	SafetyMargin           float64 `toml:"safety_margin"`
}

// ProviderConfig selects and configures the LLM provider collaborator.
type ProviderConfig struct {
	Kind        ProviderKind `toml:"kind"`
	Model       string       `toml:"model"`
	HighModel   string       `toml:"high_model"`
	SmallModel  string       `toml:"small_model"`
	MaxTokens   int          `toml:"max_tokens"`
	Temperature float64      `toml:"temperature"`
	APIKeyEnv   string       `toml:"api_key_env"` // Environment variable holding the API key
}

// Config is the top-level FerretBot process configuration.
type Config struct {
	Version  string         `toml:"version"`
	Paths    PathsConfig    `toml:"paths"`
	IPC      IPCConfig      `toml:"ipc"`
	Logging  LoggingConfig  `toml:"logging"`
	Context  ContextConfig  `toml:"context"`
	Provider ProviderConfig `toml:"provider"`
}

// Default returns a Config with sensible defaults, mirroring the teacher's
// layered-defaults-then-overrides philosophy.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			WorkflowDir:  ".ferretbot/workflows",
			StorageDir:   ".ferretbot/runs",
			WorkspaceDir: ".ferretbot/workspace",
		},
		IPC: IPCConfig{
			Socket: ".ferretbot/ferretbot.sock",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
			File:   ".ferretbot/ferretbot.log",
		},
		Context: ContextConfig{
			ContextLimit:           32000,
			CompletionSafetyBuffer: 32,
			CharsPerToken:          4,
			SafetyMargin:           1.1,
		},
		Provider: ProviderConfig{
			Kind:        ProviderAnthropic,
			Model:       "claude-sonnet-4-5",
			MaxTokens:   4096,
			Temperature: 1.0,
			APIKeyEnv:   "ANTHROPIC_API_KEY",
		},
	}
}

// Load reads configuration from path, falling back to defaults if the file
// does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations under dir,
// applying defaults, then ~/.ferretbot/config.toml, then
// <dir>/.ferretbot/config.toml, each layer overriding the previous.
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		globalConfig := filepath.Join(home, ".ferretbot", "config.toml")
		if data, err := os.ReadFile(globalConfig); err == nil {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing global config: %w", err)
			}
		}
	}

	projectConfig := filepath.Join(dir, ".ferretbot", "config.toml")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("config version is required")
	}
	if c.Paths.WorkflowDir == "" {
		return fmt.Errorf("paths.workflow_dir is required")
	}
	if c.Paths.StorageDir == "" {
		return fmt.Errorf("paths.storage_dir is required")
	}
	if c.IPC.Socket == "" && c.IPC.Host == "" {
		return fmt.Errorf("ipc requires at least one of socket or host+port")
	}
	if c.Context.ContextLimit <= 0 {
		return fmt.Errorf("context.context_limit must be positive")
	}
	return nil
}

// WorkflowDir returns the absolute workflow directory path.
func (c *Config) WorkflowDir(baseDir string) string {
	return resolve(baseDir, c.Paths.WorkflowDir)
}

// StorageDir returns the absolute run-storage directory path.
func (c *Config) StorageDir(baseDir string) string {
	return resolve(baseDir, c.Paths.StorageDir)
}

// WorkspaceDir returns the absolute workspace directory path.
func (c *Config) WorkspaceDir(baseDir string) string {
	return resolve(baseDir, c.Paths.WorkspaceDir)
}

// LogFile returns the absolute log file path.
func (c *Config) LogFile(baseDir string) string {
	return resolve(baseDir, c.Logging.File)
}

// SocketPath returns the absolute unix socket path, or empty if unix IPC is disabled.
func (c *Config) SocketPath(baseDir string) string {
	if c.IPC.Socket == "" {
		return ""
	}
	return resolve(baseDir, c.IPC.Socket)
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// ResolveOutputReserve applies the §4.5 clamp-and-default formula:
// ceil(contextLimit*0.15) clamped into [256, 4096], unless explicitly set.
func (c *ContextConfig) ResolveOutputReserve() int {
	if c.OutputReserve > 0 {
		return clamp(c.OutputReserve, 256, 4096)
	}
	derived := int((float64(c.ContextLimit)*0.15)+0.999999)
	return clamp(derived, 256, 4096)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DefaultCompletionSafetyBuffer is used when ContextConfig.CompletionSafetyBuffer is unset.
const DefaultCompletionSafetyBuffer = 32

// SafetyBuffer returns the configured completion safety buffer, defaulting per §4.5.
func (c *ContextConfig) SafetyBuffer() int {
	if c.CompletionSafetyBuffer > 0 {
		return c.CompletionSafetyBuffer
	}
	return DefaultCompletionSafetyBuffer
}

// EstimatorDefaults fills in the §4.5 token-estimation defaults (charsPerToken=4, safetyMargin=1.1).
func (c *ContextConfig) EstimatorDefaults() (charsPerToken, safetyMargin float64) {
	charsPerToken = c.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	safetyMargin = c.SafetyMargin
	if safetyMargin <= 0 {
		safetyMargin = 1.1
	}
	return
}

// DefaultDialTimeout is a sane default client dial/call timeout; not currently
// configurable, kept as a named constant so callers don't sprinkle literals.
const DefaultDialTimeout = 5 * time.Second
