// Package config loads autocoder's run configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then the
// environment, then command line flags applied by the caller. Secrets are only
// ever read from the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultModel is the model passed to the agent runtime.
	DefaultModel = "claude-opus-4-5-20251101"
	// DefaultFileName is looked up in the project dir when no --config is given.
	DefaultFileName = "autocoder.yaml"

	EnvOAuthToken   = "CLAUDE_CODE_OAUTH_TOKEN"
	EnvLinearAPIKey = "LINEAR_API_KEY"
	EnvLogLevel     = "AUTOCODER_LOG_LEVEL"
)

// Config is the complete run configuration.
type Config struct {
	ProjectDir string `yaml:"project_dir" json:"project_dir" validate:"required"`
	Model      string `yaml:"model" json:"model" validate:"required"`

	// MaxIterations bounds the iterations of one process; 0 means unlimited.
	MaxIterations        int           `yaml:"max_iterations" json:"max_iterations" validate:"gte=0"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors" json:"max_consecutive_errors" validate:"gte=1"`
	SessionTimeout       time.Duration `yaml:"session_timeout" json:"session_timeout" validate:"gte=0"`
	// Delay is the pause between sessions; negative disables it.
	Delay            time.Duration `yaml:"delay" json:"delay"`
	CompletionMarker string        `yaml:"completion_marker" json:"completion_marker" validate:"required"`

	Security  SecurityConfig `yaml:"security" json:"security"`
	Runtime   RuntimeConfig  `yaml:"runtime" json:"runtime"`
	Git       GitConfig      `yaml:"git" json:"git"`
	Linear    LinearConfig   `yaml:"linear" json:"linear"`
	Parallel  ParallelConfig `yaml:"parallel" json:"parallel"`
	Logging   LoggingConfig  `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig  `yaml:"metrics" json:"metrics"`
	Artifacts ArtifactConfig `yaml:"artifacts" json:"artifacts"`
	Checks    []CheckConfig  `yaml:"checks" json:"checks" validate:"dive"`

	// Worker names this process in parallel mode; empty for a single run.
	Worker string `yaml:"-" json:"worker,omitempty"`

	OAuthToken   string `yaml:"-" json:"-"`
	LinearAPIKey string `yaml:"-" json:"-"`
}

// SecurityMode selects whether the command gate runs.
type SecurityMode string

const (
	SecurityStandard SecurityMode = "standard"
	SecurityYolo     SecurityMode = "yolo"
	// SecurityUltraYolo also turns off the runtime sandbox.
	SecurityUltraYolo SecurityMode = "ultra-yolo"
)

// Valid reports whether m is a known mode.
func (m SecurityMode) Valid() bool {
	switch m {
	case SecurityStandard, SecurityYolo, SecurityUltraYolo:
		return true
	}
	return false
}

// Unrestricted reports whether the command gate is off in mode m.
func (m SecurityMode) Unrestricted() bool {
	return m == SecurityYolo || m == SecurityUltraYolo
}

// SecurityConfig configures the command gate and path guard.
type SecurityConfig struct {
	Mode SecurityMode `yaml:"mode" json:"mode" validate:"oneof=standard yolo ultra-yolo"`
	// AllowedCommands replaces the default allowlist when non-empty.
	AllowedCommands []string `yaml:"allowed_commands" json:"allowed_commands" validate:"dive,required,excludesall=/"`
	// DeniedPaths are extra globs the file tools may not write.
	DeniedPaths []string `yaml:"denied_paths" json:"denied_paths"`
}

// RuntimeConfig configures the claude CLI.
type RuntimeConfig struct {
	Binary   string `yaml:"binary" json:"binary" validate:"required"`
	MaxTurns int    `yaml:"max_turns" json:"max_turns" validate:"gte=1"`
	// Browser enables the puppeteer MCP server.
	Browser bool `yaml:"browser" json:"browser"`
}

// GitConfig defines git operations after each session
type GitConfig struct {
	AutoCommit    bool   `yaml:"auto_commit" json:"auto_commit"`
	AutoPush      bool   `yaml:"auto_push" json:"auto_push"`
	Remote        string `yaml:"remote" json:"remote"`
	CommitMessage string `yaml:"commit_message" json:"commit_message"`
	AuthorName    string `yaml:"author_name" json:"author_name"`
	AuthorEmail   string `yaml:"author_email" json:"author_email" validate:"omitempty,email"`
}

// LinearConfig configures the issue tracker client.
type LinearConfig struct {
	APIURL       string        `yaml:"api_url" json:"api_url" validate:"omitempty,url"`
	ClaimRetries int           `yaml:"claim_retries" json:"claim_retries" validate:"gte=0"`
	ClaimBackoff time.Duration `yaml:"claim_backoff" json:"claim_backoff" validate:"gte=0"`
	CacheTTL     time.Duration `yaml:"cache_ttl" json:"cache_ttl" validate:"gte=0"`
	// ReportToMeta posts a session summary on the META issue.
	ReportToMeta bool `yaml:"report_to_meta" json:"report_to_meta"`
}

// ParallelConfig configures `autocoder parallel`.
type ParallelConfig struct {
	Workers int `yaml:"workers" json:"workers" validate:"gte=1,lte=16"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Level is DEBUG, INFO, WARNING or ERROR.
	Level string `yaml:"level" json:"level" validate:"oneof=DEBUG INFO WARNING ERROR"`
	// Dir is relative to the project dir unless absolute.
	Dir string `yaml:"dir" json:"dir" validate:"required"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `yaml:"addr" json:"addr" validate:"omitempty,hostname_port"`
}

// ArtifactConfig defines artifact generation configuration
type ArtifactConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	OutputDir string `yaml:"output_dir" json:"output_dir"`
}

// CheckConfig is a command run in the project after each completed session,
// such as the test suite. Failed required checks are fed back to the agent.
type CheckConfig struct {
	Name     string        `yaml:"name" json:"name" validate:"required"`
	Command  string        `yaml:"command" json:"command" validate:"required"`
	Required bool          `yaml:"required" json:"required"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		ProjectDir:           ".",
		Model:                DefaultModel,
		MaxConsecutiveErrors: 3,
		Delay:                3 * time.Second,
		CompletionMarker:     "ALL_TASKS_COMPLETE",
		Security: SecurityConfig{
			Mode: SecurityStandard,
		},
		Runtime: RuntimeConfig{
			Binary:   "claude",
			MaxTurns: 1000,
			Browser:  true,
		},
		Git: GitConfig{
			AutoCommit:    true,
			AutoPush:      true,
			Remote:        "origin",
			CommitMessage: "chore: autocoder session %s",
			AuthorName:    "autocoder[bot]",
			AuthorEmail:   "autocoder@users.noreply.github.com",
		},
		Linear: LinearConfig{
			ClaimRetries: 5,
			ClaimBackoff: 2 * time.Second,
			CacheTTL:     5 * time.Minute,
			ReportToMeta: true,
		},
		Parallel: ParallelConfig{
			Workers: 2,
		},
		Logging: LoggingConfig{
			Level: "INFO",
			Dir:   "logs",
		},
		Artifacts: ArtifactConfig{
			Enabled:   true,
			OutputDir: ".autocoder/artifacts",
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Field: "config", Msg: fmt.Sprintf("cannot read %s", path), Err: err}
	}
	if err := cfg.decode(data); err != nil {
		return nil, &Error{Field: "config", Msg: fmt.Sprintf("invalid YAML in %s", path), Err: err}
	}
	return cfg, nil
}

// LoadProject loads <projectDir>/autocoder.yaml when it exists, defaults otherwise.
func LoadProject(projectDir string) (*Config, error) {
	path := filepath.Join(projectDir, DefaultFileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		cfg.ProjectDir = projectDir
		return cfg, nil
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.ProjectDir == "." || cfg.ProjectDir == "" {
		cfg.ProjectDir = projectDir
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv copies secrets and the default log level from the environment.
// getenv is usually os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvOAuthToken); v != "" {
		c.OAuthToken = v
	}
	if v := getenv(EnvLinearAPIKey); v != "" {
		c.LinearAPIKey = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// LogDir resolves Logging.Dir against the project dir.
func (c *Config) LogDir() string {
	if filepath.IsAbs(c.Logging.Dir) {
		return c.Logging.Dir
	}
	return filepath.Join(c.ProjectDir, c.Logging.Dir)
}

// ArtifactDir resolves Artifacts.OutputDir against the project dir.
func (c *Config) ArtifactDir() string {
	if filepath.IsAbs(c.Artifacts.OutputDir) {
		return c.Artifacts.OutputDir
	}
	return filepath.Join(c.ProjectDir, c.Artifacts.OutputDir)
}
