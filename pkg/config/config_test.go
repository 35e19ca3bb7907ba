package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate(false))

	assert.Equal(t, DefaultModel, cfg.Model)
	assert.Equal(t, 3*time.Second, cfg.Delay)
	assert.Equal(t, SecurityStandard, cfg.Security.Mode)
	assert.Zero(t, cfg.MaxIterations)
	assert.Equal(t, 5, cfg.Linear.ClaimRetries)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "autocoder.yaml", `
model: claude-sonnet-4-5
max_iterations: 5
session_timeout: 30m
security:
  mode: yolo
  allowed_commands: [git, npm]
git:
  auto_push: false
parallel:
  workers: 4
checks:
  - name: tests
    command: npm test
    required: true
    timeout: 10m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate(false))

	assert.Equal(t, "claude-sonnet-4-5", cfg.Model)
	assert.Equal(t, 5, cfg.MaxIterations)
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, SecurityYolo, cfg.Security.Mode)
	assert.Equal(t, []string{"git", "npm"}, cfg.Security.AllowedCommands)
	assert.False(t, cfg.Git.AutoPush)
	assert.Equal(t, 4, cfg.Parallel.Workers)
	assert.Equal(t, []CheckConfig{{Name: "tests", Command: "npm test", Required: true, Timeout: 10 * time.Minute}}, cfg.Checks)

	// Untouched keys keep their defaults.
	assert.True(t, cfg.Git.AutoCommit)
	assert.Equal(t, "origin", cfg.Git.Remote)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("empty file returns defaults", func(t *testing.T) {
		cfg, err := Load(writeFile(t, dir, "empty.yaml", ""))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.yaml"))
		var cfgErr *Error
		require.True(t, errors.As(err, &cfgErr))
		assert.True(t, errors.Is(err, os.ErrNotExist))
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Load(writeFile(t, dir, "typo.yaml", "max_iteration: 3\n"))
		assert.ErrorContains(t, err, "invalid YAML")
	})

	t.Run("bad duration", func(t *testing.T) {
		_, err := Load(writeFile(t, dir, "dur.yaml", "session_timeout: soon\n"))
		assert.Error(t, err)
	})
}

func TestLoadProject(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadProject(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ProjectDir)
	assert.Equal(t, filepath.Join(dir, "logs"), cfg.LogDir())
	assert.Equal(t, filepath.Join(dir, ".autocoder", "artifacts"), cfg.ArtifactDir())

	writeFile(t, dir, DefaultFileName, "max_iterations: 2\n")
	cfg, err = LoadProject(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.ProjectDir)
	assert.Equal(t, 2, cfg.MaxIterations)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		secrets bool
		field   string
	}{
		{"bad security mode", func(c *Config) { c.Security.Mode = "paranoid" }, false, "security.mode"},
		{"no workers", func(c *Config) { c.Parallel.Workers = 0 }, false, "parallel.workers"},
		{"too many workers", func(c *Config) { c.Parallel.Workers = 17 }, false, "parallel.workers"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, false, "logging.level"},
		{"negative iterations", func(c *Config) { c.MaxIterations = -1 }, false, "max_iterations"},
		{"empty model", func(c *Config) { c.Model = "" }, false, "model"},
		{"bad metrics addr", func(c *Config) { c.Metrics.Addr = "metrics" }, false, "metrics.addr"},
		{"command with path", func(c *Config) { c.Security.AllowedCommands = []string{"/bin/sh"} }, false, "security.allowed_commands[0]"},
		{"check without command", func(c *Config) { c.Checks = []CheckConfig{{Name: "tests"}} }, false, "checks[0].command"},
		{"push without commit", func(c *Config) { c.Git.AutoCommit = false }, false, "git.auto_push"},
		{"missing oauth token", func(c *Config) { c.LinearAPIKey = "lin" }, true, EnvOAuthToken},
		{"missing linear key", func(c *Config) { c.OAuthToken = "tok" }, true, EnvLinearAPIKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate(tt.secrets)
			var cfgErr *Error
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestValidate_Accepts(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = " warn "
	cfg.Metrics.Addr = ":9090"
	cfg.OAuthToken = "tok"
	cfg.LinearAPIKey = "lin"

	require.NoError(t, cfg.Validate(true))
	assert.Equal(t, "WARNING", cfg.Logging.Level)

	cfg.Metrics.Addr = "localhost:9090"
	assert.NoError(t, cfg.Validate(true))

	cfg.Security.Mode = SecurityUltraYolo
	assert.NoError(t, cfg.Validate(true))
}

func TestSecurityMode(t *testing.T) {
	tests := []struct {
		mode         SecurityMode
		valid        bool
		unrestricted bool
	}{
		{SecurityStandard, true, false},
		{SecurityYolo, true, true},
		{SecurityUltraYolo, true, true},
		{"paranoid", false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, tt.mode.Valid(), tt.mode)
		assert.Equal(t, tt.unrestricted, tt.mode.Unrestricted(), tt.mode)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvOAuthToken:   "oauth",
		EnvLinearAPIKey: "lin_api",
		EnvLogLevel:     "DEBUG",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "oauth", cfg.OAuthToken)
	assert.Equal(t, "lin_api", cfg.LinearAPIKey)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)

	// Unset variables leave values alone.
	cfg.ApplyEnv(func(string) string { return "" })
	assert.Equal(t, "oauth", cfg.OAuthToken)
}

func TestLoadDotEnv(t *testing.T) {
	work, project := t.TempDir(), t.TempDir()
	writeFile(t, work, ".env", "AUTOCODER_TEST_FRESH=from-work\nAUTOCODER_TEST_SET=from-file\n")
	writeFile(t, project, ".env", "AUTOCODER_TEST_FRESH=from-project\n")

	// Register cleanup for both, then make FRESH unset.
	t.Setenv("AUTOCODER_TEST_FRESH", "")
	require.NoError(t, os.Unsetenv("AUTOCODER_TEST_FRESH"))
	t.Setenv("AUTOCODER_TEST_SET", "from-env")

	loaded, err := LoadDotEnv(work, project, work, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, loaded, 2)

	// The first file wins and the existing environment is never overridden.
	assert.Equal(t, "from-work", os.Getenv("AUTOCODER_TEST_FRESH"))
	assert.Equal(t, "from-env", os.Getenv("AUTOCODER_TEST_SET"))
}

func TestLoadDotEnv_Error(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".env", "X=1\n")

	orig := loadDotEnv
	loadDotEnv = func(...string) error { return errors.New("boom") }
	t.Cleanup(func() { loadDotEnv = orig })

	_, err := LoadDotEnv(dir)
	var cfgErr *Error
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, 2, ExitCode)
}
