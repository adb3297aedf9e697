package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "./data/promoter.db", cfg.Database.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "main", cfg.Release.Branch)
	assert.True(t, cfg.Release.RequireApproval)
	assert.False(t, cfg.Swarm.Enabled)
	assert.False(t, cfg.Kubernetes.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Kubernetes.RolloutTimeout)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Retry.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.Dispatcher.Interval)
	assert.Equal(t, 2, cfg.Dispatcher.MaxConcurrent)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
server:
  host: "127.0.0.1"
  port: 9000
  token: "s3cret"

database:
  dsn: "/tmp/test.db"

log:
  level: "debug"
  format: "text"

release:
  branch: "release"
  require_approval: false

swarm:
  enabled: true
  host: "manager.example"
  user: "deploy"
  service: "web"
  ports: ["80:8080", "443:8443"]
  env: ["LOG_LEVEL=debug"]
  registry:
    username: ci
    server: registry.example

kubernetes:
  enabled: true
  context: prod
  manifest_file: deploy/k8s.yaml
  rollout_timeout: 90s

retry:
  attempts: 5
  initial_backoff: 1s
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Address())
	assert.Equal(t, "s3cret", cfg.Server.Token)
	assert.Equal(t, "/tmp/test.db", cfg.Database.DSN)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "release", cfg.Release.Branch)
	assert.Equal(t, "manager.example", cfg.Swarm.Host)
	assert.Equal(t, 22, cfg.Swarm.Port)
	assert.Equal(t, []string{"80:8080", "443:8443"}, cfg.Swarm.Ports)
	assert.Equal(t, []string{"LOG_LEVEL=debug"}, cfg.Swarm.Env)
	assert.Equal(t, "ci", cfg.Swarm.Registry.Username)
	assert.Equal(t, "prod", cfg.Kubernetes.Context)
	assert.Equal(t, 90*time.Second, cfg.Kubernetes.RolloutTimeout)
	assert.Equal(t, 5, cfg.Retry.Attempts)

	gates := cfg.GatePolicy()
	assert.Equal(t, "release", gates.Gate(domain.TargetSwarm).ReleaseBranch)
	assert.False(t, gates.Gate(domain.TargetKubernetes).RequireApproval)

	retry := cfg.RetryConfig()
	assert.Equal(t, 5, retry.Attempts)
	assert.Equal(t, time.Second, retry.InitialBackoff)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("PROMOTER_SERVER_PORT", "3000")
	t.Setenv("PROMOTER_DATABASE_DSN", "/custom/path.db")
	t.Setenv("PROMOTER_LOG_LEVEL", "warn")
	t.Setenv("PROMOTER_RELEASE_BRANCH", "trunk")
	t.Setenv("PROMOTER_KUBERNETES_ENABLED", "true")
	t.Setenv("PROMOTER_KUBERNETES_DEPLOYMENT", "web")
	t.Setenv("PROMOTER_RETRY_ATTEMPTS", "4")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "trunk", cfg.Release.Branch)
	assert.True(t, cfg.Kubernetes.Enabled)
	assert.Equal(t, "web", cfg.Kubernetes.Deployment)
	assert.Equal(t, 4, cfg.Retry.Attempts)
}

func TestLoadConfig_FileNotFound_UsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("invalid: yaml: content: [[["), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

// =============================================================================
// Config Validation Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Release:    ReleaseConfig{Branch: "main"},
			Swarm:      SwarmConfig{Enabled: true, Host: "manager", Service: "web"},
			Kubernetes: KubernetesConfig{Enabled: true, Deployment: "web"},
			Retry:      RetryConfig{Attempts: 3},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"docker host instead of ssh", func(c *Config) { c.Swarm.Host = ""; c.Swarm.DockerHost = "unix:///var/run/docker.sock" }, ""},
		{"no release branch", func(c *Config) { c.Release.Branch = " " }, "release.branch"},
		{"no swarm service", func(c *Config) { c.Swarm.Service = "" }, "swarm.service"},
		{"no swarm host", func(c *Config) { c.Swarm.Host = "" }, "swarm.host"},
		{"no kubernetes workload", func(c *Config) { c.Kubernetes.Deployment = "" }, "kubernetes.deployment"},
		{"gitlab without token", func(c *Config) { c.GitLab = GitLabConfig{Enabled: true, Project: "42"} }, "gitlab.token"},
		{"no attempts", func(c *Config) { c.Retry.Attempts = 0 }, "retry.attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// =============================================================================
// Logger Setup Tests
// =============================================================================

func TestSetupLogger_Formats(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger(&Config{Log: LogConfig{Level: "info", Format: "json"}}, &buf)
	logger.Info("hello", "component", "test")
	assert.Contains(t, buf.String(), `"msg":"hello"`)

	buf.Reset()
	logger = SetupLogger(&Config{Log: LogConfig{Level: "info", Format: "text"}}, &buf)
	logger.Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestSetupLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := SetupLogger(&Config{Log: LogConfig{Level: "warn"}}, &buf)
	logger.Info("quiet")
	assert.Empty(t, buf.String())
	logger.Warn("loud")
	assert.Contains(t, buf.String(), "loud")

	buf.Reset()
	logger = SetupLogger(&Config{Log: LogConfig{Level: "invalid"}}, &buf)
	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

// =============================================================================
// Test Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "PROMOTER_") {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}
