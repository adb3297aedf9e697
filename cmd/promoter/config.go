package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/artpar/promoter/internal/shell/promoter"
	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Log        LogConfig        `mapstructure:"log"`
	Release    ReleaseConfig    `mapstructure:"release"`
	Swarm      SwarmConfig      `mapstructure:"swarm"`
	Kubernetes KubernetesConfig `mapstructure:"kubernetes"`
	Retry      RetryConfig      `mapstructure:"retry"`
	GitLab     GitLabConfig     `mapstructure:"gitlab"`
	Report     ReportConfig     `mapstructure:"report"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// Token protects /api/v1. Empty disables the check.
	Token string `mapstructure:"token"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ReleaseConfig holds the environment gates.
type ReleaseConfig struct {
	// Branch is the only branch whose runs are deployed.
	Branch string `mapstructure:"branch"`
	// RequireApproval gates the Kubernetes target on a manual approval.
	RequireApproval bool `mapstructure:"require_approval"`
}

// SwarmConfig holds the swarm manager connection and service definition.
type SwarmConfig struct {
	Enabled        bool           `mapstructure:"enabled"`
	Host           string         `mapstructure:"host"`
	Port           int            `mapstructure:"port"`
	User           string         `mapstructure:"user"`
	PrivateKeyFile string         `mapstructure:"private_key_file"`
	KnownHostsFile string         `mapstructure:"known_hosts_file"`
	Socket         string         `mapstructure:"socket"`
	DockerHost     string         `mapstructure:"docker_host"`
	ConnectTimeout time.Duration  `mapstructure:"connect_timeout"`
	Service        string         `mapstructure:"service"`
	StackFile      string         `mapstructure:"stack_file"`
	Ports          []string       `mapstructure:"ports"`
	Replicas       uint64         `mapstructure:"replicas"`
	Env            []string       `mapstructure:"env"` // KEY=VALUE
	URLTemplate    string         `mapstructure:"url_template"`
	Registry       RegistryConfig `mapstructure:"registry"`
}

// RegistryConfig holds the credentials swarm nodes pull with.
type RegistryConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Server   string `mapstructure:"server"`
}

// KubernetesConfig holds the cluster selection and workload definition.
type KubernetesConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Kubeconfig     string        `mapstructure:"kubeconfig"`
	Context        string        `mapstructure:"context"`
	Namespace      string        `mapstructure:"namespace"`
	ManifestFile   string        `mapstructure:"manifest_file"`
	Deployment     string        `mapstructure:"deployment"`
	Container      string        `mapstructure:"container"`
	RolloutTimeout time.Duration `mapstructure:"rollout_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	URLTemplate    string        `mapstructure:"url_template"`
}

// RetryConfig bounds the retries of transient failures.
type RetryConfig struct {
	Attempts       int           `mapstructure:"attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Factor         float64       `mapstructure:"factor"`
	Jitter         float64       `mapstructure:"jitter"`
}

// GitLabConfig holds commit status reporting configuration.
type GitLabConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	BaseURL      string `mapstructure:"base_url"`
	Token        string `mapstructure:"token"`
	Project      string `mapstructure:"project"`
	StatusPrefix string `mapstructure:"status_prefix"`
}

// ReportConfig holds local report outputs.
type ReportConfig struct {
	// DotenvFile receives the outcomes as a dotenv artifact. Empty disables it.
	DotenvFile string `mapstructure:"dotenv_file"`
}

// DispatcherConfig holds the background worker configuration of serve.
type DispatcherConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RunTimeout    time.Duration `mapstructure:"run_timeout"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("PROMOTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.token", "")
	v.SetDefault("database.dsn", "./data/promoter.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("release.branch", "main")
	v.SetDefault("release.require_approval", true)

	v.SetDefault("swarm.enabled", false)
	v.SetDefault("swarm.host", "")
	v.SetDefault("swarm.port", 22)
	v.SetDefault("swarm.user", "root")
	v.SetDefault("swarm.private_key_file", "")
	v.SetDefault("swarm.known_hosts_file", "")
	v.SetDefault("swarm.socket", "")
	v.SetDefault("swarm.docker_host", "")
	v.SetDefault("swarm.connect_timeout", "10s")
	v.SetDefault("swarm.service", "")
	v.SetDefault("swarm.stack_file", "")
	v.SetDefault("swarm.ports", []string{})
	v.SetDefault("swarm.replicas", 0)
	v.SetDefault("swarm.env", []string{})
	v.SetDefault("swarm.url_template", "")
	v.SetDefault("swarm.registry.username", "")
	v.SetDefault("swarm.registry.password", "")
	v.SetDefault("swarm.registry.server", "")

	v.SetDefault("kubernetes.enabled", false)
	v.SetDefault("kubernetes.kubeconfig", "")
	v.SetDefault("kubernetes.context", "")
	v.SetDefault("kubernetes.namespace", "")
	v.SetDefault("kubernetes.manifest_file", "")
	v.SetDefault("kubernetes.deployment", "")
	v.SetDefault("kubernetes.container", "")
	v.SetDefault("kubernetes.rollout_timeout", "5m")
	v.SetDefault("kubernetes.poll_interval", "2s")
	v.SetDefault("kubernetes.url_template", "")

	v.SetDefault("retry.attempts", promoter.DefaultAttempts)
	v.SetDefault("retry.initial_backoff", "2s")
	v.SetDefault("retry.max_backoff", "30s")
	v.SetDefault("retry.factor", promoter.DefaultBackoffFactor)
	v.SetDefault("retry.jitter", 0.1)

	v.SetDefault("gitlab.enabled", false)
	v.SetDefault("gitlab.base_url", "")
	v.SetDefault("gitlab.token", "")
	v.SetDefault("gitlab.project", "")
	v.SetDefault("gitlab.status_prefix", "promoter")

	v.SetDefault("report.dotenv_file", "")

	v.SetDefault("dispatcher.interval", "10s")
	v.SetDefault("dispatcher.max_concurrent", 2)
	v.SetDefault("dispatcher.run_timeout", "0s")
	v.SetDefault("dispatcher.probe_interval", "30s")
}

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Release.Branch) == "" {
		return errors.New("release.branch is required")
	}
	if c.Swarm.Enabled {
		if c.Swarm.Service == "" {
			return errors.New("swarm.service is required when swarm is enabled")
		}
		if c.Swarm.DockerHost == "" && c.Swarm.Host == "" {
			return errors.New("swarm.host or swarm.docker_host is required when swarm is enabled")
		}
	}
	if c.Kubernetes.Enabled && c.Kubernetes.Deployment == "" && c.Kubernetes.ManifestFile == "" {
		return errors.New("kubernetes.deployment or kubernetes.manifest_file is required when kubernetes is enabled")
	}
	if c.GitLab.Enabled && (c.GitLab.Token == "" || c.GitLab.Project == "") {
		return errors.New("gitlab.token and gitlab.project are required when gitlab reporting is enabled")
	}
	if c.Retry.Attempts < 1 {
		return errors.New("retry.attempts must be at least 1")
	}
	return nil
}

// GatePolicy builds the environment gates from the release settings.
func (c *Config) GatePolicy() domain.GatePolicy {
	policy := domain.DefaultGatePolicy(c.Release.Branch)
	k8s := policy[domain.TargetKubernetes]
	k8s.RequireApproval = c.Release.RequireApproval
	policy[domain.TargetKubernetes] = k8s
	return policy
}

// RetryConfig converts the retry settings.
func (c *Config) RetryConfig() promoter.RetryConfig {
	return promoter.RetryConfig{
		Attempts:       c.Retry.Attempts,
		InitialBackoff: c.Retry.InitialBackoff,
		MaxBackoff:     c.Retry.MaxBackoff,
		Factor:         c.Retry.Factor,
		Jitter:         c.Retry.Jitter,
	}
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}
