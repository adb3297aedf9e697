package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/artpar/promoter/internal/core/compose"
	"github.com/artpar/promoter/internal/shell/approval"
	"github.com/artpar/promoter/internal/shell/kube"
	"github.com/artpar/promoter/internal/shell/promoter"
	"github.com/artpar/promoter/internal/shell/report"
	"github.com/artpar/promoter/internal/shell/swarm"
)

// =============================================================================
// Target Clients
// =============================================================================

// targetClients holds the clients of the enabled targets; disabled targets
// stay nil.
type targetClients struct {
	swarm *swarm.DockerClient
	kube  *kube.Client
}

// newTargetClients connects nothing yet; both clients dial lazily.
func newTargetClients(cfg *Config, logger *slog.Logger) (*targetClients, error) {
	tc := &targetClients{}

	if cfg.Swarm.Enabled {
		var key []byte
		if cfg.Swarm.PrivateKeyFile != "" {
			data, err := os.ReadFile(cfg.Swarm.PrivateKeyFile)
			if err != nil {
				return nil, &ServerError{Op: "ReadSwarmKey", Err: err, ExitCode: ExitConfigError}
			}
			key = data
		}
		c, err := swarm.NewClient(swarm.Credentials{
			Host:           cfg.Swarm.Host,
			Port:           cfg.Swarm.Port,
			User:           cfg.Swarm.User,
			PrivateKey:     key,
			KnownHostsFile: cfg.Swarm.KnownHostsFile,
			Socket:         cfg.Swarm.Socket,
			ConnectTimeout: cfg.Swarm.ConnectTimeout,
			DockerHost:     cfg.Swarm.DockerHost,
		}, swarm.RegistryAuth{
			Username:      cfg.Swarm.Registry.Username,
			Password:      cfg.Swarm.Registry.Password,
			ServerAddress: cfg.Swarm.Registry.Server,
		}, logger)
		if err != nil {
			return nil, &ServerError{Op: "NewSwarmClient", Err: err, ExitCode: ExitSwarmError}
		}
		tc.swarm = c
	}

	if cfg.Kubernetes.Enabled {
		c, err := kube.NewClient(kube.Credentials{
			KubeconfigPath: cfg.Kubernetes.Kubeconfig,
			Context:        cfg.Kubernetes.Context,
			Namespace:      cfg.Kubernetes.Namespace,
		}, logger)
		if err != nil {
			tc.Close()
			return nil, &ServerError{Op: "NewKubeClient", Err: err, ExitCode: ExitKubernetesError}
		}
		tc.kube = c
	}

	return tc, nil
}

// serviceClient returns the swarm client as an interface, nil when disabled.
func (tc *targetClients) serviceClient() swarm.ServiceClient {
	if tc.swarm == nil {
		return nil
	}
	return tc.swarm
}

// kubeClient returns the kubernetes client as an interface, nil when disabled.
func (tc *targetClients) kubeClient() promoter.KubeClient {
	if tc.kube == nil {
		return nil
	}
	return tc.kube
}

// Close releases the swarm connection.
func (tc *targetClients) Close() error {
	if tc.swarm != nil {
		return tc.swarm.Close()
	}
	return nil
}

// =============================================================================
// Promoter
// =============================================================================

// promoterConfig reads the stack and manifest files named by cfg.
func promoterConfig(cfg *Config) (promoter.Config, error) {
	pc := promoter.Config{
		Gates: cfg.GatePolicy(),
		Swarm: promoter.SwarmTarget{
			Service:     cfg.Swarm.Service,
			Ports:       cfg.Swarm.Ports,
			Replicas:    cfg.Swarm.Replicas,
			URLTemplate: cfg.Swarm.URLTemplate,
		},
		Kubernetes: promoter.KubernetesTarget{
			Namespace:      cfg.Kubernetes.Namespace,
			Deployment:     cfg.Kubernetes.Deployment,
			Container:      cfg.Kubernetes.Container,
			RolloutTimeout: cfg.Kubernetes.RolloutTimeout,
			PollInterval:   cfg.Kubernetes.PollInterval,
			URLTemplate:    cfg.Kubernetes.URLTemplate,
		},
		Retry: cfg.RetryConfig(),
	}

	env, err := parseEnvList(cfg.Swarm.Env)
	if err != nil {
		return promoter.Config{}, &ServerError{Op: "ParseSwarmEnv", Err: err, ExitCode: ExitConfigError}
	}
	pc.Swarm.Env = env

	if cfg.Swarm.Enabled && cfg.Swarm.StackFile != "" {
		data, err := os.ReadFile(cfg.Swarm.StackFile)
		if err != nil {
			return promoter.Config{}, &ServerError{Op: "ReadStackFile", Err: err, ExitCode: ExitConfigError}
		}
		spec, err := compose.ParseStackFile(string(data), processEnv())
		if err != nil {
			return promoter.Config{}, &ServerError{Op: "ParseStackFile", Err: err, ExitCode: ExitConfigError}
		}
		svc, err := spec.Service(cfg.Swarm.Service)
		if err != nil {
			return promoter.Config{}, &ServerError{Op: "ParseStackFile", Err: err, ExitCode: ExitConfigError}
		}
		pc.Swarm.Stack = &svc
	}

	if cfg.Kubernetes.Enabled && cfg.Kubernetes.ManifestFile != "" {
		data, err := os.ReadFile(cfg.Kubernetes.ManifestFile)
		if err != nil {
			return promoter.Config{}, &ServerError{Op: "ReadManifest", Err: err, ExitCode: ExitConfigError}
		}
		objs, err := kube.ParseManifest(data)
		if err != nil {
			return promoter.Config{}, &ServerError{Op: "ParseManifest", Err: err, ExitCode: ExitConfigError}
		}
		pc.Kubernetes.Manifest = objs
	}

	return pc, nil
}

// newPromoter builds the promoter and the clients it drives. The caller
// closes the returned clients.
func newPromoter(cfg *Config, gate approval.Gate, logger *slog.Logger) (*promoter.Promoter, *targetClients, error) {
	pc, err := promoterConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	clients, err := newTargetClients(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return promoter.New(pc, clients.serviceClient(), clients.kubeClient(), gate, logger), clients, nil
}

// =============================================================================
// Reporter
// =============================================================================

// newReporter combines the configured reporters. dotenvFile overrides the
// configured dotenv path when set.
func newReporter(cfg *Config, dotenvFile string, logger *slog.Logger) (report.Reporter, error) {
	var reporters report.Multi

	if cfg.GitLab.Enabled {
		r, err := report.NewGitLabReporter(report.GitLabConfig{
			BaseURL: cfg.GitLab.BaseURL,
			Token:   cfg.GitLab.Token,
			Project: cfg.GitLab.Project,
			Prefix:  cfg.GitLab.StatusPrefix,
		}, logger)
		if err != nil {
			return nil, &ServerError{Op: "NewGitLabReporter", Err: err, ExitCode: ExitConfigError}
		}
		reporters = append(reporters, r)
	}

	if dotenvFile == "" {
		dotenvFile = cfg.Report.DotenvFile
	}
	if dotenvFile != "" {
		reporters = append(reporters, report.NewDotenvReporter(dotenvFile))
	}

	if len(reporters) == 0 {
		return report.Noop{}, nil
	}
	return reporters, nil
}

// =============================================================================
// Helpers
// =============================================================================

// parseEnvList parses KEY=VALUE entries.
func parseEnvList(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env entry %q, want KEY=VALUE", e)
		}
		env[k] = v
	}
	return env, nil
}

// processEnv is the interpolation environment of stack files.
func processEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
