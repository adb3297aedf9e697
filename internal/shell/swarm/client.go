package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/artpar/promoter/internal/core/deployment"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
)

// =============================================================================
// Docker Swarm Client Implementation
// =============================================================================

// DockerClient implements ServiceClient using the Docker SDK.
type DockerClient struct {
	cli          *client.Client
	dialer       *sshDialer // nil for direct connections
	registryAuth string
	logger       *slog.Logger
}

// NewClient creates a client for the manager described by creds. No network
// I/O happens until the first call; connection failures surface from the
// operation that needed the connection.
func NewClient(creds Credentials, auth RegistryAuth, logger *slog.Logger) (*DockerClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "swarm")

	encoded, err := encodeRegistryAuth(auth)
	if err != nil {
		return nil, NewSwarmError("NewClient", "", fmt.Sprintf("encode registry auth: %v", err), err)
	}

	if creds.DockerHost != "" {
		cli, err := client.NewClientWithOpts(
			client.WithHost(creds.DockerHost),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, NewSwarmError("NewClient", "", fmt.Sprintf("create docker client: %v", err), ErrConnectionFailed)
		}
		return &DockerClient{cli: cli, registryAuth: encoded, logger: logger}, nil
	}

	dialer, err := newSSHDialer(creds, logger)
	if err != nil {
		return nil, err
	}

	// The host is a placeholder; the dialer decides where bytes go.
	cli, err := client.NewClientWithOpts(
		client.WithHost("http://docker"),
		client.WithDialContext(dialer.DialContext),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		dialer.Close()
		return nil, NewSwarmError("NewClient", "", fmt.Sprintf("create docker client: %v", err), ErrConnectionFailed)
	}

	return &DockerClient{cli: cli, dialer: dialer, registryAuth: encoded, logger: logger}, nil
}

func encodeRegistryAuth(auth RegistryAuth) (string, error) {
	if auth.IsZero() {
		return "", nil
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.ServerAddress,
	})
}

// Ping checks if the manager's Docker daemon is reachable and in swarm mode.
func (d *DockerClient) Ping(ctx context.Context) error {
	ping, err := d.cli.Ping(ctx)
	if err != nil {
		return NewSwarmError("Ping", "", fmt.Sprintf("failed to ping docker: %v", err), err)
	}
	if ping.SwarmStatus != nil && !ping.SwarmStatus.ControlAvailable {
		d.logger.Warn("docker endpoint is not a swarm manager", "node_state", ping.SwarmStatus.NodeState)
	}
	return nil
}

// Close closes the Docker client and the SSH connection.
func (d *DockerClient) Close() error {
	err := d.cli.Close()
	if d.dialer != nil {
		if sshErr := d.dialer.Close(); err == nil {
			err = sshErr
		}
	}
	return err
}

// =============================================================================
// Service Operations
// =============================================================================

// UpdateServiceImage points the service's container spec at image. Nothing
// is sent when the service already runs image.
func (d *DockerClient) UpdateServiceImage(ctx context.Context, name, image string) error {
	svc, _, err := d.cli.ServiceInspectWithRaw(ctx, name, swarm.ServiceInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return NewSwarmError("UpdateServiceImage", name, "service not found", ErrServiceNotFound)
		}
		return NewSwarmError("UpdateServiceImage", name, err.Error(), err)
	}

	spec := svc.Spec
	if spec.TaskTemplate.ContainerSpec == nil {
		return NewSwarmError("UpdateServiceImage", name, "service has no container spec", ErrNoContainerSpec)
	}
	if sameImage(spec.TaskTemplate.ContainerSpec.Image, image) {
		d.logger.Info("service already runs image", "service", name, "image", image)
		return nil
	}

	previous := spec.TaskTemplate.ContainerSpec.Image
	spec.TaskTemplate.ContainerSpec.Image = image
	if spec.Labels[deployment.LabelManaged] == "true" {
		spec.Labels[deployment.LabelImage] = image
	}

	resp, err := d.cli.ServiceUpdate(ctx, svc.ID, svc.Version, spec, swarm.ServiceUpdateOptions{
		EncodedRegistryAuth: d.registryAuth,
	})
	if err != nil {
		return NewSwarmError("UpdateServiceImage", name, err.Error(), err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("service update warning", "service", name, "warning", w)
	}

	d.logger.Info("service updated", "service", name, "id", svc.ID, "from", previous, "to", image)
	return nil
}

// CreateService creates a new replicated service.
func (d *DockerClient) CreateService(ctx context.Context, spec swarm.ServiceSpec) (string, error) {
	resp, err := d.cli.ServiceCreate(ctx, spec, swarm.ServiceCreateOptions{
		EncodedRegistryAuth: d.registryAuth,
	})
	if err != nil {
		if cerrdefs.IsConflict(err) || cerrdefs.IsAlreadyExists(err) {
			return "", NewSwarmError("CreateService", spec.Name, "service already exists", err)
		}
		return "", NewSwarmError("CreateService", spec.Name, err.Error(), err)
	}
	for _, w := range resp.Warnings {
		d.logger.Warn("service create warning", "service", spec.Name, "warning", w)
	}

	d.logger.Info("service created", "service", spec.Name, "id", resp.ID)
	return resp.ID, nil
}

// sameImage compares image references, ignoring a digest swarm pinned onto
// the current image when the desired one has none.
func sameImage(current, desired string) bool {
	if current == desired {
		return true
	}
	if !strings.Contains(desired, "@") {
		if i := strings.Index(current, "@"); i >= 0 {
			return current[:i] == desired
		}
	}
	return false
}
