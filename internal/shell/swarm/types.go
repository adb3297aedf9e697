// Package swarm promotes images to Docker Swarm services through a manager
// node reached over SSH.
package swarm

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/swarm"
)

// DefaultSocket is the Docker socket path on the manager node.
const DefaultSocket = "/var/run/docker.sock"

// =============================================================================
// Credentials
// =============================================================================

// Credentials is the explicit SSH bundle for one swarm manager. Nothing in
// this package reads credentials from the process environment.
type Credentials struct {
	Host           string
	Port           int
	User           string
	PrivateKey     []byte
	KnownHostsFile string // empty disables host key verification
	Socket         string // Docker socket on the manager; DefaultSocket when empty
	ConnectTimeout time.Duration
	// DockerHost talks to a Docker endpoint directly (e.g. unix:///var/run/docker.sock
	// when the runner sits on the manager). SSH fields are ignored when set.
	DockerHost string
}

// RegistryAuth is forwarded to swarm so nodes can pull private images.
type RegistryAuth struct {
	Username      string
	Password      string
	ServerAddress string
}

// IsZero reports whether no registry credentials are configured.
func (a RegistryAuth) IsZero() bool {
	return a.Username == "" && a.Password == ""
}

// =============================================================================
// Client Interface
// =============================================================================

// ServiceClient is the subset of the Docker Engine API the promoter needs.
type ServiceClient interface {
	// Ping checks that the manager answers.
	Ping(ctx context.Context) error

	// UpdateServiceImage points an existing service at image. It returns an
	// error wrapping ErrServiceNotFound when the service does not exist.
	UpdateServiceImage(ctx context.Context, name, image string) error

	// CreateService creates a service from spec and returns its ID.
	CreateService(ctx context.Context, spec swarm.ServiceSpec) (string, error)

	// Close releases the underlying connections.
	Close() error
}

// =============================================================================
// Upsert Result
// =============================================================================

// UpsertAction records which branch of the upsert ran.
type UpsertAction string

const (
	ActionUpdated UpsertAction = "updated"
	ActionCreated UpsertAction = "created"
)

// UpsertResult describes a successful upsert.
type UpsertResult struct {
	Action    UpsertAction
	Service   string
	ServiceID string
}
