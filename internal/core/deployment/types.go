package deployment

import (
	"github.com/artpar/promoter/internal/core/compose"
	"github.com/artpar/promoter/internal/core/domain"
)

// =============================================================================
// Labels
// =============================================================================

// Labels the promoter stamps on every swarm service it creates.
const (
	LabelManaged = "com.promoter.managed"
	LabelService = "com.promoter.service"
	LabelImage   = "com.promoter.image"
	LabelCommit  = "com.promoter.commit"
)

// =============================================================================
// Update Defaults
// =============================================================================

const (
	// DefaultReplicas is used when neither the caller nor the stack file sets one.
	DefaultReplicas uint64 = 1
	// DefaultParallelism is the number of tasks swarm replaces at once.
	DefaultParallelism uint64 = 1
)

// =============================================================================
// Service Spec Parameters
// =============================================================================

// ServiceSpecParams are the inputs of BuildServiceSpec.
type ServiceSpecParams struct {
	// Name is the swarm service name; it is normalized with ServiceName.
	Name string
	// Image is the tested image to run.
	Image domain.ImageRef
	// CommitSHA is recorded as a label when set.
	CommitSHA string
	// Replicas overrides the stack file when non-zero.
	Replicas uint64
	// Ports are docker-style publish specs ("80:8080", "53:53/udp") that
	// override stack file ports with the same target port and protocol.
	Ports []string
	// Env entries override the stack file environment.
	Env map[string]string
	// Service is the optional stack file definition.
	Service *compose.Service
}
