package promoter

import (
	"time"

	"github.com/artpar/promoter/internal/core/compose"
	"github.com/artpar/promoter/internal/core/domain"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
)

// =============================================================================
// Configuration
// =============================================================================

// Config is everything Promote needs besides the clients.
type Config struct {
	Gates      domain.GatePolicy
	Swarm      SwarmTarget
	Kubernetes KubernetesTarget
	Retry      RetryConfig
}

// SwarmTarget describes the swarm service to upsert.
type SwarmTarget struct {
	Service  string
	Ports    []string
	Replicas uint64
	Env      map[string]string
	// Stack is the optional stack file definition of the service, used when
	// the service has to be created.
	Stack       *compose.Service
	URLTemplate string
}

// KubernetesTarget describes the manifest and the workload to roll out.
type KubernetesTarget struct {
	// Manifest is applied before the image is set. May be empty.
	Manifest []*unstructured.Unstructured
	// Namespace and Deployment name the workload; both default to the first
	// Deployment in Manifest.
	Namespace  string
	Deployment string
	// Container defaults to the only container of the pod template.
	Container      string
	RolloutTimeout time.Duration
	PollInterval   time.Duration
	URLTemplate    string
}

// RetryConfig bounds the retries of transient failures.
type RetryConfig struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Factor         float64
	Jitter         float64
}

// Defaults
const (
	DefaultAttempts       = 3
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultBackoffFactor  = 2.0
	DefaultRolloutTimeout = 5 * time.Minute
	DefaultPollInterval   = 2 * time.Second
)

// Backoff converts the config into an apimachinery backoff with one step per
// attempt.
func (c RetryConfig) Backoff() wait.Backoff {
	b := wait.Backoff{
		Duration: c.InitialBackoff,
		Factor:   c.Factor,
		Jitter:   c.Jitter,
		Steps:    c.Attempts,
		Cap:      c.MaxBackoff,
	}
	if b.Steps <= 0 {
		b.Steps = DefaultAttempts
	}
	if b.Duration <= 0 {
		b.Duration = DefaultInitialBackoff
	}
	if b.Factor < 1 {
		b.Factor = DefaultBackoffFactor
	}
	if b.Cap <= 0 {
		b.Cap = DefaultMaxBackoff
	}
	return b
}

// workload resolves the Deployment to roll out.
func (k KubernetesTarget) workload() (namespace, name string) {
	namespace, name = k.Namespace, k.Deployment
	if name != "" {
		return namespace, name
	}
	for _, obj := range k.Manifest {
		if obj.GetKind() == "Deployment" && obj.GroupVersionKind().Group == "apps" {
			if namespace == "" {
				namespace = obj.GetNamespace()
			}
			return namespace, obj.GetName()
		}
	}
	return namespace, ""
}
