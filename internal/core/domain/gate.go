package domain

// =============================================================================
// Targets
// =============================================================================

// Target identifies a deploy target.
type Target string

const (
	TargetSwarm      Target = "swarm"
	TargetKubernetes Target = "kubernetes"
)

// AllTargets lists the targets in stage order.
var AllTargets = []Target{TargetSwarm, TargetKubernetes}

// IsValid reports whether t is a known target.
func (t Target) IsValid() bool {
	return t == TargetSwarm || t == TargetKubernetes
}

// Stage returns the pipeline stage that deploys to t.
func (t Target) Stage() Stage {
	if t == TargetKubernetes {
		return StageDeployKubernetes
	}
	return StageDeploySwarm
}

// =============================================================================
// Environment Gates
// =============================================================================

// EnvironmentGate is the policy evaluated before a deploy stage may run.
type EnvironmentGate struct {
	Target          Target `json:"target" mapstructure:"target"`
	ReleaseBranch   string `json:"release_branch" mapstructure:"release_branch"`
	RequireApproval bool   `json:"require_approval" mapstructure:"require_approval"`
}

// AllowsBranch reports whether deploys from branch are eligible.
func (g EnvironmentGate) AllowsBranch(branch string) bool {
	return g.ReleaseBranch != "" && branch == g.ReleaseBranch
}

// GatePolicy maps each target to its gate.
type GatePolicy map[Target]EnvironmentGate

// DefaultGatePolicy gates both targets on releaseBranch and requires manual
// approval for Kubernetes.
func DefaultGatePolicy(releaseBranch string) GatePolicy {
	return GatePolicy{
		TargetSwarm: {
			Target:        TargetSwarm,
			ReleaseBranch: releaseBranch,
		},
		TargetKubernetes: {
			Target:          TargetKubernetes,
			ReleaseBranch:   releaseBranch,
			RequireApproval: true,
		},
	}
}

// Gate returns the gate for target. Targets without an explicit gate are
// never eligible.
func (p GatePolicy) Gate(target Target) EnvironmentGate {
	if g, ok := p[target]; ok {
		g.Target = target
		return g
	}
	return EnvironmentGate{Target: target}
}
