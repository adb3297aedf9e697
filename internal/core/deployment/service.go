package deployment

import (
	"errors"
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/swarm"
)

var (
	// ErrMissingServiceName is returned when the service name normalizes to "".
	ErrMissingServiceName = errors.New("service name is required")
	// ErrMissingImage is returned when no image is given.
	ErrMissingImage = errors.New("image is required")
)

// =============================================================================
// Service Spec Building Functions
// =============================================================================

// BuildServiceSpec builds the swarm service spec used when a service has to
// be created.
//
// The function:
//   - Normalizes the service name using ServiceName()
//   - Always runs params.Image, whatever image the stack file names
//   - Maps stack file entrypoint/command to swarm command/args
//   - Merges stack file environment with params.Env (params win)
//   - Merges stack file ports with params.Ports (params win)
//   - Resolves replicas: params, then stack file, then DefaultReplicas
//   - Copies resource limits and reservations
//   - Stamps managed-by labels on the service and container
//
// Example:
//
//	spec, err := BuildServiceSpec(ServiceSpecParams{
//	    Name:  "web",
//	    Image: domain.MustParseImageRef("registry.example/app:v1"),
//	    Ports: []string{"80:8080"},
//	})
func BuildServiceSpec(params ServiceSpecParams) (swarm.ServiceSpec, error) {
	name := ServiceName(params.Name)
	if name == "" {
		return swarm.ServiceSpec{}, ErrMissingServiceName
	}
	if params.Image.IsZero() {
		return swarm.ServiceSpec{}, ErrMissingImage
	}

	overrides, err := ParsePortSpecs(params.Ports)
	if err != nil {
		return swarm.ServiceSpec{}, err
	}

	labels := map[string]string{
		LabelManaged: "true",
		LabelService: name,
		LabelImage:   params.Image.String(),
	}
	if params.CommitSHA != "" {
		labels[LabelCommit] = params.CommitSHA
	}

	container := &swarm.ContainerSpec{
		Image:  params.Image.String(),
		Labels: map[string]string{LabelManaged: "true", LabelService: name},
	}
	env := make(map[string]string)
	replicas := DefaultReplicas
	var (
		ports     []swarm.PortConfig
		networks  []swarm.NetworkAttachmentConfig
		resources *swarm.ResourceRequirements
	)

	if svc := params.Service; svc != nil {
		container.Command = svc.Entrypoint
		container.Args = svc.Command
		for k, v := range svc.Environment {
			env[k] = v
		}
		for k, v := range svc.Labels {
			if _, reserved := labels[k]; !reserved {
				labels[k] = v
			}
		}
		if svc.Replicas != nil {
			replicas = *svc.Replicas
		}
		ports = ConvertPorts(svc.Ports)
		networks = buildNetworks(svc.Networks)
		resources = buildResources(svc.Resources.CPULimit, svc.Resources.MemoryLimit,
			svc.Resources.CPUReservation, svc.Resources.MemoryReservation)
	}

	for k, v := range params.Env {
		env[k] = v
	}
	container.Env = envList(env)

	if params.Replicas > 0 {
		replicas = params.Replicas
	}

	spec := swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name:   name,
			Labels: labels,
		},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: container,
			Resources:     resources,
			Networks:      networks,
		},
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
		UpdateConfig: &swarm.UpdateConfig{
			Parallelism:   DefaultParallelism,
			FailureAction: swarm.UpdateFailureActionPause,
			Order:         swarm.UpdateOrderStartFirst,
		},
	}

	if merged := MergePorts(ports, overrides); len(merged) > 0 {
		spec.EndpointSpec = &swarm.EndpointSpec{
			Mode:  swarm.ResolutionModeVIP,
			Ports: merged,
		}
	}

	return spec, nil
}

// envList renders env as sorted KEY=value entries.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(result)
	return result
}

func buildNetworks(names []string) []swarm.NetworkAttachmentConfig {
	if len(names) == 0 {
		return nil
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	result := make([]swarm.NetworkAttachmentConfig, 0, len(sorted))
	for _, n := range sorted {
		result = append(result, swarm.NetworkAttachmentConfig{Target: n})
	}
	return result
}

// buildResources converts CPU counts to nano CPUs. It returns nil when no
// limit or reservation is set.
func buildResources(cpuLimit float64, memLimit int64, cpuReserve float64, memReserve int64) *swarm.ResourceRequirements {
	var req swarm.ResourceRequirements
	if cpuLimit > 0 || memLimit > 0 {
		req.Limits = &swarm.Limit{
			NanoCPUs:    int64(cpuLimit * 1e9),
			MemoryBytes: memLimit,
		}
	}
	if cpuReserve > 0 || memReserve > 0 {
		req.Reservations = &swarm.Resources{
			NanoCPUs:    int64(cpuReserve * 1e9),
			MemoryBytes: memReserve,
		}
	}
	if req.Limits == nil && req.Reservations == nil {
		return nil
	}
	return &req
}
