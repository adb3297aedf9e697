package deployment

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/artpar/promoter/internal/core/compose"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/go-connections/nat"
)

// ErrInvalidPortSpec is returned for publish specs swarm cannot express.
var ErrInvalidPortSpec = errors.New("invalid port spec")

// =============================================================================
// Port Conversion Functions
// =============================================================================

// ParsePortSpecs parses docker-style publish specs into swarm port configs.
// Ranges expand to one config per port. Host IPs and dynamic host port
// ranges are rejected: the ingress mesh publishes on every node.
//
// Example:
//
//	ParsePortSpecs([]string{"80:8080", "53:53/udp"})
//	// []swarm.PortConfig{{Protocol: "tcp", TargetPort: 8080, PublishedPort: 80, ...}, ...}
func ParsePortSpecs(specs []string) ([]swarm.PortConfig, error) {
	result := make([]swarm.PortConfig, 0, len(specs))
	for _, spec := range specs {
		mappings, err := nat.ParsePortSpec(strings.TrimSpace(spec))
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidPortSpec, spec, err)
		}
		for _, m := range mappings {
			if m.Binding.HostIP != "" {
				return nil, fmt.Errorf("%w %q: host IP is not supported for swarm services", ErrInvalidPortSpec, spec)
			}
			cfg := swarm.PortConfig{
				Protocol:    swarm.PortConfigProtocol(m.Port.Proto()),
				TargetPort:  uint32(m.Port.Int()),
				PublishMode: swarm.PortConfigPublishModeIngress,
			}
			if m.Binding.HostPort != "" {
				published, err := strconv.ParseUint(m.Binding.HostPort, 10, 16)
				if err != nil {
					return nil, fmt.Errorf("%w %q: published port %q", ErrInvalidPortSpec, spec, m.Binding.HostPort)
				}
				cfg.PublishedPort = uint32(published)
			}
			result = append(result, cfg)
		}
	}
	return result, nil
}

// ConvertPorts converts stack file ports to swarm port configs.
// Default protocol is "tcp" and default publish mode is ingress.
func ConvertPorts(ports []compose.Port) []swarm.PortConfig {
	result := make([]swarm.PortConfig, 0, len(ports))
	for _, p := range ports {
		proto := strings.ToLower(p.Protocol)
		if proto == "" {
			proto = "tcp"
		}
		mode := swarm.PortConfigPublishModeIngress
		if p.Mode == string(swarm.PortConfigPublishModeHost) {
			mode = swarm.PortConfigPublishModeHost
		}
		result = append(result, swarm.PortConfig{
			Protocol:      swarm.PortConfigProtocol(proto),
			TargetPort:    p.Target,
			PublishedPort: p.Published,
			PublishMode:   mode,
		})
	}
	return result
}

// MergePorts overlays overrides on base. A port is identified by its target
// port and protocol. The result is sorted by target port, then protocol.
func MergePorts(base, overrides []swarm.PortConfig) []swarm.PortConfig {
	type key struct {
		target uint32
		proto  swarm.PortConfigProtocol
	}
	merged := make(map[key]swarm.PortConfig, len(base)+len(overrides))
	for _, p := range base {
		merged[key{p.TargetPort, p.Protocol}] = p
	}
	for _, p := range overrides {
		merged[key{p.TargetPort, p.Protocol}] = p
	}

	result := make([]swarm.PortConfig, 0, len(merged))
	for _, p := range merged {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TargetPort != result[j].TargetPort {
			return result[i].TargetPort < result[j].TargetPort
		}
		return result[i].Protocol < result[j].Protocol
	})
	return result
}
