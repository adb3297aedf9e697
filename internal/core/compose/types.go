package compose

import "sort"

// =============================================================================
// ParsedSpec - Main Output Type
// =============================================================================

// ParsedSpec is the promoter's view of a stack file, decoupled from
// compose-go types.
type ParsedSpec struct {
	Services []Service `json:"services"`
}

// Service returns the service called name.
func (p *ParsedSpec) Service(name string) (Service, error) {
	for _, svc := range p.Services {
		if svc.Name == name {
			return svc, nil
		}
	}
	return Service{}, NewParseError("services."+name, "service not defined", ErrServiceNotFound)
}

// ServiceNames returns the sorted service names.
func (p *ParsedSpec) ServiceNames() []string {
	names := make([]string, 0, len(p.Services))
	for _, svc := range p.Services {
		names = append(names, svc.Name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// Service Types
// =============================================================================

// Service is a single service definition. Image is informational only: the
// deployed image always comes from the pipeline run.
type Service struct {
	Name        string            `json:"name"`
	Image       string            `json:"image,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Entrypoint  []string          `json:"entrypoint,omitempty"`
	Ports       []Port            `json:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Networks    []string          `json:"networks,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Replicas    *uint64           `json:"replicas,omitempty"`
	Resources   ServiceResources  `json:"resources"`
}

// Port represents a port mapping.
type Port struct {
	Target    uint32 `json:"target"`              // Container port
	Published uint32 `json:"published,omitempty"` // Ingress port (0 = none)
	Protocol  string `json:"protocol,omitempty"`  // tcp, udp
	Mode      string `json:"mode,omitempty"`      // ingress, host
}

// ServiceResources represents resource limits/reservations for a service.
type ServiceResources struct {
	CPULimit          float64 `json:"cpu_limit"`
	CPUReservation    float64 `json:"cpu_reservation"`
	MemoryLimit       int64   `json:"memory_limit"`       // Bytes
	MemoryReservation int64   `json:"memory_reservation"` // Bytes
}
