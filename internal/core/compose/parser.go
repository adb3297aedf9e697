package compose

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// stackProjectName is the throwaway project name handed to the loader; swarm
// service names come from the promoter config, not the project.
const stackProjectName = "promoter-stack"

// =============================================================================
// Parser Functions
// =============================================================================

// ParseStackFile parses a compose / stack YAML document into a ParsedSpec.
// Variables are interpolated from env only; the process environment is never
// consulted.
func ParseStackFile(yamlContent string, env map[string]string) (*ParsedSpec, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadStackFile(yamlContent, env)
	if err != nil {
		return nil, err
	}

	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	spec := &ParsedSpec{
		Services: make([]Service, 0, len(project.Services)),
	}
	for _, svc := range project.Services {
		converted, err := convertService(svc)
		if err != nil {
			return nil, err
		}
		spec.Services = append(spec.Services, converted)
	}

	if err := validatePorts(spec.Services); err != nil {
		return nil, err
	}
	if errs := ValidateParsedSpec(spec); len(errs) > 0 {
		return nil, errs[0]
	}

	return spec, nil
}

// loadStackFile loads a stack file using compose-go
func loadStackFile(yamlContent string, env map[string]string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	environment := types.Mapping{}
	for k, v := range env {
		environment[k] = v
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
		Environment: environment,
	}, func(opts *loader.Options) {
		opts.SetProjectName(stackProjectName, false)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		// In-memory document: no paths to resolve, no files to extend from.
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "empty compose file") {
			return nil, NewParseError("", "stack file has no services", ErrNoServices)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}

	return project, nil
}

// checkUnsupportedFeatures rejects stack features the service builder cannot
// carry over to a swarm service spec.
func checkUnsupportedFeatures(project *types.Project) error {
	if len(project.Secrets) > 0 {
		return NewParseError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(project.Configs) > 0 {
		return NewParseError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	for _, svc := range project.Services {
		if svc.Extends != nil && svc.Extends.File != "" {
			return NewParseError("services."+svc.Name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
		if svc.Deploy != nil && svc.Deploy.Mode == "global" {
			return NewParseError("services."+svc.Name+".deploy.mode", "global mode is not supported", ErrUnsupportedFeature)
		}
	}
	return nil
}

// convertService converts a compose-go service to our Service type
func convertService(svc types.ServiceConfig) (Service, error) {
	service := Service{
		Name:        svc.Name,
		Image:       svc.Image,
		Command:     svc.Command,
		Entrypoint:  svc.Entrypoint,
		Environment: make(map[string]string),
		Labels:      make(map[string]string),
		Networks:    make([]string, 0, len(svc.Networks)),
	}

	for i, p := range svc.Ports {
		var published uint32
		if p.Published != "" {
			pub, err := strconv.ParseUint(p.Published, 10, 32)
			if err != nil {
				field := fmt.Sprintf("services.%s.ports[%d]", svc.Name, i)
				return Service{}, NewParseError(field, "published port must be a single port number", ErrServiceInvalidPort)
			}
			published = uint32(pub)
		}
		service.Ports = append(service.Ports, Port{
			Target:    p.Target,
			Published: published,
			Protocol:  p.Protocol,
			Mode:      p.Mode,
		})
	}

	for k, v := range svc.Environment {
		if v != nil {
			service.Environment[k] = *v
		}
	}

	for net := range svc.Networks {
		service.Networks = append(service.Networks, net)
	}

	for k, v := range svc.Labels {
		service.Labels[k] = v
	}

	if svc.Deploy != nil {
		// deploy.labels are service labels in swarm mode; container labels stay on svc.Labels.
		for k, v := range svc.Deploy.Labels {
			service.Labels[k] = v
		}
		if svc.Deploy.Replicas != nil {
			if *svc.Deploy.Replicas < 0 {
				return Service{}, NewParseError("services."+svc.Name+".deploy.replicas", "replicas cannot be negative", ErrInvalidReplicas)
			}
			n := uint64(*svc.Deploy.Replicas)
			service.Replicas = &n
		}
		// compose-go's NanoCPUs is the CPU count as float32
		if limits := svc.Deploy.Resources.Limits; limits != nil {
			service.Resources.CPULimit = float64(limits.NanoCPUs)
			service.Resources.MemoryLimit = int64(limits.MemoryBytes)
		}
		if reservations := svc.Deploy.Resources.Reservations; reservations != nil {
			service.Resources.CPUReservation = float64(reservations.NanoCPUs)
			service.Resources.MemoryReservation = int64(reservations.MemoryBytes)
		}
	}

	return service, nil
}

// validatePorts validates port configurations
func validatePorts(services []Service) error {
	for _, svc := range services {
		for i, port := range svc.Ports {
			field := fmt.Sprintf("services.%s.ports[%d]", svc.Name, i)
			if port.Target == 0 {
				return NewParseError(field, "target port cannot be 0", ErrServiceInvalidPort)
			}
			if port.Target > 65535 {
				return NewParseError(field, "target port must be <= 65535", ErrServiceInvalidPort)
			}
			if port.Published > 65535 {
				return NewParseError(field, "published port must be <= 65535", ErrServiceInvalidPort)
			}
			switch strings.ToLower(port.Protocol) {
			case "", "tcp", "udp", "sctp":
			default:
				return NewParseError(field, "unknown protocol "+port.Protocol, ErrServiceInvalidPort)
			}
		}
	}
	return nil
}

// ValidateParsedSpec validates a parsed spec and returns all errors found.
func ValidateParsedSpec(spec *ParsedSpec) []error {
	var errs []error
	for _, svc := range spec.Services {
		if svc.Resources.CPULimit < 0 || svc.Resources.CPUReservation < 0 {
			errs = append(errs, NewParseError("services."+svc.Name+".deploy.resources", "CPU cannot be negative", ErrInvalidCPU))
		}
		if svc.Resources.MemoryLimit < 0 || svc.Resources.MemoryReservation < 0 {
			errs = append(errs, NewParseError("services."+svc.Name+".deploy.resources", "memory cannot be negative", ErrInvalidMemory))
		}
	}
	return errs
}
