package deployment

import (
	"testing"

	"github.com/artpar/promoter/internal/core/compose"
	"github.com/artpar/promoter/internal/core/domain"
	"github.com/docker/docker/api/types/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testImage = domain.MustParseImageRef("registry.example/app:v1")

// =============================================================================
// BuildServiceSpec Tests
// =============================================================================

func TestBuildServiceSpec_Minimal(t *testing.T) {
	spec, err := BuildServiceSpec(ServiceSpecParams{Name: "Web", Image: testImage})
	require.NoError(t, err)

	assert.Equal(t, "web", spec.Name)
	assert.Equal(t, "true", spec.Labels[LabelManaged])
	assert.Equal(t, "web", spec.Labels[LabelService])
	assert.Equal(t, "registry.example/app:v1", spec.Labels[LabelImage])
	assert.NotContains(t, spec.Labels, LabelCommit)

	require.NotNil(t, spec.TaskTemplate.ContainerSpec)
	assert.Equal(t, "registry.example/app:v1", spec.TaskTemplate.ContainerSpec.Image)
	assert.Nil(t, spec.TaskTemplate.ContainerSpec.Env)
	assert.Nil(t, spec.TaskTemplate.Resources)
	assert.Nil(t, spec.EndpointSpec)

	require.NotNil(t, spec.Mode.Replicated)
	assert.Equal(t, DefaultReplicas, *spec.Mode.Replicated.Replicas)

	require.NotNil(t, spec.UpdateConfig)
	assert.Equal(t, swarm.UpdateFailureActionPause, spec.UpdateConfig.FailureAction)
	assert.Equal(t, swarm.UpdateOrderStartFirst, spec.UpdateConfig.Order)
}

func TestBuildServiceSpec_Validation(t *testing.T) {
	_, err := BuildServiceSpec(ServiceSpecParams{Name: "!!!", Image: testImage})
	assert.ErrorIs(t, err, ErrMissingServiceName)

	_, err = BuildServiceSpec(ServiceSpecParams{Name: "web"})
	assert.ErrorIs(t, err, ErrMissingImage)

	_, err = BuildServiceSpec(ServiceSpecParams{Name: "web", Image: testImage, Ports: []string{"nope"}})
	assert.ErrorIs(t, err, ErrInvalidPortSpec)
}

func TestBuildServiceSpec_FromStackService(t *testing.T) {
	replicas := uint64(3)
	svc := &compose.Service{
		Name:        "web",
		Image:       "registry.example/app:latest",
		Entrypoint:  []string{"/bin/app"},
		Command:     []string{"serve"},
		Environment: map[string]string{"APP_ENV": "staging", "LOG_LEVEL": "info"},
		Labels:      map[string]string{"team": "platform", LabelManaged: "false"},
		Networks:    []string{"frontend", "backend"},
		Ports:       []compose.Port{{Target: 8080, Published: 8080}},
		Replicas:    &replicas,
		Resources: compose.ServiceResources{
			CPULimit:          0.5,
			MemoryLimit:       256 * 1024 * 1024,
			MemoryReservation: 128 * 1024 * 1024,
		},
	}

	spec, err := BuildServiceSpec(ServiceSpecParams{
		Name:      "web",
		Image:     testImage,
		CommitSHA: "3f2c1a9",
		Ports:     []string{"80:8080"},
		Env:       map[string]string{"APP_ENV": "production"},
		Service:   svc,
	})
	require.NoError(t, err)

	container := spec.TaskTemplate.ContainerSpec
	assert.Equal(t, "registry.example/app:v1", container.Image, "stack file image is ignored")
	assert.Equal(t, []string{"/bin/app"}, container.Command)
	assert.Equal(t, []string{"serve"}, container.Args)
	assert.Equal(t, []string{"APP_ENV=production", "LOG_LEVEL=info"}, container.Env)

	assert.Equal(t, "platform", spec.Labels["team"])
	assert.Equal(t, "true", spec.Labels[LabelManaged], "reserved labels cannot be overridden")
	assert.Equal(t, "3f2c1a9", spec.Labels[LabelCommit])

	assert.Equal(t, uint64(3), *spec.Mode.Replicated.Replicas)

	assert.Equal(t, []swarm.NetworkAttachmentConfig{{Target: "backend"}, {Target: "frontend"}}, spec.TaskTemplate.Networks)

	require.NotNil(t, spec.EndpointSpec)
	assert.Equal(t, []swarm.PortConfig{
		{Protocol: "tcp", TargetPort: 8080, PublishedPort: 80, PublishMode: swarm.PortConfigPublishModeIngress},
	}, spec.EndpointSpec.Ports)

	require.NotNil(t, spec.TaskTemplate.Resources)
	require.NotNil(t, spec.TaskTemplate.Resources.Limits)
	assert.Equal(t, int64(500_000_000), spec.TaskTemplate.Resources.Limits.NanoCPUs)
	assert.Equal(t, int64(256*1024*1024), spec.TaskTemplate.Resources.Limits.MemoryBytes)
	require.NotNil(t, spec.TaskTemplate.Resources.Reservations)
	assert.Equal(t, int64(0), spec.TaskTemplate.Resources.Reservations.NanoCPUs)
	assert.Equal(t, int64(128*1024*1024), spec.TaskTemplate.Resources.Reservations.MemoryBytes)
}

func TestBuildServiceSpec_ReplicasOverride(t *testing.T) {
	stackReplicas := uint64(3)
	spec, err := BuildServiceSpec(ServiceSpecParams{
		Name:     "web",
		Image:    testImage,
		Replicas: 5,
		Service:  &compose.Service{Name: "web", Replicas: &stackReplicas},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), *spec.Mode.Replicated.Replicas)
}

func TestBuildServiceSpec_Deterministic(t *testing.T) {
	params := ServiceSpecParams{
		Name:  "web",
		Image: testImage,
		Env:   map[string]string{"C": "3", "A": "1", "B": "2"},
		Ports: []string{"443:8443", "80:8080"},
	}

	first, err := BuildServiceSpec(params)
	require.NoError(t, err)
	second, err := BuildServiceSpec(params)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []string{"A=1", "B=2", "C=3"}, first.TaskTemplate.ContainerSpec.Env)
}
