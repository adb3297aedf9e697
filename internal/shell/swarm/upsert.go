package swarm

import (
	"context"
	"errors"

	"github.com/docker/docker/api/types/swarm"
)

// Upsert updates the service named by spec in place and creates it only when
// the update reports that the service does not exist. Any other update
// failure is returned as is and never falls through to create.
func Upsert(ctx context.Context, c ServiceClient, spec swarm.ServiceSpec) (UpsertResult, error) {
	if spec.TaskTemplate.ContainerSpec == nil {
		return UpsertResult{}, NewSwarmError("Upsert", spec.Name, "spec has no container", ErrNoContainerSpec)
	}
	image := spec.TaskTemplate.ContainerSpec.Image

	err := c.UpdateServiceImage(ctx, spec.Name, image)
	if err == nil {
		return UpsertResult{Action: ActionUpdated, Service: spec.Name}, nil
	}
	if !errors.Is(err, ErrServiceNotFound) {
		return UpsertResult{}, err
	}

	id, err := c.CreateService(ctx, spec)
	if err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Action: ActionCreated, Service: spec.Name, ServiceID: id}, nil
}
