package store

import (
	"context"

	"github.com/artpar/promoter/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for pipeline runs.
type Store interface {
	// Run operations. Target results are saved and loaded with their run.
	CreateRun(ctx context.Context, run *domain.PipelineRun) error
	GetRun(ctx context.Context, id string) (*domain.PipelineRun, error)
	UpdateRun(ctx context.Context, run *domain.PipelineRun) error
	ListRuns(ctx context.Context, opts ListOptions) ([]domain.PipelineRun, error)

	// ListDeployableRuns returns runs whose test stage passed and whose
	// deploy stages have not started, oldest first.
	ListDeployableRuns(ctx context.Context, limit int) ([]domain.PipelineRun, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
	Branch string           // empty matches every branch
	Status domain.RunStatus // empty matches every status
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
