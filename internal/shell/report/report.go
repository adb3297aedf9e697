// Package report hands deploy progress back to the pipeline runner: GitLab
// commit statuses, a dotenv artifact, or both.
package report

import (
	"context"
	"errors"

	"github.com/artpar/promoter/internal/core/domain"
)

// Update is a snapshot of one target of one run.
type Update struct {
	RunID     string
	CommitSHA string
	Branch    string
	Result    domain.TargetResult
}

// Reporter publishes target updates. Implementations must be safe for
// concurrent use; the two targets report from separate goroutines.
type Reporter interface {
	Report(ctx context.Context, u Update) error
}

// =============================================================================
// Multi / Noop
// =============================================================================

// Multi fans an update out to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, u Update) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop discards updates.
type Noop struct{}

func (Noop) Report(context.Context, Update) error { return nil }
