package promoter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/artpar/promoter/internal/shell/report"
	"github.com/artpar/promoter/internal/shell/store"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Runner
// =============================================================================

// Runner executes the deploy stages of a pipeline run: both targets
// concurrently, each recorded on the run, persisted and reported as it
// changes state.
type Runner struct {
	promoter *Promoter
	store    store.Store
	reporter report.Reporter
	logger   *slog.Logger

	// mu guards the runs being executed; targets record their states
	// through it.
	mu sync.Mutex
}

// NewRunner creates a runner. store and reporter may be nil.
func NewRunner(p *Promoter, st store.Store, reporter report.Reporter, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = report.Noop{}
	}
	return &Runner{
		promoter: p,
		store:    st,
		reporter: reporter,
		logger:   logger.With("component", "runner"),
	}
}

// Execute deploys the tested image of run to every target and returns the
// outcome per target. It refuses runs whose test stage has not passed.
// Cancelling ctx aborts pending approvals and rollout waits.
func (r *Runner) Execute(ctx context.Context, run *domain.PipelineRun) (map[domain.Target]domain.DeployOutcome, error) {
	return r.ExecuteTargets(ctx, run, domain.AllTargets)
}

// ExecuteTargets is Execute restricted to targets. The other targets keep
// their state.
func (r *Runner) ExecuteTargets(ctx context.Context, run *domain.PipelineRun, targets []domain.Target) (map[domain.Target]domain.DeployOutcome, error) {
	image, err := run.DeployableImage()
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if !t.IsValid() {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTarget, t)
		}
	}

	r.mu.Lock()
	err = run.MarkDeployStarted()
	if err == nil {
		err = r.persist(ctx, run)
	}
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	logger := r.logger.With("run_id", run.ID, "commit", run.CommitSHA, "branch", run.Branch)
	logger.Info("deploy started", "image", image.String())

	outcomes := make([]domain.DeployOutcome, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			r.report(ctx, run, target)
			outcomes[i] = r.promoter.Promote(ctx, Request{
				RunID:     run.ID,
				CommitSHA: run.CommitSHA,
				Branch:    run.Branch,
				Image:     image,
				Target:    target,
				OnEvent: func(ev Event) {
					r.recordEvent(ctx, run, ev)
				},
			})
			r.recordOutcome(ctx, run, outcomes[i])
			return nil
		})
	}
	_ = g.Wait()

	result := make(map[domain.Target]domain.DeployOutcome, len(outcomes))
	for _, o := range outcomes {
		result[o.Target] = o
	}

	r.mu.Lock()
	status := run.Status()
	r.mu.Unlock()
	logger.Info("deploy finished", "status", status)
	return result, nil
}

func (r *Runner) recordEvent(ctx context.Context, run *domain.PipelineRun, ev Event) {
	r.mu.Lock()
	res, err := run.TransitionTarget(ev.Target, ev.State)
	if err == nil && ev.Approver != "" {
		res.ApprovedBy = ev.Approver
	}
	if err == nil {
		err = r.persist(ctx, run)
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("failed to record target state", "run_id", run.ID, "target", ev.Target, "state", ev.State, "error", err)
	}
	r.report(ctx, run, ev.Target)
}

func (r *Runner) recordOutcome(ctx context.Context, run *domain.PipelineRun, o domain.DeployOutcome) {
	r.mu.Lock()
	_, err := run.ApplyOutcome(o)
	if err == nil {
		err = r.persist(ctx, run)
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("failed to record outcome", "run_id", run.ID, "target", o.Target, "outcome", o.Kind, "error", err)
	}
	r.report(ctx, run, o.Target)
}

// persist saves run; the caller holds r.mu. Saving survives cancellation of
// ctx so aborted runs still record their final state.
func (r *Runner) persist(ctx context.Context, run *domain.PipelineRun) error {
	if r.store == nil {
		return nil
	}
	return r.store.UpdateRun(context.WithoutCancel(ctx), run)
}

func (r *Runner) report(ctx context.Context, run *domain.PipelineRun, target domain.Target) {
	r.mu.Lock()
	res, err := run.Target(target)
	var snapshot domain.TargetResult
	if err == nil {
		snapshot = *res
	}
	r.mu.Unlock()
	if err != nil {
		return
	}

	u := report.Update{
		RunID:     run.ID,
		CommitSHA: run.CommitSHA,
		Branch:    run.Branch,
		Result:    snapshot,
	}
	if err := r.reporter.Report(context.WithoutCancel(ctx), u); err != nil {
		r.logger.Warn("failed to report target state", "run_id", run.ID, "target", target, "error", err)
	}
}
