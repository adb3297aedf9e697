// Package promoter promotes a tested image to the swarm and Kubernetes
// targets and records the outcome of each on the pipeline run.
package promoter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/promoter/internal/core/deployment"
	"github.com/artpar/promoter/internal/core/domain"
	"github.com/artpar/promoter/internal/shell/approval"
	"github.com/artpar/promoter/internal/shell/kube"
	"github.com/artpar/promoter/internal/shell/swarm"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
)

// KubeClient is the part of kube.Client the promoter drives.
type KubeClient interface {
	Apply(ctx context.Context, objs []*unstructured.Unstructured) (kube.ApplyResult, error)
	SetImage(ctx context.Context, namespace, name, container, image string) (bool, error)
	WaitForRollout(ctx context.Context, namespace, name string, interval, timeout time.Duration) error
}

type approvalSource interface {
	Approval(runID string, target domain.Target) (approval.Record, bool)
}

// =============================================================================
// Request / Event
// =============================================================================

// Request asks for one target to be converged to Image.
type Request struct {
	RunID     string
	CommitSHA string
	Branch    string
	Image     domain.ImageRef
	Target    domain.Target
	// OnEvent observes the intermediate states (awaiting_approval, updating).
	OnEvent func(Event)
}

// Event is an intermediate state change of a promotion.
type Event struct {
	Target   domain.Target
	State    domain.TargetState
	Approver string
}

func (r Request) emit(ev Event) {
	if r.OnEvent != nil {
		ev.Target = r.Target
		r.OnEvent(ev)
	}
}

// =============================================================================
// Promoter
// =============================================================================

// Promoter converges deploy targets to a tested image. A nil client leaves
// its target unconfigured; promotions to it are skipped.
type Promoter struct {
	cfg    Config
	swarm  swarm.ServiceClient
	kube   KubeClient
	gate   approval.Gate
	logger *slog.Logger
}

// New creates a promoter. gate decides approvals for targets that require
// them.
func New(cfg Config, swarmClient swarm.ServiceClient, kubeClient KubeClient, gate approval.Gate, logger *slog.Logger) *Promoter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Gates == nil {
		cfg.Gates = domain.GatePolicy{}
	}
	if gate == nil {
		gate = approval.Static{}
	}
	if cfg.Kubernetes.RolloutTimeout <= 0 {
		cfg.Kubernetes.RolloutTimeout = DefaultRolloutTimeout
	}
	if cfg.Kubernetes.PollInterval <= 0 {
		cfg.Kubernetes.PollInterval = DefaultPollInterval
	}
	return &Promoter{
		cfg:    cfg,
		swarm:  swarmClient,
		kube:   kubeClient,
		gate:   gate,
		logger: logger.With("component", "promoter"),
	}
}

// Promote converges req.Target to req.Image. Failures are carried in the
// outcome; the outcome kind is always set.
//
// A branch other than the target's release branch is skipped before any
// external call. Kubernetes waits for approval when its gate requires one,
// and stays cancellable through ctx while it waits.
func (p *Promoter) Promote(ctx context.Context, req Request) domain.DeployOutcome {
	logger := p.logger.With("run_id", req.RunID, "target", req.Target, "image", req.Image.String())

	if !req.Target.IsValid() {
		err := domain.NewDeployError("Promote", req.Target, domain.ErrorKindPermanent, "", domain.ErrUnknownTarget)
		return domain.FailedOutcome(req.Target, req.Image, 0, err)
	}
	if req.Image.IsZero() {
		err := domain.NewDeployError("Promote", req.Target, domain.ErrorKindPermanent, "", domain.ErrMissingImage)
		return domain.FailedOutcome(req.Target, req.Image, 0, err)
	}

	gate := p.cfg.Gates.Gate(req.Target)
	if !gate.AllowsBranch(req.Branch) {
		reason := fmt.Sprintf("branch %q is not the release branch %q", req.Branch, gate.ReleaseBranch)
		logger.Info("promotion skipped", "reason", reason)
		return domain.SkippedOutcome(req.Target, reason)
	}

	var out domain.DeployOutcome
	switch req.Target {
	case domain.TargetSwarm:
		if p.swarm == nil {
			return domain.SkippedOutcome(req.Target, "swarm target is not configured")
		}
		out = p.promoteSwarm(ctx, req, logger)
	case domain.TargetKubernetes:
		if p.kube == nil {
			return domain.SkippedOutcome(req.Target, "kubernetes target is not configured")
		}
		out = p.promoteKubernetes(ctx, req, gate, logger)
	}

	if out.OK() {
		logger.Info("promotion finished", "outcome", out.Kind, "attempts", out.Attempts, "url", out.EnvironmentURL)
	} else {
		logger.Error("promotion failed", "outcome", out.Kind, "attempts", out.Attempts, "error", out.Message)
	}
	return out
}

// =============================================================================
// Swarm
// =============================================================================

func (p *Promoter) promoteSwarm(ctx context.Context, req Request, logger *slog.Logger) domain.DeployOutcome {
	cfg := p.cfg.Swarm
	spec, err := deployment.BuildServiceSpec(deployment.ServiceSpecParams{
		Name:      cfg.Service,
		Image:     req.Image,
		CommitSHA: req.CommitSHA,
		Replicas:  cfg.Replicas,
		Ports:     cfg.Ports,
		Env:       cfg.Env,
		Service:   cfg.Stack,
	})
	if err != nil {
		return domain.FailedOutcome(req.Target, req.Image, 0,
			domain.NewDeployError("BuildServiceSpec", req.Target, domain.ErrorKindPermanent, "", err))
	}

	req.emit(Event{State: domain.StateUpdating})

	var result swarm.UpsertResult
	attempts, err := p.withRetry(ctx, logger, "UpsertService", req.Target, func() error {
		r, err := swarm.Upsert(ctx, p.swarm, spec)
		if err != nil {
			return domain.NewDeployError("UpsertService", domain.TargetSwarm, swarm.Classify(err), "", err)
		}
		result = r
		return nil
	})
	if err != nil {
		return domain.FailedOutcome(req.Target, req.Image, attempts, err)
	}

	return domain.DeployOutcome{
		Kind:   domain.OutcomeConverged,
		Target: req.Target,
		Image:  req.Image.String(),
		EnvironmentURL: deployment.EnvironmentURL(cfg.URLTemplate, deployment.URLVars{
			Service: spec.Name,
			Branch:  req.Branch,
			Commit:  req.CommitSHA,
			Image:   req.Image,
		}),
		Attempts: attempts,
		Message:  fmt.Sprintf("service %s %s", result.Service, result.Action),
	}
}

// =============================================================================
// Kubernetes
// =============================================================================

func (p *Promoter) promoteKubernetes(ctx context.Context, req Request, gate domain.EnvironmentGate, logger *slog.Logger) domain.DeployOutcome {
	cfg := p.cfg.Kubernetes
	namespace, name := cfg.workload()
	if name == "" {
		return domain.FailedOutcome(req.Target, req.Image, 0, domain.NewDeployError("Promote", req.Target,
			domain.ErrorKindPermanent, "no deployment configured and none found in the manifest", kube.ErrWorkloadNotFound))
	}

	var approver string
	if gate.RequireApproval {
		req.emit(Event{State: domain.StateAwaitingApproval})
		if err := p.gate.Await(ctx, req.RunID, req.Target); err != nil {
			return domain.FailedOutcome(req.Target, req.Image, 0,
				domain.NewDeployError("AwaitApproval", req.Target, domain.ErrorKindPermanent, "", err))
		}
		if src, ok := p.gate.(approvalSource); ok {
			if rec, ok := src.Approval(req.RunID, req.Target); ok {
				approver = rec.Approver
			}
		}
		logger.Info("approval observed", "approver", approver)
	}

	req.emit(Event{State: domain.StateUpdating, Approver: approver})

	total := 0
	if len(cfg.Manifest) > 0 {
		attempts, err := p.withRetry(ctx, logger, "ApplyManifest", req.Target, func() error {
			res, err := p.kube.Apply(ctx, cfg.Manifest)
			if err != nil {
				return domain.NewDeployError("ApplyManifest", domain.TargetKubernetes, kube.Classify(err), "", err)
			}
			for _, o := range res.Objects {
				logger.Debug("manifest object", "object", o.String())
			}
			return nil
		})
		total += attempts
		if err != nil {
			return domain.FailedOutcome(req.Target, req.Image, total, err)
		}
	}

	attempts, err := p.withRetry(ctx, logger, "SetImage", req.Target, func() error {
		_, err := p.kube.SetImage(ctx, namespace, name, cfg.Container, req.Image.String())
		if err != nil {
			return domain.NewDeployError("SetImage", domain.TargetKubernetes, kube.Classify(err), "", err)
		}
		return nil
	})
	total += attempts
	if err != nil {
		return domain.FailedOutcome(req.Target, req.Image, total, err)
	}

	// Rollout waits are never retried; a timeout is left for manual remediation.
	if err := p.kube.WaitForRollout(ctx, namespace, name, cfg.PollInterval, cfg.RolloutTimeout); err != nil {
		return domain.FailedOutcome(req.Target, req.Image, total,
			domain.NewDeployError("WaitForRollout", req.Target, kube.Classify(err), "", err))
	}

	return domain.DeployOutcome{
		Kind:   domain.OutcomeConverged,
		Target: req.Target,
		Image:  req.Image.String(),
		EnvironmentURL: deployment.EnvironmentURL(cfg.URLTemplate, deployment.URLVars{
			Service: name,
			Branch:  req.Branch,
			Commit:  req.CommitSHA,
			Image:   req.Image,
		}),
		Attempts: total,
		Message:  fmt.Sprintf("deployment %s rolled out", name),
	}
}

// =============================================================================
// Retry
// =============================================================================

// withRetry runs fn until it succeeds, fails with a non-retryable error, the
// configured attempts are used up, or ctx is done. Backoff sleeps end early on
// cancellation and no attempt starts after it. It returns the number of
// attempts.
func (p *Promoter) withRetry(ctx context.Context, logger *slog.Logger, op string, target domain.Target, fn func() error) (int, error) {
	backoff := p.cfg.Retry.Backoff()
	attempts := 0
	var lastErr, stopErr error
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(context.Context) (bool, error) {
		attempts++
		err := fn()
		switch {
		case err == nil:
			return true, nil
		case !domain.IsRetryable(err):
			stopErr = err
			return false, err
		}
		lastErr = err
		if attempts < backoff.Steps && ctx.Err() == nil {
			logger.Warn("transient failure, retrying", "op", op, "attempt", attempts, "error", err)
		}
		return false, nil
	})

	switch {
	case err == nil:
		return attempts, nil
	case stopErr != nil:
		return attempts, stopErr
	case ctx.Err() != nil:
		cause := ctx.Err()
		if lastErr != nil {
			cause = fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		}
		return attempts, domain.NewDeployError(op, target, domain.ErrorKindPermanent,
			fmt.Sprintf("aborted after %d attempts: %v", attempts, cause), cause)
	}
	return attempts, domain.NewDeployError(op, target, domain.ErrorKindTransient,
		fmt.Sprintf("giving up after %d attempts: %v", attempts, lastErr), lastErr)
}
