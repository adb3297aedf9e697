package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Pipeline Errors
// =============================================================================

var (
	ErrMissingCommit     = errors.New("commit reference is required")
	ErrMissingBranch     = errors.New("branch is required")
	ErrStageOutOfOrder   = errors.New("stage reported out of order")
	ErrStageAlreadyFinal = errors.New("stage already has a final result")
	ErrBuildNotPassed    = errors.New("build stage has not succeeded")
	ErrTestNotPassed     = errors.New("test stage has not succeeded")
	ErrMissingImage      = errors.New("successful build must report an image")
)

// =============================================================================
// Stages
// =============================================================================

// Stage names a step of a pipeline run.
type Stage string

const (
	StageBuild            Stage = "build"
	StageTest             Stage = "test"
	StageDeploySwarm      Stage = "deploy_swarm"
	StageDeployKubernetes Stage = "deploy_kubernetes"
)

// StageStatus is the reported status of the build or test stage.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
)

// ParseStageStatus accepts the runner's spelling ("success"/"passed" etc.).
func ParseStageStatus(s string) (StageStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "succeeded", "success", "passed", "ok":
		return StageStatusSucceeded, nil
	case "failed", "failure", "error":
		return StageStatusFailed, nil
	}
	return "", fmt.Errorf("unknown stage status %q", s)
}

func (s StageStatus) isFinal() bool {
	return s == StageStatusSucceeded || s == StageStatusFailed
}

// StageResult is the outcome of the build or test stage as reported by the
// pipeline runner.
type StageResult struct {
	Status     StageStatus `json:"status"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// =============================================================================
// Run Status
// =============================================================================

// RunStatus is the overall state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning       RunStatus = "running"
	RunStatusSuccess       RunStatus = "success"
	RunStatusFailure       RunStatus = "failure"
	RunStatusManualPending RunStatus = "manual_pending"
)

// IsTerminal reports whether the run has settled.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailure || s == RunStatusManualPending
}

// =============================================================================
// Pipeline Run
// =============================================================================

// PipelineRun is the ordered record of build, test and deploy stages for one
// commit.
type PipelineRun struct {
	ID        string                   `json:"id"`
	CommitSHA string                   `json:"commit_sha"`
	Branch    string                   `json:"branch"`
	Image     ImageRef                 `json:"image"`
	Build     StageResult              `json:"build"`
	Test      StageResult              `json:"test"`
	Targets   map[Target]*TargetResult `json:"targets"`
	Started   bool                     `json:"deploy_started"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// NewPipelineRun creates a run for commitSHA on branch with all stages pending.
func NewPipelineRun(commitSHA, branch string) (*PipelineRun, error) {
	commitSHA = strings.TrimSpace(commitSHA)
	branch = strings.TrimSpace(branch)
	if commitSHA == "" {
		return nil, ErrMissingCommit
	}
	if branch == "" {
		return nil, ErrMissingBranch
	}

	now := time.Now().UTC()
	run := &PipelineRun{
		ID:        uuid.New().String(),
		CommitSHA: commitSHA,
		Branch:    branch,
		Build:     StageResult{Status: StageStatusPending},
		Test:      StageResult{Status: StageStatusPending},
		Targets:   make(map[Target]*TargetResult, len(AllTargets)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, t := range AllTargets {
		run.Targets[t] = NewTargetResult(t)
	}
	return run, nil
}

// RecordBuild records the build stage. A successful build fixes the image for
// the rest of the run.
func (r *PipelineRun) RecordBuild(image string, status StageStatus) error {
	if !status.isFinal() {
		return fmt.Errorf("%w: build status %q", ErrStageOutOfOrder, status)
	}
	if r.Build.Status != StageStatusPending {
		return fmt.Errorf("%w: build", ErrStageAlreadyFinal)
	}

	if status == StageStatusSucceeded {
		if strings.TrimSpace(image) == "" {
			return ErrMissingImage
		}
		ref, err := ParseImageRef(image)
		if err != nil {
			return err
		}
		r.Image = ref
	}

	r.Build = finishStage(status)
	r.touch()
	return nil
}

// RecordTest records the test stage. The build stage must have succeeded.
func (r *PipelineRun) RecordTest(status StageStatus) error {
	if !status.isFinal() {
		return fmt.Errorf("%w: test status %q", ErrStageOutOfOrder, status)
	}
	if r.Build.Status != StageStatusSucceeded {
		return fmt.Errorf("%w: test before successful build", ErrStageOutOfOrder)
	}
	if r.Test.Status != StageStatusPending {
		return fmt.Errorf("%w: test", ErrStageAlreadyFinal)
	}

	r.Test = finishStage(status)
	r.touch()
	return nil
}

// DeployableImage returns the image that passed the test stage of this run.
// Deploy stages obtain their image only through this method.
func (r *PipelineRun) DeployableImage() (ImageRef, error) {
	if r.Build.Status != StageStatusSucceeded {
		return ImageRef{}, ErrBuildNotPassed
	}
	if r.Test.Status != StageStatusSucceeded {
		return ImageRef{}, ErrTestNotPassed
	}
	if r.Image.IsZero() {
		return ImageRef{}, ErrMissingImage
	}
	return r.Image, nil
}

// Target returns the result record for t.
func (r *PipelineRun) Target(t Target) (*TargetResult, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, t)
	}
	res, ok := r.Targets[t]
	if !ok {
		if r.Targets == nil {
			r.Targets = make(map[Target]*TargetResult, len(AllTargets))
		}
		res = NewTargetResult(t)
		r.Targets[t] = res
	}
	return res, nil
}

// TransitionTarget moves target t of the run to state to.
func (r *PipelineRun) TransitionTarget(t Target, to TargetState) (*TargetResult, error) {
	res, err := r.Target(t)
	if err != nil {
		return nil, err
	}
	if err := res.Transition(to); err != nil {
		return nil, fmt.Errorf("%w: %s %s -> %s", err, t, res.State, to)
	}
	r.touch()
	return res, nil
}

// ApplyOutcome records a finished deploy outcome on its target.
func (r *PipelineRun) ApplyOutcome(o DeployOutcome) (*TargetResult, error) {
	res, err := r.Target(o.Target)
	if err != nil {
		return nil, err
	}
	if err := res.Apply(o); err != nil {
		return nil, fmt.Errorf("%w: %s %s -> %s", err, o.Target, res.State, o.State())
	}
	r.touch()
	return res, nil
}

// Status derives the overall run state from the stage results.
func (r *PipelineRun) Status() RunStatus {
	if r.Build.Status == StageStatusFailed || r.Test.Status == StageStatusFailed {
		return RunStatusFailure
	}
	if r.Build.Status != StageStatusSucceeded || r.Test.Status != StageStatusSucceeded {
		return RunStatusRunning
	}

	allTerminal := true
	awaiting := false
	for _, t := range AllTargets {
		res, ok := r.Targets[t]
		if !ok {
			allTerminal = false
			continue
		}
		switch res.State {
		case StateFailed, StateRolloutTimeout:
			return RunStatusFailure
		case StateAwaitingApproval:
			awaiting = true
		}
		if !res.State.IsTerminal() {
			allTerminal = false
		}
	}

	switch {
	case allTerminal:
		return RunStatusSuccess
	case awaiting:
		return RunStatusManualPending
	default:
		return RunStatusRunning
	}
}

// ReadyToDeploy reports whether the run passed its test stage and its deploy
// stages have not been started yet.
func (r *PipelineRun) ReadyToDeploy() bool {
	_, err := r.DeployableImage()
	return err == nil && !r.Started
}

// MarkDeployStarted flags the deploy stages as started.
func (r *PipelineRun) MarkDeployStarted() error {
	if _, err := r.DeployableImage(); err != nil {
		return err
	}
	r.Started = true
	r.touch()
	return nil
}

func (r *PipelineRun) touch() {
	r.UpdatedAt = time.Now().UTC()
}

func finishStage(status StageStatus) StageResult {
	now := time.Now().UTC()
	return StageResult{Status: status, FinishedAt: &now}
}
