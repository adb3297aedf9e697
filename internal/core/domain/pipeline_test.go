package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestRun(t *testing.T) *PipelineRun {
	t.Helper()
	run, err := NewPipelineRun("3f2c1a9", "main")
	require.NoError(t, err)
	return run
}

func newTestedRun(t *testing.T) *PipelineRun {
	t.Helper()
	run := newTestRun(t)
	require.NoError(t, run.RecordBuild("registry.example/app:v1", StageStatusSucceeded))
	require.NoError(t, run.RecordTest(StageStatusSucceeded))
	return run
}

// =============================================================================
// Creation Tests
// =============================================================================

func TestNewPipelineRun_Valid(t *testing.T) {
	run := newTestRun(t)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "3f2c1a9", run.CommitSHA)
	assert.Equal(t, "main", run.Branch)
	assert.Equal(t, StageStatusPending, run.Build.Status)
	assert.Equal(t, StageStatusPending, run.Test.Status)
	require.Len(t, run.Targets, 2)
	assert.Equal(t, StatePending, run.Targets[TargetSwarm].State)
	assert.Equal(t, StatePending, run.Targets[TargetKubernetes].State)
	assert.Equal(t, RunStatusRunning, run.Status())
}

func TestNewPipelineRun_MissingFields(t *testing.T) {
	_, err := NewPipelineRun("", "main")
	assert.ErrorIs(t, err, ErrMissingCommit)

	_, err = NewPipelineRun("abc", "  ")
	assert.ErrorIs(t, err, ErrMissingBranch)
}

// =============================================================================
// Stage Ordering Tests
// =============================================================================

func TestRecordTest_BeforeBuild(t *testing.T) {
	run := newTestRun(t)

	err := run.RecordTest(StageStatusSucceeded)
	assert.ErrorIs(t, err, ErrStageOutOfOrder)
}

func TestRecordTest_AfterFailedBuild(t *testing.T) {
	run := newTestRun(t)
	require.NoError(t, run.RecordBuild("", StageStatusFailed))

	assert.ErrorIs(t, run.RecordTest(StageStatusSucceeded), ErrStageOutOfOrder)
	assert.Equal(t, RunStatusFailure, run.Status())
}

func TestRecordBuild_Twice(t *testing.T) {
	run := newTestRun(t)
	require.NoError(t, run.RecordBuild("registry.example/app:v1", StageStatusSucceeded))

	err := run.RecordBuild("registry.example/app:v2", StageStatusSucceeded)
	assert.ErrorIs(t, err, ErrStageAlreadyFinal)
	assert.Equal(t, "registry.example/app:v1", run.Image.String())
}

func TestRecordBuild_SuccessRequiresImage(t *testing.T) {
	run := newTestRun(t)

	assert.ErrorIs(t, run.RecordBuild("", StageStatusSucceeded), ErrMissingImage)
	assert.ErrorIs(t, run.RecordBuild("app", StageStatusSucceeded), ErrInvalidImageRef)
	assert.Equal(t, StageStatusPending, run.Build.Status)
}

func TestRecordBuild_RejectsPendingStatus(t *testing.T) {
	run := newTestRun(t)

	assert.ErrorIs(t, run.RecordBuild("registry.example/app:v1", StageStatusPending), ErrStageOutOfOrder)
}

// =============================================================================
// Deployable Image Tests
// =============================================================================

func TestDeployableImage_RequiresPassedTest(t *testing.T) {
	run := newTestRun(t)

	_, err := run.DeployableImage()
	assert.ErrorIs(t, err, ErrBuildNotPassed)

	require.NoError(t, run.RecordBuild("registry.example/app:v1", StageStatusSucceeded))
	_, err = run.DeployableImage()
	assert.ErrorIs(t, err, ErrTestNotPassed)
	assert.False(t, run.ReadyToDeploy())

	require.NoError(t, run.RecordTest(StageStatusSucceeded))
	image, err := run.DeployableImage()
	require.NoError(t, err)
	assert.Equal(t, "registry.example/app:v1", image.String())
	assert.True(t, run.ReadyToDeploy())
}

func TestDeployableImage_FailedTest(t *testing.T) {
	run := newTestRun(t)
	require.NoError(t, run.RecordBuild("registry.example/app:v1", StageStatusSucceeded))
	require.NoError(t, run.RecordTest(StageStatusFailed))

	_, err := run.DeployableImage()
	assert.ErrorIs(t, err, ErrTestNotPassed)
	assert.ErrorIs(t, run.MarkDeployStarted(), ErrTestNotPassed)
	assert.Equal(t, RunStatusFailure, run.Status())
}

func TestMarkDeployStarted(t *testing.T) {
	run := newTestedRun(t)

	require.NoError(t, run.MarkDeployStarted())
	assert.True(t, run.Started)
	assert.False(t, run.ReadyToDeploy())
}

// =============================================================================
// Run Status Tests
// =============================================================================

func TestStatus_Success(t *testing.T) {
	run := newTestedRun(t)
	require.NoError(t, run.Targets[TargetSwarm].Apply(DeployOutcome{Kind: OutcomeConverged, Attempts: 1}))
	assert.Equal(t, RunStatusRunning, run.Status())

	require.NoError(t, run.Targets[TargetKubernetes].Apply(DeployOutcome{Kind: OutcomeConverged, Attempts: 1}))
	assert.Equal(t, RunStatusSuccess, run.Status())
	assert.True(t, run.Status().IsTerminal())
}

func TestStatus_ManualPending(t *testing.T) {
	run := newTestedRun(t)
	require.NoError(t, run.Targets[TargetSwarm].Apply(DeployOutcome{Kind: OutcomeConverged, Attempts: 1}))
	require.NoError(t, run.Targets[TargetKubernetes].Transition(StateAwaitingApproval))

	assert.Equal(t, RunStatusManualPending, run.Status())
}

func TestStatus_FailureOnRolloutTimeout(t *testing.T) {
	run := newTestedRun(t)
	require.NoError(t, run.Targets[TargetSwarm].Apply(DeployOutcome{Kind: OutcomeConverged, Attempts: 1}))
	require.NoError(t, run.Targets[TargetKubernetes].Apply(DeployOutcome{Kind: OutcomeRolloutTimeout, Attempts: 1}))

	assert.Equal(t, RunStatusFailure, run.Status())
}

func TestStatus_SkippedCountsAsSuccess(t *testing.T) {
	run := newTestedRun(t)
	for _, target := range AllTargets {
		require.NoError(t, run.Targets[target].Apply(SkippedOutcome(target, "not the release branch")))
	}

	assert.Equal(t, RunStatusSuccess, run.Status())
}

func TestTarget_Unknown(t *testing.T) {
	run := newTestRun(t)

	_, err := run.Target(Target("nomad"))
	assert.ErrorIs(t, err, ErrUnknownTarget)

	res, err := run.Target(TargetSwarm)
	require.NoError(t, err)
	assert.Same(t, run.Targets[TargetSwarm], res)
}

// =============================================================================
// Serialization Tests
// =============================================================================

func TestPipelineRun_JSONImage(t *testing.T) {
	run := newTestedRun(t)

	data, err := json.Marshal(run)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"image":"registry.example/app:v1"`)

	var decoded PipelineRun
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, run.Image, decoded.Image)
	assert.Equal(t, StatePending, decoded.Targets[TargetKubernetes].State)
}

func TestParseStageStatus(t *testing.T) {
	for _, s := range []string{"success", "Succeeded", "passed", "ok"} {
		status, err := ParseStageStatus(s)
		require.NoError(t, err)
		assert.Equal(t, StageStatusSucceeded, status)
	}

	status, err := ParseStageStatus("failed")
	require.NoError(t, err)
	assert.Equal(t, StageStatusFailed, status)

	_, err = ParseStageStatus("canceled")
	assert.Error(t, err)
}

func TestTransitionTarget(t *testing.T) {
	run := newTestedRun(t)
	before := run.UpdatedAt

	res, err := run.TransitionTarget(TargetKubernetes, StateAwaitingApproval)
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingApproval, res.State)
	assert.False(t, run.UpdatedAt.Before(before))

	_, err = run.TransitionTarget(TargetKubernetes, StateConverged)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = run.TransitionTarget("nomad", StateUpdating)
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestApplyOutcome(t *testing.T) {
	run := newTestedRun(t)

	res, err := run.ApplyOutcome(DeployOutcome{Kind: OutcomeConverged, Target: TargetSwarm, Attempts: 1})
	require.NoError(t, err)
	assert.Equal(t, StateConverged, res.State)
	assert.Equal(t, StateConverged, run.Targets[TargetSwarm].State)

	_, err = run.ApplyOutcome(DeployOutcome{Kind: OutcomeFailed, Target: TargetSwarm, Attempts: 1})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
