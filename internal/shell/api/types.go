package api

import (
	"time"

	"github.com/artpar/promoter/internal/core/domain"
)

// =============================================================================
// Request Types
// =============================================================================

// CreateRunRequest is the request body for registering a pipeline run.
type CreateRunRequest struct {
	CommitSHA string `json:"commit_sha"`
	Branch    string `json:"branch"`
}

// BuildResultRequest reports the build stage.
type BuildResultRequest struct {
	Image  string `json:"image,omitempty"`
	Status string `json:"status"`
}

// TestResultRequest reports the test stage.
type TestResultRequest struct {
	Status string `json:"status"`
}

// ApproveRequest approves a gated target of a run.
type ApproveRequest struct {
	Target   string `json:"target,omitempty"`
	Approver string `json:"approver,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// RunResponse is the response for run operations.
type RunResponse struct {
	ID            string           `json:"id"`
	CommitSHA     string           `json:"commit_sha"`
	Branch        string           `json:"branch"`
	Image         string           `json:"image,omitempty"`
	Status        domain.RunStatus `json:"status"`
	Build         StageResponse    `json:"build"`
	Test          StageResponse    `json:"test"`
	Targets       []TargetResponse `json:"targets"`
	DeployStarted bool             `json:"deploy_started"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// StageResponse is the build or test stage of a run.
type StageResponse struct {
	Status     domain.StageStatus `json:"status"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// TargetResponse is the deploy state of one target.
type TargetResponse struct {
	Target         domain.Target      `json:"target"`
	State          domain.TargetState `json:"state"`
	Image          string             `json:"image,omitempty"`
	EnvironmentURL string             `json:"environment_url,omitempty"`
	Attempts       int                `json:"attempts"`
	Message        string             `json:"message,omitempty"`
	ApprovedBy     string             `json:"approved_by,omitempty"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	FinishedAt     *time.Time         `json:"finished_at,omitempty"`
}

// ListRunsResponse is the response for listing runs.
type ListRunsResponse struct {
	Runs   []RunResponse `json:"runs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ApprovalResponse is the response for an approval.
type ApprovalResponse struct {
	RunID      string        `json:"run_id"`
	Target     domain.Target `json:"target"`
	Approver   string        `json:"approver"`
	ApprovedAt time.Time     `json:"approved_at"`
}

// CancelResponse is the response for a cancellation.
type CancelResponse struct {
	RunID     string `json:"run_id"`
	Cancelled bool   `json:"cancelled"`
}

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for the readiness endpoint.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ErrorResponse is the response for errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
