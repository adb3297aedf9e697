package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/hashicorp/go-cleanhttp"
	gitlab "gitlab.com/gitlab-org/api/client-go"
)

// DefaultStatusPrefix prefixes the commit status name of each target.
const DefaultStatusPrefix = "promoter"

const maxDescriptionLength = 255

type commitStatusClient interface {
	SetCommitStatus(
		pid any,
		sha string,
		opt *gitlab.SetCommitStatusOptions,
		options ...gitlab.RequestOptionFunc,
	) (*gitlab.CommitStatus, *gitlab.Response, error)
}

// GitLabConfig selects the project whose commits receive statuses.
type GitLabConfig struct {
	BaseURL string // e.g. https://gitlab.example/api/v4; gitlab.com when empty
	Token   string
	Project string // numeric ID or full path
	Prefix  string
}

// GitLabReporter sets one commit status per target.
type GitLabReporter struct {
	client  commitStatusClient
	project string
	prefix  string
	logger  *slog.Logger
}

// NewGitLabReporter creates a reporter backed by the GitLab REST API.
func NewGitLabReporter(cfg GitLabConfig, logger *slog.Logger) (*GitLabReporter, error) {
	if cfg.Project == "" {
		return nil, fmt.Errorf("gitlab reporter: project is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("gitlab reporter: token is required")
	}

	opts := []gitlab.ClientOptionFunc{gitlab.WithHTTPClient(cleanhttp.DefaultClient())}
	if cfg.BaseURL != "" {
		opts = append(opts, gitlab.WithBaseURL(cfg.BaseURL))
	}
	client, err := gitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("gitlab reporter: %w", err)
	}

	return newGitLabReporter(client.Commits, cfg.Project, cfg.Prefix, logger), nil
}

func newGitLabReporter(client commitStatusClient, project, prefix string, logger *slog.Logger) *GitLabReporter {
	if prefix == "" {
		prefix = DefaultStatusPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitLabReporter{
		client:  client,
		project: project,
		prefix:  prefix,
		logger:  logger.With("component", "gitlab_reporter"),
	}
}

// Report sets the commit status named "<prefix>/<target>".
func (g *GitLabReporter) Report(ctx context.Context, u Update) error {
	if u.CommitSHA == "" {
		return fmt.Errorf("gitlab reporter: run %s has no commit", u.RunID)
	}

	opts := &gitlab.SetCommitStatusOptions{
		State:       CommitState(u.Result.State),
		Name:        gitlab.Ptr(g.prefix + "/" + string(u.Result.Target)),
		Description: gitlab.Ptr(describe(u.Result)),
	}
	if u.Branch != "" {
		opts.Ref = gitlab.Ptr(u.Branch)
	}
	if u.Result.EnvironmentURL != "" {
		opts.TargetURL = gitlab.Ptr(u.Result.EnvironmentURL)
	}

	_, _, err := g.client.SetCommitStatus(g.project, u.CommitSHA, opts, gitlab.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("set commit status %s for %s: %w", *opts.Name, u.CommitSHA, err)
	}

	g.logger.Debug("commit status set", "commit", u.CommitSHA, "target", u.Result.Target, "state", opts.State)
	return nil
}

// CommitState maps a target state onto a GitLab commit status state.
func CommitState(s domain.TargetState) gitlab.BuildStateValue {
	switch s {
	case domain.StateUpdating:
		return gitlab.Running
	case domain.StateConverged:
		return gitlab.Success
	case domain.StateFailed, domain.StateRolloutTimeout:
		return gitlab.Failed
	case domain.StateSkipped:
		return gitlab.Skipped
	default:
		return gitlab.Pending
	}
}

func describe(r domain.TargetResult) string {
	var desc string
	switch r.State {
	case domain.StateAwaitingApproval:
		desc = "waiting for manual approval"
	case domain.StateRolloutTimeout:
		desc = "rollout timed out, manual intervention required"
	default:
		desc = string(r.State)
	}
	if r.Message != "" {
		desc += ": " + strings.ReplaceAll(r.Message, "\n", " ")
	}
	if len(desc) > maxDescriptionLength {
		desc = desc[:maxDescriptionLength]
	}
	return desc
}
