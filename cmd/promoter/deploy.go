package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/artpar/promoter/internal/shell/approval"
	"github.com/artpar/promoter/internal/shell/promoter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/cli-runtime/pkg/printers"
)

// ErrDeployFailed is returned when at least one target did not converge.
var ErrDeployFailed = errors.New("deploy did not converge")

type deployOptions struct {
	image   string
	commit  string
	branch  string
	targets []string
	approve bool
	dotenv  string
	output  string
}

// newDeployCommand runs one promotion in the foreground. It is meant for CI
// jobs, where the pipeline's own stage ordering already guarantees a passed
// build and test.
func newDeployCommand(root *rootOptions) *cobra.Command {
	opts := &deployOptions{}

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Promote an image to the configured targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			return opts.run(cmd, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.image, "image", "", "Image reference produced by the build stage")
	flags.StringVar(&opts.commit, "commit", os.Getenv("CI_COMMIT_SHA"), "Commit the image was built from")
	flags.StringVar(&opts.branch, "branch", defaultBranch(), "Branch the pipeline runs on")
	flags.StringSliceVar(&opts.targets, "target", nil, "Target to deploy (swarm, kubernetes); repeatable, default all")
	flags.BoolVar(&opts.approve, "approve", false, "Treat the Kubernetes deploy as manually approved")
	flags.StringVar(&opts.dotenv, "dotenv", "", "Write environment URLs to this dotenv report")
	flags.StringVarP(&opts.output, "output", "o", "text", "Output format: text, json or yaml")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}

func defaultBranch() string {
	if b := os.Getenv("CI_COMMIT_BRANCH"); b != "" {
		return b
	}
	return os.Getenv("CI_COMMIT_REF_NAME")
}

func (o *deployOptions) run(cmd *cobra.Command, cfg *Config) error {
	if err := validateOutput(o.output); err != nil {
		return &ServerError{Op: "Deploy", Err: err, ExitCode: ExitConfigError}
	}
	targets, err := parseTargets(o.targets)
	if err != nil {
		return &ServerError{Op: "Deploy", Err: err, ExitCode: ExitConfigError}
	}

	run, err := domain.NewPipelineRun(o.commit, o.branch)
	if err != nil {
		return &ServerError{Op: "Deploy", Err: err, ExitCode: ExitConfigError}
	}
	if err := run.RecordBuild(o.image, domain.StageStatusSucceeded); err != nil {
		return &ServerError{Op: "Deploy", Err: err, ExitCode: ExitConfigError}
	}
	if err := run.RecordTest(domain.StageStatusSucceeded); err != nil {
		return &ServerError{Op: "Deploy", Err: err, ExitCode: ExitConfigError}
	}

	logger := SetupLogger(cfg, cmd.ErrOrStderr())
	gate := approval.StaticFromEnv(os.Getenv, o.approve)

	p, clients, err := newPromoter(cfg, gate, logger)
	if err != nil {
		return err
	}
	defer clients.Close()

	reporter, err := newReporter(cfg, o.dotenv, logger)
	if err != nil {
		return err
	}

	runner := promoter.NewRunner(p, nil, reporter, logger)
	outcomes, err := runner.ExecuteTargets(cmd.Context(), run, targets)
	if err != nil {
		return &ServerError{Op: "Deploy", Err: err, ExitCode: ExitDeployFailed}
	}

	if err := writeOutcomes(cmd.OutOrStdout(), o.output, outcomeViews(outcomes)); err != nil {
		return err
	}

	if code := deployExitCode(outcomes); code != ExitSuccess {
		return &ServerError{Op: "Deploy", Err: ErrDeployFailed, ExitCode: code}
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func validateOutput(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unknown output format %q", format)
}

// parseTargets returns the targets in stage order; empty means all.
func parseTargets(names []string) ([]domain.Target, error) {
	if len(names) == 0 {
		return domain.AllTargets, nil
	}

	want := make(map[domain.Target]bool, len(names))
	for _, n := range names {
		t := domain.Target(strings.ToLower(strings.TrimSpace(n)))
		if !t.IsValid() {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTarget, n)
		}
		want[t] = true
	}

	var targets []domain.Target
	for _, t := range domain.AllTargets {
		if want[t] {
			targets = append(targets, t)
		}
	}
	return targets, nil
}

// deployExitCode maps outcomes onto the exit code. Failures win over
// rollout timeouts.
func deployExitCode(outcomes map[domain.Target]domain.DeployOutcome) int {
	code := ExitSuccess
	for _, o := range outcomes {
		switch o.Kind {
		case domain.OutcomeFailed:
			return ExitDeployFailed
		case domain.OutcomeRolloutTimeout:
			code = ExitRolloutTimeout
		}
	}
	return code
}

// outcomeView is the printed form of a DeployOutcome.
type outcomeView struct {
	Target         string `json:"target" yaml:"target"`
	Outcome        string `json:"outcome" yaml:"outcome"`
	Image          string `json:"image,omitempty" yaml:"image,omitempty"`
	EnvironmentURL string `json:"environment_url,omitempty" yaml:"environment_url,omitempty"`
	Attempts       int    `json:"attempts" yaml:"attempts"`
	Message        string `json:"message,omitempty" yaml:"message,omitempty"`
}

func outcomeViews(outcomes map[domain.Target]domain.DeployOutcome) []outcomeView {
	views := make([]outcomeView, 0, len(outcomes))
	for _, t := range domain.AllTargets {
		o, ok := outcomes[t]
		if !ok {
			continue
		}
		views = append(views, outcomeView{
			Target:         string(t),
			Outcome:        string(o.Kind),
			Image:          o.Image,
			EnvironmentURL: o.EnvironmentURL,
			Attempts:       o.Attempts,
			Message:        o.Message,
		})
	}
	return views
}

func writeOutcomes(w io.Writer, format string, views []outcomeView) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	}

	rows := make([]metav1.TableRow, 0, len(views))
	for _, v := range views {
		rows = append(rows, metav1.TableRow{
			Cells: []any{v.Target, v.Outcome, v.Attempts, v.EnvironmentURL, v.Message},
		})
	}
	return printers.NewTablePrinter(printers.PrintOptions{}).PrintObj(&metav1.Table{
		ColumnDefinitions: []metav1.TableColumnDefinition{
			{Name: "Target", Type: "string"},
			{Name: "Outcome", Type: "string"},
			{Name: "Attempts", Type: "integer"},
			{Name: "URL", Type: "string"},
			{Name: "Message", Type: "string"},
		},
		Rows: rows,
	}, w)
}
