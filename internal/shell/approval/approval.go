// Package approval provides the manual approval signal that gates deploy
// targets such as Kubernetes.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/artpar/promoter/internal/core/domain"
)

var (
	ErrNotApproved   = errors.New("deploy requires manual approval")
	ErrMissingRunID  = errors.New("run id is required")
	ErrMissingTarget = errors.New("target is required")
)

// Gate blocks a deploy until it is approved.
type Gate interface {
	// Await returns nil once (runID, target) is approved, or an error when
	// ctx ends first or the approval can never arrive.
	Await(ctx context.Context, runID string, target domain.Target) error
}

// Record describes a granted approval.
type Record struct {
	RunID      string        `json:"run_id"`
	Target     domain.Target `json:"target"`
	Approver   string        `json:"approver"`
	ApprovedAt time.Time     `json:"approved_at"`
}

// =============================================================================
// Broker
// =============================================================================

type key struct {
	runID  string
	target domain.Target
}

type signal struct {
	done   chan struct{}
	record *Record
}

// Broker holds in-process approval signals. An approval granted before
// anyone waits is kept and satisfies later waiters.
type Broker struct {
	mu      sync.Mutex
	signals map[key]*signal
	logger  *slog.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		signals: make(map[key]*signal),
		logger:  logger.With("component", "approval"),
	}
}

func (b *Broker) signalFor(k key) *signal {
	s, ok := b.signals[k]
	if !ok {
		s = &signal{done: make(chan struct{})}
		b.signals[k] = s
	}
	return s
}

// Await blocks until Approve is called for (runID, target) or ctx ends.
func (b *Broker) Await(ctx context.Context, runID string, target domain.Target) error {
	if runID == "" {
		return ErrMissingRunID
	}
	if target == "" {
		return ErrMissingTarget
	}

	b.mu.Lock()
	s := b.signalFor(key{runID, target})
	b.mu.Unlock()

	select {
	case <-s.done:
		return nil
	default:
	}

	b.logger.Info("waiting for approval", "run_id", runID, "target", target)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Approve grants approval for (runID, target). Approving twice keeps the
// first record and returns it.
func (b *Broker) Approve(runID string, target domain.Target, approver string) (Record, error) {
	if runID == "" {
		return Record{}, ErrMissingRunID
	}
	if !target.IsValid() {
		return Record{}, domain.ErrUnknownTarget
	}
	approver = strings.TrimSpace(approver)
	if approver == "" {
		approver = "unknown"
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.signalFor(key{runID, target})
	if s.record != nil {
		return *s.record, nil
	}
	s.record = &Record{
		RunID:      runID,
		Target:     target,
		Approver:   approver,
		ApprovedAt: time.Now().UTC(),
	}
	close(s.done)

	b.logger.Info("approval granted", "run_id", runID, "target", target, "approver", approver)
	return *s.record, nil
}

// Approval returns the approval record for (runID, target), if any.
func (b *Broker) Approval(runID string, target domain.Target) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.signals[key{runID, target}]
	if !ok || s.record == nil {
		return Record{}, false
	}
	return *s.record, true
}

// Forget drops every signal of runID.
func (b *Broker) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k := range b.signals {
		if k.runID == runID {
			delete(b.signals, k)
		}
	}
}

// =============================================================================
// Static
// =============================================================================

// EnvJobManual is set to "true" by GitLab for jobs started through the manual
// play button.
const EnvJobManual = "CI_JOB_MANUAL"

// Static is a gate decided up front, for one-shot CLI jobs that cannot wait
// for an external signal.
type Static struct {
	Approved bool
	Approver string
}

// StaticFromEnv approves when the job was started manually or force is set.
// lookup is usually os.Getenv.
func StaticFromEnv(lookup func(string) string, force bool) Static {
	if force {
		return Static{Approved: true, Approver: "--approve"}
	}
	if strings.EqualFold(strings.TrimSpace(lookup(EnvJobManual)), "true") {
		approver := lookup("GITLAB_USER_LOGIN")
		if approver == "" {
			approver = EnvJobManual
		}
		return Static{Approved: true, Approver: approver}
	}
	return Static{}
}

// Await returns immediately: nil when approved, ErrNotApproved otherwise.
func (s Static) Await(ctx context.Context, _ string, _ domain.Target) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.Approved {
		return ErrNotApproved
	}
	return nil
}

// Approval reports the static approval as a record.
func (s Static) Approval(runID string, target domain.Target) (Record, bool) {
	if !s.Approved {
		return Record{}, false
	}
	return Record{RunID: runID, Target: target, Approver: s.Approver}, true
}
