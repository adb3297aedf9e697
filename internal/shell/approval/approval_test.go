package approval

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Broker Tests
// =============================================================================

func TestBroker_ApproveUnblocksAwait(t *testing.T) {
	b := NewBroker(nil)
	done := make(chan error, 1)

	go func() {
		done <- b.Await(context.Background(), "run-1", domain.TargetKubernetes)
	}()

	select {
	case err := <-done:
		t.Fatalf("Await returned before approval: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	rec, err := b.Approve("run-1", domain.TargetKubernetes, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Approver)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Await did not return after approval")
	}
}

func TestBroker_ApprovalBeforeAwait(t *testing.T) {
	b := NewBroker(nil)

	_, err := b.Approve("run-1", domain.TargetKubernetes, "alice")
	require.NoError(t, err)

	assert.NoError(t, b.Await(context.Background(), "run-1", domain.TargetKubernetes))
}

func TestBroker_ApprovalIsScoped(t *testing.T) {
	b := NewBroker(nil)

	_, err := b.Approve("run-1", domain.TargetKubernetes, "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, b.Await(ctx, "run-2", domain.TargetKubernetes), context.DeadlineExceeded)
}

func TestBroker_AwaitCancelled(t *testing.T) {
	b := NewBroker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- b.Await(ctx, "run-1", domain.TargetKubernetes)
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Await ignored cancellation")
	}
}

func TestBroker_ApproveTwiceKeepsFirst(t *testing.T) {
	b := NewBroker(nil)

	first, err := b.Approve("run-1", domain.TargetKubernetes, "alice")
	require.NoError(t, err)
	second, err := b.Approve("run-1", domain.TargetKubernetes, "bob")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	rec, ok := b.Approval("run-1", domain.TargetKubernetes)
	require.True(t, ok)
	assert.Equal(t, "alice", rec.Approver)
}

func TestBroker_Validation(t *testing.T) {
	b := NewBroker(nil)

	_, err := b.Approve("", domain.TargetKubernetes, "alice")
	assert.ErrorIs(t, err, ErrMissingRunID)
	_, err = b.Approve("run-1", "openshift", "alice")
	assert.ErrorIs(t, err, domain.ErrUnknownTarget)
	assert.ErrorIs(t, b.Await(context.Background(), "", domain.TargetKubernetes), ErrMissingRunID)
	assert.ErrorIs(t, b.Await(context.Background(), "run-1", ""), ErrMissingTarget)
}

func TestBroker_Forget(t *testing.T) {
	b := NewBroker(nil)

	_, err := b.Approve("run-1", domain.TargetKubernetes, "alice")
	require.NoError(t, err)
	b.Forget("run-1")

	_, ok := b.Approval("run-1", domain.TargetKubernetes)
	assert.False(t, ok)
}

// =============================================================================
// Static Tests
// =============================================================================

func TestStaticFromEnv(t *testing.T) {
	env := func(vals map[string]string) func(string) string {
		return func(k string) string { return vals[k] }
	}

	tests := []struct {
		name         string
		vals         map[string]string
		force        bool
		wantApproved bool
		wantApprover string
	}{
		{"not manual", map[string]string{}, false, false, ""},
		{"manual job", map[string]string{EnvJobManual: "true", "GITLAB_USER_LOGIN": "alice"}, false, true, "alice"},
		{"manual job without user", map[string]string{EnvJobManual: "TRUE"}, false, true, EnvJobManual},
		{"forced", map[string]string{}, true, true, "--approve"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := StaticFromEnv(env(tt.vals), tt.force)
			assert.Equal(t, tt.wantApproved, s.Approved)
			assert.Equal(t, tt.wantApprover, s.Approver)
		})
	}
}

func TestStatic_Await(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, Static{Approved: true}.Await(ctx, "run-1", domain.TargetKubernetes))
	assert.ErrorIs(t, Static{}.Await(ctx, "run-1", domain.TargetKubernetes), ErrNotApproved)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, Static{Approved: true}.Await(cancelled, "run-1", domain.TargetKubernetes), context.Canceled)
}

func TestStatic_Approval(t *testing.T) {
	rec, ok := Static{Approved: true, Approver: "alice"}.Approval("run-1", domain.TargetKubernetes)
	require.True(t, ok)
	assert.Equal(t, "alice", rec.Approver)
	assert.Equal(t, "run-1", rec.RunID)

	_, ok = Static{}.Approval("run-1", domain.TargetKubernetes)
	assert.False(t, ok)
}
