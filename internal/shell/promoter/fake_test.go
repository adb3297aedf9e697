package promoter

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/artpar/promoter/internal/shell/approval"
	"github.com/artpar/promoter/internal/shell/kube"
	"github.com/artpar/promoter/internal/shell/report"
	"github.com/artpar/promoter/internal/shell/swarm"
	swarmtypes "github.com/docker/docker/api/types/swarm"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// callLog records external calls across fakes in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.all() {
		if c == call {
			n++
		}
	}
	return n
}

// nextErr pops the first error of a queue; an empty queue succeeds.
func nextErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

// =============================================================================
// Swarm Fake
// =============================================================================

type fakeSwarm struct {
	log        *callLog
	mu         sync.Mutex
	services   map[string]string
	updateErrs []error
	createErrs []error
}

func newFakeSwarm(log *callLog, services map[string]string) *fakeSwarm {
	if services == nil {
		services = map[string]string{}
	}
	return &fakeSwarm{log: log, services: services}
}

func (f *fakeSwarm) Ping(context.Context) error { return nil }
func (f *fakeSwarm) Close() error               { return nil }

func (f *fakeSwarm) UpdateServiceImage(_ context.Context, name, image string) error {
	f.log.add("swarm.update")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := nextErr(&f.updateErrs); err != nil {
		return err
	}
	if _, ok := f.services[name]; !ok {
		return swarm.NewSwarmError("UpdateServiceImage", name, "service not found", swarm.ErrServiceNotFound)
	}
	f.services[name] = image
	return nil
}

func (f *fakeSwarm) CreateService(_ context.Context, spec swarmtypes.ServiceSpec) (string, error) {
	f.log.add("swarm.create")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := nextErr(&f.createErrs); err != nil {
		return "", err
	}
	f.services[spec.Name] = spec.TaskTemplate.ContainerSpec.Image
	return "svc-" + spec.Name, nil
}

func (f *fakeSwarm) image(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.services[name]
}

// =============================================================================
// Kubernetes Fake
// =============================================================================

type fakeKube struct {
	log       *callLog
	mu        sync.Mutex
	image     string
	applyErrs []error
	setErrs   []error
	rollout   func(ctx context.Context) error
}

func (f *fakeKube) Apply(_ context.Context, objs []*unstructured.Unstructured) (kube.ApplyResult, error) {
	f.log.add("kube.apply")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := nextErr(&f.applyErrs); err != nil {
		return kube.ApplyResult{}, err
	}
	var res kube.ApplyResult
	for _, o := range objs {
		res.Objects = append(res.Objects, kube.AppliedObject{Kind: o.GetKind(), Name: o.GetName(), Action: kube.ApplyUnchanged})
	}
	return res, nil
}

func (f *fakeKube) SetImage(_ context.Context, _, _, _, image string) (bool, error) {
	f.log.add("kube.setimage")
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := nextErr(&f.setErrs); err != nil {
		return false, err
	}
	changed := f.image != image
	f.image = image
	return changed, nil
}

func (f *fakeKube) WaitForRollout(ctx context.Context, _, _ string, _, _ time.Duration) error {
	f.log.add("kube.wait")
	if f.rollout != nil {
		return f.rollout(ctx)
	}
	return nil
}

// =============================================================================
// Gates / Reporter
// =============================================================================

// recordingGate logs Await calls and delegates to next.
type recordingGate struct {
	log  *callLog
	next interface {
		Await(ctx context.Context, runID string, target domain.Target) error
	}
}

func (g *recordingGate) Await(ctx context.Context, runID string, target domain.Target) error {
	g.log.add("gate.await")
	return g.next.Await(ctx, runID, target)
}

func (g *recordingGate) Approval(runID string, target domain.Target) (approval.Record, bool) {
	if src, ok := g.next.(approvalSource); ok {
		return src.Approval(runID, target)
	}
	return approval.Record{}, false
}

type recordingReporter struct {
	mu      sync.Mutex
	updates []report.Update
}

func (r *recordingReporter) Report(_ context.Context, u report.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *recordingReporter) states(target domain.Target) []domain.TargetState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.TargetState
	for _, u := range r.updates {
		if u.Result.Target == target {
			out = append(out, u.Result.State)
		}
	}
	return out
}

func transientSwarmErr() error {
	return swarm.NewSwarmError("UpdateServiceImage", "web", "dial manager", swarm.ErrConnectionFailed)
}

func authSwarmErr() error {
	return swarm.NewSwarmError("UpdateServiceImage", "web", "ssh handshake", swarm.ErrAuthFailed)
}
