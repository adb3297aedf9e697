// Package workers contains background workers for the promoter.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/promoter/internal/core/domain"
	"github.com/artpar/promoter/internal/shell/store"
)

var (
	ErrNotRunning     = errors.New("dispatcher is not running")
	ErrAlreadyRunning = errors.New("run is already deploying")
	ErrBusy           = errors.New("too many runs deploying")
)

// RunExecutor deploys a tested run. *promoter.Runner implements it.
type RunExecutor interface {
	Execute(ctx context.Context, run *domain.PipelineRun) (map[domain.Target]domain.DeployOutcome, error)
}

// DispatcherConfig configures the deploy dispatcher.
type DispatcherConfig struct {
	// Interval is the time between scans for deployable runs.
	// Default: 10 seconds.
	Interval time.Duration

	// MaxConcurrent is the maximum number of runs deploying at once.
	// Default: 2.
	MaxConcurrent int

	// RunTimeout bounds one run including its approval wait. Zero means no
	// bound beyond Stop.
	RunTimeout time.Duration
}

// DefaultDispatcherConfig returns the default configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Interval:      10 * time.Second,
		MaxConcurrent: 2,
	}
}

// Dispatcher picks up runs whose test stage passed and hands them to the
// executor. A run waiting for approval holds its slot until approved or
// cancelled.
type Dispatcher struct {
	store    store.Store
	executor RunExecutor
	config   DispatcherConfig
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(s store.Store, executor RunExecutor, config DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if config.Interval == 0 {
		config.Interval = 10 * time.Second
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		store:    s,
		executor: executor,
		config:   config,
		logger:   logger.With("component", "dispatcher"),
		active:   make(map[string]context.CancelFunc),
	}
}

// Start begins the dispatcher background goroutine.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()

	d.logger.Info("dispatcher started",
		"interval", d.config.Interval,
		"max_concurrent", d.config.MaxConcurrent,
	)
}

// Stop cancels every deploying run and waits for them to record their
// outcomes.
func (d *Dispatcher) Stop() {
	// Cancel under the lock so Dispatch cannot add a run after Wait starts.
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	d.runCycle()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runCycle()
		}
	}
}

// runCycle starts deployable runs until the concurrency limit is reached.
func (d *Dispatcher) runCycle() {
	free := d.free()
	if free == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.config.Interval)
	defer cancel()

	runs, err := d.store.ListDeployableRuns(ctx, free+len(d.Active()))
	if err != nil {
		d.logger.Error("failed to list deployable runs", "error", err)
		return
	}

	for i := range runs {
		err := d.Dispatch(&runs[i])
		switch {
		case err == nil, errors.Is(err, ErrAlreadyRunning):
		case errors.Is(err, ErrBusy):
			return
		default:
			d.logger.Warn("failed to dispatch run", "run_id", runs[i].ID, "error", err)
		}
	}
}

// Dispatch starts deploying run without waiting for the next scan.
func (d *Dispatcher) Dispatch(run *domain.PipelineRun) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil || d.ctx.Err() != nil {
		return ErrNotRunning
	}
	if _, ok := d.active[run.ID]; ok {
		return ErrAlreadyRunning
	}
	if len(d.active) >= d.config.MaxConcurrent {
		return ErrBusy
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d.config.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(d.ctx, d.config.RunTimeout)
	} else {
		ctx, cancel = context.WithCancel(d.ctx)
	}
	d.active[run.ID] = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release(run.ID)
		d.execute(ctx, run)
	}()
	return nil
}

func (d *Dispatcher) execute(ctx context.Context, run *domain.PipelineRun) {
	logger := d.logger.With("run_id", run.ID, "branch", run.Branch)
	logger.Info("dispatching run")

	outcomes, err := d.executor.Execute(ctx, run)
	if err != nil {
		logger.Error("run not deployed", "error", err)
		return
	}
	for target, o := range outcomes {
		logger.Info("target finished", "target", target, "outcome", o.Kind, "attempts", o.Attempts)
	}
}

func (d *Dispatcher) release(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cancel, ok := d.active[runID]; ok {
		cancel()
		delete(d.active, runID)
	}
}

func (d *Dispatcher) free() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config.MaxConcurrent - len(d.active)
}

// Cancel aborts a deploying run. It reports whether the run was active.
func (d *Dispatcher) Cancel(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel, ok := d.active[runID]
	if ok {
		cancel()
		d.logger.Info("run cancelled", "run_id", runID)
	}
	return ok
}

// Active returns the IDs of the runs currently deploying.
func (d *Dispatcher) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.active))
	for id := range d.active {
		ids = append(ids, id)
	}
	return ids
}
