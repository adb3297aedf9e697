package workers

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks one dependency; nil means healthy.
type ProbeFunc func(ctx context.Context) error

// ProbeResult is the last observation of one dependency.
type ProbeResult struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ProberConfig configures the dependency prober.
type ProberConfig struct {
	// Interval is the time between probe cycles.
	// Default: 30 seconds.
	Interval time.Duration

	// Timeout bounds a single probe.
	// Default: 10 seconds.
	Timeout time.Duration
}

// DefaultProberConfig returns the default configuration.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Prober periodically checks the store and the deploy targets so readiness
// can be answered without dialing them on every request.
type Prober struct {
	probes map[string]ProbeFunc
	config ProberConfig
	logger *slog.Logger

	mu      sync.RWMutex
	results map[string]ProbeResult

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber creates a prober for the named probes.
func NewProber(probes map[string]ProbeFunc, config ProberConfig, logger *slog.Logger) *Prober {
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		probes:  probes,
		config:  config,
		logger:  logger.With("component", "prober"),
		results: make(map[string]ProbeResult, len(probes)),
	}
}

// Start begins the prober background goroutine.
func (p *Prober) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go p.run()
	p.logger.Info("prober started", "interval", p.config.Interval, "probes", len(p.probes))
}

// Stop gracefully stops the prober.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("prober stopped")
}

func (p *Prober) run() {
	defer p.wg.Done()

	// Run immediately on start
	p.CheckNow(p.ctx)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.CheckNow(p.ctx)
		}
	}
}

// CheckNow runs every probe concurrently and records the results.
func (p *Prober) CheckNow(ctx context.Context) {
	var wg sync.WaitGroup
	for name, probe := range p.probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.check(ctx, name, probe)
		}()
	}
	wg.Wait()
}

func (p *Prober) check(ctx context.Context, name string, probe ProbeFunc) {
	probeCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	err := probe(probeCtx)
	res := ProbeResult{Name: name, Healthy: err == nil, CheckedAt: time.Now().UTC()}
	if err != nil {
		res.Error = err.Error()
	}

	p.mu.Lock()
	prev, seen := p.results[name]
	p.results[name] = res
	p.mu.Unlock()

	switch {
	case err != nil && (!seen || prev.Healthy):
		p.logger.Warn("dependency unhealthy", "name", name, "error", err)
	case err == nil && seen && !prev.Healthy:
		p.logger.Info("dependency recovered", "name", name)
	}
}

// Results returns the last result of every probe, sorted by name. Probes
// that have not run yet are reported unhealthy.
func (p *Prober) Results() []ProbeResult {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]ProbeResult, 0, len(p.probes))
	for name := range p.probes {
		res, ok := p.results[name]
		if !ok {
			res = ProbeResult{Name: name, Error: "not checked yet"}
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether every probe last succeeded.
func (p *Prober) Ready() bool {
	for _, r := range p.Results() {
		if !r.Healthy {
			return false
		}
	}
	return true
}
