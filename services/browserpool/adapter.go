package browserpool

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"bpgateway/services/monitoring"
	"bpgateway/services/resourcepool"
)

// AdapterConfig carries the browser-domain tunables layered on top of
// resourcepool.Config.
type AdapterConfig struct {
	BasePort           int
	MaxStartupAttempts int
}

// Adapter binds resourcepool.Pool[Instance] to browser processes:
// deterministic port allocation (base_port + slot_id), crash detection
// with bounded restart, and a session→port lookup for the gateway.
type Adapter struct {
	cfg      AdapterConfig
	launcher Launcher
	log      *zap.Logger
	events   EventPublisher
	diag     DiagnosticsArchiver
	probe    *DeepHealthProbe
	breaker  *gobreaker.CircuitBreaker
	metrics  *monitoring.ApplicationMetrics

	pool *resourcepool.Pool[Instance]

	mu       sync.Mutex
	degraded map[int]bool
}

// NewAdapter constructs the adapter. Call SetPool once the pool backed
// by this adapter's Callbacks() has been built.
func NewAdapter(cfg AdapterConfig, launcher Launcher, events EventPublisher, diag DiagnosticsArchiver, probe *DeepHealthProbe, log *zap.Logger) *Adapter {
	if cfg.MaxStartupAttempts <= 0 {
		cfg.MaxStartupAttempts = 3
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "browserpool.launcher",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("browserpool: launcher circuit breaker state change",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Adapter{
		cfg:      cfg,
		launcher: launcher,
		log:      log,
		events:   events,
		diag:     diag,
		probe:    probe,
		breaker:  breaker,
		metrics:  monitoring.NewApplicationMetrics(),
		degraded: make(map[int]bool),
	}
}

// SetPool wires the adapter back to the pool it backs, enabling
// session→port lookups for the gateway.
func (a *Adapter) SetPool(pool *resourcepool.Pool[Instance]) {
	a.pool = pool
}

// Callbacks builds the resourcepool.Callbacks bound to this adapter.
func (a *Adapter) Callbacks() resourcepool.Callbacks[Instance] {
	return resourcepool.Callbacks[Instance]{
		Create:      a.create,
		Cleanup:     a.cleanup,
		HealthCheck: a.healthCheck,
	}
}

func (a *Adapter) port(slotID int) int {
	return a.cfg.BasePort + slotID
}

// create launches a fresh instance for slotID through the circuit
// breaker: repeated LaunchFailed errors trip it, and while open, create
// fails fast without invoking the launcher at all (SPEC_FULL.md §5).
func (a *Adapter) create(slotID int) (Instance, error) {
	port := a.port(slotID)
	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.launcher.Launch(port)
	})
	if err != nil {
		a.metrics.BrowserPoolErrors.Inc()
		return Instance{}, err
	}
	inst := result.(Instance)
	a.events.Publish(LifecycleEvent{Kind: EventCreated, SlotID: slotID, DebuggingPort: inst.DebuggingPort, At: time.Now()})
	return inst, nil
}

// cleanup tears the instance down, swallowing its own errors so it never
// blocks the pool lock longer than the launcher's own terminate grace.
func (a *Adapter) cleanup(inst Instance) {
	if err := a.launcher.Terminate(inst); err != nil {
		a.log.Warn("browserpool: cleanup partial", zap.Int("port", inst.DebuggingPort), zap.Error(err))
	}
	a.mu.Lock()
	delete(a.degraded, inst.DebuggingPort)
	a.mu.Unlock()
	a.events.Publish(LifecycleEvent{Kind: EventTerminated, DebuggingPort: inst.DebuggingPort, At: time.Now()})
}

// healthCheck implements spec.md §4.C's crash detection and bounded
// restart. It is invoked by resourcepool.Pool.runHealthChecks with the
// pool lock held, so it must return quickly: the deep Playwright probe
// (up to 3s) and the diagnostics archive upload (up to 10s, an S3 PUT)
// never drive the restart decision, and both are returned as the
// deferred `after` closure the pool runs once the lock is released
// (SPEC_FULL.md §4.J).
func (a *Adapter) healthCheck(slotID int, inst Instance) (Instance, resourcepool.HealthAction, func()) {
	if a.launcher.IsAlive(inst) {
		var after func()
		if a.probe != nil {
			port := inst.DebuggingPort
			after = func() {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				ok := a.probe.Check(ctx, port)
				cancel()
				a.mu.Lock()
				a.degraded[port] = !ok
				a.mu.Unlock()
			}
		}
		return inst, resourcepool.HealthOK, after
	}

	if inst.StartupAttempts+1 > a.cfg.MaxStartupAttempts {
		after := func() { a.diag.Archive(slotID, "process/container not running at health check") }
		return inst, resourcepool.HealthDead, after
	}

	newInst, err := a.launcher.Launch(a.port(slotID))
	if err != nil {
		inst.StartupAttempts++
		a.log.Warn("browserpool: restart attempt failed", zap.Int("slot_id", slotID), zap.Int("attempt", inst.StartupAttempts), zap.Error(err))
		return inst, resourcepool.HealthOK, nil
	}
	newInst.StartupAttempts = 0
	a.metrics.BrowserRestartsTotal.Inc()
	a.events.Publish(LifecycleEvent{Kind: EventCrashRestarted, SlotID: slotID, DebuggingPort: newInst.DebuggingPort, At: time.Now()})
	return newInst, resourcepool.HealthRelaunched, nil
}

// IsDegraded reports whether the last deep health probe for a port
// failed, without implying the instance is unhealthy at the process
// level (SPEC_FULL.md §4.H).
func (a *Adapter) IsDegraded(debuggingPort int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.degraded[debuggingPort]
}

// GetBrowserBySession resolves a session id straight to its debugging
// port, mirroring SessionTable without a second map to keep in sync —
// both hops happen under the pool's own lock.
func (a *Adapter) GetBrowserBySession(sessionID string) (int, bool) {
	slotID, ok := a.pool.SlotForSession(sessionID)
	if !ok {
		return 0, false
	}
	inst, ok := a.pool.Instance(slotID)
	if !ok {
		return 0, false
	}
	return inst.DebuggingPort, true
}
