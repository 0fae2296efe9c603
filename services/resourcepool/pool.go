// Package resourcepool is the generic lease manager behind the browser
// pool: slots, warm-pool maintenance, health checking, per-session
// timeout timers and a session table. It is parameterized over the
// adapter's own instance type so it carries no browser-specific
// knowledge — services/browserpool binds it to Chromium processes.
//
// Go's sync.Mutex is not reentrant, unlike the threading.RLock the
// original pool was built on. Rather than layer a reentrant lock over
// everything, every public method below acquires the lock exactly once
// and delegates to an unexported *Locked helper; callbacks (Create,
// Cleanup, HealthCheck) are invoked with the lock held and must not call
// back into the Pool.
package resourcepool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apxerrors "bpgateway/errors"
)

// HealthAction is the adapter's verdict for one active slot's instance.
type HealthAction int

const (
	HealthOK HealthAction = iota
	HealthRelaunched
	HealthDead
)

// Callbacks binds the pool to a concrete resource kind.
type Callbacks[I any] struct {
	// Create provisions a new instance for slotID. Called with the pool
	// lock held; must be quick and must not call back into the Pool.
	Create func(slotID int) (I, error)
	// Cleanup tears an instance down. Must swallow its own errors —
	// the pool lock is held for the duration.
	Cleanup func(inst I)
	// HealthCheck inspects one active instance. newInst always replaces
	// the slot's stored instance (HealthOK included — the adapter may
	// still have mutated fields like a restart-attempt counter even when
	// it isn't reporting HealthRelaunched). If it returns HealthRelaunched,
	// the pool keeps the slot; if HealthDead, the pool cleans up and frees
	// it. after, if non-nil, is run once the pool lock has been released —
	// HealthCheck itself is called with the lock held and must stay short,
	// so any slow I/O (a deep probe, a diagnostics upload) belongs in after.
	HealthCheck func(slotID int, inst I) (newInst I, action HealthAction, after func())
}

// Config holds the pool's numeric tunables (spec.md §4.B).
type Config struct {
	MaxInstances        int
	WarmResources       int
	HealthCheckInterval time.Duration
	ScaleDownInterval   time.Duration

	WarmInterval      time.Duration // default 5s
	LeaseWaitBudget   time.Duration // default 30s
	LeasePollInterval time.Duration // default 500ms
}

func (c Config) withDefaults() Config {
	if c.WarmInterval == 0 {
		c.WarmInterval = 5 * time.Second
	}
	if c.LeaseWaitBudget == 0 {
		c.LeaseWaitBudget = 30 * time.Second
	}
	if c.LeasePollInterval == 0 {
		c.LeasePollInterval = 500 * time.Millisecond
	}
	return c
}

type slot[I any] struct {
	id              int
	instance        I
	active          bool
	sessionID       string
	lastUsed        time.Time
	leaseTimeout    time.Duration
	timeoutDeadline time.Time
	timer           *time.Timer
}

// Descriptor is the §4.B list_resources row shape.
type Descriptor struct {
	SlotID         int
	Active         bool
	LastUsed       time.Time
	SessionID      string
	TimeoutSeconds float64
}

// Pool is the generic resource pool core.
type Pool[I any] struct {
	cfg Config
	cb  Callbacks[I]
	log *zap.Logger

	mu         sync.Mutex
	slots      map[int]*slot[I]
	free       []int
	sessionIdx map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New constructs a Pool with max_instances slots, all initially free.
func New[I any](cfg Config, cb Callbacks[I], log *zap.Logger) *Pool[I] {
	cfg = cfg.withDefaults()
	free := make([]int, cfg.MaxInstances)
	for i := range free {
		free[i] = i
	}
	return &Pool[I]{
		cfg:        cfg,
		cb:         cb,
		log:        log,
		slots:      make(map[int]*slot[I]),
		free:       free,
		sessionIdx: make(map[string]int),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the warm-pool, health-check and replacement background
// loops as three independent periodic workers.
func (p *Pool[I]) Start() {
	p.wg.Add(3)
	go p.warmLoop()
	go p.healthLoop()
	go p.replacementLoop()
}

// Shutdown stops the background loops and tears down every active
// instance, honoring ctx as an upper bound on the wait.
func (p *Pool[I]) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.slots {
		p.terminateLocked(id)
	}
}

// GetResource leases an idle instance, creating one on demand if the
// pool has spare capacity, polling every LeasePollInterval until
// LeaseWaitBudget elapses. The error distinguishes a pool where every
// slot is already provisioned and leased out from one that simply
// failed to produce a free resource in time (spec.md §4.E/§6, mirroring
// original_source/resource_pool.py's all_resources_occupied flag).
func (p *Pool[I]) GetResource(ctx context.Context, leaseTimeout time.Duration) (slotID int, sessionID string, err error) {
	deadline := time.Now().Add(p.cfg.LeaseWaitBudget)
	ticker := time.NewTicker(p.cfg.LeasePollInterval)
	defer ticker.Stop()

	occupied := false
	for {
		var id int
		var sid string
		var ok bool
		id, sid, ok, occupied = p.tryAssign(leaseTimeout)
		if ok {
			return id, sid, nil
		}
		if !time.Now().Before(deadline) {
			if occupied {
				return 0, "", apxerrors.AllResourcesOccupiedErr()
			}
			return 0, "", apxerrors.NoResourceAvailableErr()
		}
		select {
		case <-ctx.Done():
			return 0, "", ctx.Err()
		case <-p.stopCh:
			return 0, "", apxerrors.NoResourceAvailableErr()
		case <-ticker.C:
		}
	}
}

// tryAssign attempts one lease assignment. occupied reports whether
// every slot is already provisioned (len(slots) == MaxInstances) and
// every one of those is leased out — the "all in use" case a caller
// should report distinctly from a transient create failure.
func (p *Pool[I]) tryAssign(leaseTimeout time.Duration) (id int, sessionID string, ok bool, occupied bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, s := range p.slots {
		if s.active && s.sessionID == "" {
			return id, p.assignLocked(id, s, leaseTimeout), true, false
		}
	}

	if len(p.slots) >= p.cfg.MaxInstances || len(p.free) == 0 {
		return 0, "", false, true
	}

	id = p.free[0]
	inst, err := p.cb.Create(id)
	if err != nil {
		p.log.Warn("resourcepool: create failed during lease", zap.Int("slot_id", id), zap.Error(err))
		return 0, "", false, false
	}
	p.free = p.free[1:]
	s := &slot[I]{id: id, instance: inst, active: true, lastUsed: time.Now()}
	p.slots[id] = s
	return id, p.assignLocked(id, s, leaseTimeout), true, false
}

// assignLocked mints a session id, arms the timeout timer and records
// the session→slot mapping. Caller must hold the lock.
func (p *Pool[I]) assignLocked(id int, s *slot[I], leaseTimeout time.Duration) string {
	sessionID := uuid.New().String()
	now := time.Now()
	s.sessionID = sessionID
	s.lastUsed = now
	s.leaseTimeout = leaseTimeout
	s.timeoutDeadline = now.Add(leaseTimeout)
	p.armTimerLocked(id, s, sessionID, leaseTimeout)
	p.sessionIdx[sessionID] = id
	return sessionID
}

func (p *Pool[I]) armTimerLocked(id int, s *slot[I], sessionID string, leaseTimeout time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	if leaseTimeout <= 0 {
		s.timer = nil
		return
	}
	s.timer = time.AfterFunc(leaseTimeout, func() { p.handleTimeout(id, sessionID) })
}

// handleTimeout fires when a lease expires. It terminates the slot only
// if it still carries exactly the session id the timer was armed for and
// that lease's deadline has passed — otherwise the lease was already
// extended or reassigned and this fire is stale (spec.md §9 "Timer
// cancellation race").
func (p *Pool[I]) handleTimeout(slotID int, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[slotID]
	if !ok || s.sessionID != sessionID {
		return
	}
	if s.leaseTimeout <= 0 || time.Now().Before(s.timeoutDeadline) {
		return
	}
	p.terminateLocked(slotID)
}

// TerminateResource tears down the instance at slotID. Idempotent.
func (p *Pool[I]) TerminateResource(slotID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminateLocked(slotID)
}

func (p *Pool[I]) terminateLocked(slotID int) bool {
	s, ok := p.slots[slotID]
	if !ok || !s.active {
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.sessionID != "" {
		delete(p.sessionIdx, s.sessionID)
		s.sessionID = ""
	}
	p.cb.Cleanup(s.instance)
	delete(p.slots, slotID)
	p.free = append(p.free, slotID)
	return true
}

// ExtendTimeout replaces the remaining lease with a fresh window of
// duration. Never cumulative — see spec.md §9's resolution of the
// "refresh vs. extend" open question.
func (p *Pool[I]) ExtendTimeout(sessionID string, duration time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	slotID, ok := p.sessionIdx[sessionID]
	if !ok {
		return false
	}
	s, ok := p.slots[slotID]
	if !ok {
		return false
	}
	s.leaseTimeout = duration
	s.timeoutDeadline = time.Now().Add(duration)
	p.armTimerLocked(slotID, s, sessionID, duration)
	return true
}

// ValidateSession reports whether sessionID currently maps to slotID on
// an active instance.
func (p *Pool[I]) ValidateSession(sessionID string, slotID int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.sessionIdx[sessionID]
	if !ok || id != slotID {
		return false
	}
	s, ok := p.slots[slotID]
	return ok && s.active
}

// SlotForSession resolves a session id to its slot id.
func (p *Pool[I]) SlotForSession(sessionID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.sessionIdx[sessionID]
	return id, ok
}

// LeaseDuration returns the lease window a session was last assigned (or
// extended to), so refresh-on-activity can reuse the original duration
// instead of the request's own timeout, per spec.md §9.
func (p *Pool[I]) LeaseDuration(sessionID string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.sessionIdx[sessionID]
	if !ok {
		return 0, false
	}
	s, ok := p.slots[id]
	if !ok {
		return 0, false
	}
	return s.leaseTimeout, true
}

// Instance returns the adapter-owned payload for a slot.
func (p *Pool[I]) Instance(slotID int) (I, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[slotID]
	if !ok {
		var zero I
		return zero, false
	}
	return s.instance, true
}

// ListResources returns a snapshot of every active slot, sorted by id.
func (p *Pool[I]) ListResources() []Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Descriptor, 0, len(p.slots))
	for id, s := range p.slots {
		out = append(out, Descriptor{
			SlotID:         id,
			Active:         s.active,
			LastUsed:       s.lastUsed,
			SessionID:      s.sessionID,
			TimeoutSeconds: s.leaseTimeout.Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	return out
}

// warmLoop keeps idle_active at warm_resources, creating on deficit and
// reaping idle surplus. Leased instances are never reaped here.
func (p *Pool[I]) warmLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.WarmInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.maintainWarmPool()
		}
	}
}

func (p *Pool[I]) maintainWarmPool() {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := make([]int, 0)
	for id, s := range p.slots {
		if s.active && s.sessionID == "" {
			idle = append(idle, id)
		}
	}

	if len(idle) < p.cfg.WarmResources {
		deficit := p.cfg.WarmResources - len(idle)
		for i := 0; i < deficit && len(p.free) > 0; i++ {
			id := p.free[0]
			inst, err := p.cb.Create(id)
			if err != nil {
				p.log.Warn("resourcepool: warm-pool create failed", zap.Int("slot_id", id), zap.Error(err))
				continue
			}
			p.free = p.free[1:]
			p.slots[id] = &slot[I]{id: id, instance: inst, active: true, lastUsed: time.Now()}
		}
		return
	}

	surplus := len(idle) - p.cfg.WarmResources
	for i := 0; i < surplus; i++ {
		p.terminateLocked(idle[i])
	}
}

// healthLoop invokes the adapter's health check against every active
// instance once per tick. The lock is held for the full iteration — the
// check must be short, per spec.md §4.B.
func (p *Pool[I]) healthLoop() {
	defer p.wg.Done()
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runHealthChecks()
		}
	}
}

// runHealthChecks holds the lock only for the decision pass; any
// deferred side effect the callback hands back runs afterward, with the
// lock released, so a slow deep probe or diagnostics upload never stalls
// lease acquisition, extend or terminate (spec.md §4.B, §5).
func (p *Pool[I]) runHealthChecks() {
	p.mu.Lock()
	var deferred []func()
	for id, s := range p.slots {
		if !s.active || p.cb.HealthCheck == nil {
			continue
		}
		newInst, action, after := p.cb.HealthCheck(id, s.instance)
		switch action {
		case HealthRelaunched, HealthOK:
			s.instance = newInst
		case HealthDead:
			p.terminateLocked(id)
		}
		if after != nil {
			deferred = append(deferred, after)
		}
	}
	p.mu.Unlock()

	for _, fn := range deferred {
		fn()
	}
}

// replacementLoop is a slower second pass over free slots: it re-attempts
// creation for capacity the warm loop couldn't fill (e.g. a transient
// launch failure), independent of the warm_resources target. Optional —
// a zero ScaleDownInterval disables it.
func (p *Pool[I]) replacementLoop() {
	defer p.wg.Done()
	if p.cfg.ScaleDownInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.ScaleDownInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.replaceDeadSlots()
		}
	}
}

func (p *Pool[I]) replaceDeadSlots() {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := 0
	for _, s := range p.slots {
		if s.active && s.sessionID == "" {
			idle++
		}
	}

	// Mirrors the warm loop's target rather than MaxInstances: this is a
	// slower safety-net retry for slots the warm loop failed to fill
	// (e.g. a transient launch failure), not an independent escalation
	// to full capacity.
	for idle < p.cfg.WarmResources && len(p.free) > 0 {
		id := p.free[0]
		inst, err := p.cb.Create(id)
		if err != nil {
			p.log.Debug("resourcepool: replacement create deferred", zap.Int("slot_id", id), zap.Error(err))
			return
		}
		p.free = p.free[1:]
		p.slots[id] = &slot[I]{id: id, instance: inst, active: true, lastUsed: time.Now()}
		idle++
	}
}
