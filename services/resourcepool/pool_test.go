package resourcepool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apxerrors "bpgateway/errors"
)

type fakeInstance struct {
	id int
}

func fakeCallbacks(createErr *atomic.Bool) (Callbacks[fakeInstance], *int32) {
	var created int32
	return Callbacks[fakeInstance]{
		Create: func(slotID int) (fakeInstance, error) {
			if createErr != nil && createErr.Load() {
				return fakeInstance{}, fmt.Errorf("create failed")
			}
			atomic.AddInt32(&created, 1)
			return fakeInstance{id: slotID}, nil
		},
		Cleanup: func(inst fakeInstance) {},
		HealthCheck: func(slotID int, inst fakeInstance) (fakeInstance, HealthAction, func()) {
			return inst, HealthOK, nil
		},
	}, &created
}

func newTestPool(t *testing.T, maxInstances, warm int) *Pool[fakeInstance] {
	t.Helper()
	cb, _ := fakeCallbacks(nil)
	return New(Config{
		MaxInstances:        maxInstances,
		WarmResources:       warm,
		HealthCheckInterval: time.Hour,
		ScaleDownInterval:   0,
		LeaseWaitBudget:     2 * time.Second,
		LeasePollInterval:   10 * time.Millisecond,
	}, cb, zap.NewNop())
}

func TestGetResourceCreatesOnDemand(t *testing.T) {
	p := newTestPool(t, 2, 0)
	ctx := context.Background()

	slotID, sessionID, err := p.GetResource(ctx, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
	assert.True(t, p.ValidateSession(sessionID, slotID))
}

func TestGetResourceFailsWhenSaturated(t *testing.T) {
	p := newTestPool(t, 1, 0)
	ctx := context.Background()

	_, _, err := p.GetResource(ctx, time.Minute)
	require.NoError(t, err)

	_, _, err = p.GetResource(ctx, time.Minute)
	require.Error(t, err)
	apxErr, ok := err.(*apxerrors.Error)
	require.True(t, ok)
	assert.Equal(t, apxerrors.AllResourcesOccupied, apxErr.Kind)
}

func TestTerminateResourceIsIdempotent(t *testing.T) {
	p := newTestPool(t, 1, 0)
	slotID, _, err := p.GetResource(context.Background(), time.Minute)
	require.NoError(t, err)

	assert.True(t, p.TerminateResource(slotID))
	assert.False(t, p.TerminateResource(slotID))
}

func TestExtendTimeoutRefreshesDeadline(t *testing.T) {
	p := newTestPool(t, 1, 0)
	_, sessionID, err := p.GetResource(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)

	assert.True(t, p.ExtendTimeout(sessionID, time.Second))
	time.Sleep(100 * time.Millisecond)

	list := p.ListResources()
	require.Len(t, list, 1)
	assert.Equal(t, sessionID, list[0].SessionID)
}

func TestLeaseExpiresAndFreesSlot(t *testing.T) {
	p := newTestPool(t, 1, 0)
	slotID, sessionID, err := p.GetResource(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return !p.ValidateSession(sessionID, slotID)
	}, time.Second, 5*time.Millisecond)
}

func TestTimeoutHandlerIgnoresStaleFire(t *testing.T) {
	p := newTestPool(t, 1, 0)
	slotID, firstSession, err := p.GetResource(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)

	// Extend before the first timer fires: the stale timer must not
	// terminate the slot out from under the new lease.
	require.True(t, p.ExtendTimeout(firstSession, time.Second))
	time.Sleep(50 * time.Millisecond)

	assert.True(t, p.ValidateSession(firstSession, slotID))
}

func TestValidateSessionRejectsUnknown(t *testing.T) {
	p := newTestPool(t, 1, 0)
	assert.False(t, p.ValidateSession("does-not-exist", 0))
}

func TestWarmPoolMaintainsTarget(t *testing.T) {
	p := newTestPool(t, 3, 2)
	p.maintainWarmPool()

	list := p.ListResources()
	assert.Len(t, list, 2)
}

func TestWarmPoolReapsIdleSurplus(t *testing.T) {
	p := newTestPool(t, 3, 1)
	p.maintainWarmPool()
	require.Len(t, p.ListResources(), 1)

	p.cfg.WarmResources = 0
	p.maintainWarmPool()
	assert.Len(t, p.ListResources(), 0)
}

func TestWarmPoolNeverReapsLeasedInstances(t *testing.T) {
	p := newTestPool(t, 2, 2)
	p.maintainWarmPool()
	slotID, _, err := p.GetResource(context.Background(), time.Minute)
	require.NoError(t, err)

	p.cfg.WarmResources = 0
	p.maintainWarmPool()

	inst, ok := p.Instance(slotID)
	assert.True(t, ok)
	assert.Equal(t, slotID, inst.id)
}

func TestHealthCheckDeadSlotIsFreed(t *testing.T) {
	cb, _ := fakeCallbacks(nil)
	cb.HealthCheck = func(slotID int, inst fakeInstance) (fakeInstance, HealthAction, func()) {
		return inst, HealthDead, nil
	}
	p := New(Config{
		MaxInstances:        1,
		HealthCheckInterval: time.Hour,
		LeaseWaitBudget:     time.Second,
		LeasePollInterval:   5 * time.Millisecond,
	}, cb, zap.NewNop())

	slotID, _, err := p.GetResource(context.Background(), time.Minute)
	require.NoError(t, err)

	p.runHealthChecks()
	_, ok := p.Instance(slotID)
	assert.False(t, ok)
}

// TestHealthCheckOKPersistsMutatedInstance guards against a crash-looping
// resource being retried forever: even when the callback reports
// HealthOK (not HealthRelaunched), the instance it returns must replace
// the slot's stored copy, since the adapter may have mutated state on it
// (e.g. a restart-attempt counter) that the next tick needs to see.
func TestHealthCheckOKPersistsMutatedInstance(t *testing.T) {
	cb, _ := fakeCallbacks(nil)
	cb.HealthCheck = func(slotID int, inst fakeInstance) (fakeInstance, HealthAction, func()) {
		inst.id = 99
		return inst, HealthOK, nil
	}
	p := New(Config{
		MaxInstances:        1,
		HealthCheckInterval: time.Hour,
		LeaseWaitBudget:     time.Second,
		LeasePollInterval:   5 * time.Millisecond,
	}, cb, zap.NewNop())

	slotID, _, err := p.GetResource(context.Background(), time.Minute)
	require.NoError(t, err)

	p.runHealthChecks()
	inst, ok := p.Instance(slotID)
	require.True(t, ok)
	assert.Equal(t, 99, inst.id)
}

// TestHealthCheckAfterRunsWithoutPoolLockHeld proves the deferred side
// effect a HealthCheck callback returns runs only once the pool lock has
// been released, so it can safely call back into the pool without
// deadlocking.
func TestHealthCheckAfterRunsWithoutPoolLockHeld(t *testing.T) {
	cb, _ := fakeCallbacks(nil)
	ran := make(chan struct{})
	cb.HealthCheck = func(slotID int, inst fakeInstance) (fakeInstance, HealthAction, func()) {
		return inst, HealthOK, func() { close(ran) }
	}
	p := New(Config{
		MaxInstances:        1,
		HealthCheckInterval: time.Hour,
		LeaseWaitBudget:     time.Second,
		LeasePollInterval:   5 * time.Millisecond,
	}, cb, zap.NewNop())

	_, _, err := p.GetResource(context.Background(), time.Minute)
	require.NoError(t, err)

	p.runHealthChecks()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("deferred health-check side effect never ran")
	}

	// ListResources acquires the same lock runHealthChecks used; if the
	// deferred closure were still running under that lock, this would
	// have to wait instead of returning immediately.
	_ = p.ListResources()
}

func TestConcurrentLeaseAcquisitionRespectsCapacity(t *testing.T) {
	p := newTestPool(t, 2, 0)
	var wg sync.WaitGroup
	results := make(chan error, 3)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			_, _, err := p.GetResource(ctx, time.Minute)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, failures := 0, 0
	for err := range results {
		if err == nil {
			successes++
		} else {
			failures++
		}
	}
	assert.Equal(t, 2, successes)
	assert.Equal(t, 1, failures)
}

func TestShutdownTerminatesEverything(t *testing.T) {
	p := newTestPool(t, 2, 1)
	p.Start()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Shutdown(ctx)

	assert.Len(t, p.ListResources(), 0)
}
