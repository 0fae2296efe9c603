package browserpool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apxerrors "bpgateway/errors"
	"bpgateway/services/resourcepool"
)

type fakeLauncher struct {
	mu          sync.Mutex
	failNext    map[int]bool
	alive       map[int]bool
	launchCalls int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{failNext: map[int]bool{}, alive: map[int]bool{}}
}

func (f *fakeLauncher) Launch(port int) (Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchCalls++
	if f.failNext[port] {
		f.failNext[port] = false
		return Instance{}, apxerrors.LaunchFailedErr(errors.New("boom"))
	}
	f.alive[port] = true
	return Instance{DebuggingPort: port}, nil
}

func (f *fakeLauncher) Terminate(inst Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, inst.DebuggingPort)
	return nil
}

func (f *fakeLauncher) IsAlive(inst Instance) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[inst.DebuggingPort]
}

func (f *fakeLauncher) kill(port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, port)
}

func (f *fakeLauncher) setFailNext(port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[port] = true
}

func newTestAdapter(t *testing.T, launcher *fakeLauncher, maxStartupAttempts int) (*Adapter, *resourcepool.Pool[Instance]) {
	t.Helper()
	log := zap.NewNop()
	adapter := NewAdapter(AdapterConfig{BasePort: 9000, MaxStartupAttempts: maxStartupAttempts}, launcher, noopPublisher{}, noopArchiver{log: log}, nil, log)
	pool := resourcepool.New(resourcepool.Config{MaxInstances: 2, WarmResources: 0}, adapter.Callbacks(), log)
	adapter.SetPool(pool)
	return adapter, pool
}

func TestAdapterCreateAllocatesDeterministicPort(t *testing.T) {
	launcher := newFakeLauncher()
	adapter, pool := newTestAdapter(t, launcher, 3)

	inst, err := adapter.create(0)
	require.NoError(t, err)
	assert.Equal(t, 9000, inst.DebuggingPort)

	inst, err = adapter.create(1)
	require.NoError(t, err)
	assert.Equal(t, 9001, inst.DebuggingPort)

	pool.Shutdown(context.Background())
}

func TestAdapterHealthCheckRestartsWithinBudget(t *testing.T) {
	launcher := newFakeLauncher()
	adapter, pool := newTestAdapter(t, launcher, 3)

	inst, err := adapter.create(0)
	require.NoError(t, err)

	launcher.kill(inst.DebuggingPort)
	newInst, action, after := adapter.healthCheck(0, inst)
	assert.Equal(t, resourcepool.HealthRelaunched, action)
	assert.Equal(t, 0, newInst.StartupAttempts)
	assert.True(t, launcher.IsAlive(newInst))
	assert.Nil(t, after)

	pool.Shutdown(context.Background())
}

func TestAdapterHealthCheckGivesUpAfterBudgetExceeded(t *testing.T) {
	launcher := newFakeLauncher()
	adapter, pool := newTestAdapter(t, launcher, 1)

	inst, err := adapter.create(0)
	require.NoError(t, err)
	inst.StartupAttempts = 1

	launcher.kill(inst.DebuggingPort)
	_, action, after := adapter.healthCheck(0, inst)
	assert.Equal(t, resourcepool.HealthDead, action)
	require.NotNil(t, after)
	after() // runs the diagnostics archive upload; must not panic or block

	pool.Shutdown(context.Background())
}

func TestAdapterHealthCheckRetriesOnFailedRelaunch(t *testing.T) {
	launcher := newFakeLauncher()
	adapter, pool := newTestAdapter(t, launcher, 3)

	inst, err := adapter.create(0)
	require.NoError(t, err)

	launcher.kill(inst.DebuggingPort)
	launcher.setFailNext(inst.DebuggingPort)
	newInst, action, after := adapter.healthCheck(0, inst)
	assert.Equal(t, resourcepool.HealthOK, action)
	assert.Equal(t, 1, newInst.StartupAttempts)
	assert.Nil(t, after)

	pool.Shutdown(context.Background())
}

func TestAdapterHealthCheckAliveIsNoop(t *testing.T) {
	launcher := newFakeLauncher()
	adapter, pool := newTestAdapter(t, launcher, 3)

	inst, err := adapter.create(0)
	require.NoError(t, err)

	newInst, action, after := adapter.healthCheck(0, inst)
	assert.Equal(t, resourcepool.HealthOK, action)
	assert.Equal(t, inst, newInst)
	assert.Nil(t, after) // no deep probe configured on this test adapter

	pool.Shutdown(context.Background())
}

func TestAdapterGetBrowserBySessionResolvesPort(t *testing.T) {
	launcher := newFakeLauncher()
	adapter, pool := newTestAdapter(t, launcher, 3)

	_, sessionID, err := pool.GetResource(context.Background(), 0)
	require.NoError(t, err)

	port, ok := adapter.GetBrowserBySession(sessionID)
	assert.True(t, ok)
	assert.Equal(t, 9000, port)

	_, ok = adapter.GetBrowserBySession("unknown-session")
	assert.False(t, ok)

	pool.Shutdown(context.Background())
}
