package runtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopwire/loopwire/internal/runtime"
	"github.com/loopwire/loopwire/pkg/models"
)

// scriptedProvisioner returns its states in order, repeating the last one
// once the script runs out.
type scriptedProvisioner struct {
	mu     sync.Mutex
	states []models.ReadinessState
	errs   []error
	calls  int
}

func (p *scriptedProvisioner) EnsureReady(_ context.Context, _, _ string, _ models.ProvisionHints) (models.ReadinessState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.calls
	p.calls++
	if i >= len(p.states) {
		i = len(p.states) - 1
	}
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	return p.states[i], err
}

func (p *scriptedProvisioner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func notReady() models.ReadinessState {
	return models.ReadinessState{Ready: false, Status: models.WorkerStarting, RetryAfterMs: 500}
}

func ready() models.ReadinessState {
	return models.ReadinessState{Ready: true, Status: models.WorkerReady}
}

// ─── Single Check ────────────────────────────────────────────

func TestEnsureReadyFoldsProvisionerError(t *testing.T) {
	p := &scriptedProvisioner{
		states: []models.ReadinessState{{}},
		errs:   []error{errors.New("provision api down")},
	}
	g := runtime.NewGate(p)

	state := g.EnsureReady(context.Background(), "alice", "acme", models.ProvisionHints{})

	assert.False(t, state.Ready)
	assert.Equal(t, models.WorkerProvisioning, state.Status)
	assert.Contains(t, state.Detail, "provision api down")
}

func TestEnsureReadyPassesStateThrough(t *testing.T) {
	p := &scriptedProvisioner{states: []models.ReadinessState{ready()}}
	g := runtime.NewGate(p)

	state := g.EnsureReady(context.Background(), "alice", "acme", models.ProvisionHints{})

	assert.True(t, state.Ready)
	assert.Equal(t, models.WorkerReady, state.Status)
}

// ─── Bounded Wait ────────────────────────────────────────────

func TestWaitMaxWaitZeroIsSingleImmediateCheck(t *testing.T) {
	p := &scriptedProvisioner{states: []models.ReadinessState{notReady()}}
	g := runtime.NewGate(p)

	start := time.Now()
	state := g.WaitUntilReady(context.Background(), "alice", "acme", models.ProvisionHints{}, 0, time.Hour)
	elapsed := time.Since(start)

	assert.False(t, state.Ready)
	assert.Equal(t, 1, p.callCount(), "maxWait=0 must check exactly once")
	assert.Less(t, elapsed, time.Second, "maxWait=0 must not poll")
}

func TestWaitPollsUntilReady(t *testing.T) {
	p := &scriptedProvisioner{states: []models.ReadinessState{notReady(), notReady(), ready()}}
	g := runtime.NewGate(p)

	state := g.WaitUntilReady(context.Background(), "alice", "acme", models.ProvisionHints{}, time.Second, 10*time.Millisecond)

	require.True(t, state.Ready)
	assert.Equal(t, 3, p.callCount())
}

func TestWaitStopsOnTerminalStatus(t *testing.T) {
	p := &scriptedProvisioner{states: []models.ReadinessState{
		{Ready: false, Status: models.WorkerFailed, Detail: "image pull failed"},
	}}
	g := runtime.NewGate(p)

	state := g.WaitUntilReady(context.Background(), "alice", "acme", models.ProvisionHints{}, time.Second, 10*time.Millisecond)

	assert.False(t, state.Ready)
	assert.Equal(t, models.WorkerFailed, state.Status)
	assert.Equal(t, 1, p.callCount(), "a terminal status must stop the poll loop")
}

func TestWaitBudgetExhaustedReturnsLastState(t *testing.T) {
	p := &scriptedProvisioner{states: []models.ReadinessState{notReady()}}
	g := runtime.NewGate(p)

	state := g.WaitUntilReady(context.Background(), "alice", "acme", models.ProvisionHints{}, 60*time.Millisecond, 10*time.Millisecond)

	assert.False(t, state.Ready)
	assert.Equal(t, models.WorkerStarting, state.Status)
	assert.GreaterOrEqual(t, p.callCount(), 2, "should have polled more than once within the budget")
}

func TestWaitRespectsCallerCancellation(t *testing.T) {
	p := &scriptedProvisioner{states: []models.ReadinessState{notReady()}}
	g := runtime.NewGate(p)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	state := g.WaitUntilReady(ctx, "alice", "acme", models.ProvisionHints{}, time.Hour, 10*time.Millisecond)

	assert.False(t, state.Ready)
	assert.Less(t, time.Since(start), time.Second, "cancellation must end the wait early")
}
