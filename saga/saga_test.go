package saga_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/saga"
)

type scriptedExecutor struct {
	name         string
	failTimes    int
	calls        int
	compensated  bool
	compensateErr error
}

func (e *scriptedExecutor) Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	e.calls++
	if e.calls <= e.failTimes {
		return nil, errors.New(e.name + " failed")
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (e *scriptedExecutor) Compensate(ctx context.Context, data json.RawMessage) error {
	e.compensated = true
	return e.compensateErr
}

func newTestCoordinator(store saga.Store, def saga.Definition) *saga.Coordinator {
	registry := saga.NewRegistry()
	registry.Register(def)
	c := saga.NewCoordinator(store, registry, nil)
	c.Backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func TestSaga_HappyPathAllStepsCompleted(t *testing.T) {
	ctx := context.Background()
	store := saga.NewMemoryStore()
	step1 := &scriptedExecutor{name: "reserve"}
	step2 := &scriptedExecutor{name: "authorize"}
	def := saga.Definition{SagaType: "test_saga", Steps: []saga.StepDef{
		{Name: "reserve", MaxRetries: 3, Executor: step1},
		{Name: "authorize", MaxRetries: 3, Executor: step2},
	}}
	c := newTestCoordinator(store, def)

	inst, err := c.Start(ctx, "test_saga", "saga-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, c.Run(ctx, inst))

	assert.Equal(t, saga.Completed, inst.Status)
	for _, s := range inst.Steps {
		assert.Equal(t, saga.StepCompleted, s.Status)
	}
}

func TestSaga_CompensatesOnExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	store := saga.NewMemoryStore()
	reserve := &scriptedExecutor{name: "reserve"}
	authorize := &scriptedExecutor{name: "authorize", failTimes: 99}
	def := saga.Definition{SagaType: "test_saga", Steps: []saga.StepDef{
		{Name: "reserve", MaxRetries: 3, Executor: reserve},
		{Name: "authorize", MaxRetries: 2, Executor: authorize},
	}}
	c := newTestCoordinator(store, def)

	inst, err := c.Start(ctx, "test_saga", "saga-2", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, c.Run(ctx, inst))

	assert.Equal(t, saga.Compensated, inst.Status)
	assert.Equal(t, saga.StepFailed, inst.Steps[1].Status)
	assert.Equal(t, saga.StepCompensated, inst.Steps[0].Status)
	assert.True(t, reserve.compensated)
}

func TestSaga_FailedCompensationEscalatesToFailed(t *testing.T) {
	ctx := context.Background()
	store := saga.NewMemoryStore()
	reserve := &scriptedExecutor{name: "reserve", compensateErr: errors.New("cannot release")}
	authorize := &scriptedExecutor{name: "authorize", failTimes: 99}
	def := saga.Definition{SagaType: "test_saga", Steps: []saga.StepDef{
		{Name: "reserve", MaxRetries: 1, Executor: reserve},
		{Name: "authorize", MaxRetries: 1, Executor: authorize},
	}}
	c := newTestCoordinator(store, def)

	inst, err := c.Start(ctx, "test_saga", "saga-3", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, c.Run(ctx, inst))

	assert.Equal(t, saga.Failed, inst.Status)
	assert.Equal(t, saga.StepCompensationFailed, inst.Steps[0].Status)
}

func TestSaga_ResumeContinuesFromPersistedPosition(t *testing.T) {
	ctx := context.Background()
	store := saga.NewMemoryStore()
	reserve := &scriptedExecutor{name: "reserve"}
	authorize := &scriptedExecutor{name: "authorize"}
	def := saga.Definition{SagaType: "test_saga", Steps: []saga.StepDef{
		{Name: "reserve", MaxRetries: 3, Executor: reserve},
		{Name: "authorize", MaxRetries: 3, Executor: authorize},
	}}
	c := newTestCoordinator(store, def)

	inst, err := c.Start(ctx, "test_saga", "saga-4", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, c.Run(ctx, inst))
	require.Equal(t, saga.Completed, inst.Status)

	resumed, err := c.Resume(ctx, "saga-4")
	require.NoError(t, err)
	assert.Equal(t, saga.Completed, resumed.Status)
}
