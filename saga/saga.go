// Package saga implements the saga coordinator from spec §4.6: a declared
// sequence of steps, each an (execute, compensate) pair addressed by name
// (spec §9 "saga state as data, not closures"), persisted so it can resume
// after a crash and compensated in reverse on failure.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"orderflow/apperr"
	"orderflow/observability"
)

// StepStatus is one step's lifecycle state within an Instance.
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepRunning            StepStatus = "RUNNING"
	StepCompleted          StepStatus = "COMPLETED"
	StepCompensating       StepStatus = "COMPENSATING"
	StepCompensated        StepStatus = "COMPENSATED"
	StepFailed             StepStatus = "FAILED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// Status is the saga instance's overall lifecycle state.
type Status string

const (
	Running      Status = "RUNNING"
	Completed    Status = "COMPLETED"
	Compensating Status = "COMPENSATING"
	Compensated  Status = "COMPENSATED"
	Failed       Status = "FAILED"
)

// StepState is one step's persisted record, per spec §3 "Saga instance".
type StepState struct {
	Name       string          `json:"name"`
	Status     StepStatus      `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Instance is the durable saga record. Data is an opaque JSON context
// passed to every step's Execute/Compensate, self-contained so compensation
// never depends on state that might have since changed, per spec §4.6.
type Instance struct {
	SagaID      string          `json:"saga_id"`
	SagaType    string          `json:"saga_type"`
	CurrentStep int             `json:"current_step"`
	Steps       []StepState     `json:"steps"`
	Data        json.RawMessage `json:"data"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Executor is one step's business logic, looked up by name in a
// Definition rather than captured as a closure, so Instance stays
// serializable and resumable across process restarts.
type Executor interface {
	Execute(ctx context.Context, data json.RawMessage) (result json.RawMessage, err error)
	Compensate(ctx context.Context, data json.RawMessage) error
}

// StepDef names one step and binds it to its Executor.
type StepDef struct {
	Name       string
	MaxRetries int
	Executor   Executor
}

// Definition is a saga_type's ordered step list.
type Definition struct {
	SagaType string
	Steps    []StepDef
}

// Registry maps saga_type to its Definition, per spec §9.
type Registry struct {
	definitions map[string]Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{definitions: make(map[string]Definition)}
}

// Register binds a Definition to its SagaType.
func (r *Registry) Register(def Definition) {
	r.definitions[def.SagaType] = def
}

func (r *Registry) lookup(sagaType string) (Definition, error) {
	def, ok := r.definitions[sagaType]
	if !ok {
		return Definition{}, apperr.New(apperr.Domain, fmt.Sprintf("saga: unknown saga_type %q", sagaType))
	}
	return def, nil
}

// Store persists Instances so resume() can continue after a crash.
type Store interface {
	Save(ctx context.Context, inst Instance) error
	Load(ctx context.Context, sagaID string) (Instance, bool, error)
}

// Coordinator drives Instances through their Definition's steps.
type Coordinator struct {
	Store     Store
	Registry  *Registry
	Telemetry *observability.Telemetry
	// Backoff returns how long to wait before retrying a failed step's
	// attempt number (1-indexed). Defaults to a linear curve of 200ms per
	// attempt, capped at 5s.
	Backoff func(attempt int) time.Duration
	Now     func() time.Time
}

// NewCoordinator builds a Coordinator with the default backoff and clock.
func NewCoordinator(store Store, registry *Registry, tel *observability.Telemetry) *Coordinator {
	return &Coordinator{
		Store:     store,
		Registry:  registry,
		Telemetry: tel,
		Backoff:   defaultBackoff,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func defaultBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 200 * time.Millisecond
	if d > 5*time.Second {
		return 5 * time.Second
	}
	return d
}

// Start creates a new Instance in Running with all steps Pending, persists
// it, and returns it without running any step — the caller invokes Run
// (or the Coordinator does so immediately, per its own policy).
func (c *Coordinator) Start(ctx context.Context, sagaType, sagaID string, data json.RawMessage) (*Instance, error) {
	def, err := c.Registry.lookup(sagaType)
	if err != nil {
		return nil, err
	}
	steps := make([]StepState, len(def.Steps))
	for i, sd := range def.Steps {
		steps[i] = StepState{Name: sd.Name, Status: StepPending, MaxRetries: sd.MaxRetries}
	}
	now := c.Now()
	inst := Instance{
		SagaID:      sagaID,
		SagaType:    sagaType,
		CurrentStep: 0,
		Steps:       steps,
		Data:        data,
		Status:      Running,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.Store.Save(ctx, inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// Resume loads a persisted Instance and continues Run from its saved
// position — safe to call after a process restart, per spec §4.6.
func (c *Coordinator) Resume(ctx context.Context, sagaID string) (*Instance, error) {
	inst, found, err := c.Store.Load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("saga: %s not found", sagaID))
	}
	if err := c.Run(ctx, &inst); err != nil {
		return &inst, err
	}
	return &inst, nil
}

func (c *Coordinator) persist(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = c.Now()
	return c.Store.Save(ctx, *inst)
}

// Run drives inst to a terminal state, per spec §4.6's forward-execution
// and compensation algorithms.
func (c *Coordinator) Run(ctx context.Context, inst *Instance) error {
	def, err := c.Registry.lookup(inst.SagaType)
	if err != nil {
		return err
	}

	for inst.Status == Running && inst.CurrentStep < len(inst.Steps) {
		idx := inst.CurrentStep
		step := &inst.Steps[idx]
		executor := def.Steps[idx].Executor

		step.Status = StepRunning
		if err := c.persist(ctx, inst); err != nil {
			return err
		}

		result, execErr := executor.Execute(ctx, inst.Data)
		if execErr == nil {
			step.Result = result
			step.Status = StepCompleted
			step.Error = ""
			inst.CurrentStep++
			if inst.CurrentStep == len(inst.Steps) {
				inst.Status = Completed
			}
			if err := c.persist(ctx, inst); err != nil {
				return err
			}
			continue
		}

		step.RetryCount++
		step.Error = execErr.Error()
		log.Printf("❌ saga %s step %q failed (attempt %d/%d): %v", inst.SagaID, step.Name, step.RetryCount, step.MaxRetries, execErr)

		if step.RetryCount < step.MaxRetries {
			if err := c.persist(ctx, inst); err != nil {
				return err
			}
			select {
			case <-time.After(c.Backoff(step.RetryCount)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		step.Status = StepFailed
		inst.Status = Compensating
		if p := c.Telemetry; p != nil && p.SagaStepCounter != nil {
			p.SagaStepCounter.Add(ctx, 1)
		}
		if err := c.persist(ctx, inst); err != nil {
			return err
		}
	}

	if inst.Status == Compensating {
		return c.compensateFrom(ctx, inst, def, inst.CurrentStep-1)
	}
	return nil
}

// Compensate forces a rollback of inst from its last Completed step,
// regardless of why the caller wants to unwind (e.g. operator-driven
// cancellation). Run's automatic path calls compensateFrom directly.
func (c *Coordinator) Compensate(ctx context.Context, inst *Instance) error {
	def, err := c.Registry.lookup(inst.SagaType)
	if err != nil {
		return err
	}
	inst.Status = Compensating
	if err := c.persist(ctx, inst); err != nil {
		return err
	}
	lastCompleted := -1
	for i, s := range inst.Steps {
		if s.Status == StepCompleted {
			lastCompleted = i
		}
	}
	return c.compensateFrom(ctx, inst, def, lastCompleted)
}

// compensateFrom walks completed steps in reverse starting at fromIdx,
// per spec §4.6's compensation algorithm.
func (c *Coordinator) compensateFrom(ctx context.Context, inst *Instance, def Definition, fromIdx int) error {
	for i := fromIdx; i >= 0; i-- {
		step := &inst.Steps[i]
		if step.Status != StepCompleted {
			continue
		}
		step.Status = StepCompensating
		if err := c.persist(ctx, inst); err != nil {
			return err
		}

		executor := def.Steps[i].Executor
		if err := executor.Compensate(ctx, inst.Data); err != nil {
			step.Status = StepCompensationFailed
			step.Error = err.Error()
			inst.Status = Failed
			log.Printf("🔙❌ saga %s compensation for step %q failed: %v", inst.SagaID, step.Name, err)
			return c.persist(ctx, inst)
		}
		step.Status = StepCompensated
		step.Error = ""
		log.Printf("🔙 saga %s compensated step %q", inst.SagaID, step.Name)
		if err := c.persist(ctx, inst); err != nil {
			return err
		}
	}
	inst.Status = Compensated
	return c.persist(ctx, inst)
}
