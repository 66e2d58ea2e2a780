package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Run event types, emitted to the run/status store as a command moves through
// the worker protocol. Observability only; correctness never depends on them.
const (
	EventRunCreated          = "run.created"
	EventCommandEnqueued     = "command.enqueued"
	EventStepStarted         = "step.started"
	EventStepFailed          = "step.failed"
	EventStepCompleted       = "step.completed"
	EventSideEffectExecuting = "side_effect.executing"
	EventSideEffectDone      = "side_effect.done"
	EventSideEffectSkipped   = "side_effect.skipped"
	EventSideEffectHealed    = "side_effect.healed"
	EventRetryConsidered     = "retry.considered"
	EventRunDeadLettered     = "run.dlq"
	EventRunCompleted        = "run.completed"
)

// RunEvent is one entry in a run's event log.
type RunEvent struct {
	Type        string    `json:"type"`
	RunID       string    `json:"run_id"`
	StepID      string    `json:"step_id,omitempty"`
	EffectID    string    `json:"effect_id,omitempty"`
	BusinessKey string    `json:"business_key,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Error       string    `json:"error,omitempty"`
	Ts          time.Time `json:"ts"`
}

func (e *RunEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Run is the human-visible registration of a business operation.
type Run struct {
	RunID             string          `json:"run_id"`
	StepID            string          `json:"step_id"`
	BusinessKey       string          `json:"business_key"`
	Amount            decimal.Decimal `json:"amount"`
	MaxAttempts       int             `json:"max_attempts"`
	FailBeforeEffectN int             `json:"fail_before_effect_n,omitempty"`
	FailMode          string          `json:"fail_mode,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`

	MetaData map[string]interface{} `json:"meta_data,omitempty"`
}

// DeadLetter is the record routed to the dead letter queue when a command
// fails permanently or exhausts its delivery budget.
type DeadLetter struct {
	RunID       string    `json:"run_id"`
	StepID      string    `json:"step_id"`
	BusinessKey string    `json:"business_key"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	Error       string    `json:"error"`
	Command     *Command  `json:"command"`
	Ts          time.Time `json:"ts"`
}
