package model

import (
	"encoding/json"
	"time"
)

// Ledger entry states. An entry is created in progress and moves to done
// exactly once. failed is terminal: once an entry is marked failed, no
// delivery may execute or complete the effect again.
const (
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// SideEffect is a row in the effect ledger: the durable record that decides
// whether an externally visible action already happened for an effect ID.
type SideEffect struct {
	ID          int64                  `json:"-"`
	EffectID    string                 `json:"effect_id"`
	RunID       string                 `json:"run_id"`
	StepID      string                 `json:"step_id"`
	BusinessKey string                 `json:"business_key"`
	Status      string                 `json:"status"`
	ArtifactRef string                 `json:"artifact_ref,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

func (s *SideEffect) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// BeginState is the outcome of the atomic ledger insert.
type BeginState string

const (
	BeginAcquired          BeginState = "acquired"
	BeginAlreadyDone       BeginState = "already_done"
	BeginAlreadyInProgress BeginState = "already_in_progress"
	BeginAlreadyFailed     BeginState = "already_failed"
)

// BeginResult carries the outcome of BeginEffect. ArtifactRef is set only
// when State is BeginAlreadyDone.
type BeginResult struct {
	State       BeginState `json:"state"`
	ArtifactRef string     `json:"artifact_ref,omitempty"`
}

// Artifact is the durable evidence that a side effect ran. Ref is the
// address of the evidence in the artifact store.
type Artifact struct {
	Ref       string    `json:"ref"`
	Name      string    `json:"name"`
	Size      int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}
