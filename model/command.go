package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Fail modes a producer can set on a command to exercise the crash windows of
// the worker protocol. FailModeNone is the normal path.
const (
	FailModeNone               = "none"
	FailModeCrashAfterEffect   = "crash_after_effect_before_ack"
	FailModeErrorBeforeLedger  = "error_before_ledger"
	DefaultStepID              = "charge_card"
	DefaultMaxDeliveryAttempts = 5
)

// Command is a unit of work delivered at least once by the transport.
// DeliveryAttempt is assigned by the transport and is observability only;
// nothing in the execution protocol may branch on it.
type Command struct {
	CommandID         string                 `json:"command_id"`
	RunID             string                 `json:"run_id"`
	StepID            string                 `json:"step_id"`
	BusinessKey       string                 `json:"business_key"`
	Amount            decimal.Decimal        `json:"amount"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
	MaxAttempts       int                    `json:"max_attempts"`
	DeliveryAttempt   int                    `json:"delivery_attempt"`
	FailBeforeEffectN int                    `json:"fail_before_effect_n,omitempty"`
	FailMode          string                 `json:"fail_mode,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	MetaData          map[string]interface{} `json:"meta_data,omitempty"`
}

// EffectID derives the stable identity of the side effect this command asks
// for. Two commands with the same business intent always map to the same
// effect ID no matter how many times they are delivered or re-derived.
func (c *Command) EffectID() string {
	return fmt.Sprintf("%s:%s:%s", c.RunID, c.StepID, c.BusinessKey)
}

func (c *Command) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// ApplyDefaults fills the fields a thin producer is allowed to omit.
func (c *Command) ApplyDefaults() {
	if c.StepID == "" {
		c.StepID = DefaultStepID
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxDeliveryAttempts
	}
	if c.FailMode == "" {
		c.FailMode = FailModeNone
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
}
