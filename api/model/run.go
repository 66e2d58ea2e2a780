/*
Copyright 2025 Sidefx Labs Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package model

// CreateRun is the request body for registering a run. RunID is optional and
// generated when absent; supplying it makes run registration idempotent.
type CreateRun struct {
	RunID             string                 `json:"run_id,omitempty"`
	StepID            string                 `json:"step_id,omitempty"`
	BusinessKey       string                 `json:"business_key"`
	Amount            float64                `json:"amount"`
	MaxAttempts       int                    `json:"max_attempts,omitempty"`
	FailBeforeEffectN int                    `json:"fail_before_effect_n,omitempty"`
	FailMode          string                 `json:"fail_mode,omitempty"`
	MetaData          map[string]interface{} `json:"meta_data,omitempty"`
}

// RecoverRequest is the request body for manually sweeping stuck ledger
// entries.
type RecoverRequest struct {
	ThresholdMinutes int `json:"threshold_minutes,omitempty"`
}