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

import (
	"errors"

	"github.com/shopspring/decimal"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/sidefxlabs/sidefx/model"
)

func failModeValidation(r *CreateRun) validation.RuleFunc {
	return func(value interface{}) error {
		switch r.FailMode {
		case "", model.FailModeNone, model.FailModeCrashAfterEffect, model.FailModeErrorBeforeLedger:
			return nil
		}
		return errors.New("fail_mode must be one of: crash_after_effect_before_ack, error_before_ledger")
	}
}

// ValidateCreateRun checks the request before it touches the queue.
func (r *CreateRun) ValidateCreateRun() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.BusinessKey, validation.Required),
		validation.Field(&r.Amount, validation.Min(0.0)),
		validation.Field(&r.MaxAttempts, validation.Min(0)),
		validation.Field(&r.FailBeforeEffectN, validation.Min(0)),
		validation.Field(&r.FailMode, validation.By(failModeValidation(r))),
	)
}

// ToRun converts the validated request into a run registration.
func (r *CreateRun) ToRun() *model.Run {
	return &model.Run{
		RunID:             r.RunID,
		StepID:            r.StepID,
		BusinessKey:       r.BusinessKey,
		Amount:            decimal.NewFromFloat(r.Amount),
		MaxAttempts:       r.MaxAttempts,
		FailBeforeEffectN: r.FailBeforeEffectN,
		FailMode:          r.FailMode,
		MetaData:          r.MetaData,
	}
}