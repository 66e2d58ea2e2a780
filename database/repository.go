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

package database

import (
	"context"
	"time"

	"github.com/sidefxlabs/sidefx/model"
)

// IDataSource defines the interface for data source operations.
type IDataSource interface {
	effectLedger
}

// effectLedger defines the contract of the effect ledger. BeginEffect must be
// safe under arbitrary concurrent callers for the same effect_id, including
// across process restarts; CompleteEffect is idempotent for an identical
// artifact ref and fails loudly for a different one.
type effectLedger interface {
	BeginEffect(ctx context.Context, effect *model.SideEffect) (*model.BeginResult, error)               // Atomically inserts an in_progress entry
	CompleteEffect(ctx context.Context, effectID string, artifactRef string) error                       // Transitions in_progress to done
	GetEffect(ctx context.Context, effectID string) (*model.SideEffect, error)                           // Read-only lookup for recovery and debugging
	ListEffects(ctx context.Context, limit, offset int) ([]model.SideEffect, error)                      // Debug surface over ledger rows
	ListEffectsByRun(ctx context.Context, runID string) ([]model.SideEffect, error)                      // Ledger rows for one run
	GetStuckEffects(ctx context.Context, threshold time.Duration, limit int) ([]model.SideEffect, error) // In_progress entries older than threshold
	MarkEffectFailed(ctx context.Context, effectID string, reason string) error                          // Operator-visible terminal failure
}
