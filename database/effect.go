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
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/sidefxlabs/sidefx/internal/apierror"
	"github.com/sidefxlabs/sidefx/model"

	"github.com/lib/pq"
)

// BeginEffect attempts to atomically insert an in_progress ledger entry for
// the effect. The unique constraint on effect_id decides the race: exactly
// one concurrent caller observes Acquired, every other caller hits a unique
// violation and is classified by a follow-up lookup into AlreadyDone,
// AlreadyInProgress or AlreadyFailed.
func (d Datasource) BeginEffect(ctx context.Context, effect *model.SideEffect) (*model.BeginResult, error) {
	ctx, span := otel.Tracer("ledger.database").Start(ctx, "Begin effect ledger entry")
	defer span.End()

	payloadJSON, err := json.Marshal(effect.Payload)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal payload", err)
	}

	if effect.CreatedAt.IsZero() {
		effect.CreatedAt = time.Now()
	}
	effect.Status = model.StatusInProgress

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO side_effects(effect_id,run_id,step_id,business_key,status,artifact_ref,created_at,payload) VALUES ($1,$2,$3,$4,$5,NULL,$6,$7)`,
		effect.EffectID, effect.RunID, effect.StepID, effect.BusinessKey, effect.Status, effect.CreatedAt, payloadJSON,
	)

	if err == nil {
		return &model.BeginResult{State: model.BeginAcquired}, nil
	}

	pqErr, ok := err.(*pq.Error)
	if !ok || pqErr.Code.Name() != "unique_violation" {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin effect", err)
	}

	// The entry already exists. Look it up to tell a finished effect from one
	// another delivery is still executing.
	existing, err := d.GetEffect(ctx, effect.EffectID)
	if err != nil {
		return nil, err
	}

	switch existing.Status {
	case model.StatusDone:
		return &model.BeginResult{State: model.BeginAlreadyDone, ArtifactRef: existing.ArtifactRef}, nil
	case model.StatusFailed:
		// failed is terminal. A late redelivery must not resurrect the
		// effect; only a new run can retry the business action.
		return &model.BeginResult{State: model.BeginAlreadyFailed}, nil
	}
	return &model.BeginResult{State: model.BeginAlreadyInProgress}, nil
}

// CompleteEffect transitions an entry from in_progress to done, recording the
// artifact reference. Completing twice with the same ref is a no-op success;
// completing with a different ref after done is a correctness bug upstream
// and fails with DUPLICATE_COMPLETION_MISMATCH.
func (d Datasource) CompleteEffect(ctx context.Context, effectID string, artifactRef string) error {
	ctx, span := otel.Tracer("ledger.database").Start(ctx, "Complete effect ledger entry")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE side_effects
		SET status = $3, artifact_ref = $2, completed_at = COALESCE(completed_at, NOW())
		WHERE effect_id = $1
		AND (status = $4 OR (status = $3 AND artifact_ref = $2))
	`, effectID, artifactRef, model.StatusDone, model.StatusInProgress)

	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to complete effect", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read rows affected", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	existing, err := d.GetEffect(ctx, effectID)
	if err != nil {
		return err
	}
	if existing.Status == model.StatusDone && existing.ArtifactRef != artifactRef {
		return apierror.NewAPIError(apierror.ErrCompletionMismatch,
			fmt.Sprintf("Effect '%s' already completed with artifact '%s', refusing to overwrite with '%s'", effectID, existing.ArtifactRef, artifactRef), nil)
	}
	return apierror.NewAPIError(apierror.ErrConflict,
		fmt.Sprintf("Effect '%s' is not completable from status '%s'", effectID, existing.Status), nil)
}

// GetEffect retrieves a single ledger entry by effect ID.
func (d Datasource) GetEffect(ctx context.Context, effectID string) (*model.SideEffect, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT id, effect_id, run_id, step_id, business_key, status, artifact_ref, created_at, completed_at, payload
		FROM side_effects
		WHERE effect_id = $1
	`, effectID)

	effect, err := scanEffect(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Effect with ID '%s' not found", effectID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve effect", err)
	}
	return effect, nil
}

// ListEffects retrieves ledger entries ordered by recency, for the debug
// surface. Pages are cached briefly; the cache is read-through only and a
// cache failure falls back to the database.
func (d Datasource) ListEffects(ctx context.Context, limit, offset int) ([]model.SideEffect, error) {
	cacheKey := fmt.Sprintf("effects:paginated:%d:%d", limit, offset)
	if d.Cache != nil {
		var cached []model.SideEffect
		if err := d.Cache.Get(ctx, cacheKey, &cached); err == nil && len(cached) > 0 {
			return cached, nil
		}
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, effect_id, run_id, step_id, business_key, status, artifact_ref, created_at, completed_at, payload
		FROM side_effects
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list effects", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	effects, err := collectEffects(rows)
	if err != nil {
		return nil, err
	}

	if d.Cache != nil && len(effects) > 0 {
		if err := d.Cache.Set(ctx, cacheKey, effects, 30*time.Second); err != nil {
			log.Printf("Failed to cache effects page: %v", err)
		}
	}
	return effects, nil
}

// ListEffectsByRun retrieves all ledger entries belonging to one run.
func (d Datasource) ListEffectsByRun(ctx context.Context, runID string) ([]model.SideEffect, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, effect_id, run_id, step_id, business_key, status, artifact_ref, created_at, completed_at, payload
		FROM side_effects
		WHERE run_id = $1
		ORDER BY created_at ASC
	`, runID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list effects for run", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	return collectEffects(rows)
}

// GetStuckEffects retrieves in_progress ledger entries older than the given
// threshold. These are effects whose delivery died somewhere between begin
// and complete; the recovery processor decides whether they can be healed.
func (d Datasource) GetStuckEffects(ctx context.Context, threshold time.Duration, limit int) ([]model.SideEffect, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT id, effect_id, run_id, step_id, business_key, status, artifact_ref, created_at, completed_at, payload
		FROM side_effects
		WHERE status = $1 AND created_at < NOW() - $2::interval
		ORDER BY created_at ASC
		LIMIT $3
	`, model.StatusInProgress, fmt.Sprintf("%f seconds", threshold.Seconds()), limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list stuck effects", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	return collectEffects(rows)
}

// MarkEffectFailed records an operator-visible terminal failure. It never
// touches entries that already reached done.
func (d Datasource) MarkEffectFailed(ctx context.Context, effectID string, reason string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE side_effects
		SET status = $2, payload = jsonb_set(COALESCE(payload, '{}'::jsonb), '{failure_reason}', to_jsonb($3::text))
		WHERE effect_id = $1 AND status = $4
	`, effectID, model.StatusFailed, reason, model.StatusInProgress)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark effect failed", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Effect '%s' is not in progress", effectID), nil)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEffect(row rowScanner) (*model.SideEffect, error) {
	effect := &model.SideEffect{}
	var artifactRef sql.NullString
	var completedAt sql.NullTime
	var payloadJSON []byte

	err := row.Scan(&effect.ID, &effect.EffectID, &effect.RunID, &effect.StepID, &effect.BusinessKey,
		&effect.Status, &artifactRef, &effect.CreatedAt, &completedAt, &payloadJSON)
	if err != nil {
		return nil, err
	}

	if artifactRef.Valid {
		effect.ArtifactRef = artifactRef.String
	}
	if completedAt.Valid {
		effect.CompletedAt = &completedAt.Time
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &effect.Payload); err != nil {
			return nil, err
		}
	}
	return effect, nil
}

func collectEffects(rows *sql.Rows) ([]model.SideEffect, error) {
	effects := []model.SideEffect{}
	for rows.Next() {
		effect, err := scanEffect(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan effect row", err)
		}
		effects = append(effects, *effect)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error iterating effect rows", err)
	}
	return effects, nil
}
