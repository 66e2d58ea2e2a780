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
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/sidefxlabs/sidefx/internal/apierror"
	"github.com/sidefxlabs/sidefx/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const insertEffectSQL = `INSERT INTO side_effects(effect_id,run_id,step_id,business_key,status,artifact_ref,created_at,payload) VALUES ($1,$2,$3,$4,$5,NULL,$6,$7)`

const selectEffectSQL = `
		SELECT id, effect_id, run_id, step_id, business_key, status, artifact_ref, created_at, completed_at, payload
		FROM side_effects
		WHERE effect_id = $1
	`

func effectColumns() []string {
	return []string{"id", "effect_id", "run_id", "step_id", "business_key", "status", "artifact_ref", "created_at", "completed_at", "payload"}
}

func newTestEffect() *model.SideEffect {
	return &model.SideEffect{
		EffectID:    "r1:charge_card:order-42",
		RunID:       "r1",
		StepID:      "charge_card",
		BusinessKey: "order-42",
		Payload:     map[string]interface{}{"amount": "49.99"},
	}
}

func TestBeginEffectAcquired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec(regexp.QuoteMeta(insertEffectSQL)).
		WithArgs("r1:charge_card:order-42", "r1", "charge_card", "order-42", model.StatusInProgress, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	result, err := ds.BeginEffect(context.Background(), newTestEffect())
	require.NoError(t, err)
	assert.Equal(t, model.BeginAcquired, result.State)
	assert.Empty(t, result.ArtifactRef)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginEffectAlreadyDone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec(regexp.QuoteMeta(insertEffectSQL)).
		WillReturnError(&pq.Error{Code: "23505"})

	completedAt := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(selectEffectSQL)).
		WithArgs("r1:charge_card:order-42").
		WillReturnRows(sqlmock.NewRows(effectColumns()).
			AddRow(1, "r1:charge_card:order-42", "r1", "charge_card", "order-42", model.StatusDone,
				"local://tickets/ticket_order-42.json", time.Now(), completedAt, []byte(`{}`)))

	result, err := ds.BeginEffect(context.Background(), newTestEffect())
	require.NoError(t, err)
	assert.Equal(t, model.BeginAlreadyDone, result.State)
	assert.Equal(t, "local://tickets/ticket_order-42.json", result.ArtifactRef)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginEffectAlreadyInProgress(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec(regexp.QuoteMeta(insertEffectSQL)).
		WillReturnError(&pq.Error{Code: "23505"})

	mock.ExpectQuery(regexp.QuoteMeta(selectEffectSQL)).
		WithArgs("r1:charge_card:order-42").
		WillReturnRows(sqlmock.NewRows(effectColumns()).
			AddRow(1, "r1:charge_card:order-42", "r1", "charge_card", "order-42", model.StatusInProgress,
				nil, time.Now(), nil, []byte(`{}`)))

	result, err := ds.BeginEffect(context.Background(), newTestEffect())
	require.NoError(t, err)
	assert.Equal(t, model.BeginAlreadyInProgress, result.State)
	assert.Empty(t, result.ArtifactRef)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginEffectAlreadyFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec(regexp.QuoteMeta(insertEffectSQL)).
		WillReturnError(&pq.Error{Code: "23505"})

	mock.ExpectQuery(regexp.QuoteMeta(selectEffectSQL)).
		WithArgs("r1:charge_card:order-42").
		WillReturnRows(sqlmock.NewRows(effectColumns()).
			AddRow(1, "r1:charge_card:order-42", "r1", "charge_card", "order-42", model.StatusFailed,
				nil, time.Now(), nil, []byte(`{"failure_reason":"abandoned"}`)))

	result, err := ds.BeginEffect(context.Background(), newTestEffect())
	require.NoError(t, err)
	assert.Equal(t, model.BeginAlreadyFailed, result.State)
	assert.Empty(t, result.ArtifactRef)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginEffectUnexpectedDBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec(regexp.QuoteMeta(insertEffectSQL)).
		WillReturnError(sql.ErrConnDone)

	_, err = ds.BeginEffect(context.Background(), newTestEffect())
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrInternalServer, apiErr.Code)
}

func TestCompleteEffectTransitionsToDone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE side_effects").
		WithArgs("r1:charge_card:order-42", "local://tickets/ticket_order-42.json", model.StatusDone, model.StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.CompleteEffect(context.Background(), "r1:charge_card:order-42", "local://tickets/ticket_order-42.json")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteEffectIdempotentForSameArtifact(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	// The conditional update matches done rows carrying the identical
	// artifact ref, so a duplicate completion is a no-op success.
	mock.ExpectExec("UPDATE side_effects").
		WithArgs("r1:charge_card:order-42", "local://tickets/ticket_order-42.json", model.StatusDone, model.StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.CompleteEffect(context.Background(), "r1:charge_card:order-42", "local://tickets/ticket_order-42.json")
	assert.NoError(t, err)
}

func TestCompleteEffectMismatchFailsLoudly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE side_effects").
		WillReturnResult(sqlmock.NewResult(0, 0))

	completedAt := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(selectEffectSQL)).
		WithArgs("r1:charge_card:order-42").
		WillReturnRows(sqlmock.NewRows(effectColumns()).
			AddRow(1, "r1:charge_card:order-42", "r1", "charge_card", "order-42", model.StatusDone,
				"local://tickets/ticket_order-42.json", time.Now(), completedAt, []byte(`{}`)))

	err = ds.CompleteEffect(context.Background(), "r1:charge_card:order-42", "local://tickets/ticket_other.json")
	require.Error(t, err)
	assert.True(t, apierror.IsCompletionMismatch(err))
}

func TestGetEffectNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery(regexp.QuoteMeta(selectEffectSQL)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = ds.GetEffect(context.Background(), "missing")
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestListEffects(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT id, effect_id, run_id").
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows(effectColumns()).
			AddRow(1, "r1:charge_card:order-42", "r1", "charge_card", "order-42", model.StatusDone,
				"local://tickets/ticket_order-42.json", time.Now(), time.Now(), []byte(`{"amount":"49.99"}`)).
			AddRow(2, "r2:charge_card:order-43", "r2", "charge_card", "order-43", model.StatusInProgress,
				nil, time.Now(), nil, nil))

	effects, err := ds.ListEffects(context.Background(), 50, 0)
	require.NoError(t, err)
	require.Len(t, effects, 2)
	assert.Equal(t, "r1:charge_card:order-42", effects[0].EffectID)
	assert.Equal(t, model.StatusInProgress, effects[1].Status)
	assert.Empty(t, effects[1].ArtifactRef)
}

func TestMarkEffectFailedOnlyFromInProgress(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE side_effects").
		WithArgs("r1:charge_card:order-42", model.StatusFailed, "operator abandoned", model.StatusInProgress).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.MarkEffectFailed(context.Background(), "r1:charge_card:order-42", "operator abandoned")
	require.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	require.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}
