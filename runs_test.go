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
package sidefx

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidefxlabs/sidefx/model"
)

func newTestRunStore(t *testing.T) *RunStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return NewRunStore(client)
}

func TestCreateAndGetRun(t *testing.T) {
	store := newTestRunStore(t)
	ctx := context.Background()

	run := &model.Run{
		RunID:       "run_1",
		StepID:      model.DefaultStepID,
		BusinessKey: "order-42",
		Amount:      decimal.NewFromFloat(19.99),
		MaxAttempts: 5,
	}
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, "order-42", got.BusinessKey)
	assert.True(t, got.Amount.Equal(decimal.NewFromFloat(19.99)))
	assert.False(t, got.CreatedAt.IsZero())

	events, err := store.ListEvents(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventRunCreated, events[0].Type)
}

func TestGetUnknownRun(t *testing.T) {
	store := newTestRunStore(t)

	_, err := store.GetRun(context.Background(), "run_missing")
	assert.ErrorIs(t, err, goredis.Nil)
}

func TestEventsPreserveAppendOrder(t *testing.T) {
	store := newTestRunStore(t)
	ctx := context.Background()

	types := []string{model.EventStepStarted, model.EventSideEffectExecuting, model.EventSideEffectDone, model.EventRunCompleted}
	for _, typ := range types {
		store.AppendEvent(ctx, &model.RunEvent{Type: typ, RunID: "run_order"})
	}

	events, err := store.ListEvents(ctx, "run_order")
	require.NoError(t, err)
	require.Len(t, events, len(types))
	for i, typ := range types {
		assert.Equal(t, typ, events[i].Type)
		assert.False(t, events[i].Ts.IsZero())
	}
}

func TestListEventsForUnknownRunIsEmpty(t *testing.T) {
	store := newTestRunStore(t)

	events, err := store.ListEvents(context.Background(), "run_nothing")
	require.NoError(t, err)
	assert.Empty(t, events)
}