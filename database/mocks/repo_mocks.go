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
package mocks

import (
	"context"
	"time"

	"github.com/sidefxlabs/sidefx/model"
	"github.com/stretchr/testify/mock"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

func (m *MockDataSource) BeginEffect(ctx context.Context, effect *model.SideEffect) (*model.BeginResult, error) {
	args := m.Called(ctx, effect)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.BeginResult), args.Error(1)
}

func (m *MockDataSource) CompleteEffect(ctx context.Context, effectID string, artifactRef string) error {
	args := m.Called(ctx, effectID, artifactRef)
	return args.Error(0)
}

func (m *MockDataSource) GetEffect(ctx context.Context, effectID string) (*model.SideEffect, error) {
	args := m.Called(ctx, effectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SideEffect), args.Error(1)
}

func (m *MockDataSource) ListEffects(ctx context.Context, limit, offset int) ([]model.SideEffect, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SideEffect), args.Error(1)
}

func (m *MockDataSource) ListEffectsByRun(ctx context.Context, runID string) ([]model.SideEffect, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SideEffect), args.Error(1)
}

func (m *MockDataSource) GetStuckEffects(ctx context.Context, threshold time.Duration, limit int) ([]model.SideEffect, error) {
	args := m.Called(ctx, threshold, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.SideEffect), args.Error(1)
}

func (m *MockDataSource) MarkEffectFailed(ctx context.Context, effectID string, reason string) error {
	args := m.Called(ctx, effectID, reason)
	return args.Error(0)
}