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
package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	model2 "github.com/sidefxlabs/sidefx/api/model"
)

func setupRunRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	a := Api{}
	r := gin.New()
	r.POST("/runs", a.QueueRun)
	return r
}

func TestQueueRunRejectsInvalidInput(t *testing.T) {
	router := setupRunRouter()

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "not-json"},
		{name: "missing business key", body: `{"amount": 19.99}`},
		{name: "negative amount", body: `{"business_key": "order-42", "amount": -1}`},
		{name: "unknown fail mode", body: `{"business_key": "order-42", "fail_mode": "explode"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/runs", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestValidateCreateRun(t *testing.T) {
	valid := &model2.CreateRun{BusinessKey: "order-42", Amount: 19.99}
	assert.NoError(t, valid.ValidateCreateRun())

	chaos := &model2.CreateRun{BusinessKey: "order-42", FailMode: "crash_after_effect_before_ack", FailBeforeEffectN: 2}
	assert.NoError(t, chaos.ValidateCreateRun())

	missingKey := &model2.CreateRun{Amount: 19.99}
	assert.Error(t, missingKey.ValidateCreateRun())
}

func TestToRunCarriesChaosHooks(t *testing.T) {
	req := &model2.CreateRun{
		RunID:             "run_x",
		BusinessKey:       "order-42",
		Amount:            19.99,
		MaxAttempts:       3,
		FailBeforeEffectN: 1,
		FailMode:          "crash_after_effect_before_ack",
	}
	run := req.ToRun()
	assert.Equal(t, "run_x", run.RunID)
	assert.Equal(t, "order-42", run.BusinessKey)
	assert.Equal(t, 3, run.MaxAttempts)
	assert.Equal(t, 1, run.FailBeforeEffectN)
	assert.Equal(t, "crash_after_effect_before_ack", run.FailMode)
	assert.Equal(t, "19.99", run.Amount.String())
}