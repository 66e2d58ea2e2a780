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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	model2 "github.com/sidefxlabs/sidefx/api/model"
)

// QueueRun registers a run and enqueues its command for processing. The
// response carries the generated run ID and the enqueued command; processing
// happens asynchronously on the workers.
//
// Responses:
// - 400 Bad Request: If there's an error in binding JSON or validating the run.
// - 201 Created: If the run is successfully queued.
func (a Api) QueueRun(c *gin.Context) {
	var newRun model2.CreateRun
	if err := c.ShouldBindJSON(&newRun); err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	if err := newRun.ValidateCreateRun(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	command, err := a.sidefx.QueueRun(c.Request.Context(), newRun.ToRun())
	if err != nil {
		logrus.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"run_id":     command.RunID,
		"command_id": command.CommandID,
		"effect_id":  command.EffectID(),
	})
}

// GetRun returns a run registration together with its ledger entries.
func (a Api) GetRun(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /runs/:id"})
		return
	}

	run, err := a.sidefx.Runs().GetRun(c.Request.Context(), id)
	if err != nil {
		if err == goredis.Nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	effects, err := a.sidefx.Ledger().ListEffectsByRun(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"run": run, "side_effects": effects})
}

// GetRunEvents returns the run's event log in append order.
func (a Api) GetRunEvents(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /runs/:id/events"})
		return
	}

	events, err := a.sidefx.Runs().ListEvents(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, events)
}

// GetRunEffects returns the ledger entries belonging to a run.
func (a Api) GetRunEffects(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /runs/:id/side-effects"})
		return
	}

	effects, err := a.sidefx.Ledger().ListEffectsByRun(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, effects)
}

// RecoverStuckEffects triggers an immediate sweep of stuck ledger entries.
func (a Api) RecoverStuckEffects(c *gin.Context) {
	var req model2.RecoverRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid input"})
		return
	}

	threshold := time.Duration(req.ThresholdMinutes) * time.Minute
	recovered, err := a.sidefx.RecoverStuckEffects(c.Request.Context(), threshold)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recovered": recovered})
}