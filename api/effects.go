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
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sidefxlabs/sidefx/internal/apierror"
)

// ListEffects returns recent ledger entries. Supports limit and offset query
// parameters for paging.
func (a Api) ListEffects(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	effects, err := a.sidefx.Ledger().ListEffects(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, effects)
}

// GetEffect returns a single ledger entry by effect ID.
func (a Api) GetEffect(c *gin.Context) {
	effectID, passed := c.Params.Get("effect_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "effect_id is required. pass id in the route /side-effects/:effect_id"})
		return
	}

	effect, err := a.sidefx.Ledger().GetEffect(c.Request.Context(), effectID)
	if err != nil {
		c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, effect)
}

// ListArtifacts returns the durable artifacts produced for a run.
func (a Api) ListArtifacts(c *gin.Context) {
	runID, passed := c.Params.Get("run_id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "run_id is required. pass id in the route /artifacts/:run_id"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	arts, err := a.sidefx.Artifacts().List(runID, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, arts)
}

// ListDeadLetters returns the commands currently parked for operator
// attention.
func (a Api) ListDeadLetters(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	letters, err := a.sidefx.Queue().ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, letters)
}