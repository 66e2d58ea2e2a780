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
	"github.com/gin-gonic/gin"

	"github.com/sidefxlabs/sidefx"
	"github.com/sidefxlabs/sidefx/api/middleware"
	"github.com/sidefxlabs/sidefx/config"
)

type Api struct {
	sidefx *sidefx.Sidefx
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/runs", a.QueueRun)
	router.GET("/runs/:id", a.GetRun)
	router.GET("/runs/:id/events", a.GetRunEvents)
	router.GET("/runs/:id/side-effects", a.GetRunEffects)

	router.GET("/side-effects", a.ListEffects)
	router.GET("/side-effects/:effect_id", a.GetEffect)

	router.GET("/artifacts/:run_id", a.ListArtifacts)

	router.GET("/dead-letter", a.ListDeadLetters)
	router.POST("/recover", a.RecoverStuckEffects)

	return a.router
}

func NewAPI(s *sidefx.Sidefx) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware())
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{sidefx: s, router: r}
}