// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes mounts the orchestrator's HTTP surface.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/havenmind/haven/services/orchestrator/handlers"
)

// Register mounts all endpoints on r.
//
// /healthz and /metrics are unauthenticated; everything under /v1 requires
// the gateway-injected user header.
func Register(r *gin.Engine, chat *handlers.ChatHandler, sessions *handlers.SessionsHandler) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1", handlers.RequireUser())
	{
		v1.POST("/chat", chat.Chat)
		v1.POST("/chat/stream", chat.ChatStream)
		v1.GET("/sessions", sessions.List)
		v1.GET("/sessions/:id/transcript", sessions.Transcript)
	}
}
