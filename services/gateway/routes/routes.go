// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/kodiak/pkg/extensions"
	"github.com/AleutianAI/kodiak/services/auth"
	"github.com/AleutianAI/kodiak/services/gateway/handlers"
	"github.com/AleutianAI/kodiak/services/gateway/middleware"
	"github.com/AleutianAI/kodiak/services/models"
)

// Dependencies carries everything the route table wires together.
type Dependencies struct {
	Gate        *auth.Gate
	Auth        *handlers.AuthHandler
	Chats       *handlers.ChatHandler
	Questions   *handlers.QuestionHandler
	Models      *handlers.ModelsHandler
	Library     *models.Library
	ServiceName string
	EnableOtel  bool

	// Options carries the extension seams. A nil AuthProvider gets the
	// JWT gate; remaining nil fields get the open source defaults.
	Options extensions.ServiceOptions
}

// SetupRoutes registers the gateway's full HTTP surface. Every /v1
// route runs behind the identity middleware, so handlers always see a
// resolved user, anonymous included.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	if deps.EnableOtel {
		router.Use(otelgin.Middleware(deps.ServiceName))
	}

	opts := deps.Options
	if opts.AuthProvider == nil {
		opts.AuthProvider = deps.Gate
	}
	opts = opts.WithDefaults()

	router.GET("/health", handlers.HandleHealth(deps.Library))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.Identity(opts.AuthProvider, deps.Gate.Anonymous()))
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/login", deps.Auth.HandleLogin)
			authGroup.POST("/logout", deps.Auth.HandleLogout)
			authGroup.GET("/me", deps.Auth.HandleMe)
		}

		chat := v1.Group("/chat")
		{
			chat.POST("", deps.Chats.HandleCreateChat)
			chat.GET("", deps.Chats.HandleListChats)
			chat.DELETE("", deps.Chats.HandleDeleteAllChats)
			chat.GET("/:id", deps.Chats.HandleGetChat)
			chat.DELETE("/:id", deps.Chats.HandleDeleteChat)
			chat.GET("/:id/history", deps.Chats.HandleGetHistory)
			chat.DELETE("/:id/messages", deps.Chats.HandleTruncate)
			chat.GET("/:id/question", deps.Questions.HandleQuestionStream)
			chat.POST("/:id/question", deps.Questions.HandleQuestion)
			chat.GET("/:id/question/ws", deps.Questions.HandleQuestionWS)
		}

		v1.GET("/models", deps.Models.HandleListModels)
	}
}
