// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/kodiak/services/models"
)

// ModelsHandler reports the deployment's model inventory. The catalog
// is optional; without one the response only lists installed weights.
type ModelsHandler struct {
	library *models.Library
	catalog *models.Catalog
}

func NewModelsHandler(library *models.Library, catalog *models.Catalog) *ModelsHandler {
	if library == nil {
		panic("ModelsHandler requires a model library")
	}
	return &ModelsHandler{library: library, catalog: catalog}
}

// HandleListModels processes GET /v1/models.
func (h *ModelsHandler) HandleListModels(c *gin.Context) {
	statuses := h.catalog.Status(h.library)
	if statuses == nil {
		statuses = []models.ModelStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"models": statuses})
}
