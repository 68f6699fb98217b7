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

// HandleHealth reports process liveness plus how many models the
// gateway could actually serve, so a probe can distinguish "up" from
// "up but useless".
func HandleHealth(library *models.Library) gin.HandlerFunc {
	return func(c *gin.Context) {
		installed := 0
		if library != nil {
			installed = len(library.List())
		}
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"installed_models": installed,
		})
	}
}
