// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers holds the gin handlers for the serving API. Each
// handler is a closure over its dependencies; nothing here owns state.
package handlers

import (
	"github.com/gin-gonic/gin"
)

// errorBody is the uniform error envelope.
func errorBody(err error) gin.H {
	return gin.H{"error": err.Error()}
}
