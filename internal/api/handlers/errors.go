package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/faults"
)

// respondServiceError maps the engine's error taxonomy onto HTTP statuses.
// Conflicts are 409, bad source data is 422, unknown entity formats are 500
// and everything else is a generic 500 with the detail kept server-side.
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case faults.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case faults.IsInconsistentData(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
