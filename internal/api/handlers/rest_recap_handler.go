package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/services"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/tasks"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// RestRecapHandler handles REST requests for monthly settlement recaps.
type RestRecapHandler struct {
	settlementService services.ISettlementService
	enqueuer          *tasks.Enqueuer // nil when no background worker is wired
}

// NewRestRecapHandler creates a new RestRecapHandler.
func NewRestRecapHandler(settlementService services.ISettlementService, enqueuer *tasks.Enqueuer) *RestRecapHandler {
	return &RestRecapHandler{
		settlementService: settlementService,
		enqueuer:          enqueuer,
	}
}

type computeRecapRequest struct {
	LandlordID string `json:"landlord_id" binding:"required"`
	Month      string `json:"month" binding:"required"` // YYYY-MM
}

// ComputeRecap handles POST /v1/recap/compute
func (h *RestRecapHandler) ComputeRecap(c *gin.Context) {
	var req computeRecapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	landlordID, err := utils.ParseSixID(req.LandlordID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid landlord ID format"})
		return
	}
	month, err := utils.ParseMonth(req.Month)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid month, expected YYYY-MM"})
		return
	}

	recap, err := h.settlementService.ComputeRecap(c.Request.Context(), landlordID, month)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, recap)
}

type computeMonthRequest struct {
	Month string `json:"month" binding:"required"` // YYYY-MM
}

// ComputeMonth handles POST /v1/recap/compute-month. The aggregation runs on
// the background worker; the response only acknowledges the enqueue.
func (h *RestRecapHandler) ComputeMonth(c *gin.Context) {
	var req computeMonthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	month, err := utils.ParseMonth(req.Month)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid month, expected YYYY-MM"})
		return
	}

	if h.enqueuer == nil {
		// No worker: compute synchronously rather than drop the request.
		recaps, err := h.settlementService.ComputeAllForMonth(c.Request.Context(), month)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"month": month, "computed": len(recaps)})
		return
	}

	if err := h.enqueuer.EnqueueMonthlyRecaps(c.Request.Context(), month); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"month": month, "status": "queued"})
}

// FinalizeRecap handles POST /v1/recap/:id/finalize
func (h *RestRecapHandler) FinalizeRecap(c *gin.Context) {
	recapID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid recap ID format"})
		return
	}
	recap, err := h.settlementService.Finalize(c.Request.Context(), recapID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, recap)
}

// GetRecap handles GET /v1/recap/:id
func (h *RestRecapHandler) GetRecap(c *gin.Context) {
	recapID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid recap ID format"})
		return
	}
	recap, err := h.settlementService.FindByID(c.Request.Context(), recapID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, recap)
}

// GetLandlordRecap handles GET /v1/landlord/:id/recap/:month
func (h *RestRecapHandler) GetLandlordRecap(c *gin.Context) {
	landlordID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid landlord ID format"})
		return
	}
	month, err := utils.ParseMonth(c.Param("month"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid month, expected YYYY-MM"})
		return
	}
	recap, err := h.settlementService.FindByLandlordAndMonth(c.Request.Context(), landlordID, month)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, recap)
}
