package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/api/middleware"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/models"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/services"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// RestChargeHandler handles REST requests for deductible and landlord charges.
type RestChargeHandler struct {
	chargeService services.IChargeService
}

// NewRestChargeHandler creates a new RestChargeHandler.
func NewRestChargeHandler(chargeService services.IChargeService) *RestChargeHandler {
	return &RestChargeHandler{chargeService: chargeService}
}

type createChargeRequest struct {
	ContractID    string `json:"contract_id"` // deductible charges
	LandlordID    string `json:"landlord_id"` // landlord charges
	Label         string `json:"label" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	Deductible    *bool  `json:"deductible"`
	EffectiveDate string `json:"effective_date" binding:"required"` // RFC 3339
}

// CreateDeductibleCharge handles POST /v1/charge/deductible
func (h *RestChargeHandler) CreateDeductibleCharge(c *gin.Context) {
	var req createChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	contractID, err := utils.ParseSixID(req.ContractID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid contract ID format"})
		return
	}
	amount, err := utils.MoneyFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
		return
	}
	effectiveDate, err := time.Parse(time.RFC3339, req.EffectiveDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid effective_date, expected RFC 3339"})
		return
	}

	deductible := true
	if req.Deductible != nil {
		deductible = *req.Deductible
	}
	charge := &models.DeductibleCharge{
		ContractID:    contractID,
		Label:         req.Label,
		Amount:        amount,
		Deductible:    deductible,
		EffectiveDate: effectiveDate,
	}
	if err := h.chargeService.CreateDeductible(c.Request.Context(), charge); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, charge)
}

// CreateLandlordCharge handles POST /v1/charge/landlord
func (h *RestChargeHandler) CreateLandlordCharge(c *gin.Context) {
	var req createChargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	landlordID, err := utils.ParseSixID(req.LandlordID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid landlord ID format"})
		return
	}
	amount, err := utils.MoneyFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid amount"})
		return
	}
	effectiveDate, err := time.Parse(time.RFC3339, req.EffectiveDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid effective_date, expected RFC 3339"})
		return
	}

	charge := &models.LandlordCharge{
		LandlordID:    landlordID,
		Label:         req.Label,
		Amount:        amount,
		EffectiveDate: effectiveDate,
	}
	if err := h.chargeService.CreateLandlordCharge(c.Request.Context(), charge); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, charge)
}

func (h *RestChargeHandler) chargeAndUser(c *gin.Context) (utils.SixID, utils.SixID, bool) {
	chargeID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid charge ID format"})
		return utils.SixID{}, utils.SixID{}, false
	}
	userID, err := utils.ParseSixID(c.GetString(middleware.ContextKeyUserID))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid user identity"})
		return utils.SixID{}, utils.SixID{}, false
	}
	return chargeID, userID, true
}

// ValidateDeductibleCharge handles POST /v1/charge/deductible/:id/validate
func (h *RestChargeHandler) ValidateDeductibleCharge(c *gin.Context) {
	chargeID, userID, ok := h.chargeAndUser(c)
	if !ok {
		return
	}
	if err := h.chargeService.ValidateDeductible(c.Request.Context(), chargeID, userID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(models.ChargeStatusValidated)})
}

// RejectDeductibleCharge handles POST /v1/charge/deductible/:id/reject
func (h *RestChargeHandler) RejectDeductibleCharge(c *gin.Context) {
	chargeID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid charge ID format"})
		return
	}
	if err := h.chargeService.RejectDeductible(c.Request.Context(), chargeID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(models.ChargeStatusRejected)})
}

// ReverseDeductibleCharge handles POST /v1/charge/deductible/:id/reverse
func (h *RestChargeHandler) ReverseDeductibleCharge(c *gin.Context) {
	chargeID, userID, ok := h.chargeAndUser(c)
	if !ok {
		return
	}
	reversal, err := h.chargeService.ReverseDeductible(c.Request.Context(), chargeID, userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reversal)
}

// ValidateLandlordCharge handles POST /v1/charge/landlord/:id/validate
func (h *RestChargeHandler) ValidateLandlordCharge(c *gin.Context) {
	chargeID, userID, ok := h.chargeAndUser(c)
	if !ok {
		return
	}
	if err := h.chargeService.ValidateLandlordCharge(c.Request.Context(), chargeID, userID); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(models.ChargeStatusValidated)})
}

// ReverseLandlordCharge handles POST /v1/charge/landlord/:id/reverse
func (h *RestChargeHandler) ReverseLandlordCharge(c *gin.Context) {
	chargeID, userID, ok := h.chargeAndUser(c)
	if !ok {
		return
	}
	reversal, err := h.chargeService.ReverseLandlordCharge(c.Request.Context(), chargeID, userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reversal)
}

// GetDeductibleTotal handles GET /v1/contract/:id/charges/total?month=YYYY-MM
func (h *RestChargeHandler) GetDeductibleTotal(c *gin.Context) {
	contractID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid contract ID format"})
		return
	}
	month, err := utils.ParseMonth(c.Query("month"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid month, expected YYYY-MM"})
		return
	}
	total, err := h.chargeService.TotalDeductible(c.Request.Context(), contractID, month)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"month": month, "total": total})
}

// GetLandlordChargeTotal handles GET /v1/landlord/:id/charges/total?month=YYYY-MM
func (h *RestChargeHandler) GetLandlordChargeTotal(c *gin.Context) {
	landlordID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid landlord ID format"})
		return
	}
	month, err := utils.ParseMonth(c.Query("month"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid month, expected YYYY-MM"})
		return
	}
	total, err := h.chargeService.TotalLandlordCharges(c.Request.Context(), landlordID, month)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"month": month, "total": total})
}
