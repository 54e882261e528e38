package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/api/middleware"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/services"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/storage"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// RestWithdrawalHandler handles REST requests for landlord payout requests.
type RestWithdrawalHandler struct {
	withdrawalService services.IWithdrawalService
	receiptArchive    storage.IReceiptArchive // nil when no archive is configured
}

// NewRestWithdrawalHandler creates a new RestWithdrawalHandler.
func NewRestWithdrawalHandler(withdrawalService services.IWithdrawalService, receiptArchive storage.IReceiptArchive) *RestWithdrawalHandler {
	return &RestWithdrawalHandler{
		withdrawalService: withdrawalService,
		receiptArchive:    receiptArchive,
	}
}

type createWithdrawalRequest struct {
	RecapID string `json:"recap_id" binding:"required"`
	Mode    string `json:"mode"` // virement / cheque / especes
}

// CreateWithdrawal handles POST /v1/withdrawal
func (h *RestWithdrawalHandler) CreateWithdrawal(c *gin.Context) {
	var req createWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	recapID, err := utils.ParseSixID(req.RecapID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid recap ID format"})
		return
	}
	withdrawal, err := h.withdrawalService.CreateFromRecap(c.Request.Context(), recapID, req.Mode)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, withdrawal)
}

// ValidateWithdrawal handles POST /v1/withdrawal/:id/validate
func (h *RestWithdrawalHandler) ValidateWithdrawal(c *gin.Context) {
	withdrawalID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid withdrawal ID format"})
		return
	}
	userID, err := utils.ParseSixID(c.GetString(middleware.ContextKeyUserID))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid user identity"})
		return
	}
	withdrawal, err := h.withdrawalService.Validate(c.Request.Context(), withdrawalID, userID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawal)
}

type payWithdrawalRequest struct {
	PaymentRef string `json:"payment_ref" binding:"required"` // cheque number or transfer reference
}

// PayWithdrawal handles POST /v1/withdrawal/:id/pay
func (h *RestWithdrawalHandler) PayWithdrawal(c *gin.Context) {
	withdrawalID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid withdrawal ID format"})
		return
	}
	var req payWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	userID, err := utils.ParseSixID(c.GetString(middleware.ContextKeyUserID))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid user identity"})
		return
	}
	withdrawal, err := h.withdrawalService.MarkPaid(c.Request.Context(), withdrawalID, userID, req.PaymentRef)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawal)
}

type cancelWithdrawalRequest struct {
	Reason string `json:"reason"`
}

// CancelWithdrawal handles POST /v1/withdrawal/:id/cancel
func (h *RestWithdrawalHandler) CancelWithdrawal(c *gin.Context) {
	withdrawalID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid withdrawal ID format"})
		return
	}
	var req cancelWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	withdrawal, err := h.withdrawalService.Cancel(c.Request.Context(), withdrawalID, req.Reason)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawal)
}

// GetWithdrawal handles GET /v1/withdrawal/:id
func (h *RestWithdrawalHandler) GetWithdrawal(c *gin.Context) {
	withdrawalID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid withdrawal ID format"})
		return
	}
	withdrawal, err := h.withdrawalService.FindByID(c.Request.Context(), withdrawalID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, withdrawal)
}

// GetLandlordWithdrawals handles GET /v1/landlord/:id/withdrawal
func (h *RestWithdrawalHandler) GetLandlordWithdrawals(c *gin.Context) {
	landlordID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid landlord ID format"})
		return
	}
	withdrawals, err := h.withdrawalService.FindByLandlord(c.Request.Context(), landlordID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": withdrawals})
}

// GetWithdrawalReceiptURL handles GET /v1/withdrawal/:id/receipt-url. The
// receipt itself lives in the archive; this hands out a time-limited link.
func (h *RestWithdrawalHandler) GetWithdrawalReceiptURL(c *gin.Context) {
	withdrawalID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid withdrawal ID format"})
		return
	}
	if h.receiptArchive == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "Receipt archive not configured"})
		return
	}
	withdrawal, err := h.withdrawalService.FindByID(c.Request.Context(), withdrawalID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if withdrawal.ReceiptKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "No receipt archived for this withdrawal yet"})
		return
	}
	url, err := h.receiptArchive.GeneratePresignedGetURL(c.Request.Context(), withdrawal.ReceiptKey)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}
