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

// RestPaymentHandler handles REST requests for tenant payments.
type RestPaymentHandler struct {
	paymentService services.IPaymentService
	advanceService services.IAdvanceService
}

// NewRestPaymentHandler creates a new RestPaymentHandler.
func NewRestPaymentHandler(paymentService services.IPaymentService, advanceService services.IAdvanceService) *RestPaymentHandler {
	return &RestPaymentHandler{
		paymentService: paymentService,
		advanceService: advanceService,
	}
}

type createPaymentRequest struct {
	ContractID string `json:"contract_id" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	Type       string `json:"type" binding:"required"`
	Mode       string `json:"mode"`
	PaidAt     string `json:"paid_at"` // RFC 3339; defaults to now
}

// CreatePayment handles POST /v1/payment
func (h *RestPaymentHandler) CreatePayment(c *gin.Context) {
	var req createPaymentRequest
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

	paidAt := time.Now().UTC()
	if req.PaidAt != "" {
		paidAt, err = time.Parse(time.RFC3339, req.PaidAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid paid_at, expected RFC 3339"})
			return
		}
	}

	userID, err := utils.ParseSixID(c.GetString(middleware.ContextKeyUserID))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid user identity"})
		return
	}

	payment := &models.Payment{
		ContractID: contractID,
		Amount:     amount,
		Type:       models.PaymentType(req.Type),
		Mode:       req.Mode,
		PaidAt:     paidAt,
		CreatedBy:  userID,
	}
	if err := h.paymentService.Create(c.Request.Context(), payment); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

type validatePaymentRequest struct {
	// Months, when present, names the covered months explicitly instead of
	// letting the allocator walk from the contract's next unpaid month.
	Months []string `json:"months"`
}

// ValidatePayment handles POST /v1/payment/:id/validate
func (h *RestPaymentHandler) ValidatePayment(c *gin.Context) {
	paymentID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment ID format"})
		return
	}

	var req validatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	var mode services.AllocationMode = services.Automatic{}
	if len(req.Months) > 0 {
		months := make([]utils.Month, 0, len(req.Months))
		for _, raw := range req.Months {
			month, err := utils.ParseMonth(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid month: " + raw})
				return
			}
			months = append(months, month)
		}
		mode = services.Manual{Months: months}
	}

	userID, err := utils.ParseSixID(c.GetString(middleware.ContextKeyUserID))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid user identity"})
		return
	}

	payment, err := h.paymentService.Validate(c.Request.Context(), paymentID, userID, mode)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// CancelPayment handles POST /v1/payment/:id/cancel
func (h *RestPaymentHandler) CancelPayment(c *gin.Context) {
	paymentID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payment ID format"})
		return
	}
	payment, err := h.paymentService.Cancel(c.Request.Context(), paymentID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// GetPayment handles GET /v1/payment/:id
func (h *RestPaymentHandler) GetPayment(c *gin.Context) {
	paymentID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		// Fall back to the business identifier, e.g. PAY-202508-0001.
		payment, findErr := h.paymentService.FindByNumber(c.Request.Context(), c.Param("id"))
		if findErr != nil {
			respondServiceError(c, findErr)
			return
		}
		c.JSON(http.StatusOK, payment)
		return
	}
	payment, err := h.paymentService.FindByID(c.Request.Context(), paymentID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// GetContractPayments handles GET /v1/contract/:id/payment
func (h *RestPaymentHandler) GetContractPayments(c *gin.Context) {
	contractID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid contract ID format"})
		return
	}
	payments, err := h.paymentService.FindByContract(c.Request.Context(), contractID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payments})
}

// GetCoveredMonths handles GET /v1/contract/:id/covered-months
func (h *RestPaymentHandler) GetCoveredMonths(c *gin.Context) {
	contractID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid contract ID format"})
		return
	}
	months, err := h.advanceService.CoveredMonths(c.Request.Context(), contractID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": months})
}
