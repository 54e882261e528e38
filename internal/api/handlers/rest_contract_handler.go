package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/models"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/services"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// RestContractHandler handles REST requests for the contract read model.
type RestContractHandler struct {
	contractService services.IContractService
	sequenceService services.ISequenceService
}

// NewRestContractHandler creates a new RestContractHandler.
func NewRestContractHandler(contractService services.IContractService, sequenceService services.ISequenceService) *RestContractHandler {
	return &RestContractHandler{
		contractService: contractService,
		sequenceService: sequenceService,
	}
}

type createContractRequest struct {
	Number      string `json:"number"` // allocated when absent
	LandlordID  string `json:"landlord_id" binding:"required"`
	TenantID    string `json:"tenant_id" binding:"required"`
	PropertyID  string `json:"property_id"`
	MonthlyRent string `json:"monthly_rent" binding:"required"`
	StartDate   string `json:"start_date" binding:"required"` // RFC 3339
}

// CreateContract handles POST /v1/contract
func (h *RestContractHandler) CreateContract(c *gin.Context) {
	var req createContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	landlordID, err := utils.ParseSixID(req.LandlordID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid landlord ID format"})
		return
	}
	tenantID, err := utils.ParseSixID(req.TenantID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tenant ID format"})
		return
	}
	var propertyID utils.SixID
	if req.PropertyID != "" {
		propertyID, err = utils.ParseSixID(req.PropertyID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid property ID format"})
			return
		}
	}
	rent, err := utils.MoneyFromString(req.MonthlyRent)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid monthly rent"})
		return
	}
	startDate, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid start_date, expected RFC 3339"})
		return
	}

	number := req.Number
	if number == "" {
		number, err = h.sequenceService.Allocate(c.Request.Context(), services.EntityContract, startDate)
		if err != nil {
			respondServiceError(c, err)
			return
		}
	}

	contract := &models.Contract{
		Number:      number,
		LandlordID:  landlordID,
		TenantID:    tenantID,
		PropertyID:  propertyID,
		MonthlyRent: rent,
		StartDate:   startDate,
		Active:      true,
	}
	if err := h.contractService.Create(c.Request.Context(), contract); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contract)
}

// GetContract handles GET /v1/contract/:id
func (h *RestContractHandler) GetContract(c *gin.Context) {
	contractID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid contract ID format"})
		return
	}
	contract, err := h.contractService.FindByID(c.Request.Context(), contractID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, contract)
}

// GetLandlordContracts handles GET /v1/landlord/:id/contract
func (h *RestContractHandler) GetLandlordContracts(c *gin.Context) {
	landlordID, err := utils.ParseSixID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid landlord ID format"})
		return
	}
	contracts, err := h.contractService.FindActiveByLandlord(c.Request.Context(), landlordID)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": contracts})
}
