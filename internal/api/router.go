package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/api/handlers"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/api/middleware"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/config"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/services"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/storage"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/tasks"
)

// SetupRouter configures and returns the main Gin engine.
func SetupRouter(cfg *config.Config, db *mongo.Database, taskClient *asynq.Client) *gin.Engine {
	// Initialize services needed by API handlers HERE
	sequenceService, err := services.NewSequenceService(db, cfg)
	if err != nil {
		log.Fatalf("CRITICAL: Invalid sequence format configuration: %v", err)
	}
	contractService := services.NewContractService(db)
	advanceService := services.NewAdvanceService(db, contractService)
	chargeService := services.NewChargeService(db)
	paymentService := services.NewPaymentService(db, sequenceService, advanceService)

	// The enqueuer bridges service-level events onto the task queues. Without
	// a task client the services simply run without notifications.
	var enqueuer *tasks.Enqueuer
	var recapNotifier services.RecapNotifier
	var withdrawalNotifier services.WithdrawalNotifier
	if taskClient != nil {
		enqueuer = tasks.NewEnqueuer(taskClient)
		recapNotifier = enqueuer
		withdrawalNotifier = enqueuer
	}

	settlementService := services.NewSettlementService(db, contractService, chargeService, cfg.CommissionRate, recapNotifier)
	withdrawalService := services.NewWithdrawalService(db, settlementService, sequenceService, withdrawalNotifier)

	var receiptArchive storage.IReceiptArchive
	if cfg.AwsS3Bucket != "" {
		receiptArchive, err = storage.NewReceiptArchive(cfg)
		if err != nil {
			log.Fatalf("CRITICAL: Failed to initialize receipt archive for API: %v", err)
		}
	}

	r := gin.Default()

	// Apply global middleware first (order matters)
	r.Use(middleware.CORSMiddleware())
	r.Use(middleware.NewRateLimiterMiddleware(cfg).Limit())

	// Initialize handlers
	contractHandler := handlers.NewRestContractHandler(contractService, sequenceService)
	paymentHandler := handlers.NewRestPaymentHandler(paymentService, advanceService)
	chargeHandler := handlers.NewRestChargeHandler(chargeService)
	recapHandler := handlers.NewRestRecapHandler(settlementService, enqueuer)
	withdrawalHandler := handlers.NewRestWithdrawalHandler(withdrawalService, receiptArchive)

	v1 := r.Group("/v1")
	{
		v1.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		// Authenticated routes: every ledger operation needs an operator
		// identity for the audit fields.
		authRequired := v1.Group("/")
		authRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret))
		{
			authRequired.POST("/contract", contractHandler.CreateContract)
			authRequired.GET("/contract/:id", contractHandler.GetContract)
			authRequired.GET("/contract/:id/payment", paymentHandler.GetContractPayments)
			authRequired.GET("/contract/:id/covered-months", paymentHandler.GetCoveredMonths)
			authRequired.GET("/contract/:id/charges/total", chargeHandler.GetDeductibleTotal)

			authRequired.POST("/payment", paymentHandler.CreatePayment)
			authRequired.GET("/payment/:id", paymentHandler.GetPayment)
			authRequired.POST("/payment/:id/validate", paymentHandler.ValidatePayment)
			authRequired.POST("/payment/:id/cancel", paymentHandler.CancelPayment)

			authRequired.POST("/charge/deductible", chargeHandler.CreateDeductibleCharge)
			authRequired.POST("/charge/deductible/:id/validate", chargeHandler.ValidateDeductibleCharge)
			authRequired.POST("/charge/deductible/:id/reject", chargeHandler.RejectDeductibleCharge)
			authRequired.POST("/charge/deductible/:id/reverse", chargeHandler.ReverseDeductibleCharge)
			authRequired.POST("/charge/landlord", chargeHandler.CreateLandlordCharge)
			authRequired.POST("/charge/landlord/:id/validate", chargeHandler.ValidateLandlordCharge)
			authRequired.POST("/charge/landlord/:id/reverse", chargeHandler.ReverseLandlordCharge)

			authRequired.GET("/landlord/:id/contract", contractHandler.GetLandlordContracts)
			authRequired.GET("/landlord/:id/charges/total", chargeHandler.GetLandlordChargeTotal)
			authRequired.GET("/landlord/:id/recap/:month", recapHandler.GetLandlordRecap)
			authRequired.GET("/landlord/:id/withdrawal", withdrawalHandler.GetLandlordWithdrawals)

			authRequired.POST("/recap/compute", recapHandler.ComputeRecap)
			authRequired.GET("/recap/:id", recapHandler.GetRecap)
			authRequired.POST("/recap/:id/finalize", recapHandler.FinalizeRecap)

			authRequired.POST("/withdrawal", withdrawalHandler.CreateWithdrawal)
			authRequired.GET("/withdrawal/:id", withdrawalHandler.GetWithdrawal)
			authRequired.POST("/withdrawal/:id/validate", withdrawalHandler.ValidateWithdrawal)
			authRequired.POST("/withdrawal/:id/cancel", withdrawalHandler.CancelWithdrawal)
			authRequired.GET("/withdrawal/:id/receipt-url", withdrawalHandler.GetWithdrawalReceiptURL)
		}

		// Admin routes: payouts and bulk computations move real money.
		adminRequired := v1.Group("/admin")
		adminRequired.Use(middleware.AuthMiddleware(cfg.JwtSecret), middleware.AdminMiddleware())
		{
			adminRequired.POST("/recap/compute-month", recapHandler.ComputeMonth)
			adminRequired.POST("/withdrawal/:id/pay", withdrawalHandler.PayWithdrawal)
		}
	}

	return r
}

// SetupServiceRouter configures and returns the service Gin engine.
// Requires Redis for the getTestEmail endpoint used by integration runs.
func SetupServiceRouter(cfg *config.Config, rdb *redis.Client, shutdownChan chan<- struct{}) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.POST("/api", func(c *gin.Context) {
		var req struct {
			Method    string          `json:"method"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request format"})
			return
		}

		switch req.Method {
		case "shutdown":
			fmt.Println("Received shutdown command via Service API")
			c.JSON(http.StatusOK, gin.H{"success": true, "result": "Shutdown initiated"})
			select {
			case shutdownChan <- struct{}{}:
				fmt.Println("Shutdown signal sent successfully.")
			default:
				fmt.Println("Shutdown channel already signaled or blocked.")
			}
		case "getTestEmail":
			var args []string // Expect ["kind", "email"], e.g. ["recap_notify", "ops@example.com"]
			if err := json.Unmarshal(req.Arguments, &args); err != nil || len(args) != 2 {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid arguments: expected JSON array [kind, email]"})
				return
			}
			kind := args[0]
			emailAddr := args[1]
			redisKey := fmt.Sprintf("mockemail:%s:%s", emailAddr, kind)

			// Poll Redis briefly for the key
			var emailJsonData string
			var getErr error
			found := false
			ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
			defer cancel()
			for i := 0; i < 10; i++ { // Poll up to ~2 seconds
				emailJsonData, getErr = rdb.Get(ctx, redisKey).Result()
				if getErr == nil {
					found = true
					rdb.Del(ctx, redisKey) // Delete after fetching
					break
				}
				if getErr != redis.Nil {
					log.Printf("Service API: Error getting key %s from Redis: %v", redisKey, getErr)
					c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Redis error"})
					return
				}
				// If redis.Nil, wait and retry
				time.Sleep(200 * time.Millisecond)
			}

			if !found {
				c.JSON(http.StatusNotFound, gin.H{"success": false, "error": fmt.Sprintf("Test email not found in Redis for key %s", redisKey)})
				return
			}

			var emailData map[string]interface{}
			if err := json.Unmarshal([]byte(emailJsonData), &emailData); err != nil {
				log.Printf("Service API: Error unmarshalling email data from key %s: %v", redisKey, err)
				c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to parse stored email data"})
				return
			}

			c.JSON(http.StatusOK, gin.H{"success": true, "data": emailData})

		default:
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": fmt.Sprintf("Unknown service method: %s", req.Method)})
		}
	})
	return r
}
