package main_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/auth"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

const (
	testAppBinary         = "./settlement_test_app" // Name for the test binary
	testAppPort           = "8089"                  // Port for the test server
	testServiceApiPortApi = "8091"                  // Port for Service API run by API process
	testServiceApiPortBg  = "8092"                  // Port for Service API run by BG process
	testAppURL            = "http://localhost:" + testAppPort
	testServiceApiURL     = "http://localhost:" + testServiceApiPortApi
	testJwtSecret         = "integration-test-secret"
	testNotifyEmail       = "ops@example.com"
	testDbName            = "settlement_integration_test"
	startupTimeout        = 15 * time.Second
	pingEndpoint          = testAppURL + "/v1/ping"
)

// TestMain manages the setup and teardown of the integration test environment.
func TestMain(m *testing.M) {
	defer func() {
		log.Println("Integration Test Teardown: Cleaning up test binary...")
		_ = os.Remove(testAppBinary)
	}()

	log.Println("Integration Test Setup: Building application...")
	godotenv.Load()
	if os.Getenv("MONGO_URI") == "" {
		log.Println("MONGO_URI not set; skipping integration tests.")
		return
	}

	buildCmd := exec.Command("go", "build", "-o", testAppBinary, ".")
	buildOutput, err := buildCmd.CombinedOutput()
	if err != nil {
		log.Printf("Failed to build application: %v\nOutput:\n%s", err, string(buildOutput))
		os.Exit(1)
	}
	log.Printf("Integration Test Setup: Build successful: %s", testAppBinary)

	// Start from an empty database; the app ensures its indexes on boot.
	if err := dropTestDatabase(); err != nil {
		log.Printf("Failed to reset test database: %v", err)
		os.Exit(1)
	}
	defer func() {
		_ = dropTestDatabase()
	}()

	commonEnv := []string{
		"JWT_SECRET=" + testJwtSecret,
		"GIN_MODE=release",
		"MOCK_SERVICES=true",
		"REDIS_ADDR=localhost:6379",
		"SMTP_FROM_ADDRESS=test@example.com",
		"NOTIFY_EMAIL=" + testNotifyEmail,
		"MONGO_DB_NAME=" + testDbName,
		"COMMISSION_RATE=0.10",
		"RATE_LIMIT_BUCKET_SIZE=200",
		"RATE_LIMIT_REFILL_RATE=200",
	}

	// --- Start API Process ---
	apiCmd := exec.Command(testAppBinary, "-m", "api")
	apiCmd.Env = append(append(os.Environ(), commonEnv...),
		"API_PORT="+testAppPort,
		"SERVICE_API_PORT="+testServiceApiPortApi,
	)
	apiCmd.Stderr = os.Stderr
	apiCmd.Stdout = os.Stdout

	log.Println("Integration Test Setup: Starting API process...")
	if err := apiCmd.Start(); err != nil {
		log.Printf("Failed to start API process: %v", err)
		os.Exit(1)
	}
	log.Printf("Integration Test Setup: API process started (PID: %d)...", apiCmd.Process.Pid)

	// --- Start Background Worker Process ---
	bgCmd := exec.Command(testAppBinary, "-m", "bg")
	bgCmd.Env = append(append(os.Environ(), commonEnv...),
		"SERVICE_API_PORT="+testServiceApiPortBg,
	)
	bgCmd.Stderr = os.Stderr
	bgCmd.Stdout = os.Stdout

	log.Println("Integration Test Setup: Starting Background Worker process...")
	if err := bgCmd.Start(); err != nil {
		_ = apiCmd.Process.Kill()
		log.Printf("Failed to start Background Worker process: %v", err)
		os.Exit(1)
	}
	log.Printf("Integration Test Setup: Background Worker process started (PID: %d)...", bgCmd.Process.Pid)

	defer func() {
		log.Println("Integration Test Teardown: Shutting down application processes...")
		stopProcess("Background Worker", bgCmd)
		stopProcess("API Process", apiCmd)
		log.Println("Integration Test Teardown: Application processes stopped.")
	}()

	// Wait for the API application to be ready by polling the ping endpoint
	log.Printf("Integration Test Setup: Waiting for API application to become ready at %s...", pingEndpoint)
	startTime := time.Now()
	ready := false
	for time.Since(startTime) < startupTimeout {
		resp, err := http.Get(pingEndpoint)
		if err == nil && resp.StatusCode == http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if string(bodyBytes) == "pong" {
				log.Println("Integration Test Setup: Application is ready!")
				ready = true
				break
			}
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(200 * time.Millisecond)
	}
	if !ready {
		log.Printf("Application failed to start within %v", startupTimeout)
		os.Exit(1)
	}

	// Give the background worker a moment to register its handlers.
	time.Sleep(2 * time.Second)

	log.Println("Integration Test Setup: Running tests...")
	exitCode := m.Run()
	log.Printf("Integration Test Teardown: Tests finished with exit code %d.", exitCode)
	// Let TestMain return normally so the deferred teardown runs.
}

func stopProcess(name string, cmd *exec.Cmd) {
	log.Printf("Sending SIGTERM to %s...", name)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Printf("Failed to send SIGTERM to %s: %v. Killing.", name, err)
		_ = cmd.Process.Kill()
		return
	}
	if _, err := cmd.Process.Wait(); err != nil && err.Error() != "signal: killed" && err.Error() != "exit status 1" {
		log.Printf("Error waiting for %s exit: %v", name, err)
	}
}

func dropTestDatabase() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(os.Getenv("MONGO_URI")))
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)
	return client.Database(testDbName).Drop(ctx)
}

// --- HTTP helpers ---

func userToken(t *testing.T, isAdmin bool) string {
	t.Helper()
	token, err := auth.GenerateJWT(utils.NewSixID(), isAdmin, testJwtSecret, time.Hour)
	require.NoError(t, err)
	return token
}

func doJSON(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testAppURL+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "%s %s should not fail at transport level", method, path)
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	if len(bodyBytes) > 0 {
		require.NoError(t, json.Unmarshal(bodyBytes, &decoded), "response should be JSON: %s", string(bodyBytes))
	}
	return resp.StatusCode, decoded
}

// --- Tests ---

func TestIntegration_Ping(t *testing.T) {
	resp, err := http.Get(pingEndpoint)
	require.NoError(t, err, "Request to %s should not fail", pingEndpoint)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	bodyBytes, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Equal(t, "pong", string(bodyBytes))
}

func TestIntegration_AuthRequired(t *testing.T) {
	status, _ := doJSON(t, http.MethodPost, "/v1/payment", "", map[string]interface{}{})
	assert.Equal(t, http.StatusUnauthorized, status, "ledger operations require a token")

	status, _ = doJSON(t, http.MethodPost, "/v1/admin/recap/compute-month", userToken(t, false),
		map[string]interface{}{"month": "2025-09"})
	assert.Equal(t, http.StatusForbidden, status, "bulk computation is admin-only")
}

// TestIntegration_SettlementFlow walks one contract from payment intake all
// the way to a paid withdrawal and checks the money at every step.
func TestIntegration_SettlementFlow(t *testing.T) {
	token := userToken(t, false)
	adminToken := userToken(t, true)
	landlordID := utils.NewSixID().String()
	tenantID := utils.NewSixID().String()

	// Contract: 100000/month starting September 2025.
	status, contract := doJSON(t, http.MethodPost, "/v1/contract", token, map[string]interface{}{
		"landlord_id":  landlordID,
		"tenant_id":    tenantID,
		"monthly_rent": "100000",
		"start_date":   "2025-09-01T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, status, "contract creation: %v", contract)
	contractID := contract["id"].(string)
	assert.Contains(t, contract["number"], "CTR-2025-", "contract number comes from the yearly sequence")

	// Advance payment covering Sept and Oct with a 50000 remainder.
	status, payment := doJSON(t, http.MethodPost, "/v1/payment", token, map[string]interface{}{
		"contract_id": contractID,
		"amount":      "250000",
		"type":        "advance",
		"paid_at":     "2025-09-02T10:00:00Z",
	})
	require.Equal(t, http.StatusCreated, status, "payment creation: %v", payment)
	paymentID := payment["id"].(string)
	assert.Equal(t, "pending", payment["status"])
	assert.Contains(t, payment["number"], "PAY-202509-", "payment number comes from the monthly sequence")

	status, validated := doJSON(t, http.MethodPost, "/v1/payment/"+paymentID+"/validate", token, nil)
	require.Equal(t, http.StatusOK, status, "payment validation: %v", validated)
	assert.Equal(t, "validated", validated["status"])
	assert.Len(t, validated["covered_months"], 2)

	status, covered := doJSON(t, http.MethodGet, "/v1/contract/"+contractID+"/covered-months", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.ElementsMatch(t, []interface{}{"2025-09", "2025-10"}, covered["data"])

	// A validated deductible charge in September.
	status, charge := doJSON(t, http.MethodPost, "/v1/charge/deductible", token, map[string]interface{}{
		"contract_id":    contractID,
		"label":          "Reparation plomberie",
		"amount":         "20000",
		"effective_date": "2025-09-10T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, status, "charge creation: %v", charge)
	chargeID := charge["id"].(string)
	status, _ = doJSON(t, http.MethodPost, "/v1/charge/deductible/"+chargeID+"/validate", token, nil)
	require.Equal(t, http.StatusOK, status)

	// Recap for September: 100000 gross - 20000 deductible = 80000 net,
	// 8000 commission, 72000 paid out.
	status, recap := doJSON(t, http.MethodPost, "/v1/recap/compute", token, map[string]interface{}{
		"landlord_id": landlordID,
		"month":       "2025-09",
	})
	require.Equal(t, http.StatusOK, status, "recap compute: %v", recap)
	recapID := recap["id"].(string)
	assert.Equal(t, "computed", recap["status"])
	assert.Equal(t, "100000", recap["gross_rent"])
	assert.Equal(t, "20000", recap["deductible_charges"])
	assert.Equal(t, "80000", recap["net_payable"])
	assert.Equal(t, "8000", recap["commission"])
	assert.Equal(t, "72000", recap["amount_paid"])

	// Withdrawal lifecycle: create (finalizes the recap), validate, pay.
	status, withdrawal := doJSON(t, http.MethodPost, "/v1/withdrawal", token, map[string]interface{}{
		"recap_id": recapID,
		"mode":     "virement",
	})
	require.Equal(t, http.StatusCreated, status, "withdrawal creation: %v", withdrawal)
	withdrawalID := withdrawal["id"].(string)
	assert.Equal(t, "pending", withdrawal["status"])
	assert.Equal(t, "72000", withdrawal["amount_paid"])
	assert.Contains(t, withdrawal["number"], "RET-2025-")

	status, finalized := doJSON(t, http.MethodGet, "/v1/recap/"+recapID, token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "finalized", finalized["status"], "creating the withdrawal finalizes the recap")

	// A second request for the same landlord/month must be rejected.
	status, _ = doJSON(t, http.MethodPost, "/v1/withdrawal", token, map[string]interface{}{"recap_id": recapID})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = doJSON(t, http.MethodPost, "/v1/withdrawal/"+withdrawalID+"/validate", token, nil)
	require.Equal(t, http.StatusOK, status)

	status, paid := doJSON(t, http.MethodPost, "/v1/admin/withdrawal/"+withdrawalID+"/pay", adminToken,
		map[string]interface{}{"payment_ref": "VIR-2025-789"})
	require.Equal(t, http.StatusOK, status, "withdrawal payout: %v", paid)
	assert.Equal(t, "paid", paid["status"])
	assert.Equal(t, "VIR-2025-789", paid["payment_ref"])

	// The recap compute event flows through the background worker to the
	// mock email stored in Redis; the Service API exposes it.
	t.Run("recap notification email reaches the worker", func(t *testing.T) {
		payload := map[string]interface{}{
			"method":    "getTestEmail",
			"arguments": []string{"recap_notify", testNotifyEmail},
		}
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		resp, err := http.Post(testServiceApiURL+"/api", "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "worker should have stored the mock email")

		var body struct {
			Success bool                   `json:"success"`
			Data    map[string]interface{} `json:"data"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.True(t, body.Success)
		emailBody, _ := body.Data["body"].(string)
		assert.Contains(t, emailBody, "72000", "notification carries the amount paid")
	})
}

// TestIntegration_PaymentCancellationRestoresMonths checks the release path
// over HTTP: cancelling a validated advance frees its covered months.
func TestIntegration_PaymentCancellationRestoresMonths(t *testing.T) {
	token := userToken(t, false)
	landlordID := utils.NewSixID().String()

	status, contract := doJSON(t, http.MethodPost, "/v1/contract", token, map[string]interface{}{
		"landlord_id":  landlordID,
		"tenant_id":    utils.NewSixID().String(),
		"monthly_rent": "50000",
		"start_date":   "2025-11-01T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, status)
	contractID := contract["id"].(string)

	status, payment := doJSON(t, http.MethodPost, "/v1/payment", token, map[string]interface{}{
		"contract_id": contractID,
		"amount":      "100000",
		"type":        "advance",
		"paid_at":     "2025-11-03T09:00:00Z",
	})
	require.Equal(t, http.StatusCreated, status)
	paymentID := payment["id"].(string)

	status, _ = doJSON(t, http.MethodPost, "/v1/payment/"+paymentID+"/validate", token, nil)
	require.Equal(t, http.StatusOK, status)

	status, covered := doJSON(t, http.MethodGet, "/v1/contract/"+contractID+"/covered-months", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, covered["data"], 2)

	status, cancelled := doJSON(t, http.MethodPost, "/v1/payment/"+paymentID+"/cancel", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cancelled", cancelled["status"])

	status, covered = doJSON(t, http.MethodGet, "/v1/contract/"+contractID+"/covered-months", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, covered["data"], "cancellation releases the covered months")

	status, fresh := doJSON(t, http.MethodGet, "/v1/contract/"+contractID, token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "2025-11", fresh["next_unpaid_month"], "pointer rewinds to the released month")
}
