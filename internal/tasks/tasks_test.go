package tasks_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/config"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/models"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/tasks"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// --- Mocks ---

// MockEmailSender
type MockEmailSender struct {
	mock.Mock
}

func (m *MockEmailSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	args := m.Called(ctx, to, subject, rawMessage)
	return args.Error(0)
}

// MockSettlementService
type MockSettlementService struct {
	mock.Mock
}

func (m *MockSettlementService) ComputeRecap(ctx context.Context, landlordID utils.SixID, month utils.Month) (*models.RecapMensuel, error) {
	args := m.Called(ctx, landlordID, month)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RecapMensuel), args.Error(1)
}

func (m *MockSettlementService) ComputeAllForMonth(ctx context.Context, month utils.Month) ([]models.RecapMensuel, error) {
	args := m.Called(ctx, month)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.RecapMensuel), args.Error(1)
}

func (m *MockSettlementService) Finalize(ctx context.Context, recapID utils.SixID) (*models.RecapMensuel, error) {
	args := m.Called(ctx, recapID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RecapMensuel), args.Error(1)
}

func (m *MockSettlementService) FindByID(ctx context.Context, recapID utils.SixID) (*models.RecapMensuel, error) {
	args := m.Called(ctx, recapID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RecapMensuel), args.Error(1)
}

func (m *MockSettlementService) FindByLandlordAndMonth(ctx context.Context, landlordID utils.SixID, month utils.Month) (*models.RecapMensuel, error) {
	args := m.Called(ctx, landlordID, month)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RecapMensuel), args.Error(1)
}

// MockWithdrawalService
type MockWithdrawalService struct {
	mock.Mock
}

func (m *MockWithdrawalService) CreateFromRecap(ctx context.Context, recapID utils.SixID, mode string) (*models.WithdrawalRequest, error) {
	args := m.Called(ctx, recapID, mode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WithdrawalRequest), args.Error(1)
}

func (m *MockWithdrawalService) Validate(ctx context.Context, withdrawalID utils.SixID, validatedBy utils.SixID) (*models.WithdrawalRequest, error) {
	args := m.Called(ctx, withdrawalID, validatedBy)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WithdrawalRequest), args.Error(1)
}

func (m *MockWithdrawalService) MarkPaid(ctx context.Context, withdrawalID utils.SixID, paidBy utils.SixID, paymentRef string) (*models.WithdrawalRequest, error) {
	args := m.Called(ctx, withdrawalID, paidBy, paymentRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WithdrawalRequest), args.Error(1)
}

func (m *MockWithdrawalService) Cancel(ctx context.Context, withdrawalID utils.SixID, reason string) (*models.WithdrawalRequest, error) {
	args := m.Called(ctx, withdrawalID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WithdrawalRequest), args.Error(1)
}

func (m *MockWithdrawalService) AttachReceipt(ctx context.Context, withdrawalID utils.SixID, objectKey string) error {
	args := m.Called(ctx, withdrawalID, objectKey)
	return args.Error(0)
}

func (m *MockWithdrawalService) FindByID(ctx context.Context, withdrawalID utils.SixID) (*models.WithdrawalRequest, error) {
	args := m.Called(ctx, withdrawalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WithdrawalRequest), args.Error(1)
}

func (m *MockWithdrawalService) FindByLandlord(ctx context.Context, landlordID utils.SixID) ([]models.WithdrawalRequest, error) {
	args := m.Called(ctx, landlordID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.WithdrawalRequest), args.Error(1)
}

// MockReceiptArchive
type MockReceiptArchive struct {
	mock.Mock
}

func (m *MockReceiptArchive) ArchiveReceipt(ctx context.Context, withdrawalNumber string, body []byte, contentType string) (string, error) {
	args := m.Called(ctx, withdrawalNumber, body, contentType)
	return args.String(0), args.Error(1)
}

func (m *MockReceiptArchive) GeneratePresignedGetURL(ctx context.Context, objectKey string) (string, error) {
	args := m.Called(ctx, objectKey)
	return args.String(0), args.Error(1)
}

func testRecap() *models.RecapMensuel {
	recap := &models.RecapMensuel{
		LandlordID:        utils.NewSixID(),
		Month:             utils.Month{Year: 2025, Month: time.September},
		GrossRent:         utils.NewMoney(500000),
		DeductibleCharges: utils.NewMoney(50000),
		LandlordCharges:   utils.NewMoney(30000),
		NetPayable:        utils.NewMoney(420000),
		Commission:        utils.NewMoney(42000),
		AmountPaid:        utils.NewMoney(378000),
		ContractCount:     5,
		PaymentCount:      5,
		Status:            models.RecapStatusComputed,
	}
	recap.GenID()
	return recap
}

// --- Tests ---

func TestHandleRecapNotifyTask_Success(t *testing.T) {
	mockEmailSender := new(MockEmailSender)
	mockSettlements := new(MockSettlementService)
	cfg := &config.Config{AppName: "GESTIMMOB", NotifyEmail: "ops@example.com", SmtpFromAddress: "noreply@example.com"}

	p := tasks.NewTaskProcessor(cfg, mockEmailSender, nil, mockSettlements, nil, nil)

	recap := testRecap()
	payloadBytes, _ := json.Marshal(tasks.RecapNotifyPayload{RecapID: recap.ID.String()})
	task := asynq.NewTask(tasks.TypeRecapNotify, payloadBytes)

	mockSettlements.On("FindByID", mock.Anything, recap.ID).Return(recap, nil)

	mockEmailSender.On("Send",
		mock.Anything,
		[]string{"ops@example.com"},
		mock.MatchedBy(func(subject string) bool {
			return assert.Contains(t, subject, "2025-09")
		}),
		mock.MatchedBy(func(rawMsg []byte) bool {
			msgStr := string(rawMsg)
			assert.Contains(t, msgStr, "From: noreply@example.com")
			assert.Contains(t, msgStr, "378000", "Raw message should carry the amount paid")
			assert.Contains(t, msgStr, "42000", "Raw message should carry the commission")
			return true
		}),
	).Return(nil)

	err := p.HandleRecapNotifyTask(context.Background(), task)

	assert.NoError(t, err)
	mockSettlements.AssertExpectations(t)
	mockEmailSender.AssertExpectations(t)
}

func TestHandleRecapNotifyTask_NoRecipientConfigured(t *testing.T) {
	mockEmailSender := new(MockEmailSender)
	mockSettlements := new(MockSettlementService)
	cfg := &config.Config{AppName: "GESTIMMOB"}
	p := tasks.NewTaskProcessor(cfg, mockEmailSender, nil, mockSettlements, nil, nil)

	recap := testRecap()
	payloadBytes, _ := json.Marshal(tasks.RecapNotifyPayload{RecapID: recap.ID.String()})
	mockSettlements.On("FindByID", mock.Anything, recap.ID).Return(recap, nil)

	err := p.HandleRecapNotifyTask(context.Background(), asynq.NewTask(tasks.TypeRecapNotify, payloadBytes))

	assert.NoError(t, err)
	mockEmailSender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleRecapNotifyTask_BadPayload(t *testing.T) {
	p := tasks.NewTaskProcessor(&config.Config{}, new(MockEmailSender), nil, new(MockSettlementService), nil, nil)

	err := p.HandleRecapNotifyTask(context.Background(), asynq.NewTask(tasks.TypeRecapNotify, []byte("{not json")))

	assert.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry), "Malformed payloads should not be retried")
}

func TestHandleWithdrawalReceiptTask_ArchivesPaidWithdrawal(t *testing.T) {
	mockWithdrawals := new(MockWithdrawalService)
	mockArchive := new(MockReceiptArchive)
	cfg := &config.Config{AppName: "GESTIMMOB"}
	p := tasks.NewTaskProcessor(cfg, new(MockEmailSender), mockArchive, nil, mockWithdrawals, nil)

	paidAt := time.Now().UTC()
	withdrawal := &models.WithdrawalRequest{
		Number:     "RET-2025-0001",
		LandlordID: utils.NewSixID(),
		Month:      utils.Month{Year: 2025, Month: time.September},
		AmountPaid: utils.NewMoney(378000),
		Status:     models.WithdrawalStatusPaid,
		PaymentRef: "VIR-2025-456",
		PaidAt:     &paidAt,
	}
	withdrawal.GenID()

	payloadBytes, _ := json.Marshal(tasks.WithdrawalEventPayload{
		WithdrawalID: withdrawal.ID.String(),
		Status:       string(withdrawal.Status),
	})

	mockWithdrawals.On("FindByID", mock.Anything, withdrawal.ID).Return(withdrawal, nil)
	mockArchive.On("ArchiveReceipt", mock.Anything, "RET-2025-0001",
		mock.MatchedBy(func(body []byte) bool {
			receipt := string(body)
			assert.Contains(t, receipt, "RET-2025-0001")
			assert.Contains(t, receipt, "378000")
			assert.Contains(t, receipt, "VIR-2025-456")
			return true
		}),
		"text/plain; charset=utf-8",
	).Return("receipts/2025/RET-2025-0001_abc", nil)
	mockWithdrawals.On("AttachReceipt", mock.Anything, withdrawal.ID, "receipts/2025/RET-2025-0001_abc").Return(nil)

	err := p.HandleWithdrawalReceiptTask(context.Background(), asynq.NewTask(tasks.TypeWithdrawalReceipt, payloadBytes))

	assert.NoError(t, err)
	mockWithdrawals.AssertExpectations(t)
	mockArchive.AssertExpectations(t)
}

func TestHandleWithdrawalReceiptTask_SkipsUnpaidWithdrawal(t *testing.T) {
	mockWithdrawals := new(MockWithdrawalService)
	mockArchive := new(MockReceiptArchive)
	p := tasks.NewTaskProcessor(&config.Config{}, new(MockEmailSender), mockArchive, nil, mockWithdrawals, nil)

	withdrawal := &models.WithdrawalRequest{
		Number: "RET-2025-0002",
		Status: models.WithdrawalStatusPending,
	}
	withdrawal.GenID()

	payloadBytes, _ := json.Marshal(tasks.WithdrawalEventPayload{
		WithdrawalID: withdrawal.ID.String(),
		Status:       string(withdrawal.Status),
	})
	mockWithdrawals.On("FindByID", mock.Anything, withdrawal.ID).Return(withdrawal, nil)

	err := p.HandleWithdrawalReceiptTask(context.Background(), asynq.NewTask(tasks.TypeWithdrawalReceipt, payloadBytes))

	assert.NoError(t, err)
	mockArchive.AssertNotCalled(t, "ArchiveReceipt", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleMonthlyRecapsTask(t *testing.T) {
	mockSettlements := new(MockSettlementService)
	p := tasks.NewTaskProcessor(&config.Config{}, new(MockEmailSender), nil, mockSettlements, nil, nil)

	sept := utils.Month{Year: 2025, Month: time.September}
	payloadBytes, _ := json.Marshal(tasks.MonthlyRecapsPayload{Month: "2025-09"})
	mockSettlements.On("ComputeAllForMonth", mock.Anything, sept).Return([]models.RecapMensuel{*testRecap()}, nil)

	err := p.HandleMonthlyRecapsTask(context.Background(), asynq.NewTask(tasks.TypeMonthlyRecaps, payloadBytes))

	assert.NoError(t, err)
	mockSettlements.AssertExpectations(t)

	t.Run("bad month is not retried", func(t *testing.T) {
		payloadBytes, _ := json.Marshal(tasks.MonthlyRecapsPayload{Month: "septembre"})
		err := p.HandleMonthlyRecapsTask(context.Background(), asynq.NewTask(tasks.TypeMonthlyRecaps, payloadBytes))
		assert.Error(t, err)
		assert.True(t, errors.Is(err, asynq.SkipRetry))
	})
}
