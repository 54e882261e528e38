package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/faults"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/models"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// capturingWithdrawalNotifier records state changes instead of enqueueing tasks.
type capturingWithdrawalNotifier struct {
	events []models.WithdrawalStatus
}

func (n *capturingWithdrawalNotifier) WithdrawalStateChanged(_ context.Context, w *models.WithdrawalRequest) error {
	n.events = append(n.events, w.Status)
	return nil
}

type withdrawalTestEnv struct {
	db          *mongo.Database
	contracts   IContractService
	settlements ISettlementService
	withdrawals IWithdrawalService
	notifier    *capturingWithdrawalNotifier
}

func setupWithdrawalTest(t *testing.T, dbName string) *withdrawalTestEnv {
	t.Helper()
	db := setupTestDB(t, dbName)
	contracts := NewContractService(db)
	charges := NewChargeService(db)
	settlements := NewSettlementService(db, contracts, charges, commissionTen(), nil)
	sequences, err := NewSequenceService(db, nil)
	require.NoError(t, err)
	notifier := &capturingWithdrawalNotifier{}
	return &withdrawalTestEnv{
		db:          db,
		contracts:   contracts,
		settlements: settlements,
		withdrawals: NewWithdrawalService(db, settlements, sequences, notifier),
		notifier:    notifier,
	}
}

// computedRecap builds one landlord month with a single covered contract and
// returns its computed recap.
func (env *withdrawalTestEnv) computedRecap(t *testing.T, month utils.Month) *models.RecapMensuel {
	t.Helper()
	contract := newTestContract(t, env.db, env.contracts, 100000, month)
	insertCoveringPayment(t, env.db, contract, month, models.PaymentStatusValidated)
	recap, err := env.settlements.ComputeRecap(context.Background(), contract.LandlordID, month)
	require.NoError(t, err)
	return recap
}

func TestWithdrawalService_CreateFromRecap(t *testing.T) {
	env := setupWithdrawalTest(t, "test_db_withdrawal_create")
	ctx := context.Background()
	sept := utils.Month{Year: 2025, Month: time.September}
	recap := env.computedRecap(t, sept)

	withdrawal, err := env.withdrawals.CreateFromRecap(ctx, recap.ID, "virement")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(withdrawal.Number, "RET-"))
	assert.Equal(t, models.WithdrawalStatusPending, withdrawal.Status)
	assert.True(t, withdrawal.Active)
	assert.Equal(t, recap.LandlordID, withdrawal.LandlordID)
	assert.Equal(t, sept, withdrawal.Month)

	// Snapshot matches the recap at creation time.
	assert.Equal(t, recap.GrossRent, withdrawal.GrossRent)
	assert.Equal(t, recap.NetPayable, withdrawal.NetPayable)
	assert.Equal(t, recap.Commission, withdrawal.Commission)
	assert.Equal(t, recap.AmountPaid, withdrawal.AmountPaid)

	t.Run("the backing recap is finalized", func(t *testing.T) {
		reloaded, err := env.settlements.FindByID(ctx, recap.ID)
		require.NoError(t, err)
		assert.Equal(t, models.RecapStatusFinalized, reloaded.Status)
	})

	t.Run("a second request for the same landlord and month conflicts", func(t *testing.T) {
		_, err := env.withdrawals.CreateFromRecap(ctx, recap.ID, "cheque")
		require.Error(t, err)
		assert.True(t, faults.IsConflict(err))
	})

	t.Run("the snapshot stays frozen", func(t *testing.T) {
		// Even if someone mutates the recap row directly, the withdrawal
		// keeps the figures it was created with.
		reloaded, err := env.withdrawals.FindByID(ctx, withdrawal.ID)
		require.NoError(t, err)
		assert.Equal(t, "100000", reloaded.GrossRent.Decimal.String())
		assert.Equal(t, "90000", reloaded.AmountPaid.Decimal.String())
	})
}

func TestWithdrawalService_Lifecycle(t *testing.T) {
	env := setupWithdrawalTest(t, "test_db_withdrawal_lifecycle")
	ctx := context.Background()
	sept := utils.Month{Year: 2025, Month: time.September}
	recap := env.computedRecap(t, sept)

	agentID := utils.NewSixID()
	withdrawal, err := env.withdrawals.CreateFromRecap(ctx, recap.ID, "virement")
	require.NoError(t, err)

	t.Run("a pending withdrawal cannot be paid", func(t *testing.T) {
		_, err := env.withdrawals.MarkPaid(ctx, withdrawal.ID, agentID, "VIR-123")
		require.Error(t, err)
		assert.True(t, faults.IsConflict(err))
	})

	t.Run("a receipt cannot attach before payout", func(t *testing.T) {
		err := env.withdrawals.AttachReceipt(ctx, withdrawal.ID, "receipts/2025/early")
		require.Error(t, err)
		assert.True(t, faults.IsConflict(err))
	})

	validated, err := env.withdrawals.Validate(ctx, withdrawal.ID, agentID)
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusValidated, validated.Status)
	require.NotNil(t, validated.ValidatedBy)
	assert.Equal(t, agentID, *validated.ValidatedBy)

	t.Run("validation is not applied twice", func(t *testing.T) {
		_, err := env.withdrawals.Validate(ctx, withdrawal.ID, agentID)
		require.Error(t, err)
		assert.True(t, faults.IsConflict(err))
	})

	paid, err := env.withdrawals.MarkPaid(ctx, withdrawal.ID, agentID, "VIR-2025-456")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusPaid, paid.Status)
	assert.Equal(t, "VIR-2025-456", paid.PaymentRef)
	require.NotNil(t, paid.PaidAt)

	t.Run("a paid withdrawal cannot be cancelled", func(t *testing.T) {
		_, err := env.withdrawals.Cancel(ctx, withdrawal.ID, "trop tard")
		require.Error(t, err)
		assert.True(t, faults.IsConflict(err))
	})

	t.Run("the snapshot survived the whole lifecycle", func(t *testing.T) {
		assert.Equal(t, withdrawal.AmountPaid, paid.AmountPaid)
		assert.Equal(t, withdrawal.Commission, paid.Commission)
	})

	t.Run("a receipt key attaches once paid", func(t *testing.T) {
		key := "receipts/2025/" + paid.Number + "_abc"
		require.NoError(t, env.withdrawals.AttachReceipt(ctx, withdrawal.ID, key))
		reloaded, err := env.withdrawals.FindByID(ctx, withdrawal.ID)
		require.NoError(t, err)
		assert.Equal(t, key, reloaded.ReceiptKey)
	})

	assert.Equal(t, []models.WithdrawalStatus{
		models.WithdrawalStatusPending,
		models.WithdrawalStatusValidated,
		models.WithdrawalStatusPaid,
	}, env.notifier.events)
}

func TestWithdrawalService_CancelFreesTheSlot(t *testing.T) {
	env := setupWithdrawalTest(t, "test_db_withdrawal_cancel")
	ctx := context.Background()
	sept := utils.Month{Year: 2025, Month: time.September}
	recap := env.computedRecap(t, sept)

	withdrawal, err := env.withdrawals.CreateFromRecap(ctx, recap.ID, "virement")
	require.NoError(t, err)

	cancelled, err := env.withdrawals.Cancel(ctx, withdrawal.ID, "erreur de saisie")
	require.NoError(t, err)
	assert.Equal(t, models.WithdrawalStatusCancelled, cancelled.Status)
	assert.False(t, cancelled.Active)
	assert.Equal(t, "erreur de saisie", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)

	t.Run("a replacement request can be created after cancelling", func(t *testing.T) {
		replacement, err := env.withdrawals.CreateFromRecap(ctx, recap.ID, "cheque")
		require.NoError(t, err)
		assert.Equal(t, models.WithdrawalStatusPending, replacement.Status)
		assert.True(t, replacement.Active)
		assert.NotEqual(t, withdrawal.Number, replacement.Number)
		assert.Equal(t, withdrawal.AmountPaid, replacement.AmountPaid)
	})
}
