package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/faults"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/models"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

func TestChargeService_TotalDeductible(t *testing.T) {
	db := setupTestDB(t, "test_db_charge_totals")
	svc := NewChargeService(db)
	ctx := context.Background()

	contractID := utils.NewSixID()
	agentID := utils.NewSixID()
	sept := utils.Month{Year: 2025, Month: time.September}

	addCharge := func(amount int64, deductible bool, date time.Time) *models.DeductibleCharge {
		charge := &models.DeductibleCharge{
			ContractID:    contractID,
			Label:         "Plomberie",
			Amount:        utils.NewMoney(amount),
			Deductible:    deductible,
			EffectiveDate: date,
		}
		require.NoError(t, svc.CreateDeductible(ctx, charge))
		return charge
	}

	inSept := time.Date(2025, time.September, 10, 0, 0, 0, 0, time.UTC)

	t.Run("pending charges are not counted", func(t *testing.T) {
		addCharge(20000, true, inSept)
		total, err := svc.TotalDeductible(ctx, contractID, sept)
		require.NoError(t, err)
		assert.True(t, total.IsZero())
	})

	t.Run("validated charges are counted", func(t *testing.T) {
		charge := addCharge(30000, true, inSept)
		require.NoError(t, svc.ValidateDeductible(ctx, charge.ID, agentID))

		total, err := svc.TotalDeductible(ctx, contractID, sept)
		require.NoError(t, err)
		assert.Equal(t, "30000", total.Decimal.String())
	})

	t.Run("rejected charges are not counted", func(t *testing.T) {
		charge := addCharge(99999, true, inSept)
		require.NoError(t, svc.RejectDeductible(ctx, charge.ID))

		total, err := svc.TotalDeductible(ctx, contractID, sept)
		require.NoError(t, err)
		assert.Equal(t, "30000", total.Decimal.String())
	})

	t.Run("non-deductible charges are not counted", func(t *testing.T) {
		charge := addCharge(15000, false, inSept)
		require.NoError(t, svc.ValidateDeductible(ctx, charge.ID, agentID))

		total, err := svc.TotalDeductible(ctx, contractID, sept)
		require.NoError(t, err)
		assert.Equal(t, "30000", total.Decimal.String())
	})

	t.Run("charges outside the month are not counted", func(t *testing.T) {
		// The first instant of October is already outside September.
		charge := addCharge(40000, true, time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, svc.ValidateDeductible(ctx, charge.ID, agentID))

		total, err := svc.TotalDeductible(ctx, contractID, sept)
		require.NoError(t, err)
		assert.Equal(t, "30000", total.Decimal.String())
	})
}

func TestChargeService_Transitions(t *testing.T) {
	db := setupTestDB(t, "test_db_charge_transitions")
	svc := NewChargeService(db)
	ctx := context.Background()

	agentID := utils.NewSixID()

	t.Run("a charge cannot be validated twice", func(t *testing.T) {
		charge := &models.DeductibleCharge{
			ContractID: utils.NewSixID(),
			Label:      "Peinture",
			Amount:     utils.NewMoney(10000),
			Deductible: true,
		}
		require.NoError(t, svc.CreateDeductible(ctx, charge))
		require.NoError(t, svc.ValidateDeductible(ctx, charge.ID, agentID))

		err := svc.ValidateDeductible(ctx, charge.ID, agentID)
		require.Error(t, err)
		assert.True(t, faults.IsConflict(err))
	})

	t.Run("a rejected charge cannot be validated", func(t *testing.T) {
		charge := &models.DeductibleCharge{
			ContractID: utils.NewSixID(),
			Label:      "Serrurerie",
			Amount:     utils.NewMoney(5000),
			Deductible: true,
		}
		require.NoError(t, svc.CreateDeductible(ctx, charge))
		require.NoError(t, svc.RejectDeductible(ctx, charge.ID))

		err := svc.ValidateDeductible(ctx, charge.ID, agentID)
		require.Error(t, err)
		assert.True(t, faults.IsConflict(err))
	})

	t.Run("negative amounts are rejected at creation", func(t *testing.T) {
		charge := &models.DeductibleCharge{
			ContractID: utils.NewSixID(),
			Label:      "Erreur",
			Amount:     utils.NewMoney(-100),
			Deductible: true,
		}
		err := svc.CreateDeductible(ctx, charge)
		require.Error(t, err)
		assert.True(t, faults.IsInconsistentData(err))
	})
}

func TestChargeService_Reverse(t *testing.T) {
	db := setupTestDB(t, "test_db_charge_reverse")
	svc := NewChargeService(db)
	ctx := context.Background()

	contractID := utils.NewSixID()
	agentID := utils.NewSixID()
	sept := utils.Month{Year: 2025, Month: time.September}
	inSept := time.Date(2025, time.September, 20, 0, 0, 0, 0, time.UTC)

	charge := &models.DeductibleCharge{
		ContractID:    contractID,
		Label:         "Toiture",
		Amount:        utils.NewMoney(80000),
		Deductible:    true,
		EffectiveDate: inSept,
	}
	require.NoError(t, svc.CreateDeductible(ctx, charge))

	t.Run("pending charges cannot be reversed", func(t *testing.T) {
		_, err := svc.ReverseDeductible(ctx, charge.ID, agentID)
		require.Error(t, err)
		assert.True(t, faults.IsConflict(err))
	})

	require.NoError(t, svc.ValidateDeductible(ctx, charge.ID, agentID))

	t.Run("reversal nets the period to zero", func(t *testing.T) {
		total, err := svc.TotalDeductible(ctx, contractID, sept)
		require.NoError(t, err)
		assert.Equal(t, "80000", total.Decimal.String())

		reversal, err := svc.ReverseDeductible(ctx, charge.ID, agentID)
		require.NoError(t, err)
		assert.Equal(t, "-80000", reversal.Amount.Decimal.String())
		assert.Equal(t, models.ChargeStatusValidated, reversal.Status)
		require.NotNil(t, reversal.ReversesID)
		assert.Equal(t, charge.ID, *reversal.ReversesID)
		assert.True(t, reversal.EffectiveDate.Equal(inSept), "reversal keeps the original effective date")

		total, err = svc.TotalDeductible(ctx, contractID, sept)
		require.NoError(t, err)
		assert.True(t, total.IsZero())
	})

	t.Run("a charge cannot be reversed twice", func(t *testing.T) {
		_, err := svc.ReverseDeductible(ctx, charge.ID, agentID)
		require.Error(t, err)
		assert.True(t, faults.IsConflict(err))
	})
}

func TestChargeService_LandlordCharges(t *testing.T) {
	db := setupTestDB(t, "test_db_charge_landlord")
	svc := NewChargeService(db)
	ctx := context.Background()

	landlordID := utils.NewSixID()
	agentID := utils.NewSixID()
	sept := utils.Month{Year: 2025, Month: time.September}
	inSept := time.Date(2025, time.September, 5, 0, 0, 0, 0, time.UTC)

	charge := &models.LandlordCharge{
		LandlordID:    landlordID,
		Label:         "Taxe fonciere",
		Amount:        utils.NewMoney(30000),
		EffectiveDate: inSept,
	}
	require.NoError(t, svc.CreateLandlordCharge(ctx, charge))

	total, err := svc.TotalLandlordCharges(ctx, landlordID, sept)
	require.NoError(t, err)
	assert.True(t, total.IsZero(), "pending landlord charge should not count")

	require.NoError(t, svc.ValidateLandlordCharge(ctx, charge.ID, agentID))

	total, err = svc.TotalLandlordCharges(ctx, landlordID, sept)
	require.NoError(t, err)
	assert.Equal(t, "30000", total.Decimal.String())

	reversal, err := svc.ReverseLandlordCharge(ctx, charge.ID, agentID)
	require.NoError(t, err)
	assert.Equal(t, "-30000", reversal.Amount.Decimal.String())

	total, err = svc.TotalLandlordCharges(ctx, landlordID, sept)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}
