package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/faults"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/models"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// IChargeService is the charge ledger. Charges enter pending, get validated or
// rejected, and once validated are immutable: a wrong validated charge is
// corrected with a reversing entry, never edited in place. Settlement sums see
// validated entries only.
type IChargeService interface {
	CreateDeductible(ctx context.Context, charge *models.DeductibleCharge) error
	CreateLandlordCharge(ctx context.Context, charge *models.LandlordCharge) error
	ValidateDeductible(ctx context.Context, chargeID utils.SixID, validatedBy utils.SixID) error
	ValidateLandlordCharge(ctx context.Context, chargeID utils.SixID, validatedBy utils.SixID) error
	RejectDeductible(ctx context.Context, chargeID utils.SixID) error
	ReverseDeductible(ctx context.Context, chargeID utils.SixID, validatedBy utils.SixID) (*models.DeductibleCharge, error)
	ReverseLandlordCharge(ctx context.Context, chargeID utils.SixID, validatedBy utils.SixID) (*models.LandlordCharge, error)

	// TotalDeductible sums validated deductible charges of the contract with an
	// effective date inside the month.
	TotalDeductible(ctx context.Context, contractID utils.SixID, month utils.Month) (utils.Money, error)
	// TotalLandlordCharges sums validated landlord charges of the landlord with
	// an effective date inside the month.
	TotalLandlordCharges(ctx context.Context, landlordID utils.SixID, month utils.Month) (utils.Money, error)
}

type chargeService struct {
	db *mongo.Database
}

// NewChargeService creates a new ChargeService.
func NewChargeService(database *mongo.Database) IChargeService {
	return &chargeService{db: database}
}

func (s *chargeService) CreateDeductible(ctx context.Context, charge *models.DeductibleCharge) error {
	if charge.ReversesID == nil && charge.Amount.IsNegative() {
		return &faults.InconsistentDataError{Entity: "deductible_charge", ID: charge.Label, Reason: "charge amount must not be negative"}
	}
	charge.GenIDIfEmpty()
	charge.Status = models.ChargeStatusPending
	now := time.Now().UTC()
	charge.CreatedAt = now
	charge.UpdatedAt = now
	if charge.EffectiveDate.IsZero() {
		charge.EffectiveDate = now
	}
	if _, err := s.db.Collection(models.ChargesCollection).InsertOne(ctx, charge); err != nil {
		return fmt.Errorf("failed to insert deductible charge: %w", err)
	}
	return nil
}

func (s *chargeService) CreateLandlordCharge(ctx context.Context, charge *models.LandlordCharge) error {
	if charge.ReversesID == nil && charge.Amount.IsNegative() {
		return &faults.InconsistentDataError{Entity: "landlord_charge", ID: charge.Label, Reason: "charge amount must not be negative"}
	}
	charge.GenIDIfEmpty()
	charge.Status = models.ChargeStatusPending
	now := time.Now().UTC()
	charge.CreatedAt = now
	charge.UpdatedAt = now
	if charge.EffectiveDate.IsZero() {
		charge.EffectiveDate = now
	}
	if _, err := s.db.Collection(models.LandlordChargesColl).InsertOne(ctx, charge); err != nil {
		return fmt.Errorf("failed to insert landlord charge: %w", err)
	}
	return nil
}

// transitionCharge moves a pending charge in coll to the given status. The
// filter on the current status makes the transition a compare-and-set, so a
// charge cannot be validated twice or validated after rejection.
func (s *chargeService) transitionCharge(ctx context.Context, coll string, chargeID utils.SixID, to models.ChargeStatus, validatedBy *utils.SixID) error {
	now := time.Now().UTC()
	set := bson.M{"status": to, "updated_at": now}
	if to == models.ChargeStatusValidated {
		set["validated_by"] = validatedBy
		set["validated_at"] = now
	}
	filter := bson.M{"_id": chargeID, "status": models.ChargeStatusPending}
	result, err := s.db.Collection(coll).UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("db error transitioning charge %s to %s: %w", chargeID.String(), to, err)
	}
	if result.MatchedCount == 0 {
		return &faults.ConflictError{Op: "charge.transition", Key: fmt.Sprintf("%s->%s", chargeID.String(), to)}
	}
	return nil
}

func (s *chargeService) ValidateDeductible(ctx context.Context, chargeID utils.SixID, validatedBy utils.SixID) error {
	return s.transitionCharge(ctx, models.ChargesCollection, chargeID, models.ChargeStatusValidated, &validatedBy)
}

func (s *chargeService) ValidateLandlordCharge(ctx context.Context, chargeID utils.SixID, validatedBy utils.SixID) error {
	return s.transitionCharge(ctx, models.LandlordChargesColl, chargeID, models.ChargeStatusValidated, &validatedBy)
}

func (s *chargeService) RejectDeductible(ctx context.Context, chargeID utils.SixID) error {
	return s.transitionCharge(ctx, models.ChargesCollection, chargeID, models.ChargeStatusRejected, nil)
}

// ReverseDeductible creates and validates a negating entry for a validated
// charge, dated with the original's effective date so both land in the same
// settlement period and cancel out.
func (s *chargeService) ReverseDeductible(ctx context.Context, chargeID utils.SixID, validatedBy utils.SixID) (*models.DeductibleCharge, error) {
	var original models.DeductibleCharge
	err := s.db.Collection(models.ChargesCollection).FindOne(ctx, bson.M{"_id": chargeID}).Decode(&original)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("deductible charge %s not found: %w", chargeID.String(), mongo.ErrNoDocuments)
		}
		return nil, fmt.Errorf("error finding deductible charge %s: %w", chargeID.String(), err)
	}
	if original.Status != models.ChargeStatusValidated {
		return nil, &faults.ConflictError{Op: "charge.reverse", Key: chargeID.String() + ": only validated charges can be reversed"}
	}
	if already, err := s.hasReversal(ctx, models.ChargesCollection, chargeID); err != nil {
		return nil, err
	} else if already {
		return nil, &faults.ConflictError{Op: "charge.reverse", Key: chargeID.String() + ": already reversed"}
	}

	now := time.Now().UTC()
	reversal := models.DeductibleCharge{
		Base:          models.NewBase(),
		ContractID:    original.ContractID,
		Label:         "Annulation: " + original.Label,
		Amount:        original.Amount.Neg(),
		Deductible:    original.Deductible,
		Status:        models.ChargeStatusValidated,
		EffectiveDate: original.EffectiveDate,
		ReversesID:    &chargeID,
		ValidatedBy:   &validatedBy,
		ValidatedAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.db.Collection(models.ChargesCollection).InsertOne(ctx, reversal); err != nil {
		return nil, fmt.Errorf("failed to insert reversing entry for charge %s: %w", chargeID.String(), err)
	}
	return &reversal, nil
}

func (s *chargeService) ReverseLandlordCharge(ctx context.Context, chargeID utils.SixID, validatedBy utils.SixID) (*models.LandlordCharge, error) {
	var original models.LandlordCharge
	err := s.db.Collection(models.LandlordChargesColl).FindOne(ctx, bson.M{"_id": chargeID}).Decode(&original)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("landlord charge %s not found: %w", chargeID.String(), mongo.ErrNoDocuments)
		}
		return nil, fmt.Errorf("error finding landlord charge %s: %w", chargeID.String(), err)
	}
	if original.Status != models.ChargeStatusValidated {
		return nil, &faults.ConflictError{Op: "charge.reverse", Key: chargeID.String() + ": only validated charges can be reversed"}
	}
	if already, err := s.hasReversal(ctx, models.LandlordChargesColl, chargeID); err != nil {
		return nil, err
	} else if already {
		return nil, &faults.ConflictError{Op: "charge.reverse", Key: chargeID.String() + ": already reversed"}
	}

	now := time.Now().UTC()
	reversal := models.LandlordCharge{
		Base:          models.NewBase(),
		LandlordID:    original.LandlordID,
		Label:         "Annulation: " + original.Label,
		Amount:        original.Amount.Neg(),
		Status:        models.ChargeStatusValidated,
		EffectiveDate: original.EffectiveDate,
		ReversesID:    &chargeID,
		ValidatedBy:   &validatedBy,
		ValidatedAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.db.Collection(models.LandlordChargesColl).InsertOne(ctx, reversal); err != nil {
		return nil, fmt.Errorf("failed to insert reversing entry for charge %s: %w", chargeID.String(), err)
	}
	return &reversal, nil
}

func (s *chargeService) hasReversal(ctx context.Context, coll string, chargeID utils.SixID) (bool, error) {
	count, err := s.db.Collection(coll).CountDocuments(ctx, bson.M{"reverses_id": chargeID})
	if err != nil {
		return false, fmt.Errorf("failed to check reversals of charge %s: %w", chargeID.String(), err)
	}
	return count > 0, nil
}

func (s *chargeService) TotalDeductible(ctx context.Context, contractID utils.SixID, month utils.Month) (utils.Money, error) {
	filter := bson.M{
		"contract_id": contractID,
		"deductible":  true,
		"status":      models.ChargeStatusValidated,
		"effective_date": bson.M{
			"$gte": month.Start(),
			"$lt":  month.End(),
		},
	}
	return s.sumCharges(ctx, models.ChargesCollection, filter)
}

func (s *chargeService) TotalLandlordCharges(ctx context.Context, landlordID utils.SixID, month utils.Month) (utils.Money, error) {
	filter := bson.M{
		"landlord_id": landlordID,
		"status":      models.ChargeStatusValidated,
		"effective_date": bson.M{
			"$gte": month.Start(),
			"$lt":  month.End(),
		},
	}
	return s.sumCharges(ctx, models.LandlordChargesColl, filter)
}

// sumCharges adds amounts in application code. Amounts are stored as decimal
// strings, so a $sum aggregation over them would be wrong; a month's charge
// list is small enough to sum here.
func (s *chargeService) sumCharges(ctx context.Context, coll string, filter bson.M) (utils.Money, error) {
	cursor, err := s.db.Collection(coll).Find(ctx, filter)
	if err != nil {
		return utils.Money{}, fmt.Errorf("failed to query charges: %w", err)
	}
	defer cursor.Close(ctx)

	total := utils.ZeroMoney()
	for cursor.Next(ctx) {
		var doc struct {
			Amount utils.Money `bson:"amount"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return utils.Money{}, fmt.Errorf("failed to decode charge: %w", err)
		}
		total = total.Add(doc.Amount)
	}
	if err := cursor.Err(); err != nil {
		return utils.Money{}, fmt.Errorf("charge cursor error: %w", err)
	}
	return total, nil
}
