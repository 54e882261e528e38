package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/db"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/faults"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/models"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// RecapNotifier receives domain events after settlement state changes. The
// background task layer implements it; a nil notifier disables events.
type RecapNotifier interface {
	RecapComputed(ctx context.Context, recap *models.RecapMensuel) error
}

// ISettlementService computes and finalizes monthly landlord recaps.
type ISettlementService interface {
	// ComputeRecap aggregates one landlord's month and upserts the recap.
	// Recomputing an existing draft or computed recap overwrites its figures
	// in place; recomputing a finalized recap is rejected.
	ComputeRecap(ctx context.Context, landlordID utils.SixID, month utils.Month) (*models.RecapMensuel, error)
	// ComputeAllForMonth computes a recap for every landlord with at least one
	// active contract. Per-landlord failures are logged and skipped.
	ComputeAllForMonth(ctx context.Context, month utils.Month) ([]models.RecapMensuel, error)
	// Finalize freezes a computed recap so a withdrawal can snapshot it.
	Finalize(ctx context.Context, recapID utils.SixID) (*models.RecapMensuel, error)
	FindByID(ctx context.Context, recapID utils.SixID) (*models.RecapMensuel, error)
	FindByLandlordAndMonth(ctx context.Context, landlordID utils.SixID, month utils.Month) (*models.RecapMensuel, error)
}

type settlementService struct {
	db             *mongo.Database
	contracts      IContractService
	charges        IChargeService
	commissionRate decimal.Decimal
	notifier       RecapNotifier
}

// NewSettlementService creates a new SettlementService. notifier may be nil.
func NewSettlementService(database *mongo.Database, contracts IContractService, charges IChargeService,
	commissionRate decimal.Decimal, notifier RecapNotifier) ISettlementService {
	return &settlementService{
		db:             database,
		contracts:      contracts,
		charges:        charges,
		commissionRate: commissionRate,
		notifier:       notifier,
	}
}

func (s *settlementService) FindByID(ctx context.Context, recapID utils.SixID) (*models.RecapMensuel, error) {
	var recap models.RecapMensuel
	filter := bson.M{"_id": recapID, "deleted": false}
	err := s.db.Collection(models.RecapsCollection).FindOne(ctx, filter).Decode(&recap)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("recap %s not found: %w", recapID.String(), mongo.ErrNoDocuments)
		}
		return nil, fmt.Errorf("error finding recap %s: %w", recapID.String(), err)
	}
	return &recap, nil
}

func (s *settlementService) FindByLandlordAndMonth(ctx context.Context, landlordID utils.SixID, month utils.Month) (*models.RecapMensuel, error) {
	var recap models.RecapMensuel
	filter := bson.M{"landlord_id": landlordID, "month": month, "deleted": false}
	err := s.db.Collection(models.RecapsCollection).FindOne(ctx, filter).Decode(&recap)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, mongo.ErrNoDocuments
		}
		return nil, fmt.Errorf("error finding recap for landlord %s month %s: %w", landlordID.String(), month, err)
	}
	return &recap, nil
}

func (s *settlementService) ComputeRecap(ctx context.Context, landlordID utils.SixID, month utils.Month) (*models.RecapMensuel, error) {
	existing, err := s.FindByLandlordAndMonth(ctx, landlordID, month)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	if existing != nil && existing.Status == models.RecapStatusFinalized {
		return nil, &faults.ConflictError{Op: "recap.compute",
			Key: fmt.Sprintf("%s/%s: recap is finalized", landlordID.String(), month)}
	}
	if existing != nil {
		// The row goes back to draft while aggregation runs, so it cannot be
		// finalized or back a withdrawal mid-recompute.
		draftFilter := bson.M{"_id": existing.ID, "deleted": false, "status": bson.M{"$ne": models.RecapStatusFinalized}}
		draftSet := bson.M{"$set": bson.M{"status": models.RecapStatusDraft, "updated_at": time.Now().UTC()}}
		result, dErr := s.db.Collection(models.RecapsCollection).UpdateOne(ctx, draftFilter, draftSet)
		if dErr != nil {
			return nil, fmt.Errorf("failed to mark recap %s as draft: %w", existing.ID.String(), dErr)
		}
		if result.MatchedCount == 0 {
			// Finalized between the read and the write.
			return nil, &faults.ConflictError{Op: "recap.compute",
				Key: fmt.Sprintf("%s/%s: recap is finalized", landlordID.String(), month)}
		}
	}

	contracts, err := s.contracts.FindActiveByLandlord(ctx, landlordID)
	if err != nil {
		return nil, err
	}

	gross := utils.ZeroMoney()
	deductible := utils.ZeroMoney()
	contractCount := 0
	paymentCount := 0

	for i := range contracts {
		contract := &contracts[i]
		n, cErr := s.countCoveringPayments(ctx, contract.ID, month)
		if cErr != nil {
			return nil, cErr
		}
		if n > 0 {
			if !contract.MonthlyRent.Decimal.IsPositive() {
				return nil, &faults.InconsistentDataError{Entity: "contract", ID: contract.Number,
					Reason: fmt.Sprintf("landlord %s month %s: covered by a payment but monthly rent is not positive", landlordID.String(), month)}
			}
			// A covered month contributes the nominal monthly rent exactly
			// once, regardless of how many payments claim it or what they
			// were worth.
			gross = gross.Add(contract.MonthlyRent)
			contractCount++
			paymentCount += n
		}

		d, dErr := s.charges.TotalDeductible(ctx, contract.ID, month)
		if dErr != nil {
			return nil, dErr
		}
		deductible = deductible.Add(d)
	}

	landlordCharges, err := s.charges.TotalLandlordCharges(ctx, landlordID, month)
	if err != nil {
		return nil, err
	}

	net := gross.Sub(deductible).Sub(landlordCharges).FloorZero()
	commission := net.MulRate(s.commissionRate)
	paid := net.Sub(commission)

	now := time.Now().UTC()
	recap := &models.RecapMensuel{
		LandlordID:        landlordID,
		Month:             month,
		GrossRent:         gross,
		DeductibleCharges: deductible,
		LandlordCharges:   landlordCharges,
		NetPayable:        net,
		Commission:        commission,
		AmountPaid:        paid,
		ContractCount:     contractCount,
		PaymentCount:      paymentCount,
		Status:            models.RecapStatusComputed,
		UpdatedAt:         now,
	}

	if existing != nil {
		recap.Base = existing.Base
		recap.CreatedAt = existing.CreatedAt
		filter := bson.M{"_id": existing.ID, "deleted": false, "status": bson.M{"$ne": models.RecapStatusFinalized}}
		result, upErr := s.db.Collection(models.RecapsCollection).ReplaceOne(ctx, filter, recap)
		if upErr != nil {
			return nil, fmt.Errorf("failed to update recap %s: %w", existing.ID.String(), upErr)
		}
		if result.MatchedCount == 0 {
			// Finalized between the read and the write.
			return nil, &faults.ConflictError{Op: "recap.compute",
				Key: fmt.Sprintf("%s/%s: recap is finalized", landlordID.String(), month)}
		}
	} else {
		recap.GenID()
		recap.CreatedAt = now
		err = db.Try(func() error {
			_, insErr := s.db.Collection(models.RecapsCollection).InsertOne(ctx, recap)
			if db.IsMongoDuplicateKeyError(insErr) {
				// A concurrent compute won the insert; overwrite its figures.
				current, findErr := s.FindByLandlordAndMonth(ctx, landlordID, month)
				if findErr != nil {
					return findErr
				}
				if current.Status == models.RecapStatusFinalized {
					return &faults.ConflictError{Op: "recap.compute",
						Key: fmt.Sprintf("%s/%s: recap is finalized", landlordID.String(), month), Err: insErr}
				}
				recap.Base = current.Base
				recap.CreatedAt = current.CreatedAt
				_, repErr := s.db.Collection(models.RecapsCollection).ReplaceOne(ctx, bson.M{"_id": current.ID}, recap)
				return repErr
			}
			return insErr
		})
		if err != nil {
			var conflict *faults.ConflictError
			if errors.As(err, &conflict) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to insert recap for landlord %s month %s: %w", landlordID.String(), month, err)
		}
	}

	if s.notifier != nil {
		if nErr := s.notifier.RecapComputed(ctx, recap); nErr != nil {
			log.Printf("failed to enqueue recap computed event for %s: %v", recap.ID.String(), nErr)
		}
	}
	return recap, nil
}

func (s *settlementService) ComputeAllForMonth(ctx context.Context, month utils.Month) ([]models.RecapMensuel, error) {
	ids, err := s.db.Collection(models.ContractsCollection).Distinct(ctx, "landlord_id",
		bson.M{"active": true, "deleted": false})
	if err != nil {
		return nil, fmt.Errorf("failed to list landlords with active contracts: %w", err)
	}

	var recaps []models.RecapMensuel
	for _, raw := range ids {
		// Distinct yields the raw BSON value, BinData for SixID fields.
		bin, ok := raw.(primitive.Binary)
		if !ok || len(bin.Data) != 6 {
			log.Printf("skipping landlord id of unexpected type %T", raw)
			continue
		}
		var landlordID utils.SixID
		copy(landlordID[:], bin.Data)
		recap, cErr := s.ComputeRecap(ctx, landlordID, month)
		if cErr != nil {
			log.Printf("failed to compute recap for landlord %s month %s: %v", landlordID.String(), month, cErr)
			continue
		}
		recaps = append(recaps, *recap)
	}
	return recaps, nil
}

// Finalize flips a computed recap to finalized with a compare-and-set, so a
// recap cannot be finalized twice or finalized from draft.
func (s *settlementService) Finalize(ctx context.Context, recapID utils.SixID) (*models.RecapMensuel, error) {
	now := time.Now().UTC()
	filter := bson.M{"_id": recapID, "status": models.RecapStatusComputed, "deleted": false}
	update := bson.M{"$set": bson.M{
		"status":       models.RecapStatusFinalized,
		"finalized_at": now,
		"updated_at":   now,
	}}
	result, err := s.db.Collection(models.RecapsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return nil, fmt.Errorf("db error finalizing recap %s: %w", recapID.String(), err)
	}
	if result.MatchedCount == 0 {
		return nil, &faults.ConflictError{Op: "recap.finalize", Key: recapID.String() + ": recap is not in computed state"}
	}
	return s.FindByID(ctx, recapID)
}

// countCoveringPayments counts validated payments whose covered months include
// the given month. Cancelled and pending payments never contribute.
func (s *settlementService) countCoveringPayments(ctx context.Context, contractID utils.SixID, month utils.Month) (int, error) {
	filter := bson.M{
		"contract_id":    contractID,
		"status":         models.PaymentStatusValidated,
		"covered_months": month,
		"deleted":        false,
	}
	n, err := s.db.Collection(models.PaymentsCollection).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count payments covering %s for contract %s: %w", month, contractID.String(), err)
	}
	return int(n), nil
}
