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

// IContractService reads lease contracts and maintains the engine-owned
// advance-tracking fields (next unpaid month pointer and carry balance).
type IContractService interface {
	FindByID(ctx context.Context, contractID utils.SixID) (*models.Contract, error)
	FindActiveByLandlord(ctx context.Context, landlordID utils.SixID) ([]models.Contract, error)
	Create(ctx context.Context, contract *models.Contract) error
	UpdateAdvanceState(ctx context.Context, contractID utils.SixID, nextUnpaid utils.Month, carry utils.Money) error
}

type contractService struct {
	db *mongo.Database
}

// NewContractService creates a new ContractService.
func NewContractService(database *mongo.Database) IContractService {
	return &contractService{db: database}
}

func (s *contractService) FindByID(ctx context.Context, contractID utils.SixID) (*models.Contract, error) {
	var contract models.Contract
	filter := bson.M{"_id": contractID, "deleted": false}
	err := s.db.Collection(models.ContractsCollection).FindOne(ctx, filter).Decode(&contract)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("contract %s not found: %w", contractID.String(), mongo.ErrNoDocuments)
		}
		return nil, fmt.Errorf("error finding contract %s: %w", contractID.String(), err)
	}
	return &contract, nil
}

func (s *contractService) FindActiveByLandlord(ctx context.Context, landlordID utils.SixID) ([]models.Contract, error) {
	filter := bson.M{"landlord_id": landlordID, "active": true, "deleted": false}
	cursor, err := s.db.Collection(models.ContractsCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query contracts for landlord %s: %w", landlordID.String(), err)
	}
	defer cursor.Close(ctx)

	var contracts []models.Contract
	if err = cursor.All(ctx, &contracts); err != nil {
		return nil, fmt.Errorf("failed to decode contracts for landlord %s: %w", landlordID.String(), err)
	}
	return contracts, nil
}

// Create inserts a contract read model. The surrounding application owns the
// contract terms; the engine needs the row present to track advances against.
func (s *contractService) Create(ctx context.Context, contract *models.Contract) error {
	if contract.MonthlyRent.IsNegative() || contract.MonthlyRent.IsZero() {
		return &faults.InconsistentDataError{Entity: "contract", ID: contract.Number, Reason: "monthly rent must be positive"}
	}
	if contract.LandlordID == (utils.SixID{}) {
		return &faults.InconsistentDataError{Entity: "contract", ID: contract.Number, Reason: "contract has no landlord"}
	}
	contract.GenIDIfEmpty()
	now := time.Now().UTC()
	contract.CreatedAt = now
	contract.UpdatedAt = now
	if contract.NextUnpaidMonth.IsZero() {
		contract.NextUnpaidMonth = utils.MonthOf(contract.StartDate)
	}
	if contract.CarryBalance.Decimal.IsZero() {
		contract.CarryBalance = utils.ZeroMoney()
	}
	if _, err := s.db.Collection(models.ContractsCollection).InsertOne(ctx, contract); err != nil {
		return fmt.Errorf("failed to insert contract %s: %w", contract.Number, err)
	}
	return nil
}

func (s *contractService) UpdateAdvanceState(ctx context.Context, contractID utils.SixID, nextUnpaid utils.Month, carry utils.Money) error {
	filter := bson.M{"_id": contractID, "deleted": false}
	update := bson.M{"$set": bson.M{
		"next_unpaid_month": nextUnpaid,
		"carry_balance":     carry,
		"updated_at":        time.Now().UTC(),
	}}
	result, err := s.db.Collection(models.ContractsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error updating advance state of contract %s: %w", contractID.String(), err)
	}
	if result.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}
