package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/db"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/faults"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/models"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// AllocationMode selects how an advance payment is mapped to covered months.
// It is a closed set: either the walker picks months automatically from the
// contract's next unpaid month, or the caller names them.
type AllocationMode interface {
	isAllocationMode()
}

// Automatic lets the allocator walk forward from the contract's next unpaid
// month, consuming the payment amount plus any carried remainder one nominal
// rent at a time.
type Automatic struct{}

func (Automatic) isAllocationMode() {}

// Manual allocates exactly the named months, each at the nominal monthly rent.
// The payment amount must equal the months' total; there is no remainder to
// carry and the carry balance is not touched.
type Manual struct {
	Months []utils.Month
}

func (Manual) isAllocationMode() {}

// AllocationResult reports what an allocation did.
type AllocationResult struct {
	Months       []utils.Month
	Consumptions []models.AdvanceConsumption
	NewCarry     utils.Money
}

// IAdvanceService tracks which future months a contract's advance payments
// cover. Allocation and release are each atomic with the contract state
// update: either the consumption records and the contract's pointer and carry
// balance all change, or none do.
type IAdvanceService interface {
	Allocate(ctx context.Context, payment *models.Payment, mode AllocationMode) (*AllocationResult, error)
	Release(ctx context.Context, payment *models.Payment) error
	CoveredMonths(ctx context.Context, contractID utils.SixID) ([]utils.Month, error)
}

type advanceService struct {
	db        *mongo.Database
	contracts IContractService
}

// NewAdvanceService creates a new AdvanceService.
func NewAdvanceService(database *mongo.Database, contracts IContractService) IAdvanceService {
	return &advanceService{db: database, contracts: contracts}
}

func (s *advanceService) CoveredMonths(ctx context.Context, contractID utils.SixID) ([]utils.Month, error) {
	filter := bson.M{"contract_id": contractID, "status": models.ConsumptionStatusActive}
	opts := options.Find().SetSort(bson.D{{Key: "month", Value: 1}})
	cursor, err := s.db.Collection(models.ConsumptionsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query consumptions for contract %s: %w", contractID.String(), err)
	}
	defer cursor.Close(ctx)

	var records []models.AdvanceConsumption
	if err = cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode consumptions for contract %s: %w", contractID.String(), err)
	}
	months := make([]utils.Month, 0, len(records))
	for _, r := range records {
		months = append(months, r.Month)
	}
	return months, nil
}

// Allocate maps the payment to covered months per the mode and persists the
// consumption records together with the contract's updated pointer and carry.
func (s *advanceService) Allocate(ctx context.Context, payment *models.Payment, mode AllocationMode) (*AllocationResult, error) {
	contract, err := s.contracts.FindByID(ctx, payment.ContractID)
	if err != nil {
		return nil, err
	}
	if !contract.MonthlyRent.Decimal.IsPositive() {
		return nil, &faults.InconsistentDataError{Entity: "contract", ID: contract.Number, Reason: "monthly rent must be positive to allocate an advance"}
	}

	covered, err := s.coveredSet(ctx, contract.ID)
	if err != nil {
		return nil, err
	}

	var months []utils.Month
	newCarry := contract.CarryBalance
	auto := false

	switch m := mode.(type) {
	case Automatic:
		auto = true
		months, newCarry, err = walkMonths(contract, payment.Amount, covered)
		if err != nil {
			return nil, err
		}
	case Manual:
		if len(m.Months) == 0 {
			return nil, &faults.InconsistentDataError{Entity: "payment", ID: payment.Number, Reason: "manual allocation names no months"}
		}
		seen := make(map[utils.Month]bool, len(m.Months))
		for _, month := range m.Months {
			if month.IsZero() {
				return nil, &faults.InconsistentDataError{Entity: "payment", ID: payment.Number, Reason: "manual allocation contains an empty month"}
			}
			if seen[month] {
				return nil, &faults.ConflictError{Op: "advance.allocate", Key: allocationKey(contract.ID, month)}
			}
			seen[month] = true
		}
		// Manual mode has no carry to absorb a remainder, so anything other
		// than the exact total would vanish from the ledger.
		needed := contract.MonthlyRent.MulInt(int64(len(m.Months)))
		if payment.Amount.Cmp(needed) != 0 {
			return nil, &faults.InconsistentDataError{Entity: "payment", ID: payment.Number,
				Reason: fmt.Sprintf("amount %s does not equal %d months at %s", payment.Amount, len(m.Months), contract.MonthlyRent)}
		}
		months = m.Months
	default:
		return nil, &faults.InconsistentDataError{Entity: "payment", ID: payment.Number, Reason: "unknown allocation mode"}
	}

	for _, month := range months {
		if covered[month] {
			return nil, &faults.ConflictError{Op: "advance.allocate", Key: allocationKey(contract.ID, month)}
		}
	}

	now := time.Now().UTC()
	consumptions := make([]models.AdvanceConsumption, 0, len(months))
	for _, month := range months {
		c := models.AdvanceConsumption{
			ContractID: contract.ID,
			PaymentID:  payment.ID,
			Month:      month,
			Amount:     contract.MonthlyRent,
			Status:     models.ConsumptionStatusActive,
			Auto:       auto,
			CreatedAt:  now,
		}
		c.GenIDIfEmpty()
		consumptions = append(consumptions, c)
	}

	pointer := advancePointer(contract.NextUnpaidMonth, covered, months)

	err = db.WithTransaction(ctx, s.db.Client(), func(tc context.Context) error {
		for i := range consumptions {
			if _, insErr := s.db.Collection(models.ConsumptionsCollection).InsertOne(tc, consumptions[i]); insErr != nil {
				s.compensate(tc, payment.ID)
				if db.IsMongoDuplicateKeyError(insErr) {
					return &faults.ConflictError{Op: "advance.allocate", Key: allocationKey(contract.ID, consumptions[i].Month), Err: insErr}
				}
				return fmt.Errorf("failed to insert consumption for %s: %w", consumptions[i].Month, insErr)
			}
		}
		if upErr := s.contracts.UpdateAdvanceState(tc, contract.ID, pointer, newCarry); upErr != nil {
			s.compensate(tc, payment.ID)
			return upErr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &AllocationResult{Months: months, Consumptions: consumptions, NewCarry: newCarry}, nil
}

// Release flips the payment's active consumptions to released and rewinds the
// contract pointer, restoring the carry balance for automatic allocations.
// Releasing a payment with no active consumptions is a no-op.
func (s *advanceService) Release(ctx context.Context, payment *models.Payment) error {
	filter := bson.M{"payment_id": payment.ID, "status": models.ConsumptionStatusActive}
	cursor, err := s.db.Collection(models.ConsumptionsCollection).Find(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to query consumptions of payment %s: %w", payment.Number, err)
	}
	var records []models.AdvanceConsumption
	if err = cursor.All(ctx, &records); err != nil {
		return fmt.Errorf("failed to decode consumptions of payment %s: %w", payment.Number, err)
	}
	if len(records) == 0 {
		return nil
	}

	contract, err := s.contracts.FindByID(ctx, payment.ContractID)
	if err != nil {
		return err
	}

	earliest := records[0].Month
	consumed := utils.ZeroMoney()
	auto := false
	for _, r := range records {
		if r.Month.Before(earliest) {
			earliest = r.Month
		}
		consumed = consumed.Add(r.Amount)
		if r.Auto {
			auto = true
		}
	}

	carry := contract.CarryBalance
	if auto {
		// Undo the automatic walk: the payment brought its face amount, the
		// allocation consumed n months of rent, the rest went into carry.
		carry = carry.Add(consumed).Sub(payment.Amount)
		if carry.IsNegative() {
			log.Printf("carry balance for contract %s went negative on release of %s, clamping to zero", contract.Number, payment.Number)
			carry = utils.ZeroMoney()
		}
	}

	pointer := contract.NextUnpaidMonth
	if earliest.Before(pointer) {
		pointer = earliest
	}

	released := make(map[utils.Month]bool, len(records))
	for _, r := range records {
		released[r.Month] = true
	}

	return db.WithTransaction(ctx, s.db.Client(), func(tc context.Context) error {
		now := time.Now().UTC()
		update := bson.M{"$set": bson.M{
			"status":      models.ConsumptionStatusReleased,
			"released_at": now,
		}}
		if _, upErr := s.db.Collection(models.ConsumptionsCollection).UpdateMany(tc, filter, update); upErr != nil {
			return fmt.Errorf("failed to release consumptions of payment %s: %w", payment.Number, upErr)
		}

		// The pointer must land on the earliest month no longer covered.
		stillCovered, cvErr := s.coveredSet(tc, contract.ID)
		if cvErr != nil {
			return cvErr
		}
		for m := range released {
			delete(stillCovered, m)
		}
		pointer = advancePointer(pointer, stillCovered, nil)

		return s.contracts.UpdateAdvanceState(tc, contract.ID, pointer, carry)
	})
}

// coveredSet loads the contract's active covered months as a set.
func (s *advanceService) coveredSet(ctx context.Context, contractID utils.SixID) (map[utils.Month]bool, error) {
	months, err := s.CoveredMonths(ctx, contractID)
	if err != nil {
		return nil, err
	}
	set := make(map[utils.Month]bool, len(months))
	for _, m := range months {
		set[m] = true
	}
	return set, nil
}

// compensate removes any consumption rows a failed allocation left behind.
// Inside a real transaction the abort already does this; on standalone
// deployments the delete is what keeps the failure atomic.
func (s *advanceService) compensate(ctx context.Context, paymentID utils.SixID) {
	filter := bson.M{"payment_id": paymentID, "status": models.ConsumptionStatusActive}
	if _, err := s.db.Collection(models.ConsumptionsCollection).DeleteMany(ctx, filter); err != nil {
		log.Printf("failed to compensate allocation of payment %s: %v", paymentID.String(), err)
	}
}

// walkMonths runs the automatic allocator: starting at the contract's next
// unpaid month, it consumes one nominal rent per month from the payment amount
// plus the carried remainder, skipping months already covered, until less than
// one month's rent is left. The leftover becomes the new carry balance.
func walkMonths(contract *models.Contract, amount utils.Money, covered map[utils.Month]bool) ([]utils.Month, utils.Money, error) {
	if contract.NextUnpaidMonth.IsZero() {
		return nil, utils.Money{}, &faults.InconsistentDataError{Entity: "contract", ID: contract.Number, Reason: "contract has no next unpaid month to allocate from"}
	}

	available := amount.Add(contract.CarryBalance)
	rent := contract.MonthlyRent

	var months []utils.Month
	cursor := contract.NextUnpaidMonth
	for available.Cmp(rent) >= 0 {
		for covered[cursor] {
			cursor = cursor.Next()
		}
		months = append(months, cursor)
		available = available.Sub(rent)
		cursor = cursor.Next()
	}
	return months, available, nil
}

// advancePointer moves the pointer forward past every covered month, including
// the ones being allocated right now.
func advancePointer(pointer utils.Month, covered map[utils.Month]bool, adding []utils.Month) utils.Month {
	all := make(map[utils.Month]bool, len(covered)+len(adding))
	for m := range covered {
		all[m] = true
	}
	for _, m := range adding {
		all[m] = true
	}
	for all[pointer] {
		pointer = pointer.Next()
	}
	return pointer
}

func allocationKey(contractID utils.SixID, month utils.Month) string {
	return contractID.String() + "/" + month.String()
}
