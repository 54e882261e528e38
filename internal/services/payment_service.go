package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/db"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/faults"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/models"
	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// IPaymentService records and transitions payments. Validation is what makes
// a payment count: it stamps the covered months through the advance tracker,
// and cancellation releases them again.
type IPaymentService interface {
	// Create inserts a pending payment with a freshly allocated number. If the
	// number collides with an existing record, the fallback identifier is used
	// and the collision is logged.
	Create(ctx context.Context, payment *models.Payment) error
	// Validate moves a pending payment to validated and, for rent and advance
	// payments, allocates the months it covers. mode nil means automatic.
	Validate(ctx context.Context, paymentID utils.SixID, validatedBy utils.SixID, mode AllocationMode) (*models.Payment, error)
	// Cancel moves a payment to cancelled and releases any months it covered.
	Cancel(ctx context.Context, paymentID utils.SixID) (*models.Payment, error)
	FindByID(ctx context.Context, paymentID utils.SixID) (*models.Payment, error)
	FindByNumber(ctx context.Context, number string) (*models.Payment, error)
	FindByContract(ctx context.Context, contractID utils.SixID) ([]models.Payment, error)
}

type paymentService struct {
	db        *mongo.Database
	sequences ISequenceService
	advances  IAdvanceService
}

// NewPaymentService creates a new PaymentService.
func NewPaymentService(database *mongo.Database, sequences ISequenceService, advances IAdvanceService) IPaymentService {
	return &paymentService{db: database, sequences: sequences, advances: advances}
}

func (s *paymentService) FindByID(ctx context.Context, paymentID utils.SixID) (*models.Payment, error) {
	var payment models.Payment
	filter := bson.M{"_id": paymentID, "deleted": false}
	err := s.db.Collection(models.PaymentsCollection).FindOne(ctx, filter).Decode(&payment)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("payment %s not found: %w", paymentID.String(), mongo.ErrNoDocuments)
		}
		return nil, fmt.Errorf("error finding payment %s: %w", paymentID.String(), err)
	}
	return &payment, nil
}

func (s *paymentService) FindByNumber(ctx context.Context, number string) (*models.Payment, error) {
	var payment models.Payment
	filter := bson.M{"number": number, "deleted": false}
	err := s.db.Collection(models.PaymentsCollection).FindOne(ctx, filter).Decode(&payment)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("payment %s not found: %w", number, mongo.ErrNoDocuments)
		}
		return nil, fmt.Errorf("error finding payment %s: %w", number, err)
	}
	return &payment, nil
}

func (s *paymentService) FindByContract(ctx context.Context, contractID utils.SixID) ([]models.Payment, error) {
	filter := bson.M{"contract_id": contractID, "deleted": false}
	cursor, err := s.db.Collection(models.PaymentsCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments of contract %s: %w", contractID.String(), err)
	}
	defer cursor.Close(ctx)

	var payments []models.Payment
	if err = cursor.All(ctx, &payments); err != nil {
		return nil, fmt.Errorf("failed to decode payments of contract %s: %w", contractID.String(), err)
	}
	return payments, nil
}

func (s *paymentService) Create(ctx context.Context, payment *models.Payment) error {
	if !payment.Amount.Decimal.IsPositive() {
		return &faults.InconsistentDataError{Entity: "payment", ID: payment.Number, Reason: "payment amount must be positive"}
	}
	switch payment.Type {
	case models.PaymentTypeRent, models.PaymentTypeDeposit, models.PaymentTypeAdvance, models.PaymentTypeChargeSettlement:
	default:
		return &faults.InconsistentDataError{Entity: "payment", ID: payment.Number, Reason: fmt.Sprintf("unknown payment type %q", payment.Type)}
	}

	now := time.Now().UTC()
	if payment.PaidAt.IsZero() {
		payment.PaidAt = now
	}
	payment.GenIDIfEmpty()
	payment.Status = models.PaymentStatusPending
	payment.CoveredMonths = nil
	payment.CreatedAt = now
	payment.UpdatedAt = now

	number, err := s.sequences.Allocate(ctx, EntityPayment, payment.PaidAt)
	if err != nil {
		return err
	}
	payment.Number = number

	_, err = s.db.Collection(models.PaymentsCollection).InsertOne(ctx, payment)
	if db.IsMongoDuplicateKeyError(err) {
		// The counter said the number was fresh but a record already carries
		// it (manual insert, restored backup). Fall back to a collision-proof
		// identifier; this is an anomaly worth a log line, not a failure.
		fallback, fbErr := s.sequences.Fallback(EntityPayment, payment.PaidAt)
		if fbErr != nil {
			return fbErr
		}
		log.Printf("payment number %s already taken, falling back to %s", number, fallback)
		payment.Number = fallback
		_, err = s.db.Collection(models.PaymentsCollection).InsertOne(ctx, payment)
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment %s: %w", payment.Number, err)
	}
	return nil
}

func (s *paymentService) Validate(ctx context.Context, paymentID utils.SixID, validatedBy utils.SixID, mode AllocationMode) (*models.Payment, error) {
	payment, err := s.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	// Claim the payment first so two operators cannot both allocate months.
	now := time.Now().UTC()
	claim := bson.M{"_id": paymentID, "status": models.PaymentStatusPending, "deleted": false}
	set := bson.M{"$set": bson.M{
		"status":       models.PaymentStatusValidated,
		"validated_by": validatedBy,
		"validated_at": now,
		"updated_at":   now,
	}}
	result, err := s.db.Collection(models.PaymentsCollection).UpdateOne(ctx, claim, set)
	if err != nil {
		return nil, fmt.Errorf("db error validating payment %s: %w", payment.Number, err)
	}
	if result.MatchedCount == 0 {
		return nil, &faults.ConflictError{Op: "payment.validate", Key: payment.Number + ": payment is not pending"}
	}

	if payment.Type == models.PaymentTypeRent || payment.Type == models.PaymentTypeAdvance {
		if mode == nil {
			mode = Automatic{}
		}
		// Allocation and the covered-months stamp commit together: a payment
		// must never count months whose consumptions do not exist, or the
		// other way around.
		var allocation *AllocationResult
		err = db.WithTransaction(ctx, s.db.Client(), func(tc context.Context) error {
			var allocErr error
			allocation, allocErr = s.advances.Allocate(tc, payment, mode)
			if allocErr != nil {
				return allocErr
			}
			update := bson.M{"$set": bson.M{"covered_months": allocation.Months, "updated_at": time.Now().UTC()}}
			if _, upErr := s.db.Collection(models.PaymentsCollection).UpdateOne(tc, bson.M{"_id": paymentID}, update); upErr != nil {
				return fmt.Errorf("failed to record covered months of payment %s: %w", payment.Number, upErr)
			}
			return nil
		})
		if err != nil {
			if allocation != nil {
				// A real transaction already rolled the allocation back; on a
				// standalone deployment the release is the compensation. It is
				// a no-op when no consumption stayed active.
				if relErr := s.advances.Release(ctx, payment); relErr != nil {
					log.Printf("failed to release allocation of payment %s after validation error: %v", payment.Number, relErr)
				}
			}
			s.revertClaim(ctx, paymentID)
			return nil, err
		}
	}

	return s.FindByID(ctx, paymentID)
}

// revertClaim puts a payment back to pending after a failed allocation.
func (s *paymentService) revertClaim(ctx context.Context, paymentID utils.SixID) {
	update := bson.M{
		"$set":   bson.M{"status": models.PaymentStatusPending, "updated_at": time.Now().UTC()},
		"$unset": bson.M{"validated_by": "", "validated_at": ""},
	}
	if _, err := s.db.Collection(models.PaymentsCollection).UpdateOne(ctx, bson.M{"_id": paymentID}, update); err != nil {
		log.Printf("failed to revert validation claim on payment %s: %v", paymentID.String(), err)
	}
}

func (s *paymentService) Cancel(ctx context.Context, paymentID utils.SixID) (*models.Payment, error) {
	payment, err := s.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status == models.PaymentStatusCancelled {
		return nil, &faults.ConflictError{Op: "payment.cancel", Key: payment.Number + ": payment is already cancelled"}
	}

	now := time.Now().UTC()
	// Pinning the status we read makes the flip a compare-and-set: a payment
	// validated or cancelled underneath us aborts the whole operation, release
	// included.
	filter := bson.M{"_id": paymentID, "status": payment.Status, "deleted": false}
	update := bson.M{
		"$set": bson.M{
			"status":       models.PaymentStatusCancelled,
			"cancelled_at": now,
			"updated_at":   now,
		},
		"$unset": bson.M{"covered_months": ""},
	}

	// Release and the status flip commit together, so a failure in between
	// cannot free the months while the payment still counts toward recaps.
	err = db.WithTransaction(ctx, s.db.Client(), func(tc context.Context) error {
		if payment.Status == models.PaymentStatusValidated {
			if relErr := s.advances.Release(tc, payment); relErr != nil {
				return relErr
			}
		}
		result, upErr := s.db.Collection(models.PaymentsCollection).UpdateOne(tc, filter, update)
		if upErr != nil {
			return fmt.Errorf("db error cancelling payment %s: %w", payment.Number, upErr)
		}
		if result.MatchedCount == 0 {
			return &faults.ConflictError{Op: "payment.cancel", Key: payment.Number + ": payment changed state during cancellation"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.FindByID(ctx, paymentID)
}
