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

// WithdrawalNotifier receives domain events after withdrawal state changes.
// The background task layer implements it; a nil notifier disables events.
type WithdrawalNotifier interface {
	WithdrawalStateChanged(ctx context.Context, withdrawal *models.WithdrawalRequest) error
}

// IWithdrawalService manages landlord payout requests. A request snapshots the
// recap's figures at creation and keeps them frozen for its whole life; at
// most one non-cancelled request exists per landlord and month.
type IWithdrawalService interface {
	// CreateFromRecap opens a pending withdrawal from a computed recap,
	// finalizing the recap in the same operation.
	CreateFromRecap(ctx context.Context, recapID utils.SixID, mode string) (*models.WithdrawalRequest, error)
	Validate(ctx context.Context, withdrawalID utils.SixID, validatedBy utils.SixID) (*models.WithdrawalRequest, error)
	// MarkPaid records the actual payout with its bank reference.
	MarkPaid(ctx context.Context, withdrawalID utils.SixID, paidBy utils.SixID, paymentRef string) (*models.WithdrawalRequest, error)
	// Cancel exits the lifecycle from pending or validated and frees the
	// landlord/month slot for a new request.
	Cancel(ctx context.Context, withdrawalID utils.SixID, reason string) (*models.WithdrawalRequest, error)
	// AttachReceipt records the archive object key of the payout receipt on a
	// paid withdrawal.
	AttachReceipt(ctx context.Context, withdrawalID utils.SixID, objectKey string) error
	FindByID(ctx context.Context, withdrawalID utils.SixID) (*models.WithdrawalRequest, error)
	FindByLandlord(ctx context.Context, landlordID utils.SixID) ([]models.WithdrawalRequest, error)
}

type withdrawalService struct {
	db          *mongo.Database
	settlements ISettlementService
	sequences   ISequenceService
	notifier    WithdrawalNotifier
}

// NewWithdrawalService creates a new WithdrawalService. notifier may be nil.
func NewWithdrawalService(database *mongo.Database, settlements ISettlementService, sequences ISequenceService,
	notifier WithdrawalNotifier) IWithdrawalService {
	return &withdrawalService{
		db:          database,
		settlements: settlements,
		sequences:   sequences,
		notifier:    notifier,
	}
}

func (s *withdrawalService) FindByID(ctx context.Context, withdrawalID utils.SixID) (*models.WithdrawalRequest, error) {
	var withdrawal models.WithdrawalRequest
	filter := bson.M{"_id": withdrawalID, "deleted": false}
	err := s.db.Collection(models.WithdrawalsCollection).FindOne(ctx, filter).Decode(&withdrawal)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("withdrawal %s not found: %w", withdrawalID.String(), mongo.ErrNoDocuments)
		}
		return nil, fmt.Errorf("error finding withdrawal %s: %w", withdrawalID.String(), err)
	}
	return &withdrawal, nil
}

func (s *withdrawalService) FindByLandlord(ctx context.Context, landlordID utils.SixID) ([]models.WithdrawalRequest, error) {
	filter := bson.M{"landlord_id": landlordID, "deleted": false}
	cursor, err := s.db.Collection(models.WithdrawalsCollection).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawals of landlord %s: %w", landlordID.String(), err)
	}
	defer cursor.Close(ctx)

	var withdrawals []models.WithdrawalRequest
	if err = cursor.All(ctx, &withdrawals); err != nil {
		return nil, fmt.Errorf("failed to decode withdrawals of landlord %s: %w", landlordID.String(), err)
	}
	return withdrawals, nil
}

func (s *withdrawalService) CreateFromRecap(ctx context.Context, recapID utils.SixID, mode string) (*models.WithdrawalRequest, error) {
	recap, err := s.settlements.FindByID(ctx, recapID)
	if err != nil {
		return nil, err
	}
	// A computed recap gets finalized below; a finalized one can back a
	// replacement request after a cancellation. Drafts never can.
	if recap.Status != models.RecapStatusComputed && recap.Status != models.RecapStatusFinalized {
		return nil, &faults.ConflictError{Op: "withdrawal.create",
			Key: fmt.Sprintf("%s: recap is %s, only computed or finalized recaps can back a withdrawal", recapID.String(), recap.Status)}
	}

	// Application-level check first; the partial unique index catches races.
	existingFilter := bson.M{"landlord_id": recap.LandlordID, "month": recap.Month, "active": true}
	count, err := s.db.Collection(models.WithdrawalsCollection).CountDocuments(ctx, existingFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing withdrawals: %w", err)
	}
	if count > 0 {
		return nil, &faults.ConflictError{Op: "withdrawal.create",
			Key: fmt.Sprintf("%s/%s: a non-cancelled withdrawal already exists", recap.LandlordID.String(), recap.Month)}
	}

	now := time.Now().UTC()
	number, err := s.sequences.Allocate(ctx, EntityWithdrawal, now)
	if err != nil {
		return nil, err
	}

	withdrawal := &models.WithdrawalRequest{
		Base:       models.NewBase(),
		Number:     number,
		LandlordID: recap.LandlordID,
		Month:      recap.Month,
		RecapID:    &recap.ID,

		GrossRent:         recap.GrossRent,
		DeductibleCharges: recap.DeductibleCharges,
		LandlordCharges:   recap.LandlordCharges,
		NetPayable:        recap.NetPayable,
		Commission:        recap.Commission,
		AmountPaid:        recap.AmountPaid,

		Status:      models.WithdrawalStatusPending,
		Active:      true,
		Mode:        mode,
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = db.WithTransaction(ctx, s.db.Client(), func(tc context.Context) error {
		if _, insErr := s.db.Collection(models.WithdrawalsCollection).InsertOne(tc, withdrawal); insErr != nil {
			if db.IsMongoDuplicateKeyError(insErr) {
				return &faults.ConflictError{Op: "withdrawal.create",
					Key: fmt.Sprintf("%s/%s: a non-cancelled withdrawal already exists", recap.LandlordID.String(), recap.Month), Err: insErr}
			}
			return fmt.Errorf("failed to insert withdrawal %s: %w", number, insErr)
		}
		if recap.Status == models.RecapStatusComputed {
			if _, finErr := s.settlements.Finalize(tc, recap.ID); finErr != nil {
				// Undo the insert so the slot is not burned on a recap that
				// slipped out of computed state.
				if _, delErr := s.db.Collection(models.WithdrawalsCollection).DeleteOne(tc, bson.M{"_id": withdrawal.ID}); delErr != nil {
					log.Printf("failed to compensate withdrawal %s after finalize error: %v", number, delErr)
				}
				return finErr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, withdrawal)
	return withdrawal, nil
}

func (s *withdrawalService) Validate(ctx context.Context, withdrawalID utils.SixID, validatedBy utils.SixID) (*models.WithdrawalRequest, error) {
	now := time.Now().UTC()
	return s.transition(ctx, withdrawalID,
		bson.M{"status": models.WithdrawalStatusPending},
		bson.M{
			"status":       models.WithdrawalStatusValidated,
			"validated_by": validatedBy,
			"validated_at": now,
			"updated_at":   now,
		}, "validate")
}

func (s *withdrawalService) MarkPaid(ctx context.Context, withdrawalID utils.SixID, paidBy utils.SixID, paymentRef string) (*models.WithdrawalRequest, error) {
	now := time.Now().UTC()
	return s.transition(ctx, withdrawalID,
		bson.M{"status": models.WithdrawalStatusValidated},
		bson.M{
			"status":      models.WithdrawalStatusPaid,
			"paid_by":     paidBy,
			"paid_at":     now,
			"payment_ref": paymentRef,
			"updated_at":  now,
		}, "mark_paid")
}

func (s *withdrawalService) Cancel(ctx context.Context, withdrawalID utils.SixID, reason string) (*models.WithdrawalRequest, error) {
	now := time.Now().UTC()
	return s.transition(ctx, withdrawalID,
		bson.M{"status": bson.M{"$in": []models.WithdrawalStatus{
			models.WithdrawalStatusPending,
			models.WithdrawalStatusValidated,
		}}},
		bson.M{
			"status":        models.WithdrawalStatusCancelled,
			"active":        false,
			"cancelled_at":  now,
			"cancel_reason": reason,
			"updated_at":    now,
		}, "cancel")
}

func (s *withdrawalService) AttachReceipt(ctx context.Context, withdrawalID utils.SixID, objectKey string) error {
	filter := bson.M{"_id": withdrawalID, "status": models.WithdrawalStatusPaid, "deleted": false}
	update := bson.M{"$set": bson.M{
		"receipt_key": objectKey,
		"updated_at":  time.Now().UTC(),
	}}
	result, err := s.db.Collection(models.WithdrawalsCollection).UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("db error attaching receipt to withdrawal %s: %w", withdrawalID.String(), err)
	}
	if result.MatchedCount == 0 {
		return &faults.ConflictError{Op: "withdrawal.attach_receipt",
			Key: withdrawalID.String() + ": not paid"}
	}
	return nil
}

// transition applies a compare-and-set lifecycle move: the filter pins the
// states the move is legal from, so concurrent operators cannot double-apply
// it. Monetary fields are never part of the update.
func (s *withdrawalService) transition(ctx context.Context, withdrawalID utils.SixID, statusFilter, set bson.M, op string) (*models.WithdrawalRequest, error) {
	filter := bson.M{"_id": withdrawalID, "deleted": false}
	for k, v := range statusFilter {
		filter[k] = v
	}
	result, err := s.db.Collection(models.WithdrawalsCollection).UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return nil, fmt.Errorf("db error on withdrawal %s %s: %w", withdrawalID.String(), op, err)
	}
	if result.MatchedCount == 0 {
		return nil, &faults.ConflictError{Op: "withdrawal." + op,
			Key: withdrawalID.String() + ": not in a state this transition is legal from"}
	}
	withdrawal, err := s.FindByID(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, withdrawal)
	return withdrawal, nil
}

func (s *withdrawalService) notify(ctx context.Context, withdrawal *models.WithdrawalRequest) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.WithdrawalStateChanged(ctx, withdrawal); err != nil {
		log.Printf("failed to enqueue withdrawal event for %s: %v", withdrawal.Number, err)
	}
}
