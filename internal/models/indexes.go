package models

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names shared by the services.
const (
	ContractsCollection    = "contracts"
	PaymentsCollection     = "payments"
	ConsumptionsCollection = "advance_consumptions"
	ChargesCollection      = "deductible_charges"
	LandlordChargesColl    = "landlord_charges"
	RecapsCollection       = "recaps_mensuels"
	WithdrawalsCollection  = "retraits_bailleur"
	SequencesCollection    = "sequence_counters"
)

// EnsureIndexes creates the unique and partial unique indexes the engine's
// invariants lean on. The partial filters mirror the application-level checks:
// the database constraint is a backstop, not the only line of defense.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	type spec struct {
		collection string
		model      mongo.IndexModel
	}
	specs := []spec{
		{PaymentsCollection, mongo.IndexModel{
			Keys:    bson.D{{Key: "number", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{WithdrawalsCollection, mongo.IndexModel{
			Keys:    bson.D{{Key: "number", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		// One active consumption per contract and month.
		{ConsumptionsCollection, mongo.IndexModel{
			Keys: bson.D{{Key: "contract_id", Value: 1}, {Key: "month", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(ConsumptionStatusActive)}),
		}},
		// One non-soft-deleted recap per landlord and month.
		{RecapsCollection, mongo.IndexModel{
			Keys: bson.D{{Key: "landlord_id", Value: 1}, {Key: "month", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"deleted": false}),
		}},
		// One non-cancelled withdrawal per landlord and month.
		{WithdrawalsCollection, mongo.IndexModel{
			Keys: bson.D{{Key: "landlord_id", Value: 1}, {Key: "month", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		}},
		{ChargesCollection, mongo.IndexModel{
			Keys: bson.D{{Key: "contract_id", Value: 1}, {Key: "effective_date", Value: 1}},
		}},
		{LandlordChargesColl, mongo.IndexModel{
			Keys: bson.D{{Key: "landlord_id", Value: 1}, {Key: "effective_date", Value: 1}},
		}},
		{ContractsCollection, mongo.IndexModel{
			Keys: bson.D{{Key: "landlord_id", Value: 1}, {Key: "active", Value: 1}},
		}},
	}

	for _, s := range specs {
		if _, err := db.Collection(s.collection).Indexes().CreateOne(ctx, s.model); err != nil {
			return fmt.Errorf("failed to create index on %s: %w", s.collection, err)
		}
	}
	return nil
}
