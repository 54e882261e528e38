package db

import (
	"context"
	"errors"
	"log"
	"strings"

	"go.mongodb.org/mongo-driver/mongo"
)

// WithTransaction runs fn inside a MongoDB transaction when the deployment
// supports one (replica set or mongos). Standalone servers reject the
// transaction machinery, in which case fn runs directly; callers pair this
// with unique indexes and compensating deletes so the invariants hold either
// way.
func WithTransaction(ctx context.Context, client *mongo.Client, fn func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		// Already inside a session: join the surrounding transaction instead
		// of opening a nested one.
		return fn(ctx)
	}

	session, err := client.StartSession()
	if err != nil {
		return fn(ctx)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	if err != nil && isTransactionUnsupported(err) {
		log.Printf("MongoDB transactions unavailable, executing without session: %v", err)
		return fn(ctx)
	}
	return err
}

func isTransactionUnsupported(err error) bool {
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == 20 {
		// IllegalOperation is what standalone servers answer with.
		return true
	}
	return strings.Contains(err.Error(), "transaction numbers are only allowed")
}
