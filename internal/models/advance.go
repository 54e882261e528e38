package models

import (
	"time"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// ConsumptionStatus is an explicit lifecycle flag rather than a nullable
// deleted marker, so "at most one active record per contract and month" can be
// enforced both in application checks and by a partial unique index.
type ConsumptionStatus string

const (
	ConsumptionStatusActive   ConsumptionStatus = "active"
	ConsumptionStatusReleased ConsumptionStatus = "released"
)

// AdvanceConsumption links one covered future month to the payment that funded
// it. A (contract, month) pair may have at most one active record; releasing a
// payment flips its records to released, freeing the months again.
type AdvanceConsumption struct {
	Base       `bson:",inline"`
	ContractID utils.SixID       `bson:"contract_id" json:"contract_id"`
	PaymentID  utils.SixID       `bson:"payment_id" json:"payment_id"`
	Month      utils.Month       `bson:"month" json:"month"`
	Amount     utils.Money       `bson:"amount" json:"amount"` // nominal monthly rent consumed for this month
	Status     ConsumptionStatus `bson:"status" json:"status"`
	// Auto records whether the month was picked by the automatic walker.
	// Releasing an automatic allocation also restores the carry balance;
	// releasing a manual one leaves it untouched.
	Auto       bool              `bson:"auto" json:"auto"`
	CreatedAt  time.Time         `bson:"created_at" json:"created_at"`
	ReleasedAt *time.Time        `bson:"released_at,omitempty" json:"released_at,omitempty"`
}
