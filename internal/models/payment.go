package models

import (
	"time"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// PaymentType distinguishes what a payment settles.
type PaymentType string

const (
	PaymentTypeRent             PaymentType = "rent"
	PaymentTypeDeposit          PaymentType = "deposit"
	PaymentTypeAdvance          PaymentType = "advance"
	PaymentTypeChargeSettlement PaymentType = "charge_settlement"
)

// PaymentStatus is the payment lifecycle state. A payment is immutable once
// validated except for the transition to cancelled.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusValidated PaymentStatus = "validated"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Payment records money received against a contract. Rent and advance
// payments carry the months they cover; the covered set is written when the
// payment is validated and emptied again if it is cancelled.
type Payment struct {
	Base       `bson:",inline"`
	Number     string        `bson:"number" json:"number"` // allocated identifier, e.g. PAY-202508-0001
	ContractID utils.SixID   `bson:"contract_id" json:"contract_id"`
	Amount     utils.Money   `bson:"amount" json:"amount"`
	Type       PaymentType   `bson:"type" json:"type"`
	Status     PaymentStatus `bson:"status" json:"status"`
	Mode       string        `bson:"mode,omitempty" json:"mode,omitempty"` // virement / cheque / especes

	// CoveredMonths lists the months this payment pays for. Multi-month
	// advances list every covered month; each month contributes the
	// contract's nominal monthly rent to that month's gross, never the
	// payment's full face value.
	CoveredMonths []utils.Month `bson:"covered_months,omitempty" json:"covered_months,omitempty"`

	PaidAt      time.Time    `bson:"paid_at" json:"paid_at"` // business date, stamps the period token
	CreatedBy   utils.SixID  `bson:"created_by" json:"created_by"`
	ValidatedBy *utils.SixID `bson:"validated_by,omitempty" json:"validated_by,omitempty"`
	ValidatedAt *time.Time   `bson:"validated_at,omitempty" json:"validated_at,omitempty"`
	CancelledAt *time.Time   `bson:"cancelled_at,omitempty" json:"cancelled_at,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
	Deleted   bool      `bson:"deleted" json:"-"`
}
