package models

import (
	"time"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// ChargeStatus is the validation state of a charge. Only validated charges
// count toward settlement; a validated charge is immutable and corrections go
// through a reversing entry.
type ChargeStatus string

const (
	ChargeStatusPending   ChargeStatus = "pending"
	ChargeStatusValidated ChargeStatus = "validated"
	ChargeStatusRejected  ChargeStatus = "rejected"
)

// DeductibleCharge is a tenant-side expense subtracted from the rent owed to
// the landlord (repairs, works, supplies advanced by the tenant).
type DeductibleCharge struct {
	Base       `bson:",inline"`
	ContractID utils.SixID  `bson:"contract_id" json:"contract_id"`
	Label      string       `bson:"label" json:"label"`
	Amount     utils.Money  `bson:"amount" json:"amount"` // negative on reversing entries
	Deductible bool         `bson:"deductible" json:"deductible"`
	Status     ChargeStatus `bson:"status" json:"status"`

	// EffectiveDate places the charge in a settlement period; once validated
	// it is permanently counted in that period.
	EffectiveDate time.Time `bson:"effective_date" json:"effective_date"`

	// ReversesID links a reversing entry to the charge it negates.
	ReversesID *utils.SixID `bson:"reverses_id,omitempty" json:"reverses_id,omitempty"`

	ValidatedBy *utils.SixID `bson:"validated_by,omitempty" json:"validated_by,omitempty"`
	ValidatedAt *time.Time   `bson:"validated_at,omitempty" json:"validated_at,omitempty"`
	CreatedAt   time.Time    `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `bson:"updated_at" json:"updated_at"`
}

// LandlordCharge is a landlord-side expense the agency paid on the landlord's
// behalf, deducted from the monthly settlement.
type LandlordCharge struct {
	Base       `bson:",inline"`
	LandlordID utils.SixID  `bson:"landlord_id" json:"landlord_id"`
	Label      string       `bson:"label" json:"label"`
	Amount     utils.Money  `bson:"amount" json:"amount"`
	Status     ChargeStatus `bson:"status" json:"status"`

	EffectiveDate time.Time `bson:"effective_date" json:"effective_date"`

	ReversesID *utils.SixID `bson:"reverses_id,omitempty" json:"reverses_id,omitempty"`

	ValidatedBy *utils.SixID `bson:"validated_by,omitempty" json:"validated_by,omitempty"`
	ValidatedAt *time.Time   `bson:"validated_at,omitempty" json:"validated_at,omitempty"`
	CreatedAt   time.Time    `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time    `bson:"updated_at" json:"updated_at"`
}
