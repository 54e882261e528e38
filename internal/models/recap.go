package models

import (
	"time"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// RecapStatus is the recap state machine: draft while aggregation runs,
// computed once it completes, finalized once a withdrawal snapshots it. A
// finalized recap's monetary fields are frozen.
type RecapStatus string

const (
	RecapStatusDraft     RecapStatus = "draft"
	RecapStatusComputed  RecapStatus = "computed"
	RecapStatusFinalized RecapStatus = "finalized"
)

// RecapMensuel is one landlord's monthly settlement summary: rent collected,
// charges deducted, agency commission and the net actually payable. At most
// one non-soft-deleted recap exists per (landlord, month); recomputing before
// finalization updates the row in place rather than duplicating it.
type RecapMensuel struct {
	Base       `bson:",inline"`
	LandlordID utils.SixID `bson:"landlord_id" json:"landlord_id"`
	Month      utils.Month `bson:"month" json:"month"`

	GrossRent         utils.Money `bson:"gross_rent" json:"gross_rent"`
	DeductibleCharges utils.Money `bson:"deductible_charges" json:"deductible_charges"`
	LandlordCharges   utils.Money `bson:"landlord_charges" json:"landlord_charges"`
	// NetPayable = gross - deductible - landlord charges, floored at zero.
	NetPayable utils.Money `bson:"net_payable" json:"net_payable"`
	// Commission = NetPayable x commission rate.
	Commission utils.Money `bson:"commission" json:"commission"`
	// AmountPaid = NetPayable - Commission. Landlord charges are already out
	// of NetPayable and are not subtracted a second time here.
	AmountPaid utils.Money `bson:"amount_paid" json:"amount_paid"`

	ContractCount int `bson:"contract_count" json:"contract_count"`
	PaymentCount  int `bson:"payment_count" json:"payment_count"`

	Status      RecapStatus `bson:"status" json:"status"`
	FinalizedAt *time.Time  `bson:"finalized_at,omitempty" json:"finalized_at,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
	Deleted   bool      `bson:"deleted" json:"-"`
}
