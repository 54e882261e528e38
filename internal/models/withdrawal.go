package models

import (
	"time"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// WithdrawalStatus is the payout request lifecycle: pending -> validated ->
// paid, with a side exit to cancelled from pending or validated.
type WithdrawalStatus string

const (
	WithdrawalStatusPending   WithdrawalStatus = "pending"
	WithdrawalStatusValidated WithdrawalStatus = "validated"
	WithdrawalStatusPaid      WithdrawalStatus = "paid"
	WithdrawalStatusCancelled WithdrawalStatus = "cancelled"
)

// WithdrawalRequest is a landlord's request to be paid out for a month. The
// monetary fields are snapshotted from the recap at creation time and stay
// frozen even if the recap is later recomputed. Active tracks "counts toward
// the one-per-landlord-per-month slot" explicitly so the partial unique index
// and the application check agree.
type WithdrawalRequest struct {
	Base       `bson:",inline"`
	Number     string       `bson:"number" json:"number"` // allocated identifier, e.g. RET-2025-0001
	LandlordID utils.SixID  `bson:"landlord_id" json:"landlord_id"`
	Month      utils.Month  `bson:"month" json:"month"`
	RecapID    *utils.SixID `bson:"recap_id,omitempty" json:"recap_id,omitempty"`

	GrossRent         utils.Money `bson:"gross_rent" json:"gross_rent"`
	DeductibleCharges utils.Money `bson:"deductible_charges" json:"deductible_charges"`
	LandlordCharges   utils.Money `bson:"landlord_charges" json:"landlord_charges"`
	NetPayable        utils.Money `bson:"net_payable" json:"net_payable"`
	Commission        utils.Money `bson:"commission" json:"commission"`
	AmountPaid        utils.Money `bson:"amount_paid" json:"amount_paid"`

	Status WithdrawalStatus `bson:"status" json:"status"`
	Active bool             `bson:"active" json:"-"` // false once cancelled
	Mode   string           `bson:"mode,omitempty" json:"mode,omitempty"`

	// ReceiptKey is the archive object key of the payout receipt, set by the
	// background worker after the withdrawal is paid.
	ReceiptKey string `bson:"receipt_key,omitempty" json:"receipt_key,omitempty"`

	RequestedAt  time.Time    `bson:"requested_at" json:"requested_at"`
	ValidatedBy  *utils.SixID `bson:"validated_by,omitempty" json:"validated_by,omitempty"`
	ValidatedAt  *time.Time   `bson:"validated_at,omitempty" json:"validated_at,omitempty"`
	PaidBy       *utils.SixID `bson:"paid_by,omitempty" json:"paid_by,omitempty"`
	PaidAt       *time.Time   `bson:"paid_at,omitempty" json:"paid_at,omitempty"`
	PaymentRef   string       `bson:"payment_ref,omitempty" json:"payment_ref,omitempty"` // cheque number or transfer reference
	CancelledAt  *time.Time   `bson:"cancelled_at,omitempty" json:"cancelled_at,omitempty"`
	CancelReason string       `bson:"cancel_reason,omitempty" json:"cancel_reason,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
	Deleted   bool      `bson:"deleted" json:"-"`
}
