package models

import (
	"time"

	"github.com/koudougoulaurent/appli-KBIS-sub008/internal/utils"
)

// Contract is the engine's read model of a lease. Contract terms are owned by
// the surrounding application; the engine only advances NextUnpaidMonth and
// CarryBalance as payments are validated and cancelled.
type Contract struct {
	Base        `bson:",inline"`
	Number      string      `bson:"number" json:"number"`
	LandlordID  utils.SixID `bson:"landlord_id" json:"landlord_id"`
	TenantID    utils.SixID `bson:"tenant_id" json:"tenant_id"`
	PropertyID  utils.SixID `bson:"property_id,omitempty" json:"property_id,omitempty"`
	MonthlyRent utils.Money `bson:"monthly_rent" json:"monthly_rent"`
	StartDate   time.Time   `bson:"start_date" json:"start_date"`
	Active      bool        `bson:"active" json:"active"`

	// NextUnpaidMonth is where automatic advance allocation starts walking.
	NextUnpaidMonth utils.Month `bson:"next_unpaid_month" json:"next_unpaid_month"`
	// CarryBalance holds the sub-month remainder of the last advance, to be
	// combined with the next payment rather than lost.
	CarryBalance utils.Money `bson:"carry_balance" json:"carry_balance"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
	Deleted   bool      `bson:"deleted" json:"-"`
}
