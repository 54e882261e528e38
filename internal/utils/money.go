package utils

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// Money is an exact decimal amount. It wraps shopspring's decimal so monetary
// fields survive BSON round-trips without float drift: the value is stored as
// its canonical decimal string.
type Money struct {
	decimal.Decimal
}

// NewMoney creates a Money from an integer amount of whole currency units.
func NewMoney(units int64) Money {
	return Money{decimal.NewFromInt(units)}
}

// MoneyFromString parses a decimal string into a Money.
func MoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("invalid money amount %q: %w", s, err)
	}
	return Money{d}, nil
}

// ZeroMoney returns the zero amount.
func ZeroMoney() Money {
	return Money{decimal.Zero}
}

func (m Money) Add(other Money) Money {
	return Money{m.Decimal.Add(other.Decimal)}
}

func (m Money) Sub(other Money) Money {
	return Money{m.Decimal.Sub(other.Decimal)}
}

// MulRate multiplies the amount by a rate (e.g. a commission percentage
// expressed as 0.10) and rounds to 2 decimal places.
func (m Money) MulRate(rate decimal.Decimal) Money {
	return Money{m.Decimal.Mul(rate).Round(2)}
}

// MulInt multiplies the amount by a whole number of parts.
func (m Money) MulInt(n int64) Money {
	return Money{m.Decimal.Mul(decimal.NewFromInt(n))}
}

// DivInt divides the amount evenly across n parts, rounded to 2 decimal places.
func (m Money) DivInt(n int64) Money {
	return Money{m.Decimal.Div(decimal.NewFromInt(n)).Round(2)}
}

// FloorZero clamps negative amounts to zero. Settlement nets are never negative.
func (m Money) FloorZero() Money {
	if m.Decimal.IsNegative() {
		return ZeroMoney()
	}
	return m
}

func (m Money) IsZero() bool {
	return m.Decimal.IsZero()
}

func (m Money) IsNegative() bool {
	return m.Decimal.IsNegative()
}

// Cmp returns -1, 0 or 1 comparing m against other.
func (m Money) Cmp(other Money) int {
	return m.Decimal.Cmp(other.Decimal)
}

// Neg returns the negated amount. Used for reversing charge entries.
func (m Money) Neg() Money {
	return Money{m.Decimal.Neg()}
}

// MarshalBSONValue stores the amount as a decimal string.
func (m Money) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(m.Decimal.String())
}

// UnmarshalBSONValue restores the amount from its string form. A null BSON
// value decodes as zero so absent fields read as an empty balance.
func (m *Money) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	if t == bsontype.Null {
		m.Decimal = decimal.Zero
		return nil
	}
	var s string
	if err := bson.UnmarshalValue(t, data, &s); err != nil {
		return errors.New("invalid BSON value for Money: expected string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid stored money amount %q: %w", s, err)
	}
	m.Decimal = d
	return nil
}
