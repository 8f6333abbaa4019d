/*
policy.go - Accrual and redemption arithmetic

PURPOSE:
  Holds the program constants and the pure functions that turn a balance
  snapshot plus an amount into the next balance. No I/O happens here, so
  every rule is testable without a store.

ACCRUAL (purchase):
  pointsEarned = floor(amount * AccrualPointsPerUnit)
  tiersCrossed = floor(new / BonusTierPoints) - floor(prev / BonusTierPoints)
  bonusAwarded = tiersCrossed * BonusPerTier

  Example with defaults: 480 points + purchase of 540.00
    -> 1020 points, tiers 0 -> 2, bonus +20.00

REDEMPTION (withdrawal):
  pointsToDeduct = ceil(amount * RedemptionPointsPerUnit)   (merchant's favor)
  requires pointsToDeduct <= points, then amount <= bonusBalance
  newBonus = round2(bonus - amount)

BOUNDS:
  Point totals are int64. CheckAmount rejects amounts whose scaled points
  do not fit, and Accrue rejects purchases that would overflow the balance.

INDEPENDENT CONSTANTS:
  RedemptionPointsPerUnit (50) happens to equal BonusTierPoints/BonusPerTier
  (500/10). It is configured on its own and never derived from the others.
*/
package loyalty

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var maxPoints = decimal.NewFromInt(math.MaxInt64)

// Policy holds the loyalty program constants.
type Policy struct {
	AccrualPointsPerUnit    int64
	BonusTierPoints         int64
	BonusPerTier            decimal.Decimal
	RedemptionPointsPerUnit int64
}

// DefaultPolicy returns 1 point per unit, 10.00 bonus per 500 points and a
// redemption cost of 50 points per unit withdrawn.
func DefaultPolicy() Policy {
	return Policy{
		AccrualPointsPerUnit:    1,
		BonusTierPoints:         500,
		BonusPerTier:            decimal.NewFromInt(10),
		RedemptionPointsPerUnit: 50,
	}
}

// Validate rejects non-positive constants.
func (p Policy) Validate() error {
	switch {
	case p.AccrualPointsPerUnit <= 0:
		return fmt.Errorf("%w: accrual points per unit must be positive", ErrInvalidPolicy)
	case p.BonusTierPoints <= 0:
		return fmt.Errorf("%w: bonus tier points must be positive", ErrInvalidPolicy)
	case !p.BonusPerTier.IsPositive():
		return fmt.Errorf("%w: bonus per tier must be positive", ErrInvalidPolicy)
	case p.RedemptionPointsPerUnit <= 0:
		return fmt.Errorf("%w: redemption points per unit must be positive", ErrInvalidPolicy)
	}
	return nil
}

// CheckAmount runs ValidateAmount and also rejects amounts whose accrual or
// redemption points fall outside int64.
func (p Policy) CheckAmount(amount decimal.Decimal) error {
	if err := ValidateAmount(amount); err != nil {
		return err
	}
	rate := max(p.AccrualPointsPerUnit, p.RedemptionPointsPerUnit)
	if amount.Mul(decimal.NewFromInt(rate)).Ceil().GreaterThan(maxPoints) {
		return &InvalidAmountError{Amount: amount, Reason: "too large"}
	}
	return nil
}

// =============================================================================
// ACCRUAL
// =============================================================================

// Accrual is the outcome of applying a purchase to a balance snapshot.
type Accrual struct {
	PointsEarned    int64
	BonusAwarded    decimal.Decimal
	NewPoints       int64
	NewBonusBalance decimal.Decimal
}

// PointsEarned returns the points for a purchase; fractional units earn nothing.
// amount must have passed CheckAmount.
func (p Policy) PointsEarned(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(p.AccrualPointsPerUnit)).Floor().IntPart()
}

// TiersCrossed counts the bonus tiers passed going from prev to next points.
// Both values are non-negative, so integer division is floor division.
func (p Policy) TiersCrossed(prev, next int64) int64 {
	return next/p.BonusTierPoints - prev/p.BonusTierPoints
}

// Accrue applies a purchase of amount to the given snapshot. It fails with
// an InvalidAmountError when the amount is out of range or the new point
// total would overflow.
func (p Policy) Accrue(points int64, bonus, amount decimal.Decimal) (Accrual, error) {
	if err := p.CheckAmount(amount); err != nil {
		return Accrual{}, err
	}
	earned := p.PointsEarned(amount)
	if earned > math.MaxInt64-points {
		return Accrual{}, &InvalidAmountError{Amount: amount, Reason: "points balance would overflow"}
	}
	next := points + earned
	awarded := p.BonusPerTier.Mul(decimal.NewFromInt(p.TiersCrossed(points, next)))
	return Accrual{
		PointsEarned:    earned,
		BonusAwarded:    awarded,
		NewPoints:       next,
		NewBonusBalance: Round2(bonus.Add(awarded)),
	}, nil
}

// =============================================================================
// REDEMPTION
// =============================================================================

// Redemption is the outcome of applying a withdrawal to a balance snapshot.
type Redemption struct {
	PointsDeducted  int64
	NewPoints       int64
	NewBonusBalance decimal.Decimal
}

// RedemptionCost returns the points a withdrawal of amount consumes.
// amount must have passed CheckAmount.
func (p Policy) RedemptionCost(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(p.RedemptionPointsPerUnit)).Ceil().IntPart()
}

// Redeem validates and applies a withdrawal against c. Points are checked
// before the bonus balance; both errors report the snapshot's balances.
func (p Policy) Redeem(c Customer, amount decimal.Decimal) (Redemption, error) {
	if err := p.CheckAmount(amount); err != nil {
		return Redemption{}, err
	}
	cost := p.RedemptionCost(amount)
	if cost > c.Points {
		return Redemption{}, &InsufficientPointsError{
			CustomerID:   c.ID,
			Available:    c.Points,
			Requested:    cost,
			BonusBalance: c.BonusBalance,
		}
	}
	if amount.GreaterThan(c.BonusBalance) {
		return Redemption{}, &InsufficientBalanceError{
			CustomerID: c.ID,
			Available:  c.BonusBalance,
			Requested:  amount,
			Points:     c.Points,
		}
	}
	return Redemption{
		PointsDeducted:  cost,
		NewPoints:       c.Points - cost,
		NewBonusBalance: Round2(c.BonusBalance.Sub(amount)),
	}, nil
}
