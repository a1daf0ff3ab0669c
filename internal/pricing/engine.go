package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value stored in minor units.
type Money = int64

var (
	// ErrInvalidInput is returned when the pricing input fails validation.
	ErrInvalidInput = errors.New("pricing: invalid input")
	// ErrPercentOutOfRange is returned for a discount percentage outside [0,100].
	ErrPercentOutOfRange = errors.New("pricing: discount percentage out of range")
)

// Rule is a bulk-discount tier: batches of at least MinStudents students
// receive the discount expressed in basis points of a percent.
type Rule struct {
	MinStudents int32
	PercentBps  int32
}

// Input describes one batch pricing request. BaseFee is the per-student fee
// in minor units; Rules may be empty.
type Input struct {
	BaseFee      Money
	StudentCount int
	Rules        []Rule
}

// Result aggregates the computed pricing components, all in minor units.
// The struct is comparable by value so identical inputs yield identical
// results under ==.
type Result struct {
	BaseAmount         Money
	DiscountBps        int32
	DiscountAmount     Money
	TotalAmount        Money
	StudentCount       int
	RuleMatched        bool
	MinStudentsMatched int32
}

// ResolveDiscount selects the tightest-fitting tier the student count
// qualifies for: among rules with MinStudents <= count, the largest
// MinStudents wins. The threshold is inclusive. With duplicate thresholds
// the first encountered rule is kept. No qualifying rule yields zero
// percent with ok false.
func ResolveDiscount(studentCount int, rules []Rule) (percentBps int32, matched int32, ok bool) {
	for i := range rules {
		r := rules[i]
		if r.MinStudents <= 0 || int(r.MinStudents) > studentCount {
			continue
		}
		if !ok || r.MinStudents > matched {
			matched = r.MinStudents
			percentBps = r.PercentBps
			ok = true
		}
	}
	if !ok {
		return 0, 0, false
	}
	return percentBps, matched, true
}

// ComputeTotal derives the full pricing breakdown for a batch. All
// arithmetic happens on minor-unit integers so results are exact to the
// paisa/cent; the percentage step rounds half up at minor-unit precision.
func ComputeTotal(in Input) (Result, error) {
	if in.BaseFee < 0 {
		return Result{}, fmt.Errorf("%w: base fee must not be negative", ErrInvalidInput)
	}
	if in.StudentCount <= 0 {
		return Result{}, fmt.Errorf("%w: student count must be positive", ErrInvalidInput)
	}
	for _, r := range in.Rules {
		if r.PercentBps < 0 || r.PercentBps > 10000 {
			return Result{}, fmt.Errorf("%w: rule for %d students", ErrPercentOutOfRange, r.MinStudents)
		}
	}

	base := in.BaseFee * Money(in.StudentCount)
	bps, matched, ok := ResolveDiscount(in.StudentCount, in.Rules)
	discount := roundHalfUpBps(base, bps)
	if discount > base {
		discount = base
	}
	return Result{
		BaseAmount:         base,
		DiscountBps:        bps,
		DiscountAmount:     discount,
		TotalAmount:        base - discount,
		StudentCount:       in.StudentCount,
		RuleMatched:        ok,
		MinStudentsMatched: matched,
	}, nil
}

// roundHalfUpBps applies a basis-point percentage to a non-negative
// minor-unit amount, rounding half up.
func roundHalfUpBps(amount Money, bps int32) Money {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	return (amount*Money(bps) + 5000) / 10000
}

// PercentToBps converts a decimal percentage in [0,100] to basis points.
// Fractions finer than a hundredth of a percent are rejected rather than
// silently rounded.
func PercentToBps(percent decimal.Decimal) (int32, error) {
	if percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(100)) {
		return 0, ErrPercentOutOfRange
	}
	scaled := percent.Mul(decimal.NewFromInt(100))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: more than two decimal places", ErrPercentOutOfRange)
	}
	return int32(scaled.IntPart()), nil
}

// BpsToPercent renders basis points back as a decimal percentage.
func BpsToPercent(bps int32) decimal.Decimal {
	return decimal.New(int64(bps), -2)
}
