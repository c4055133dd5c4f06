package pricing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/meridian/order-engine/domain"
	"github.com/meridian/order-engine/pricing"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal {
	return domain.MustDecimal(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

const tomatoes = domain.ProductID("prod-tomato")

// =============================================================================
// MARKET POLICY
// =============================================================================

func TestResolve_Market_ChargesReferenceRate(t *testing.T) {
	// GIVEN: A market-policy customer and a posted reference rate of 40
	// WHEN: Resolving without an override
	// THEN: The rate is the reference rate, nothing is locked

	customer := &domain.Customer{PricingPolicy: domain.PricingMarket}

	res := pricing.Resolve(customer, tomatoes, decPtr("40"), nil)

	assert.True(t, res.Rate.Equal(dec("40.00")))
	assert.False(t, res.IsLocked)
	assert.False(t, res.FallbackUsed)
	assert.False(t, res.ShouldPersistContractRate)
}

func TestResolve_Market_OverrideWins(t *testing.T) {
	customer := &domain.Customer{PricingPolicy: domain.PricingMarket}

	res := pricing.Resolve(customer, tomatoes, decPtr("40"), decPtr("95"))

	assert.True(t, res.Rate.Equal(dec("95.00")))
	assert.False(t, res.FallbackUsed)
}

func TestResolve_Market_MissingRateFallsBackToZero(t *testing.T) {
	// GIVEN: No reference rate posted for the product
	// WHEN: Resolving without an override
	// THEN: Rate is zero and the fallback is flagged for the caller

	customer := &domain.Customer{PricingPolicy: domain.PricingMarket}

	res := pricing.Resolve(customer, tomatoes, nil, nil)

	assert.True(t, res.Rate.IsZero())
	assert.True(t, res.FallbackUsed)
}

// =============================================================================
// MARKUP POLICY
// =============================================================================

func TestResolve_Markup_AddsPercentage(t *testing.T) {
	// GIVEN: A markup customer at 10% and a reference rate of 100
	// WHEN: Resolving
	// THEN: The rate is 110.00

	customer := &domain.Customer{
		PricingPolicy: domain.PricingMarkup,
		MarkupPercent: dec("10"),
	}

	res := pricing.Resolve(customer, tomatoes, decPtr("100"), nil)

	assert.Equal(t, "110.00", res.Rate.StringFixed(2))
	assert.False(t, res.FallbackUsed)
}

func TestResolve_Markup_RoundsHalfUp(t *testing.T) {
	// 33.33 * 1.125 = 37.49625 -> 37.50
	customer := &domain.Customer{
		PricingPolicy: domain.PricingMarkup,
		MarkupPercent: dec("12.5"),
	}

	res := pricing.Resolve(customer, tomatoes, decPtr("33.33"), nil)

	assert.Equal(t, "37.50", res.Rate.StringFixed(2))
}

func TestResolve_Markup_OverrideSkipsMarkup(t *testing.T) {
	customer := &domain.Customer{
		PricingPolicy: domain.PricingMarkup,
		MarkupPercent: dec("10"),
	}

	res := pricing.Resolve(customer, tomatoes, decPtr("100"), decPtr("95"))

	assert.Equal(t, "95.00", res.Rate.StringFixed(2))
}

// =============================================================================
// CONTRACT POLICY
// =============================================================================

func TestResolve_Contract_StoredRateIsImmuneToMarket(t *testing.T) {
	// GIVEN: A contract customer with tomatoes locked at 85
	// WHEN: The market rate moves to 120 and staff even supply an override
	// THEN: The stored contract rate still wins

	customer := &domain.Customer{
		PricingPolicy: domain.PricingContract,
		ContractRates: map[domain.ProductID]decimal.Decimal{tomatoes: dec("85")},
	}

	res := pricing.Resolve(customer, tomatoes, decPtr("120"), decPtr("90"))

	assert.Equal(t, "85.00", res.Rate.StringFixed(2))
	assert.True(t, res.IsLocked)
	assert.False(t, res.ShouldPersistContractRate)
}

func TestResolve_Contract_OverrideLocksInForFuture(t *testing.T) {
	// GIVEN: A contract customer with no rate for the product yet
	// WHEN: Staff supply an override of 95
	// THEN: 95 applies, is locked, and is flagged for persistence

	customer := &domain.Customer{PricingPolicy: domain.PricingContract}

	res := pricing.Resolve(customer, tomatoes, decPtr("120"), decPtr("95"))

	assert.Equal(t, "95.00", res.Rate.StringFixed(2))
	assert.True(t, res.IsLocked)
	assert.True(t, res.ShouldPersistContractRate)
}

func TestResolve_Contract_NoRateNoOverrideFallsBack(t *testing.T) {
	// GIVEN: A contract customer with no rate for the product
	// WHEN: Nobody supplies an override
	// THEN: The reference rate applies, unlocked, flagged as fallback

	customer := &domain.Customer{PricingPolicy: domain.PricingContract}

	res := pricing.Resolve(customer, tomatoes, decPtr("120"), nil)

	assert.Equal(t, "120.00", res.Rate.StringFixed(2))
	assert.False(t, res.IsLocked)
	assert.True(t, res.FallbackUsed)
	assert.False(t, res.ShouldPersistContractRate)
}

func TestResolve_NonPositiveOverrideIgnored(t *testing.T) {
	customer := &domain.Customer{PricingPolicy: domain.PricingMarket}

	res := pricing.Resolve(customer, tomatoes, decPtr("40"), decPtr("0"))

	assert.Equal(t, "40.00", res.Rate.StringFixed(2))
}

// =============================================================================
// LINE AMOUNTS
// =============================================================================

func TestLineAmount_RoundsOnce(t *testing.T) {
	// 2.5 kg * 33.33 = 83.325 -> 83.33 (half up)
	amount := pricing.LineAmount(dec("2.5"), dec("33.33"))
	assert.Equal(t, "83.33", amount.StringFixed(2))
}
