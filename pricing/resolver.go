/*
Package pricing resolves the effective unit rate for a (customer, product)
pair under the three pricing policies.

PURPOSE:
  One pure function. Given the customer's policy, the day's reference rate
  and an optional staff override, it decides the rate, whether the rate is
  locked (contract), whether a fallback was used, and whether the caller
  should persist the rate as a new contract rate.

PRIORITY ORDER:
  1. contract policy + stored rate        -> stored rate, locked, no override
  2. contract policy + no stored rate     -> positive override becomes the
     new contract rate (persisted by the CALLER, keeping this resolver
     pure); otherwise reference rate with FallbackUsed
  3. markup policy                        -> override, else reference rate
     marked up by MarkupPercent
  4. market policy                        -> override, else reference rate

ROUNDING:
  Rates round to 2 decimals half-up, exactly once per computed value.
  A missing/zero reference rate resolves to 0 with FallbackUsed set.
*/
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/meridian/order-engine/domain"
)

// Resolution is the outcome of resolving one line's rate.
type Resolution struct {
	Rate     decimal.Decimal
	IsLocked bool
	// FallbackUsed flags that no real price source applied and the
	// reference rate (possibly zero) was charged.
	FallbackUsed bool
	// ShouldPersistContractRate tells the caller to write Rate into the
	// customer's contract-rate map. The resolver itself never writes.
	ShouldPersistContractRate bool
}

// Resolve computes the effective unit rate. referenceRate may be nil when no
// rate was posted for the day; override is a staff-supplied rate or nil.
func Resolve(customer *domain.Customer, productID domain.ProductID, referenceRate, override *decimal.Decimal) Resolution {
	ref := decimal.Zero
	refMissing := true
	if referenceRate != nil && referenceRate.IsPositive() {
		ref = *referenceRate
		refMissing = false
	}

	hasOverride := override != nil && override.IsPositive()

	switch customer.PricingPolicy {
	case domain.PricingContract:
		if rate, ok := customer.ContractRate(productID); ok {
			// Locked: overrides never apply to an existing contract rate.
			return Resolution{Rate: domain.Round2(rate), IsLocked: true}
		}
		if hasOverride {
			return Resolution{
				Rate:                      domain.Round2(*override),
				IsLocked:                  true,
				ShouldPersistContractRate: true,
			}
		}
		return Resolution{Rate: domain.Round2(ref), FallbackUsed: true}

	case domain.PricingMarkup:
		if hasOverride {
			return Resolution{Rate: domain.Round2(*override)}
		}
		multiplier := decimal.NewFromInt(1).Add(customer.MarkupPercent.Div(decimal.NewFromInt(100)))
		return Resolution{Rate: domain.Round2(ref.Mul(multiplier)), FallbackUsed: refMissing}

	default: // market
		if hasOverride {
			return Resolution{Rate: domain.Round2(*override)}
		}
		return Resolution{Rate: domain.Round2(ref), FallbackUsed: refMissing}
	}
}

// LineAmount computes the monetary amount for a quantity at a rate,
// rounded once.
func LineAmount(quantity, rate decimal.Decimal) decimal.Decimal {
	return domain.Round2(quantity.Mul(rate))
}
