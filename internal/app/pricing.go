package app

import (
	"github.com/shopspring/decimal"
	"github.com/transfa/netting-service/internal/config"
	"github.com/transfa/netting-service/internal/domain"
)

var (
	legacyFeePercent     = decimal.RequireFromString("0.05")
	legacyRatePenalty    = decimal.RequireFromString("0.03")
	oneHundred           = decimal.NewFromInt(100)
	defaultSpreadPercent = decimal.RequireFromString("0.005")
	defaultFeePercent    = decimal.RequireFromString("0.005")
)

// PricingPolicy holds the spread and fee parameters applied to every transfer.
type PricingPolicy struct {
	SpreadPercent decimal.Decimal
	FeePercent    decimal.Decimal
	FeeMin        decimal.Decimal
	FeeMax        decimal.Decimal
}

// DefaultPricingPolicy is a 0.5% spread and a 0.5% fee bounded to [1, 50].
func DefaultPricingPolicy() PricingPolicy {
	return PricingPolicy{
		SpreadPercent: defaultSpreadPercent,
		FeePercent:    defaultFeePercent,
		FeeMin:        decimal.NewFromInt(1),
		FeeMax:        decimal.NewFromInt(50),
	}
}

// PricingPolicyFromConfig reads the pricing parameters, falling back to the defaults when
// the configuration was never loaded.
func PricingPolicyFromConfig(cfg config.Config) PricingPolicy {
	if cfg.PlatformFeeMax.IsZero() {
		return DefaultPricingPolicy()
	}
	return PricingPolicy{
		SpreadPercent: cfg.SpreadPercent,
		FeePercent:    cfg.PlatformFeePercent,
		FeeMin:        cfg.PlatformFeeMin,
		FeeMax:        cfg.PlatformFeeMax,
	}
}

// PlatformFee is sendAmount * FeePercent clamped to [FeeMin, FeeMax], rounded to cents.
func (p PricingPolicy) PlatformFee(sendAmount decimal.Decimal) decimal.Decimal {
	fee := sendAmount.Mul(p.FeePercent)
	if fee.LessThan(p.FeeMin) {
		fee = p.FeeMin
	}
	if fee.GreaterThan(p.FeeMax) {
		fee = p.FeeMax
	}
	return fee.Round(2)
}

// Price computes the customer-facing breakdown. The effective rate and receive amount are
// exact; only the fee is rounded.
func (p PricingPolicy) Price(sendAmount, marketRate decimal.Decimal) domain.PricingBreakdown {
	effectiveRate := marketRate.Mul(decimal.NewFromInt(1).Sub(p.SpreadPercent))
	fee := p.PlatformFee(sendAmount)
	return domain.PricingBreakdown{
		MarketRate:    marketRate,
		SpreadPercent: p.SpreadPercent,
		EffectiveRate: effectiveRate,
		ReceiveAmount: sendAmount.Mul(effectiveRate),
		PlatformFee:   fee,
		TotalCost:     sendAmount.Add(fee),
	}
}

// LegacyComparison prices the transfer through a conventional remittance channel (5% fee,
// rate 3% below mid) and reports what the netted transfer saves against it.
func LegacyComparison(sendAmount decimal.Decimal, pricing domain.PricingBreakdown) domain.LegacyComparison {
	legacyFee := sendAmount.Mul(legacyFeePercent).Round(2)
	legacyRate := pricing.MarketRate.Mul(decimal.NewFromInt(1).Sub(legacyRatePenalty))
	legacyReceive := sendAmount.Mul(legacyRate)

	feeSavings := legacyFee.Sub(pricing.PlatformFee)
	extraReceived := pricing.ReceiveAmount.Sub(legacyReceive)

	savingsPercent := decimal.Zero
	if sendAmount.IsPositive() && pricing.MarketRate.IsPositive() {
		saved := feeSavings.Add(extraReceived.Div(pricing.MarketRate))
		savingsPercent = saved.Div(sendAmount).Mul(oneHundred).Round(2)
	}

	return domain.LegacyComparison{
		Fee:            legacyFee,
		Rate:           legacyRate,
		ReceiveAmount:  legacyReceive.Round(2),
		TotalCost:      sendAmount.Add(legacyFee),
		FeeSavings:     feeSavings,
		ExtraReceived:  extraReceived.Round(2),
		SavingsPercent: savingsPercent,
	}
}
