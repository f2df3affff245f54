/**
 * @description
 * The rate oracle resolves an exchange rate for a currency pair. It never fails for an
 * unknown pair: a live row wins, then an inverted reverse row, then the static fallback
 * table, and finally a neutral rate of 1 flagged as "default" so callers can surface the
 * quote as degraded.
 *
 * @dependencies
 * - internal/store: Exchange rate rows with validity windows.
 * - github.com/shopspring/decimal: Exact rate arithmetic.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/netting-service/internal/domain"
	"github.com/transfa/netting-service/internal/store"
)

const (
	defaultRateHistoryDays = 7
	maxRateHistoryDays     = 365
	manualRateSource       = "manual"
)

type currencyPair struct {
	from string
	to   string
}

// fallbackRates are indicative mid rates used only when no stored row is valid.
var fallbackRates = map[currencyPair]decimal.Decimal{
	{"USD", "EGP"}: decimal.RequireFromString("30.9"),
	{"USD", "EUR"}: decimal.RequireFromString("0.92"),
	{"USD", "GBP"}: decimal.RequireFromString("0.79"),
	{"USD", "SAR"}: decimal.RequireFromString("3.75"),
	{"USD", "AED"}: decimal.RequireFromString("3.6725"),
	{"EUR", "EGP"}: decimal.RequireFromString("33.6"),
	{"GBP", "EGP"}: decimal.RequireFromString("39.1"),
	{"SAR", "EGP"}: decimal.RequireFromString("8.24"),
	{"AED", "EGP"}: decimal.RequireFromString("8.41"),
}

// RateResolver is what pricing needs from the oracle.
type RateResolver interface {
	GetExchangeRate(ctx context.Context, fromCurrency, toCurrency string) (domain.RateQuote, error)
}

// RateOracle looks up exchange rates and records manual updates.
type RateOracle struct {
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time
}

// NewRateOracle creates a new rate oracle.
func NewRateOracle(repo store.Repository, logger *slog.Logger) *RateOracle {
	return &RateOracle{repo: repo, logger: logger, now: time.Now}
}

// GetExchangeRate resolves the rate for converting fromCurrency into toCurrency.
// Only malformed currency codes produce an error.
func (o *RateOracle) GetExchangeRate(ctx context.Context, fromCurrency, toCurrency string) (domain.RateQuote, error) {
	from, err := normalizeCurrency("from_currency", fromCurrency)
	if err != nil {
		return domain.RateQuote{}, err
	}
	to, err := normalizeCurrency("to_currency", toCurrency)
	if err != nil {
		return domain.RateQuote{}, err
	}

	one := decimal.NewFromInt(1)
	quote := domain.RateQuote{FromCurrency: from, ToCurrency: to}
	if from == to {
		quote.MidRate, quote.BuyRate, quote.SellRate, quote.Source = one, one, one, domain.RateSourceIdentity
		return quote, nil
	}

	now := o.now()
	if row := o.findRow(ctx, from, to, now); row != nil {
		quote.MidRate, quote.BuyRate, quote.SellRate = row.MidRate, row.BuyRate, row.SellRate
		quote.Source = domain.RateSourceLive
		return quote, nil
	}
	if row := o.findRow(ctx, to, from, now); row != nil && row.MidRate.IsPositive() {
		quote.MidRate = one.Div(row.MidRate)
		quote.BuyRate = invertOr(row.SellRate, quote.MidRate)
		quote.SellRate = invertOr(row.BuyRate, quote.MidRate)
		quote.Source = domain.RateSourceInverse
		return quote, nil
	}
	if mid, ok := fallbackRates[currencyPair{from, to}]; ok {
		quote.MidRate, quote.BuyRate, quote.SellRate, quote.Source = mid, mid, mid, domain.RateSourceFallback
		return quote, nil
	}
	if mid, ok := fallbackRates[currencyPair{to, from}]; ok {
		inverted := one.Div(mid)
		quote.MidRate, quote.BuyRate, quote.SellRate, quote.Source = inverted, inverted, inverted, domain.RateSourceFallback
		return quote, nil
	}

	o.logger.Warn("no exchange rate available; using neutral default", "from_currency", from, "to_currency", to)
	quote.MidRate, quote.BuyRate, quote.SellRate, quote.Source = one, one, one, domain.RateSourceDefault
	return quote, nil
}

// findRow treats a store failure like a missing row so that intake never stalls on rates.
func (o *RateOracle) findRow(ctx context.Context, from, to string, at time.Time) *domain.ExchangeRate {
	row, err := o.repo.FindValidRate(ctx, from, to, at)
	if err != nil {
		if !store.IsNotFound(err) {
			o.logger.Error("exchange rate lookup failed", "from_currency", from, "to_currency", to, "error", err)
		}
		return nil
	}
	return row
}

func invertOr(rate, fallback decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return fallback
	}
	return decimal.NewFromInt(1).Div(rate)
}

// UpdateRate stores a new current rate for a pair, closing the previous one.
func (o *RateOracle) UpdateRate(ctx context.Context, input domain.UpdateRateInput) (*domain.ExchangeRate, error) {
	from, err := normalizeCurrency("from_currency", input.FromCurrency)
	if err != nil {
		return nil, err
	}
	to, err := normalizeCurrency("to_currency", input.ToCurrency)
	if err != nil {
		return nil, err
	}
	if from == to {
		return nil, fmt.Errorf("from_currency and to_currency must differ: %w", domain.ErrValidation)
	}
	if !input.MidRate.IsPositive() {
		return nil, fmt.Errorf("mid_rate must be positive: %w", domain.ErrValidation)
	}
	if input.BuyRate.IsNegative() || input.SellRate.IsNegative() {
		return nil, fmt.Errorf("buy_rate and sell_rate cannot be negative: %w", domain.ErrValidation)
	}
	if input.ValidHours < 0 {
		return nil, fmt.Errorf("valid_hours cannot be negative: %w", domain.ErrValidation)
	}

	buy, sell := input.BuyRate, input.SellRate
	if buy.IsZero() {
		buy = input.MidRate
	}
	if sell.IsZero() {
		sell = input.MidRate
	}
	source := strings.TrimSpace(input.Source)
	if source == "" {
		source = manualRateSource
	}

	now := o.now().UTC().Truncate(time.Microsecond)
	rate := &domain.ExchangeRate{
		ID:           uuid.New(),
		FromCurrency: from,
		ToCurrency:   to,
		MidRate:      input.MidRate,
		BuyRate:      buy,
		SellRate:     sell,
		Source:       source,
		ValidFrom:    now,
		CreatedAt:    now,
	}
	if input.ValidHours > 0 {
		until := now.Add(time.Duration(input.ValidHours) * time.Hour)
		rate.ValidUntil = &until
	}

	if err := o.repo.InsertRate(ctx, rate); err != nil {
		return nil, fmt.Errorf("failed to store exchange rate: %w", err)
	}
	o.logger.Info("exchange rate updated", "from_currency", from, "to_currency", to, "mid_rate", rate.MidRate.String(), "source", source)
	return rate, nil
}

// ListRates returns every currently valid stored rate.
func (o *RateOracle) ListRates(ctx context.Context) ([]domain.ExchangeRate, error) {
	return o.repo.ListCurrentRates(ctx, o.now())
}

// RateHistory returns the rows for a pair that started within the last days days.
func (o *RateOracle) RateHistory(ctx context.Context, fromCurrency, toCurrency string, days int) ([]domain.ExchangeRate, error) {
	from, err := normalizeCurrency("from_currency", fromCurrency)
	if err != nil {
		return nil, err
	}
	to, err := normalizeCurrency("to_currency", toCurrency)
	if err != nil {
		return nil, err
	}
	if days <= 0 {
		days = defaultRateHistoryDays
	}
	if days > maxRateHistoryDays {
		days = maxRateHistoryDays
	}
	since := o.now().Add(-time.Duration(days) * 24 * time.Hour)
	return o.repo.ListRateHistory(ctx, from, to, since)
}

func normalizeCurrency(field, raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if !isAlphaCode(code, 3) {
		return "", fmt.Errorf("%s must be a 3-letter ISO currency code: %w", field, domain.ErrValidation)
	}
	return code, nil
}

func normalizeCountry(field, raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if !isAlphaCode(code, 2) {
		return "", fmt.Errorf("%s must be a 2-letter ISO country code: %w", field, domain.ErrValidation)
	}
	return code, nil
}

func isAlphaCode(code string, length int) bool {
	if len(code) != length {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
