package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Rate sources reported by the rate oracle.
const (
	RateSourceLive     = "live"
	RateSourceInverse  = "inverse"
	RateSourceFallback = "fallback"
	RateSourceDefault  = "default"
	RateSourceIdentity = "identity"
)

// ExchangeRate maps to the `exchange_rates` table. A row is valid from ValidFrom until
// ValidUntil; a nil ValidUntil means the row is still current.
type ExchangeRate struct {
	ID           uuid.UUID       `json:"id"`
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	MidRate      decimal.Decimal `json:"mid_rate"`
	BuyRate      decimal.Decimal `json:"buy_rate"`
	SellRate     decimal.Decimal `json:"sell_rate"`
	Source       string          `json:"source"`
	ValidFrom    time.Time       `json:"valid_from"`
	ValidUntil   *time.Time      `json:"valid_until,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ValidAt reports whether the row applies at the given instant.
func (r *ExchangeRate) ValidAt(at time.Time) bool {
	if r.ValidFrom.After(at) {
		return false
	}
	return r.ValidUntil == nil || r.ValidUntil.After(at)
}

// RateQuote is the oracle's answer for a currency pair.
type RateQuote struct {
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	MidRate      decimal.Decimal `json:"mid_rate"`
	BuyRate      decimal.Decimal `json:"buy_rate"`
	SellRate     decimal.Decimal `json:"sell_rate"`
	Source       string          `json:"source"`
}

// Degraded reports whether the quote carries no market information at all.
func (q RateQuote) Degraded() bool {
	return q.Source == RateSourceDefault
}

// UpdateRateInput is the payload of POST /rates/update.
type UpdateRateInput struct {
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	MidRate      decimal.Decimal `json:"mid_rate"`
	BuyRate      decimal.Decimal `json:"buy_rate"`
	SellRate     decimal.Decimal `json:"sell_rate"`
	Source       string          `json:"source"`
	ValidHours   int             `json:"valid_hours"`
}
