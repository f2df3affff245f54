/**
 * @description
 * Core domain models for the netting-service. A TransferRequest is one user's intent to
 * move money across a corridor; the matching engine pairs it with an opposite-direction
 * request instead of moving currency across borders.
 *
 * @notes
 * - Monetary values use shopspring/decimal so that receive amounts and fees are exact.
 * - Status transitions are validated here and enforced by conditional updates in the store.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus is the lifecycle status of a transfer request.
type TransferStatus string

const (
	TransferStatusPending    TransferStatus = "PENDING"
	TransferStatusMatching   TransferStatus = "MATCHING"
	TransferStatusProcessing TransferStatus = "PROCESSING"
	TransferStatusCompleted  TransferStatus = "COMPLETED"
	TransferStatusCancelled  TransferStatus = "CANCELLED"
	TransferStatusExpired    TransferStatus = "EXPIRED"
)

var transferTransitions = map[TransferStatus][]TransferStatus{
	TransferStatusPending:    {TransferStatusMatching, TransferStatusCancelled, TransferStatusExpired},
	TransferStatusMatching:   {TransferStatusPending, TransferStatusProcessing, TransferStatusCancelled, TransferStatusExpired},
	TransferStatusProcessing: {TransferStatusCompleted},
}

// Valid reports whether s is a known status.
func (s TransferStatus) Valid() bool {
	switch s {
	case TransferStatusPending, TransferStatusMatching, TransferStatusProcessing,
		TransferStatusCompleted, TransferStatusCancelled, TransferStatusExpired:
		return true
	}
	return false
}

// Open reports whether the request can still be matched or cancelled.
func (s TransferStatus) Open() bool {
	return s == TransferStatusPending || s == TransferStatusMatching
}

// Terminal reports whether no further transition is allowed.
func (s TransferStatus) Terminal() bool {
	return s == TransferStatusCompleted || s == TransferStatusCancelled || s == TransferStatusExpired
}

// CanTransitionTo reports whether moving from s to next is allowed.
// MATCHING -> PENDING is the release path used when every proposal for a request is gone.
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	for _, allowed := range transferTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransferRequest maps to the `transfer_requests` table.
type TransferRequest struct {
	ID                uuid.UUID       `json:"id"`
	SenderID          uuid.UUID       `json:"sender_id"`
	RecipientID       *uuid.UUID      `json:"recipient_id,omitempty"`
	SenderCountry     string          `json:"sender_country"`
	SenderCurrency    string          `json:"sender_currency"`
	RecipientCountry  string          `json:"recipient_country"`
	RecipientCurrency string          `json:"recipient_currency"`
	SendAmount        decimal.Decimal `json:"send_amount"`
	ReceiveAmount     decimal.Decimal `json:"receive_amount"`
	ExchangeRate      decimal.Decimal `json:"exchange_rate"`
	MarketRate        decimal.Decimal `json:"market_rate"`
	SpreadPercent     decimal.Decimal `json:"spread_percent"`
	PlatformFee       decimal.Decimal `json:"platform_fee"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	RateSource        string          `json:"rate_source"`
	Status            TransferStatus  `json:"status"`
	CancelReason      *string         `json:"cancel_reason,omitempty"`
	ExpiresAt         time.Time       `json:"expires_at"`
	MatchedAt         *time.Time      `json:"matched_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Version           int64           `json:"version"`
}

// Expired reports whether the request has passed its expiry at the given instant.
func (t *TransferRequest) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// IsCounterOf reports whether other travels the opposite way through the same corridor.
func (t *TransferRequest) IsCounterOf(other *TransferRequest) bool {
	return t.SenderCountry == other.RecipientCountry &&
		t.RecipientCountry == other.SenderCountry &&
		t.SenderCurrency == other.RecipientCurrency &&
		t.RecipientCurrency == other.SenderCurrency
}

// CreateTransferInput is the payload accepted by POST /transfers and /transfers/estimate.
type CreateTransferInput struct {
	SenderID          uuid.UUID       `json:"sender_id"`
	RecipientID       *uuid.UUID      `json:"recipient_id,omitempty"`
	SenderCountry     string          `json:"sender_country"`
	SenderCurrency    string          `json:"sender_currency"`
	RecipientCountry  string          `json:"recipient_country"`
	RecipientCurrency string          `json:"recipient_currency"`
	SendAmount        decimal.Decimal `json:"send_amount"`
}

// TransferListOptions controls pagination for a user's transfer history.
type TransferListOptions struct {
	Status *TransferStatus
	Limit  int
	Offset int
}

// TransferPage is one page of a user's transfers.
type TransferPage struct {
	Items []TransferRequest `json:"items"`
	Total int               `json:"total"`
	Page  int               `json:"page"`
	Limit int               `json:"limit"`
}

// TransferDetail is a request together with every match that references it.
type TransferDetail struct {
	Transfer *TransferRequest  `json:"transfer"`
	Matches  []SettlementMatch `json:"matches"`
}

// PricingBreakdown is the deterministic price of a transfer at a given rate.
type PricingBreakdown struct {
	MarketRate    decimal.Decimal `json:"market_rate"`
	SpreadPercent decimal.Decimal `json:"spread_percent"`
	EffectiveRate decimal.Decimal `json:"effective_rate"`
	ReceiveAmount decimal.Decimal `json:"receive_amount"`
	PlatformFee   decimal.Decimal `json:"platform_fee"`
	TotalCost     decimal.Decimal `json:"total_cost"`
}

// LegacyComparison prices the same transfer through a conventional remittance channel.
type LegacyComparison struct {
	Fee            decimal.Decimal `json:"fee"`
	Rate           decimal.Decimal `json:"rate"`
	ReceiveAmount  decimal.Decimal `json:"receive_amount"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	FeeSavings     decimal.Decimal `json:"fee_savings"`
	ExtraReceived  decimal.Decimal `json:"extra_received"`
	SavingsPercent decimal.Decimal `json:"savings_percent"`
}

// TransferQuote is the response of an estimate: pricing plus the legacy comparison.
type TransferQuote struct {
	SenderCurrency     string           `json:"sender_currency"`
	RecipientCurrency  string           `json:"recipient_currency"`
	SendAmount         decimal.Decimal  `json:"send_amount"`
	Pricing            PricingBreakdown `json:"pricing"`
	Legacy             LegacyComparison `json:"legacy"`
	RateSource         string           `json:"rate_source"`
	Degraded           bool             `json:"degraded"`
	EstimatedMatchTime string           `json:"estimated_match_time"`
}
