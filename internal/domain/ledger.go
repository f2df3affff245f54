package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LedgerStatus is the settlement state of a ledger entry.
type LedgerStatus string

const (
	LedgerStatusProcessing LedgerStatus = "PROCESSING"
	LedgerStatusSettled    LedgerStatus = "SETTLED"
)

// GenesisHash seeds the chain for the first ledger entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// LedgerEntry maps to the `settlement_ledger` table. One row per executed match.
type LedgerEntry struct {
	ID               uuid.UUID       `json:"id"`
	Sequence         int64           `json:"sequence"`
	MatchID          uuid.UUID       `json:"match_id"`
	SenderID         uuid.UUID       `json:"sender_id"`
	RecipientID      uuid.UUID       `json:"recipient_id"`
	SentAmount       decimal.Decimal `json:"sent_amount"`
	SentCurrency     string          `json:"sent_currency"`
	ReceivedAmount   decimal.Decimal `json:"received_amount"`
	ReceivedCurrency string          `json:"received_currency"`
	ExchangeRate     decimal.Decimal `json:"exchange_rate"`
	PlatformFee      decimal.Decimal `json:"platform_fee"`
	Status           LedgerStatus    `json:"status"`
	PreviousHash     string          `json:"previous_hash"`
	EntryHash        string          `json:"entry_hash"`
	SettledAt        *time.Time      `json:"settled_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ComputeHash returns the chain hash of the entry's immutable fields.
// Status and SettledAt are excluded: they are the only columns allowed to change.
func (e *LedgerEntry) ComputeHash() string {
	parts := []string{
		e.ID.String(),
		e.MatchID.String(),
		e.SenderID.String(),
		e.RecipientID.String(),
		e.SentAmount.String(),
		e.SentCurrency,
		e.ReceivedAmount.String(),
		e.ReceivedCurrency,
		e.ExchangeRate.String(),
		e.PlatformFee.String(),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.PreviousHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Seal links the entry to its predecessor and stamps its hash. CreatedAt is truncated to
// the precision Postgres stores so the hash survives a round trip.
func (e *LedgerEntry) Seal(previousHash string) {
	if previousHash == "" {
		previousHash = GenesisHash
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Microsecond)
	e.PreviousHash = previousHash
	e.EntryHash = e.ComputeHash()
}

// LedgerVerification is the result of walking the ledger chain.
type LedgerVerification struct {
	Valid          bool        `json:"valid"`
	EntriesChecked int         `json:"entries_checked"`
	InvalidEntries []uuid.UUID `json:"invalid_entries,omitempty"`
}

// VerifyLedgerChain checks that every entry's hash matches its content and links to the
// entry before it. Entries must be ordered by Sequence.
func VerifyLedgerChain(entries []LedgerEntry) LedgerVerification {
	result := LedgerVerification{Valid: true}
	previous := GenesisHash
	for i := range entries {
		entry := entries[i]
		result.EntriesChecked++
		if entry.PreviousHash != previous || entry.ComputeHash() != entry.EntryHash {
			result.Valid = false
			result.InvalidEntries = append(result.InvalidEntries, entry.ID)
		}
		previous = entry.EntryHash
	}
	return result
}

// NewLedgerEntry builds the unsealed ledger row for an executed match. The originating
// request pays out; the counter request's sender receives in the originating request's
// recipient currency.
func NewLedgerEntry(match *SettlementMatch, request, counter *TransferRequest, now time.Time) *LedgerEntry {
	rate := request.ExchangeRate.Round(8)
	return &LedgerEntry{
		ID:               uuid.New(),
		MatchID:          match.ID,
		SenderID:         request.SenderID,
		RecipientID:      counter.SenderID,
		SentAmount:       match.MatchedAmount.Round(2),
		SentCurrency:     request.SenderCurrency,
		ReceivedAmount:   match.MatchedAmount.Mul(rate).Round(2),
		ReceivedCurrency: request.RecipientCurrency,
		ExchangeRate:     rate,
		PlatformFee:      request.PlatformFee.Round(2),
		Status:           LedgerStatusProcessing,
		CreatedAt:        now,
	}
}
