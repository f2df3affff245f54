package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys published on the events exchange.
const (
	EventTransferCreated     = "netting.transfer.created"
	EventTransferCancelled   = "netting.transfer.cancelled"
	EventMatchProposed       = "netting.match.proposed"
	EventMatchAccepted       = "netting.match.accepted"
	EventMatchRejected       = "netting.match.rejected"
	EventSettlementExecuting = "netting.settlement.executing"
	EventSettlementCompleted = "netting.settlement.completed"
)

// TransferEvent is published when a transfer request is created or cancelled.
type TransferEvent struct {
	EventID          uuid.UUID       `json:"event_id"`
	EventType        string          `json:"event_type"`
	TransferID       uuid.UUID       `json:"transfer_id"`
	SenderID         uuid.UUID       `json:"sender_id"`
	SenderCountry    string          `json:"sender_country"`
	RecipientCountry string          `json:"recipient_country"`
	SendAmount       decimal.Decimal `json:"send_amount"`
	SenderCurrency   string          `json:"sender_currency"`
	Status           TransferStatus  `json:"status"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// MatchEvent is published on every match lifecycle transition.
type MatchEvent struct {
	EventID          uuid.UUID       `json:"event_id"`
	EventType        string          `json:"event_type"`
	MatchID          uuid.UUID       `json:"match_id"`
	RequestID        uuid.UUID       `json:"request_id"`
	CounterRequestID uuid.UUID       `json:"counter_request_id"`
	Status           MatchStatus     `json:"status"`
	MatchScore       int             `json:"match_score"`
	MatchType        MatchType       `json:"match_type"`
	MatchedAmount    decimal.Decimal `json:"matched_amount"`
	RejectReason     *RejectReason   `json:"reject_reason,omitempty"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

// NewTransferEvent builds the event payload for a transfer.
func NewTransferEvent(eventType string, t *TransferRequest, at time.Time) TransferEvent {
	return TransferEvent{
		EventID:          uuid.New(),
		EventType:        eventType,
		TransferID:       t.ID,
		SenderID:         t.SenderID,
		SenderCountry:    t.SenderCountry,
		RecipientCountry: t.RecipientCountry,
		SendAmount:       t.SendAmount,
		SenderCurrency:   t.SenderCurrency,
		Status:           t.Status,
		OccurredAt:       at,
	}
}

// NewMatchEvent builds the event payload for a match.
func NewMatchEvent(eventType string, m *SettlementMatch, at time.Time) MatchEvent {
	return MatchEvent{
		EventID:          uuid.New(),
		EventType:        eventType,
		MatchID:          m.ID,
		RequestID:        m.RequestID,
		CounterRequestID: m.CounterRequestID,
		Status:           m.Status,
		MatchScore:       m.MatchScore,
		MatchType:        m.MatchType,
		MatchedAmount:    m.MatchedAmount,
		RejectReason:     m.RejectReason,
		OccurredAt:       at,
	}
}
