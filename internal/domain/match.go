package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MatchStatus is the lifecycle status of a settlement match.
type MatchStatus string

const (
	MatchStatusProposed  MatchStatus = "PROPOSED"
	MatchStatusAccepted  MatchStatus = "ACCEPTED"
	MatchStatusRejected  MatchStatus = "REJECTED"
	MatchStatusExecuting MatchStatus = "EXECUTING"
	MatchStatusCompleted MatchStatus = "COMPLETED"
)

var matchTransitions = map[MatchStatus][]MatchStatus{
	MatchStatusProposed:  {MatchStatusAccepted, MatchStatusRejected},
	MatchStatusAccepted:  {MatchStatusExecuting, MatchStatusRejected},
	MatchStatusExecuting: {MatchStatusCompleted},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s MatchStatus) CanTransitionTo(next MatchStatus) bool {
	for _, allowed := range matchTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Committed reports whether the match holds its requests exclusively.
func (s MatchStatus) Committed() bool {
	return s == MatchStatusAccepted || s == MatchStatusExecuting || s == MatchStatusCompleted
}

// Live reports whether the match still keeps its requests out of the PENDING pool.
func (s MatchStatus) Live() bool {
	return s == MatchStatusProposed || s.Committed()
}

// MatchType tells whether the pairing fully satisfies both amounts.
type MatchType string

const (
	MatchTypeExact   MatchType = "EXACT"
	MatchTypePartial MatchType = "PARTIAL"
)

// RejectReason records why a match left the PROPOSED state without being accepted.
type RejectReason string

const (
	RejectReasonUserRejected     RejectReason = "USER_REJECTED"
	RejectReasonSiblingAccepted  RejectReason = "SIBLING_ACCEPTED"
	RejectReasonRequestCancelled RejectReason = "REQUEST_CANCELLED"
	RejectReasonRequestExpired   RejectReason = "REQUEST_EXPIRED"
)

// MatchSide identifies which party of a match is acting.
type MatchSide int

const (
	SideRequester MatchSide = iota
	SideCounter
)

func (s MatchSide) String() string {
	if s == SideRequester {
		return "requester"
	}
	return "counter"
}

// SettlementMatch maps to the `settlement_matches` table.
type SettlementMatch struct {
	ID               uuid.UUID       `json:"id"`
	RequestID        uuid.UUID       `json:"request_id"`
	CounterRequestID uuid.UUID       `json:"counter_request_id"`
	MatchScore       int             `json:"match_score"`
	MatchType        MatchType       `json:"match_type"`
	MatchedAmount    decimal.Decimal `json:"matched_amount"`
	RemainingAmount  decimal.Decimal `json:"remaining_amount"`
	Status           MatchStatus     `json:"status"`
	RequestAccepted  bool            `json:"request_accepted"`
	CounterAccepted  bool            `json:"counter_accepted"`
	RejectReason     *RejectReason   `json:"reject_reason,omitempty"`
	AcceptedAt       *time.Time      `json:"accepted_at,omitempty"`
	ExecutedAt       *time.Time      `json:"executed_at,omitempty"`
	RejectedAt       *time.Time      `json:"rejected_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Version          int64           `json:"version"`
}

// Involves reports whether the match references the given request.
func (m *SettlementMatch) Involves(requestID uuid.UUID) bool {
	return m.RequestID == requestID || m.CounterRequestID == requestID
}

// BothAccepted reports whether both parties have agreed.
func (m *SettlementMatch) BothAccepted() bool {
	return m.RequestAccepted && m.CounterAccepted
}

// AcceptResult is what the store reports after recording one side's acceptance.
type AcceptResult struct {
	Match *SettlementMatch
	// Promoted is true only for the call that moved the match to ACCEPTED.
	Promoted bool
	// SiblingsRejected lists PROPOSED matches invalidated by the promotion.
	SiblingsRejected []uuid.UUID
}

// MatchStatusView is the response of GET /matching/{matchID}/status.
type MatchStatusView struct {
	Match  *SettlementMatch `json:"match"`
	Ledger *LedgerEntry     `json:"ledger,omitempty"`
}
