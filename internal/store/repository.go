/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation of the netting-service. Business logic in internal/app depends only on this
 * interface; PostgresRepository backs production and MemoryRepository backs local demos
 * and scenario tests.
 *
 * @notes
 * - Every status or flag change is conditional on the current status, so concurrent
 *   callers can never move an entity through an illegal transition.
 * - AcceptMatch, ExecuteMatch, CompleteSettlement, CancelTransfer and ExpireTransfers are
 *   each applied as a single transaction.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/netting-service/internal/domain"
)

var (
	ErrTransferNotFound   = fmt.Errorf("transfer request %w", domain.ErrNotFound)
	ErrMatchNotFound      = fmt.Errorf("settlement match %w", domain.ErrNotFound)
	ErrLedgerNotFound     = fmt.Errorf("ledger entry %w", domain.ErrNotFound)
	ErrRateNotFound       = fmt.Errorf("exchange rate %w", domain.ErrNotFound)
	ErrCorridorNotFound   = fmt.Errorf("corridor %w", domain.ErrNotFound)
	ErrTransferNotOpen    = fmt.Errorf("transfer request is not pending or matching: %w", domain.ErrInvalidState)
	ErrMatchNotProposed   = fmt.Errorf("match is no longer proposed: %w", domain.ErrInvalidState)
	ErrMatchNotAccepted   = fmt.Errorf("match is not accepted: %w", domain.ErrInvalidState)
	ErrMatchNotExecuting  = fmt.Errorf("match is not executing: %w", domain.ErrInvalidState)
	ErrRequestCommitted   = fmt.Errorf("transfer request already committed to another match: %w", domain.ErrInvalidState)
	ErrTransferCommitted  = fmt.Errorf("transfer request is committed to an accepted match: %w", domain.ErrInvalidState)
	ErrSettlementMismatch = fmt.Errorf("settlement records are out of step: %w", domain.ErrInvalidState)
)

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

// ExpireResult reports what a reaper sweep changed.
type ExpireResult struct {
	ExpiredTransfers []uuid.UUID
	RejectedMatches  []uuid.UUID
	ReleasedRequests []uuid.UUID
}

// CancelResult reports what a cancellation changed besides the request itself.
type CancelResult struct {
	Transfer         *domain.TransferRequest
	RejectedMatches  []uuid.UUID
	ReleasedRequests []uuid.UUID
}

// RejectResult reports the outcome of rejecting a match.
type RejectResult struct {
	Match *domain.SettlementMatch
	// Changed is false when the match was already rejected.
	Changed          bool
	ReleasedRequests []uuid.UUID
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Transfer request methods
	CreateTransfer(ctx context.Context, transfer *domain.TransferRequest) error
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.TransferRequest, error)
	ListTransfersBySender(ctx context.Context, senderID uuid.UUID, opts domain.TransferListOptions) ([]domain.TransferRequest, int, error)
	CancelTransfer(ctx context.Context, transferID uuid.UUID, reason string, now time.Time) (*CancelResult, error)
	ExpireTransfers(ctx context.Context, now time.Time) (*ExpireResult, error)
	ListMatchableTransfers(ctx context.Context, now time.Time, limit int) ([]domain.TransferRequest, error)
	FindCounterCandidates(ctx context.Context, request *domain.TransferRequest, now time.Time) ([]domain.TransferRequest, error)

	// Match methods
	CreateMatchProposal(ctx context.Context, match *domain.SettlementMatch, now time.Time) (bool, error)
	FindMatchByID(ctx context.Context, matchID uuid.UUID) (*domain.SettlementMatch, error)
	ListMatchesByTransfer(ctx context.Context, transferID uuid.UUID) ([]domain.SettlementMatch, error)
	ListProposedMatches(ctx context.Context, transferID uuid.UUID) ([]domain.SettlementMatch, error)
	AcceptMatch(ctx context.Context, matchID uuid.UUID, side domain.MatchSide, now time.Time) (*domain.AcceptResult, error)
	RejectMatch(ctx context.Context, matchID uuid.UUID, reason domain.RejectReason, now time.Time) (*RejectResult, error)

	// Settlement methods
	ExecuteMatch(ctx context.Context, matchID uuid.UUID, now time.Time) (*domain.SettlementMatch, *domain.LedgerEntry, error)
	CompleteSettlement(ctx context.Context, matchID uuid.UUID, now time.Time) (*domain.SettlementMatch, *domain.LedgerEntry, error)
	FindLedgerByMatchID(ctx context.Context, matchID uuid.UUID) (*domain.LedgerEntry, error)
	ListLedgerEntries(ctx context.Context) ([]domain.LedgerEntry, error)

	// Corridor methods
	ListActiveCorridors(ctx context.Context, fromCountry string) ([]domain.TransferCorridor, error)
	FindCorridor(ctx context.Context, fromCountry, toCountry string) (*domain.TransferCorridor, error)

	// Exchange rate methods
	FindValidRate(ctx context.Context, fromCurrency, toCurrency string, at time.Time) (*domain.ExchangeRate, error)
	ListCurrentRates(ctx context.Context, at time.Time) ([]domain.ExchangeRate, error)
	InsertRate(ctx context.Context, rate *domain.ExchangeRate) error
	ListRateHistory(ctx context.Context, fromCurrency, toCurrency string, since time.Time) ([]domain.ExchangeRate, error)
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
