/**
 * @description
 * MatchLifecycle handles the two-sided acceptance of a proposed match. Each party sets its
 * own flag; the call that observes both flags set promotes the match to ACCEPTED, which
 * also rejects every sibling proposal of either request, and then hands the match to the
 * SettlementExecutor.
 *
 * @notes
 * - The accepting user must own the request on the side being accepted.
 * - Repeating an accept is harmless. If a previous execution attempt failed and the match
 *   is still ACCEPTED, repeating the accept retries execution.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/netting-service/internal/config"
	"github.com/transfa/netting-service/internal/domain"
	"github.com/transfa/netting-service/internal/store"
	"github.com/transfa/netting-service/pkg/rabbitmq"
)

// MatchExecutor is the part of settlement the lifecycle triggers.
type MatchExecutor interface {
	ExecuteMatch(ctx context.Context, matchID uuid.UUID) (*domain.SettlementMatch, *domain.LedgerEntry, error)
}

// MatchLifecycle coordinates accept and reject decisions on proposals.
type MatchLifecycle struct {
	repo     store.Repository
	executor MatchExecutor
	events   eventEmitter
	logger   *slog.Logger
	now      func() time.Time
}

// NewMatchLifecycle creates a new lifecycle manager.
func NewMatchLifecycle(repo store.Repository, executor MatchExecutor, producer rabbitmq.Publisher, logger *slog.Logger, cfg config.Config) *MatchLifecycle {
	return &MatchLifecycle{
		repo:     repo,
		executor: executor,
		events:   newEventEmitter(producer, cfg.EventsExchange, logger),
		logger:   logger,
		now:      time.Now,
	}
}

// AcceptMatch records userID's acceptance on the requester or counter side.
func (l *MatchLifecycle) AcceptMatch(ctx context.Context, matchID, userID uuid.UUID, isRequester bool) (*domain.SettlementMatch, error) {
	match, err := l.repo.FindMatchByID(ctx, matchID)
	if err != nil {
		return nil, err
	}

	side := domain.SideCounter
	ownRequestID := match.CounterRequestID
	if isRequester {
		side = domain.SideRequester
		ownRequestID = match.RequestID
	}
	if err := l.requireOwner(ctx, ownRequestID, userID); err != nil {
		return nil, err
	}

	now := l.now().UTC()
	result, err := l.repo.AcceptMatch(ctx, matchID, side, now)
	if err != nil {
		return nil, err
	}

	if result.Promoted {
		l.logger.Info("match accepted by both parties",
			"match_id", matchID,
			"siblings_rejected", len(result.SiblingsRejected),
		)
		l.events.emit(ctx, domain.EventMatchAccepted, domain.NewMatchEvent(domain.EventMatchAccepted, result.Match, now))
	} else {
		l.logger.Info("match acceptance recorded", "match_id", matchID, "side", side.String(), "status", result.Match.Status)
	}

	if result.Match.Status != domain.MatchStatusAccepted {
		return result.Match, nil
	}

	executed, _, err := l.executor.ExecuteMatch(ctx, matchID)
	if err != nil {
		// another caller executed it between our accept and this call
		if errors.Is(err, store.ErrMatchNotAccepted) {
			current, findErr := l.repo.FindMatchByID(ctx, matchID)
			if findErr == nil && (current.Status == domain.MatchStatusExecuting || current.Status == domain.MatchStatusCompleted) {
				return current, nil
			}
		}
		l.logger.Error("accepted match could not be executed", "match_id", matchID, "error", err)
		return nil, fmt.Errorf("match %s accepted but not executed: %w", matchID, err)
	}
	return executed, nil
}

// RejectMatch rejects a PROPOSED match. When actorID is set it must own one of the two
// requests. Requests left without any live match return to PENDING.
func (l *MatchLifecycle) RejectMatch(ctx context.Context, matchID, actorID uuid.UUID) (*domain.SettlementMatch, error) {
	match, err := l.repo.FindMatchByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if actorID != uuid.Nil {
		if err := l.requireEitherOwner(ctx, match, actorID); err != nil {
			return nil, err
		}
	}

	now := l.now().UTC()
	result, err := l.repo.RejectMatch(ctx, matchID, domain.RejectReasonUserRejected, now)
	if err != nil {
		return nil, err
	}
	if result.Changed {
		l.logger.Info("match rejected", "match_id", matchID, "released_requests", len(result.ReleasedRequests))
		l.events.emit(ctx, domain.EventMatchRejected, domain.NewMatchEvent(domain.EventMatchRejected, result.Match, now))
	}
	return result.Match, nil
}

// ListProposals returns the PROPOSED matches of a request, best score first.
func (l *MatchLifecycle) ListProposals(ctx context.Context, transferID uuid.UUID) ([]domain.SettlementMatch, error) {
	if _, err := l.repo.FindTransferByID(ctx, transferID); err != nil {
		return nil, err
	}
	return l.repo.ListProposedMatches(ctx, transferID)
}

// GetMatchStatus returns a match and, once executed, its ledger entry.
func (l *MatchLifecycle) GetMatchStatus(ctx context.Context, matchID uuid.UUID) (*domain.MatchStatusView, error) {
	match, err := l.repo.FindMatchByID(ctx, matchID)
	if err != nil {
		return nil, err
	}
	view := &domain.MatchStatusView{Match: match}

	entry, err := l.repo.FindLedgerByMatchID(ctx, matchID)
	switch {
	case err == nil:
		view.Ledger = entry
	case !store.IsNotFound(err):
		return nil, fmt.Errorf("failed to load ledger entry: %w", err)
	}
	return view, nil
}

func (l *MatchLifecycle) requireOwner(ctx context.Context, requestID, userID uuid.UUID) error {
	request, err := l.repo.FindTransferByID(ctx, requestID)
	if err != nil {
		return err
	}
	if request.SenderID != userID {
		return fmt.Errorf("user %s does not own transfer %s: %w", userID, requestID, domain.ErrUnauthorized)
	}
	return nil
}

func (l *MatchLifecycle) requireEitherOwner(ctx context.Context, match *domain.SettlementMatch, userID uuid.UUID) error {
	err := l.requireOwner(ctx, match.RequestID, userID)
	if err == nil || !errors.Is(err, domain.ErrUnauthorized) {
		return err
	}
	return l.requireOwner(ctx, match.CounterRequestID, userID)
}
