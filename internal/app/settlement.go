package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/netting-service/internal/config"
	"github.com/transfa/netting-service/internal/domain"
	"github.com/transfa/netting-service/internal/store"
	"github.com/transfa/netting-service/pkg/rabbitmq"
)

// SettlementExecutor posts ledger entries for accepted matches and finalises them.
// Each operation is a single store transaction; events are emitted only after commit.
type SettlementExecutor struct {
	repo   store.Repository
	events eventEmitter
	logger *slog.Logger
	now    func() time.Time
}

// NewSettlementExecutor creates a new settlement executor.
func NewSettlementExecutor(repo store.Repository, producer rabbitmq.Publisher, logger *slog.Logger, cfg config.Config) *SettlementExecutor {
	return &SettlementExecutor{
		repo:   repo,
		events: newEventEmitter(producer, cfg.EventsExchange, logger),
		logger: logger,
		now:    time.Now,
	}
}

// ExecuteMatch moves an ACCEPTED match to EXECUTING, appends its PROCESSING ledger entry
// and moves both requests to PROCESSING.
func (e *SettlementExecutor) ExecuteMatch(ctx context.Context, matchID uuid.UUID) (*domain.SettlementMatch, *domain.LedgerEntry, error) {
	now := e.now().UTC()
	match, entry, err := e.repo.ExecuteMatch(ctx, matchID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("execute match %s: %w", matchID, err)
	}

	e.logger.Info("settlement executing",
		"match_id", match.ID,
		"ledger_entry_id", entry.ID,
		"ledger_sequence", entry.Sequence,
		"sent_amount", entry.SentAmount.String(),
		"sent_currency", entry.SentCurrency,
	)
	e.events.emit(ctx, domain.EventSettlementExecuting, domain.NewMatchEvent(domain.EventSettlementExecuting, match, now))
	return match, entry, nil
}

// CompleteSettlement finalises an EXECUTING match: match COMPLETED, ledger SETTLED, both
// requests COMPLETED and the corridor statistics updated, all or nothing.
func (e *SettlementExecutor) CompleteSettlement(ctx context.Context, matchID uuid.UUID) (*domain.SettlementMatch, *domain.LedgerEntry, error) {
	now := e.now().UTC()
	match, entry, err := e.repo.CompleteSettlement(ctx, matchID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("complete settlement for match %s: %w", matchID, err)
	}

	e.logger.Info("settlement completed", "match_id", match.ID, "ledger_entry_id", entry.ID, "matched_amount", match.MatchedAmount.String())
	e.events.emit(ctx, domain.EventSettlementCompleted, domain.NewMatchEvent(domain.EventSettlementCompleted, match, now))
	return match, entry, nil
}

// VerifyLedger walks the ledger hash chain from the genesis entry.
func (e *SettlementExecutor) VerifyLedger(ctx context.Context) (*domain.LedgerVerification, error) {
	entries, err := e.repo.ListLedgerEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	result := domain.VerifyLedgerChain(entries)
	if !result.Valid {
		e.logger.Error("ledger hash chain is broken", "entries_checked", result.EntriesChecked, "invalid_entries", len(result.InvalidEntries))
	}
	return &result, nil
}
