/**
 * @description
 * Matcher implements one matching pass: reap expired requests, then pair every open
 * request with the opposite-direction candidates that score above the threshold. It is
 * driven by the Scheduler on a fixed period and by transfer.created events for a single
 * request.
 *
 * @notes
 * - Errors for one request never abort the pass; they are collected and logged.
 * - Proposal inserts are idempotent on the unordered pair, so two passes that race on the
 *   same pair leave exactly one proposal.
 */
package app

import (
	"context"
	"encoding/json"
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

const (
	defaultMatchBatchSize      = 100
	defaultMatchScoreThreshold = 70
	eventScanTimeout           = 30 * time.Second
)

// TickReport summarises one matching pass.
type TickReport struct {
	Expired  int
	Released int
	Scanned  int
	Proposed int
	Duration time.Duration
	Err      error
}

// Matcher pairs open transfer requests.
type Matcher struct {
	repo      store.Repository
	events    eventEmitter
	logger    *slog.Logger
	batchSize int
	threshold int
	now       func() time.Time
}

// NewMatcher creates a new matcher.
func NewMatcher(repo store.Repository, producer rabbitmq.Publisher, logger *slog.Logger, cfg config.Config) *Matcher {
	batchSize := cfg.MatchBatchSize
	if batchSize <= 0 {
		batchSize = defaultMatchBatchSize
	}
	threshold := cfg.MatchScoreThreshold
	if threshold <= 0 {
		threshold = defaultMatchScoreThreshold
	}
	return &Matcher{
		repo:      repo,
		events:    newEventEmitter(producer, cfg.EventsExchange, logger),
		logger:    logger,
		batchSize: batchSize,
		threshold: threshold,
		now:       time.Now,
	}
}

// RunTick executes one full matching pass.
func (m *Matcher) RunTick(ctx context.Context) TickReport {
	started := m.now()
	now := started.UTC()
	var report TickReport
	var errs []error

	expired, err := m.repo.ExpireTransfers(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("reap expired requests: %w", err))
	} else {
		report.Expired = len(expired.ExpiredTransfers)
		report.Released = len(expired.ReleasedRequests)
		if report.Expired > 0 {
			m.logger.Info("expired transfer requests",
				"expired", report.Expired,
				"rejected_matches", len(expired.RejectedMatches),
				"released_requests", report.Released,
			)
		}
	}

	requests, err := m.repo.ListMatchableTransfers(ctx, now, m.batchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("load matchable requests: %w", err))
	}
	for i := range requests {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report.Scanned++
		proposed, err := m.scan(ctx, &requests[i], now)
		report.Proposed += proposed
		if err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", requests[i].ID, err))
		}
	}

	report.Duration = m.now().Sub(started)
	report.Err = errors.Join(errs...)
	if report.Err != nil {
		m.logger.Error("matching tick finished with errors",
			"scanned", report.Scanned, "proposed", report.Proposed, "error", report.Err)
	} else if report.Proposed > 0 || report.Expired > 0 {
		m.logger.Info("matching tick finished",
			"scanned", report.Scanned, "proposed", report.Proposed, "expired", report.Expired, "duration_ms", report.Duration.Milliseconds())
	}
	return report
}

// ScanRequest pairs a single request immediately. Requests that are no longer open or
// have expired are ignored.
func (m *Matcher) ScanRequest(ctx context.Context, transferID uuid.UUID) (int, error) {
	request, err := m.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return 0, err
	}
	now := m.now().UTC()
	if !request.Status.Open() || request.Expired(now) {
		return 0, nil
	}
	return m.scan(ctx, request, now)
}

func (m *Matcher) scan(ctx context.Context, request *domain.TransferRequest, now time.Time) (int, error) {
	candidates, err := m.repo.FindCounterCandidates(ctx, request, now)
	if err != nil {
		return 0, fmt.Errorf("load counter candidates: %w", err)
	}

	proposed := 0
	var errs []error
	for i := range candidates {
		counter := &candidates[i]
		if counter.ID == request.ID || !request.IsCounterOf(counter) || counter.Expired(now) {
			continue
		}
		score := Score(request, counter)
		if score < m.threshold {
			continue
		}

		matchType, matched, remaining := ClassifyMatch(request, counter)
		match := &domain.SettlementMatch{
			ID:               uuid.New(),
			RequestID:        request.ID,
			CounterRequestID: counter.ID,
			MatchScore:       score,
			MatchType:        matchType,
			MatchedAmount:    matched,
			RemainingAmount:  remaining,
		}
		created, err := m.repo.CreateMatchProposal(ctx, match, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("propose match with %s: %w", counter.ID, err))
			continue
		}
		if !created {
			continue
		}

		proposed++
		m.logger.Info("match proposed",
			"match_id", match.ID,
			"request_id", request.ID,
			"counter_request_id", counter.ID,
			"score", score,
			"match_type", matchType,
		)
		m.events.emit(ctx, domain.EventMatchProposed, domain.NewMatchEvent(domain.EventMatchProposed, match, now))
	}
	return proposed, errors.Join(errs...)
}

// HandleTransferCreated is the consumer handler for netting.transfer.created. It returns
// false only for failures worth one redelivery.
func (m *Matcher) HandleTransferCreated(body []byte) bool {
	var event domain.TransferEvent
	if err := json.Unmarshal(body, &event); err != nil || event.TransferID == uuid.Nil {
		m.logger.Warn("discarding malformed transfer event", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventScanTimeout)
	defer cancel()

	proposed, err := m.ScanRequest(ctx, event.TransferID)
	if err != nil {
		if store.IsNotFound(err) {
			m.logger.Warn("transfer from event not found", "transfer_id", event.TransferID)
			return true
		}
		m.logger.Error("event-triggered scan failed", "transfer_id", event.TransferID, "error", err)
		return false
	}
	if proposed > 0 {
		m.logger.Info("event-triggered scan proposed matches", "transfer_id", event.TransferID, "proposed", proposed)
	}
	return true
}
