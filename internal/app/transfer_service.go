/**
 * @description
 * TransferService handles transfer request intake: pricing through the rate oracle,
 * persistence as PENDING, cancellation by the owner and the read-side queries used by
 * the API.
 *
 * @dependencies
 * - internal/store: Persistence of transfer requests and corridor statistics.
 * - pkg/rabbitmq: Publishes netting.transfer.* events.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/netting-service/internal/config"
	"github.com/transfa/netting-service/internal/domain"
	"github.com/transfa/netting-service/internal/store"
	"github.com/transfa/netting-service/pkg/rabbitmq"
)

const (
	defaultMatchTimeEstimate = "1-24 hours"
	defaultTransferTTL       = 24 * time.Hour
	defaultPageSize          = 20
	maxPageSize              = 100
	maxCancelReasonLength    = 500
	defaultCancelReason      = "cancelled by sender"
)

// TransferService contains the business logic for transfer requests.
type TransferService struct {
	repo    store.Repository
	rates   RateResolver
	pricing PricingPolicy
	ttl     time.Duration
	events  eventEmitter
	logger  *slog.Logger
	now     func() time.Time
}

// NewTransferService creates a new transfer service.
func NewTransferService(repo store.Repository, rates RateResolver, producer rabbitmq.Publisher, logger *slog.Logger, cfg config.Config) *TransferService {
	ttl := cfg.TransferTTL()
	if ttl <= 0 {
		ttl = defaultTransferTTL
	}
	return &TransferService{
		repo:    repo,
		rates:   rates,
		pricing: PricingPolicyFromConfig(cfg),
		ttl:     ttl,
		events:  newEventEmitter(producer, cfg.EventsExchange, logger),
		logger:  logger,
		now:     time.Now,
	}
}

// CreateTransfer prices and persists a new PENDING request. The returned string is a human
// readable estimate of how long matching usually takes on this corridor.
func (s *TransferService) CreateTransfer(ctx context.Context, input domain.CreateTransferInput) (*domain.TransferRequest, string, error) {
	input, err := validateTransferInput(input, true)
	if err != nil {
		return nil, "", err
	}

	quote, err := s.rates.GetExchangeRate(ctx, input.SenderCurrency, input.RecipientCurrency)
	if err != nil {
		return nil, "", err
	}
	if quote.Degraded() {
		s.logger.Warn("pricing transfer with degraded rate", "sender_currency", input.SenderCurrency, "recipient_currency", input.RecipientCurrency)
	}
	pricing := s.pricing.Price(input.SendAmount, quote.MidRate)

	now := s.now().UTC().Truncate(time.Microsecond)
	transfer := &domain.TransferRequest{
		ID:                uuid.New(),
		SenderID:          input.SenderID,
		RecipientID:       input.RecipientID,
		SenderCountry:     input.SenderCountry,
		SenderCurrency:    input.SenderCurrency,
		RecipientCountry:  input.RecipientCountry,
		RecipientCurrency: input.RecipientCurrency,
		SendAmount:        input.SendAmount,
		ReceiveAmount:     pricing.ReceiveAmount,
		ExchangeRate:      pricing.EffectiveRate,
		MarketRate:        pricing.MarketRate,
		SpreadPercent:     pricing.SpreadPercent,
		PlatformFee:       pricing.PlatformFee,
		TotalCost:         pricing.TotalCost,
		RateSource:        quote.Source,
		Status:            domain.TransferStatusPending,
		ExpiresAt:         now.Add(s.ttl),
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.repo.CreateTransfer(ctx, transfer); err != nil {
		return nil, "", fmt.Errorf("failed to create transfer request: %w", err)
	}

	s.logger.Info("transfer request created",
		"transfer_id", transfer.ID,
		"sender_id", transfer.SenderID,
		"corridor", transfer.SenderCountry+"-"+transfer.RecipientCountry,
		"send_amount", transfer.SendAmount.String(),
		"rate_source", transfer.RateSource,
	)
	s.events.emit(ctx, domain.EventTransferCreated, domain.NewTransferEvent(domain.EventTransferCreated, transfer, now))

	return transfer, s.estimateMatchTime(ctx, transfer.SenderCountry, transfer.RecipientCountry), nil
}

// EstimateTransfer runs the same pricing as CreateTransfer without persisting anything.
func (s *TransferService) EstimateTransfer(ctx context.Context, input domain.CreateTransferInput) (*domain.TransferQuote, error) {
	input, err := validateTransferInput(input, false)
	if err != nil {
		return nil, err
	}

	quote, err := s.rates.GetExchangeRate(ctx, input.SenderCurrency, input.RecipientCurrency)
	if err != nil {
		return nil, err
	}
	pricing := s.pricing.Price(input.SendAmount, quote.MidRate)

	return &domain.TransferQuote{
		SenderCurrency:     input.SenderCurrency,
		RecipientCurrency:  input.RecipientCurrency,
		SendAmount:         input.SendAmount,
		Pricing:            pricing,
		Legacy:             LegacyComparison(input.SendAmount, pricing),
		RateSource:         quote.Source,
		Degraded:           quote.Degraded(),
		EstimatedMatchTime: s.estimateMatchTime(ctx, input.SenderCountry, input.RecipientCountry),
	}, nil
}

// CancelTransfer cancels an open request on behalf of its sender. Proposals that referenced
// it are rejected and their counterparties released back to PENDING.
func (s *TransferService) CancelTransfer(ctx context.Context, transferID, userID uuid.UUID, reason string) (*domain.TransferRequest, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > maxCancelReasonLength {
		return nil, fmt.Errorf("reason must be at most %d characters: %w", maxCancelReasonLength, domain.ErrValidation)
	}
	if reason == "" {
		reason = defaultCancelReason
	}

	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.SenderID != userID {
		return nil, fmt.Errorf("user %s cannot cancel transfer %s: %w", userID, transferID, domain.ErrUnauthorized)
	}
	if !transfer.Status.Open() {
		return nil, fmt.Errorf("cannot cancel transfer in status %s: %w", transfer.Status, store.ErrTransferNotOpen)
	}

	now := s.now().UTC()
	result, err := s.repo.CancelTransfer(ctx, transferID, reason, now)
	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer request cancelled",
		"transfer_id", transferID,
		"rejected_matches", len(result.RejectedMatches),
		"released_requests", len(result.ReleasedRequests),
	)
	s.events.emit(ctx, domain.EventTransferCancelled, domain.NewTransferEvent(domain.EventTransferCancelled, result.Transfer, now))
	return result.Transfer, nil
}

// GetTransfer returns a request together with every match that references it.
func (s *TransferService) GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.TransferDetail, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	matches, err := s.repo.ListMatchesByTransfer(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}
	return &domain.TransferDetail{Transfer: transfer, Matches: matches}, nil
}

// ListUserTransfers pages through a sender's requests, newest first.
func (s *TransferService) ListUserTransfers(ctx context.Context, userID uuid.UUID, status string, page, limit int) (*domain.TransferPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	opts := domain.TransferListOptions{Limit: limit, Offset: (page - 1) * limit}
	if status = strings.ToUpper(strings.TrimSpace(status)); status != "" {
		parsed := domain.TransferStatus(status)
		if !parsed.Valid() {
			return nil, fmt.Errorf("unknown status %q: %w", status, domain.ErrValidation)
		}
		opts.Status = &parsed
	}

	items, total, err := s.repo.ListTransfersBySender(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return &domain.TransferPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// ListActiveCorridors returns corridors with settled volume, optionally for one origin.
func (s *TransferService) ListActiveCorridors(ctx context.Context, fromCountry string) ([]domain.TransferCorridor, error) {
	if fromCountry = strings.TrimSpace(fromCountry); fromCountry != "" {
		code, err := normalizeCountry("fromCountry", fromCountry)
		if err != nil {
			return nil, err
		}
		fromCountry = code
	}
	return s.repo.ListActiveCorridors(ctx, fromCountry)
}

func (s *TransferService) estimateMatchTime(ctx context.Context, fromCountry, toCountry string) string {
	corridor, err := s.repo.FindCorridor(ctx, fromCountry, toCountry)
	if err != nil {
		if !store.IsNotFound(err) {
			s.logger.Warn("corridor lookup failed", "from_country", fromCountry, "to_country", toCountry, "error", err)
		}
		return defaultMatchTimeEstimate
	}
	if corridor.TotalTransfers == 0 {
		return defaultMatchTimeEstimate
	}
	return formatMatchTime(corridor.AvgMatchTimeMinutes)
}

func formatMatchTime(avgMinutes decimal.Decimal) string {
	minutes := avgMinutes.InexactFloat64()
	switch {
	case minutes < 1:
		return "under 1 minute"
	case minutes < 60:
		return fmt.Sprintf("about %d minutes", int(math.Ceil(minutes)))
	default:
		hours := math.Ceil(minutes / 60)
		if hours == 1 {
			return "about 1 hour"
		}
		return fmt.Sprintf("about %d hours", int(hours))
	}
}

func validateTransferInput(input domain.CreateTransferInput, requireSender bool) (domain.CreateTransferInput, error) {
	if requireSender && input.SenderID == uuid.Nil {
		return input, fmt.Errorf("sender_id is required: %w", domain.ErrValidation)
	}

	var err error
	if input.SenderCountry, err = normalizeCountry("sender_country", input.SenderCountry); err != nil {
		return input, err
	}
	if input.RecipientCountry, err = normalizeCountry("recipient_country", input.RecipientCountry); err != nil {
		return input, err
	}
	if input.SenderCurrency, err = normalizeCurrency("sender_currency", input.SenderCurrency); err != nil {
		return input, err
	}
	if input.RecipientCurrency, err = normalizeCurrency("recipient_currency", input.RecipientCurrency); err != nil {
		return input, err
	}
	if input.SenderCountry == input.RecipientCountry {
		return input, fmt.Errorf("sender_country and recipient_country must differ: %w", domain.ErrValidation)
	}
	if !input.SendAmount.IsPositive() {
		return input, fmt.Errorf("send_amount must be positive: %w", domain.ErrValidation)
	}
	if input.SendAmount.Exponent() < -2 && !input.SendAmount.Equal(input.SendAmount.Round(2)) {
		return input, fmt.Errorf("send_amount supports at most 2 decimal places: %w", domain.ErrValidation)
	}
	return input, nil
}
