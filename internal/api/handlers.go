/**
 * @description
 * HTTP handlers for the netting-service. Handlers decode and validate transport concerns
 * only; business rules live in internal/app. Service errors are mapped to status codes by
 * their domain kind.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/netting-service/internal/domain"
)

const maxRequestBodyBytes = 1 << 20

// TransferService is the subset of the transfer workflow the API exposes.
type TransferService interface {
	CreateTransfer(ctx context.Context, input domain.CreateTransferInput) (*domain.TransferRequest, string, error)
	EstimateTransfer(ctx context.Context, input domain.CreateTransferInput) (*domain.TransferQuote, error)
	CancelTransfer(ctx context.Context, transferID, userID uuid.UUID, reason string) (*domain.TransferRequest, error)
	GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.TransferDetail, error)
	ListUserTransfers(ctx context.Context, userID uuid.UUID, status string, page, limit int) (*domain.TransferPage, error)
	ListActiveCorridors(ctx context.Context, fromCountry string) ([]domain.TransferCorridor, error)
}

// MatchService exposes proposal decisions.
type MatchService interface {
	ListProposals(ctx context.Context, transferID uuid.UUID) ([]domain.SettlementMatch, error)
	AcceptMatch(ctx context.Context, matchID, userID uuid.UUID, isRequester bool) (*domain.SettlementMatch, error)
	RejectMatch(ctx context.Context, matchID, actorID uuid.UUID) (*domain.SettlementMatch, error)
	GetMatchStatus(ctx context.Context, matchID uuid.UUID) (*domain.MatchStatusView, error)
}

// SettlementService exposes settlement confirmation and ledger checks.
type SettlementService interface {
	CompleteSettlement(ctx context.Context, matchID uuid.UUID) (*domain.SettlementMatch, *domain.LedgerEntry, error)
	VerifyLedger(ctx context.Context) (*domain.LedgerVerification, error)
}

// RateService exposes exchange rate queries and updates.
type RateService interface {
	GetExchangeRate(ctx context.Context, fromCurrency, toCurrency string) (domain.RateQuote, error)
	ListRates(ctx context.Context) ([]domain.ExchangeRate, error)
	UpdateRate(ctx context.Context, input domain.UpdateRateInput) (*domain.ExchangeRate, error)
	RateHistory(ctx context.Context, fromCurrency, toCurrency string, days int) ([]domain.ExchangeRate, error)
}

// SchedulerStatus reports whether the matching tick is active.
type SchedulerStatus interface {
	IsRunning() bool
}

// Handler holds the application services that handlers interact with.
type Handler struct {
	transfers  TransferService
	matches    MatchService
	settlement SettlementService
	rates      RateService
	scheduler  SchedulerStatus
	logger     *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(transfers TransferService, matches MatchService, settlement SettlementService, rates RateService, scheduler SchedulerStatus, logger *slog.Logger) *Handler {
	return &Handler{
		transfers:  transfers,
		matches:    matches,
		settlement: settlement,
		rates:      rates,
		scheduler:  scheduler,
		logger:     logger,
	}
}

type healthResponse struct {
	Status           string `json:"status"`
	SchedulerRunning bool   `json:"scheduler_running"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := h.scheduler != nil && h.scheduler.IsRunning()
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", SchedulerRunning: running})
}

// actingUser resolves who performs a request. An authenticated subject always wins; a
// different user ID in the body is refused rather than ignored.
func actingUser(r *http.Request, claimed uuid.UUID, required bool) (uuid.UUID, error) {
	if subject, ok := UserFromContext(r.Context()); ok {
		userID, err := uuid.Parse(subject)
		if err != nil {
			return uuid.Nil, fmt.Errorf("token subject is not a user id: %w", domain.ErrUnauthorized)
		}
		if claimed != uuid.Nil && claimed != userID {
			return uuid.Nil, fmt.Errorf("user_id does not match the authenticated user: %w", domain.ErrUnauthorized)
		}
		return userID, nil
	}
	if required && claimed == uuid.Nil {
		return uuid.Nil, fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	return claimed, nil
}

// decodeJSON reads a JSON body into v. An empty body is allowed when optional is true.
func decodeJSON(r *http.Request, v interface{}, optional bool) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %v: %w", err, domain.ErrValidation)
	}
	return nil
}

func parseUUIDParam(raw, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a valid UUID: %w", name, domain.ErrValidation)
	}
	return id, nil
}

func parseOptionalPositiveInt(raw, name string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", name, domain.ErrValidation)
	}
	return value, nil
}

func mapServiceError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden, err.Error()
	}
	return http.StatusInternalServerError, "Internal server error"
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	status, message := mapServiceError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "endpoint", endpoint, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Debug("request rejected", "endpoint", endpoint, "status", status, "error", err)
	}
	h.writeError(w, status, message)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Error("failed to encode response", "error", err)
		}
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
