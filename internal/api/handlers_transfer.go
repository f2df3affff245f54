package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/netting-service/internal/domain"
)

type createTransferResponse struct {
	Transfer           *domain.TransferRequest `json:"transfer"`
	EstimatedMatchTime string                  `json:"estimated_match_time"`
}

type cancelTransferRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Reason string    `json:"reason"`
}

func (h *Handler) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	var input domain.CreateTransferInput
	if err := decodeJSON(r, &input, false); err != nil {
		h.writeServiceError(w, r, "create_transfer", err)
		return
	}
	senderID, err := actingUser(r, input.SenderID, true)
	if err != nil {
		h.writeServiceError(w, r, "create_transfer", err)
		return
	}
	input.SenderID = senderID

	transfer, estimate, err := h.transfers.CreateTransfer(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, r, "create_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, createTransferResponse{Transfer: transfer, EstimatedMatchTime: estimate})
}

func (h *Handler) handleEstimateTransfer(w http.ResponseWriter, r *http.Request) {
	var input domain.CreateTransferInput
	if err := decodeJSON(r, &input, false); err != nil {
		h.writeServiceError(w, r, "estimate_transfer", err)
		return
	}

	quote, err := h.transfers.EstimateTransfer(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, r, "estimate_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) handleListUserTransfers(w http.ResponseWriter, r *http.Request) {
	pathUser, err := parseUUIDParam(chi.URLParam(r, "userID"), "userID")
	if err != nil {
		h.writeServiceError(w, r, "list_user_transfers", err)
		return
	}
	userID, err := actingUser(r, pathUser, true)
	if err != nil {
		h.writeServiceError(w, r, "list_user_transfers", err)
		return
	}

	query := r.URL.Query()
	page, err := parseOptionalPositiveInt(query.Get("page"), "page", 1)
	if err != nil {
		h.writeServiceError(w, r, "list_user_transfers", err)
		return
	}
	limit, err := parseOptionalPositiveInt(query.Get("limit"), "limit", 0)
	if err != nil {
		h.writeServiceError(w, r, "list_user_transfers", err)
		return
	}

	result, err := h.transfers.ListUserTransfers(r.Context(), userID, query.Get("status"), page, limit)
	if err != nil {
		h.writeServiceError(w, r, "list_user_transfers", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	transferID, err := parseUUIDParam(chi.URLParam(r, "transferID"), "transferID")
	if err != nil {
		h.writeServiceError(w, r, "get_transfer", err)
		return
	}

	detail, err := h.transfers.GetTransfer(r.Context(), transferID)
	if err != nil {
		h.writeServiceError(w, r, "get_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	transferID, err := parseUUIDParam(chi.URLParam(r, "transferID"), "transferID")
	if err != nil {
		h.writeServiceError(w, r, "cancel_transfer", err)
		return
	}
	var body cancelTransferRequest
	if err := decodeJSON(r, &body, true); err != nil {
		h.writeServiceError(w, r, "cancel_transfer", err)
		return
	}
	userID, err := actingUser(r, body.UserID, true)
	if err != nil {
		h.writeServiceError(w, r, "cancel_transfer", err)
		return
	}

	transfer, err := h.transfers.CancelTransfer(r.Context(), transferID, userID, body.Reason)
	if err != nil {
		h.writeServiceError(w, r, "cancel_transfer", err)
		return
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

func (h *Handler) handleListCorridors(w http.ResponseWriter, r *http.Request) {
	corridors, err := h.transfers.ListActiveCorridors(r.Context(), r.URL.Query().Get("fromCountry"))
	if err != nil {
		h.writeServiceError(w, r, "list_corridors", err)
		return
	}
	h.writeJSON(w, http.StatusOK, corridors)
}
