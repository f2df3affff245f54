package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/netting-service/internal/domain"
)

type acceptMatchRequest struct {
	UserID      uuid.UUID `json:"user_id"`
	IsRequester bool      `json:"is_requester"`
}

type rejectMatchRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

type confirmMatchResponse struct {
	Match  *domain.SettlementMatch `json:"match"`
	Ledger *domain.LedgerEntry     `json:"ledger"`
}

func (h *Handler) handleListProposals(w http.ResponseWriter, r *http.Request) {
	transferID, err := parseUUIDParam(chi.URLParam(r, "transferID"), "transferID")
	if err != nil {
		h.writeServiceError(w, r, "list_proposals", err)
		return
	}

	proposals, err := h.matches.ListProposals(r.Context(), transferID)
	if err != nil {
		h.writeServiceError(w, r, "list_proposals", err)
		return
	}
	h.writeJSON(w, http.StatusOK, proposals)
}

func (h *Handler) handleAcceptMatch(w http.ResponseWriter, r *http.Request) {
	matchID, err := parseUUIDParam(chi.URLParam(r, "matchID"), "matchID")
	if err != nil {
		h.writeServiceError(w, r, "accept_match", err)
		return
	}
	var body acceptMatchRequest
	if err := decodeJSON(r, &body, false); err != nil {
		h.writeServiceError(w, r, "accept_match", err)
		return
	}
	userID, err := actingUser(r, body.UserID, true)
	if err != nil {
		h.writeServiceError(w, r, "accept_match", err)
		return
	}

	match, err := h.matches.AcceptMatch(r.Context(), matchID, userID, body.IsRequester)
	if err != nil {
		h.writeServiceError(w, r, "accept_match", err)
		return
	}
	h.writeJSON(w, http.StatusOK, match)
}

func (h *Handler) handleRejectMatch(w http.ResponseWriter, r *http.Request) {
	matchID, err := parseUUIDParam(chi.URLParam(r, "matchID"), "matchID")
	if err != nil {
		h.writeServiceError(w, r, "reject_match", err)
		return
	}
	var body rejectMatchRequest
	if err := decodeJSON(r, &body, true); err != nil {
		h.writeServiceError(w, r, "reject_match", err)
		return
	}
	actorID, err := actingUser(r, body.UserID, false)
	if err != nil {
		h.writeServiceError(w, r, "reject_match", err)
		return
	}

	match, err := h.matches.RejectMatch(r.Context(), matchID, actorID)
	if err != nil {
		h.writeServiceError(w, r, "reject_match", err)
		return
	}
	h.writeJSON(w, http.StatusOK, match)
}

func (h *Handler) handleMatchStatus(w http.ResponseWriter, r *http.Request) {
	matchID, err := parseUUIDParam(chi.URLParam(r, "matchID"), "matchID")
	if err != nil {
		h.writeServiceError(w, r, "match_status", err)
		return
	}

	view, err := h.matches.GetMatchStatus(r.Context(), matchID)
	if err != nil {
		h.writeServiceError(w, r, "match_status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleConfirmMatch(w http.ResponseWriter, r *http.Request) {
	matchID, err := parseUUIDParam(chi.URLParam(r, "matchID"), "matchID")
	if err != nil {
		h.writeServiceError(w, r, "confirm_match", err)
		return
	}

	match, entry, err := h.settlement.CompleteSettlement(r.Context(), matchID)
	if err != nil {
		h.writeServiceError(w, r, "confirm_match", err)
		return
	}
	h.writeJSON(w, http.StatusOK, confirmMatchResponse{Match: match, Ledger: entry})
}

func (h *Handler) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	result, err := h.settlement.VerifyLedger(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "verify_ledger", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}
