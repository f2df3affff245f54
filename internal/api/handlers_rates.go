package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/netting-service/internal/domain"
)

func (h *Handler) handleGetRate(w http.ResponseWriter, r *http.Request) {
	quote, err := h.rates.GetExchangeRate(r.Context(), chi.URLParam(r, "from"), chi.URLParam(r, "to"))
	if err != nil {
		h.writeServiceError(w, r, "get_rate", err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) handleListRates(w http.ResponseWriter, r *http.Request) {
	rates, err := h.rates.ListRates(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "list_rates", err)
		return
	}
	h.writeJSON(w, http.StatusOK, rates)
}

func (h *Handler) handleUpdateRate(w http.ResponseWriter, r *http.Request) {
	var input domain.UpdateRateInput
	if err := decodeJSON(r, &input, false); err != nil {
		h.writeServiceError(w, r, "update_rate", err)
		return
	}

	rate, err := h.rates.UpdateRate(r.Context(), input)
	if err != nil {
		h.writeServiceError(w, r, "update_rate", err)
		return
	}
	h.logger.Info("exchange rate updated", "from_currency", rate.FromCurrency, "to_currency", rate.ToCurrency, "mid_rate", rate.MidRate.String())
	h.writeJSON(w, http.StatusCreated, rate)
}

func (h *Handler) handleRateHistory(w http.ResponseWriter, r *http.Request) {
	days, err := parseOptionalPositiveInt(r.URL.Query().Get("days"), "days", 0)
	if err != nil {
		h.writeServiceError(w, r, "rate_history", err)
		return
	}

	history, err := h.rates.RateHistory(r.Context(), chi.URLParam(r, "from"), chi.URLParam(r, "to"), days)
	if err != nil {
		h.writeServiceError(w, r, "rate_history", err)
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}
