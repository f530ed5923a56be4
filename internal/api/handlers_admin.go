/**
 * @description
 * This file contains the HTTP handlers for the claim-service's operator
 * endpoints: drop creation and lifecycle overrides, payout retries, and
 * service-wide statistics. These routes sit behind the internal API key
 * middleware rather than claimant JWT auth.
 *
 * @dependencies
 * - encoding/json, net/http, time: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rewardrush/claim-service/internal/domain"
	"github.com/rewardrush/claim-service/internal/store"
)

// CreateDropHandler handles POST /admin/drops.
func (h *ClaimHandlers) CreateDropHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateDropRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	drop, err := h.service.CreateDrop(r.Context(), req)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Arm the fire timer immediately so the new drop does not depend on a
	// restart or the daily cron.
	h.scheduler.ScheduleDrop(drop)
	h.writeJSON(w, http.StatusCreated, drop)
}

// ScheduleDailyDropHandler handles POST /admin/drops/schedule-daily. It
// plans a drop for the given day (default: today) at a random time inside
// the configured window, using the default reward configuration.
func (h *ClaimHandlers) ScheduleDailyDropHandler(w http.ResponseWriter, r *http.Request) {
	day := time.Now()
	var req struct {
		Day string `json:"day"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.Day != "" {
		parsed, err := time.Parse("2006-01-02", req.Day)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid day, want YYYY-MM-DD")
			return
		}
		day = parsed
	}

	drop, err := h.scheduler.ScheduleDailyDrop(r.Context(), day)
	if err != nil {
		log.Printf("level=error component=api msg=\"daily drop scheduling failed\" error=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to schedule drop")
		return
	}
	h.writeJSON(w, http.StatusCreated, drop)
}

// ListDropsHandler handles GET /admin/drops.
func (h *ClaimHandlers) ListDropsHandler(w http.ResponseWriter, r *http.Request) {
	filter := domain.DropListFilter{}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		status := domain.DropStatus(v)
		filter.Status = &status
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid from timestamp")
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid to timestamp")
			return
		}
		filter.To = &t
	}
	if v := q.Get("winner_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid winner ID")
			return
		}
		filter.ClaimantID = &id
	}
	filter.Limit, filter.Offset = parsePagination(r)

	drops, err := h.service.ListDrops(r.Context(), filter)
	if err != nil {
		log.Printf("level=error component=api msg=\"drop listing failed\" error=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to list drops")
		return
	}
	if drops == nil {
		drops = []domain.Drop{}
	}
	h.writeJSON(w, http.StatusOK, drops)
}

// UpdateDropRewardHandler handles PATCH /admin/drops/{dropID}.
func (h *ClaimHandlers) UpdateDropRewardHandler(w http.ResponseWriter, r *http.Request) {
	dropID, err := uuid.Parse(chi.URLParam(r, "dropID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid drop ID")
		return
	}

	var reward domain.RewardConfig
	if err := json.NewDecoder(r.Body).Decode(&reward); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	drop, err := h.service.UpdateDropReward(r.Context(), dropID, reward)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDropNotFound):
			h.writeError(w, http.StatusNotFound, "Drop not found")
		case errors.Is(err, store.ErrDropNotClaimable):
			h.writeError(w, http.StatusConflict, "Drop is already settled")
		default:
			h.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, drop)
}

// CancelDropHandler handles POST /admin/drops/{dropID}/cancel.
func (h *ClaimHandlers) CancelDropHandler(w http.ResponseWriter, r *http.Request) {
	dropID, err := uuid.Parse(chi.URLParam(r, "dropID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid drop ID")
		return
	}

	drop, err := h.service.CancelDrop(r.Context(), dropID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDropNotFound):
			h.writeError(w, http.StatusNotFound, "Drop not found")
		case errors.Is(err, store.ErrDropNotClaimable):
			h.writeError(w, http.StatusConflict, "Drop is already settled")
		default:
			log.Printf("level=error component=api msg=\"drop cancel failed\" drop_id=%s error=%v", dropID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to cancel drop")
		}
		return
	}

	h.scheduler.CancelTimers(dropID)
	h.writeJSON(w, http.StatusOK, drop)
}

// RetryTransactionHandler handles POST /admin/transactions/{txID}/retry.
func (h *ClaimHandlers) RetryTransactionHandler(w http.ResponseWriter, r *http.Request) {
	txID, err := uuid.Parse(chi.URLParam(r, "txID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID")
		return
	}

	tx, err := h.service.RetryRewardTransaction(r.Context(), txID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTransactionNotFound):
			h.writeError(w, http.StatusNotFound, "Transaction not found")
		case errors.Is(err, store.ErrTransactionNotRetryable):
			h.writeError(w, http.StatusConflict, "Only failed transactions can be retried")
		default:
			log.Printf("level=error component=api msg=\"transaction retry failed\" transaction_id=%s error=%v", txID, err)
			h.writeError(w, http.StatusBadGateway, "Retry submission failed")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// GetTransactionHandler handles GET /admin/transactions/{txID}.
func (h *ClaimHandlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	txID, err := uuid.Parse(chi.URLParam(r, "txID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID")
		return
	}

	tx, err := h.service.GetRewardTransaction(r.Context(), txID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		log.Printf("level=error component=api msg=\"transaction lookup failed\" transaction_id=%s error=%v", txID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch transaction")
		return
	}
	h.writeJSON(w, http.StatusOK, tx)
}

// StatsHandler handles GET /admin/stats.
func (h *ClaimHandlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetAggregateStats(r.Context())
	if err != nil {
		log.Printf("level=error component=api msg=\"aggregate stats failed\" error=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Unable to compute stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}
