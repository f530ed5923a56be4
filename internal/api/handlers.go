/**
 * @description
 * This file contains the HTTP handlers for the claim-service's claimant-facing
 * API endpoints. Handlers are responsible for parsing incoming requests,
 * calling the appropriate methods on the application service, and writing the
 * HTTP response. They act as the bridge between the web layer and the
 * arbitration logic.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rewardrush/claim-service/internal/app"
	"github.com/rewardrush/claim-service/internal/domain"
	"github.com/rewardrush/claim-service/internal/store"
)

// ClaimHandlers holds the application service and scheduler that handlers use.
type ClaimHandlers struct {
	service   *app.Service
	scheduler *app.DropScheduler
}

// NewClaimHandlers creates the handler set.
func NewClaimHandlers(service *app.Service, scheduler *app.DropScheduler) *ClaimHandlers {
	return &ClaimHandlers{service: service, scheduler: scheduler}
}

// claimRequest is the body of a claim attempt. Both fields are optional:
// absent risk context simply weakens the screener's signals.
type claimRequest struct {
	Fingerprint   string `json:"fingerprint"`
	NetworkOrigin string `json:"network_origin"`
}

// claimResponse mirrors domain.ClaimResult for the wire.
type claimResponse struct {
	Success           bool     `json:"success"`
	Reason            string   `json:"reason,omitempty"`
	Message           string   `json:"message"`
	EligibilityIssues []string `json:"eligibility_issues,omitempty"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
	AwardedAmount     float64  `json:"awarded_amount,omitempty"`
	Currency          string   `json:"currency,omitempty"`
	TransactionID     *string  `json:"transaction_id,omitempty"`
	LedgerRef         *string  `json:"ledger_ref,omitempty"`
	NextDropHint      *string  `json:"next_drop_hint,omitempty"`
}

// ClaimDropHandler handles POST /drops/{dropID}/claim.
func (h *ClaimHandlers) ClaimDropHandler(w http.ResponseWriter, r *http.Request) {
	claimantID, ok := h.authenticatedClaimant(w, r)
	if !ok {
		return
	}

	dropID, err := uuid.Parse(chi.URLParam(r, "dropID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid drop ID")
		return
	}

	var req claimRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	result, err := h.service.Claim(r.Context(), dropID, claimantID, domain.ClaimContext{
		Fingerprint:   req.Fingerprint,
		NetworkOrigin: req.NetworkOrigin,
	})
	if err != nil {
		log.Printf("level=error component=api msg=\"claim attempt could not be processed\" drop_id=%s claimant_id=%s error=%v", dropID, claimantID, err)
		h.writeError(w, http.StatusInternalServerError, "Claim could not be processed")
		return
	}

	status := claimStatusCode(result)
	if result.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
	}
	h.writeJSON(w, status, buildClaimResponse(result))
}

// claimStatusCode maps a claim outcome to its HTTP status.
func claimStatusCode(result *domain.ClaimResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.Reason {
	case domain.ClaimReasonAlreadyClaimed:
		return http.StatusConflict
	case domain.ClaimReasonExpired, domain.ClaimReasonNotDropped:
		return http.StatusGone
	case domain.ClaimReasonNotEligible, domain.ClaimReasonSuspiciousActivity:
		return http.StatusForbidden
	case domain.ClaimReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func buildClaimResponse(result *domain.ClaimResult) claimResponse {
	resp := claimResponse{
		Success:           result.Success,
		Reason:            string(result.Reason),
		Message:           result.Message,
		EligibilityIssues: result.EligibilityIssues,
		RetryAfterSeconds: result.RetryAfterSeconds,
		AwardedAmount:     result.AwardedAmount,
		Currency:          result.Currency,
		LedgerRef:         result.LedgerRef,
	}
	if result.TransactionID != nil {
		id := result.TransactionID.String()
		resp.TransactionID = &id
	}
	if result.NextDropHint != nil {
		hint := result.NextDropHint.UTC().Format(time.RFC3339)
		resp.NextDropHint = &hint
	}
	return resp
}

// GetDropHandler handles GET /drops/{dropID}.
func (h *ClaimHandlers) GetDropHandler(w http.ResponseWriter, r *http.Request) {
	dropID, err := uuid.Parse(chi.URLParam(r, "dropID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid drop ID")
		return
	}

	drop, err := h.service.GetDrop(r.Context(), dropID)
	if err != nil {
		if errors.Is(err, store.ErrDropNotFound) {
			h.writeError(w, http.StatusNotFound, "Drop not found")
			return
		}
		log.Printf("level=error component=api msg=\"drop lookup failed\" drop_id=%s error=%v", dropID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch drop")
		return
	}
	h.writeJSON(w, http.StatusOK, drop)
}

// MyStatsHandler handles GET /me/stats.
func (h *ClaimHandlers) MyStatsHandler(w http.ResponseWriter, r *http.Request) {
	claimantID, ok := h.authenticatedClaimant(w, r)
	if !ok {
		return
	}

	profile, err := h.service.GetClaimantStats(r.Context(), claimantID)
	if err != nil {
		log.Printf("level=error component=api msg=\"claimant stats lookup failed\" claimant_id=%s error=%v", claimantID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch claimant stats")
		return
	}
	h.writeJSON(w, http.StatusOK, profile)
}

// MyClaimsHandler handles GET /me/claims.
func (h *ClaimHandlers) MyClaimsHandler(w http.ResponseWriter, r *http.Request) {
	claimantID, ok := h.authenticatedClaimant(w, r)
	if !ok {
		return
	}

	limit, offset := parsePagination(r)
	events, err := h.service.ListClaimantClaims(r.Context(), claimantID, limit, offset)
	if err != nil {
		log.Printf("level=error component=api msg=\"claim history lookup failed\" claimant_id=%s error=%v", claimantID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to fetch claim history")
		return
	}
	if events == nil {
		events = []domain.ClaimEvent{}
	}
	h.writeJSON(w, http.StatusOK, events)
}

// authenticatedClaimant resolves the calling claimant from the validated
// JWT subject, writing the error response itself on failure.
func (h *ClaimHandlers) authenticatedClaimant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	subject, ok := GetAuthSubject(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get subject from context")
		return uuid.Nil, false
	}

	claimantID, err := h.service.ResolveClaimant(r.Context(), subject)
	if err != nil {
		if errors.Is(err, store.ErrClaimantNotFound) {
			h.writeError(w, http.StatusForbidden, "No claimant registered for this account")
			return uuid.Nil, false
		}
		log.Printf("level=error component=api msg=\"claimant resolution failed\" subject=%s error=%v", subject, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to resolve claimant")
		return uuid.Nil, false
	}
	return claimantID, true
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// writeJSON is a helper for writing JSON responses.
func (h *ClaimHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *ClaimHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
