package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/domain"
	"github.com/limiquantix/consolidation/internal/drs"
)

// RecommendationService is the part of the engine the API drives.
type RecommendationService interface {
	ListRecommendations(ctx context.Context, status domain.RecommendationStatus, limit int) ([]*domain.MigrationRecommendation, error)
	ApproveRecommendation(ctx context.Context, id, approvedBy string) (*domain.MigrationRecommendation, error)
	ApplyRecommendation(ctx context.Context, id, appliedBy string) (*domain.MigrationRecommendation, error)
	RejectRecommendation(ctx context.Context, id string) (*domain.MigrationRecommendation, error)
	RunCycle(ctx context.Context) (*drs.CycleReport, error)
	LastReport() *drs.CycleReport
}

// RecommendationHandler handles HTTP requests for migration recommendations
// and planning cycles.
type RecommendationHandler struct {
	service RecommendationService
	logger  *zap.Logger
}

// NewRecommendationHandler creates a new recommendation handler.
func NewRecommendationHandler(service RecommendationService, logger *zap.Logger) *RecommendationHandler {
	return &RecommendationHandler{
		service: service,
		logger:  logger.Named("recommendation-handler"),
	}
}

// RegisterRoutes registers recommendation API routes.
func (h *RecommendationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/recommendations", h.handleRecommendations)
	mux.HandleFunc("/api/v1/recommendations/", h.handleRecommendationAction)
	mux.HandleFunc("/api/v1/cycles", h.handleCycles)
	mux.HandleFunc("/api/v1/cycles/latest", h.handleLatestCycle)
}

// actionRequest is the optional body of approve and apply requests.
type actionRequest struct {
	User string `json:"user"`
}

// handleRecommendations handles GET /api/v1/recommendations?status=&limit=
func (h *RecommendationHandler) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	status := domain.RecommendationStatus(strings.ToUpper(query.Get("status")))
	switch status {
	case "", domain.StatusPending, domain.StatusApproved, domain.StatusApplied, domain.StatusRejected:
	default:
		writeError(w, "Unknown status "+string(status), http.StatusBadRequest)
		return
	}

	limit := 100
	if limitStr := query.Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l <= 0 || l > 1000 {
			writeError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = l
	}

	recs, err := h.service.ListRecommendations(r.Context(), status, limit)
	if err != nil {
		h.writeServiceError(w, "Failed to list recommendations", err)
		return
	}
	if recs == nil {
		recs = []*domain.MigrationRecommendation{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"recommendations": recs,
		"total":           len(recs),
	}, h.logger)
}

// handleRecommendationAction handles POST /api/v1/recommendations/{id}/{approve|apply|reject}
func (h *RecommendationHandler) handleRecommendationAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/recommendations/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, "Expected /api/v1/recommendations/{id}/{action}", http.StatusNotFound)
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, action := parts[0], parts[1]
	var req actionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.User == "" {
		req.User = "api"
	}

	ctx := r.Context()
	var (
		rec *domain.MigrationRecommendation
		err error
	)
	switch action {
	case "approve":
		rec, err = h.service.ApproveRecommendation(ctx, id, req.User)
	case "apply":
		rec, err = h.service.ApplyRecommendation(ctx, id, req.User)
	case "reject":
		rec, err = h.service.RejectRecommendation(ctx, id)
	default:
		writeError(w, "Unknown action "+action, http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeServiceError(w, "Failed to "+action+" recommendation", err)
		return
	}

	h.logger.Info("Recommendation updated",
		zap.String("id", id),
		zap.String("action", action),
		zap.String("user", req.User),
	)
	writeJSON(w, http.StatusOK, rec, h.logger)
}

// handleCycles handles POST /api/v1/cycles, which runs a planning cycle now.
func (h *RecommendationHandler) handleCycles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := h.service.RunCycle(r.Context())
	if err != nil {
		h.writeServiceError(w, "Failed to run planning cycle", err)
		return
	}
	writeJSON(w, http.StatusOK, report, h.logger)
}

// handleLatestCycle handles GET /api/v1/cycles/latest
func (h *RecommendationHandler) handleLatestCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report := h.service.LastReport()
	if report == nil {
		writeError(w, "No planning cycle has run yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report, h.logger)
}

func (h *RecommendationHandler) writeServiceError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, drs.ErrNotLeader):
		writeError(w, "This instance is not the leader", http.StatusServiceUnavailable)
	default:
		h.logger.Error(message, zap.Error(err))
		writeError(w, message, http.StatusInternalServerError)
	}
}
