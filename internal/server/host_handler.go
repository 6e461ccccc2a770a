package server

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidation/internal/datacenter"
	"github.com/limiquantix/consolidation/internal/detector"
	"github.com/limiquantix/consolidation/internal/simulation"
)

// HostStatusSource returns a snapshot of every host.
type HostStatusSource interface {
	Status() []datacenter.HostStatus
}

// ThresholdHistory returns the utilization samples a detector compared
// against its threshold, by host ID.
type ThresholdHistory interface {
	History(hostID string) []detector.MetricSample
}

// SummarySource reports simulation totals.
type SummarySource interface {
	Summary() simulation.Summary
}

// HostHandler serves host state and simulation progress.
type HostHandler struct {
	hosts      HostStatusSource
	thresholds ThresholdHistory
	summary    SummarySource
	logger     *zap.Logger
}

// NewHostHandler creates a host handler. thresholds and summary may be nil.
func NewHostHandler(hosts HostStatusSource, thresholds ThresholdHistory, summary SummarySource, logger *zap.Logger) *HostHandler {
	return &HostHandler{
		hosts:      hosts,
		thresholds: thresholds,
		summary:    summary,
		logger:     logger.Named("host-handler"),
	}
}

// RegisterRoutes registers host API routes.
func (h *HostHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/hosts", h.handleHosts)
	mux.HandleFunc("/api/v1/hosts/", h.handleHostByName)
	mux.HandleFunc("/api/v1/simulation", h.handleSimulation)
}

// handleHosts handles GET /api/v1/hosts
func (h *HostHandler) handleHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hosts := h.hosts.Status()
	writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts, "total": len(hosts)}, h.logger)
}

// handleHostByName handles GET /api/v1/hosts/{name} and
// GET /api/v1/hosts/{name}/thresholds
func (h *HostHandler) handleHostByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/hosts/"), "/")
	if parts[0] == "" {
		writeError(w, "Host name required", http.StatusBadRequest)
		return
	}

	var host *datacenter.HostStatus
	for _, st := range h.hosts.Status() {
		if st.Name == parts[0] || st.ID == parts[0] {
			host = &st
			break
		}
	}
	if host == nil {
		writeError(w, "Host not found", http.StatusNotFound)
		return
	}

	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, host, h.logger)
		return
	}
	if len(parts) != 2 || parts[1] != "thresholds" || h.thresholds == nil {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	samples := h.thresholds.History(host.ID)
	if samples == nil {
		samples = []detector.MetricSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"host": host.Name, "samples": samples}, h.logger)
}

// handleSimulation handles GET /api/v1/simulation
func (h *HostHandler) handleSimulation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.summary == nil {
		writeError(w, "No simulation is running", http.StatusNotFound)
		return
	}
	summary := h.summary.Summary()
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":    summary,
		"energy_kwh": summary.EnergyKWh(),
	}, h.logger)
}
