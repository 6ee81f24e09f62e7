package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yegdata/fire-incidents-etl/etl"
)

// HealthServer serves /health and /metrics while a bulk load runs.
type HealthServer struct {
	port     int
	registry *prometheus.Registry
	logger   *zap.Logger
	server   *http.Server

	mu      sync.RWMutex
	stats   *etl.RunStats
	started time.Time
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	RowsExtracted int64  `json:"rows_extracted"`
	RowsLoaded    int64  `json:"rows_loaded"`
	BatchesOK     int64  `json:"batches_ok"`
	BatchesFailed int64  `json:"batches_failed"`
	Violations    int64  `json:"violations"`
}

// NewHealthServer creates a health server on the given port.
func NewHealthServer(port int, registry *prometheus.Registry, logger *zap.Logger) *HealthServer {
	return &HealthServer{
		port:     port,
		registry: registry,
		logger:   logger,
		started:  time.Now(),
	}
}

// SetStats points the health endpoint at the live run counters.
func (h *HealthServer) SetStats(stats *etl.RunStats) {
	h.mu.Lock()
	h.stats = stats
	h.mu.Unlock()
}

// Start begins serving in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))

	h.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.port),
		Handler: mux,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Warn("Health server stopped", zap.Error(err))
		}
	}()

	h.logger.Info("Health server listening", zap.Int("port", h.port))
	return nil
}

// Stop shuts the server down.
func (h *HealthServer) Stop() {
	if h.server != nil {
		h.server.Close()
	}
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	stats := h.stats
	h.mu.RUnlock()

	resp := HealthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if stats != nil {
		resp.RowsExtracted = stats.Extracted()
		resp.RowsLoaded = stats.Loaded()
		resp.BatchesOK = stats.BatchesOK()
		resp.BatchesFailed = stats.BatchesFailed()
		resp.Violations = stats.Violations()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
