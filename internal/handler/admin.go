package handler

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"byorlhub-license-api/internal/ledger"
	"byorlhub-license-api/internal/repository"
	"byorlhub-license-api/internal/roblox"
	"byorlhub-license-api/pkg/apierror"
	"byorlhub-license-api/pkg/response"
)

// AdminHandler handles operator endpoints: cache clearing, ledger
// refresh and the issuance audit trail.
type AdminHandler struct {
	oracle    *roblox.Client
	ledger    *ledger.Ledger
	audit     repository.AuditLogRepository
	log       *logrus.Logger
	startTime time.Time
}

// NewAdminHandler creates a new admin handler. audit may be nil.
func NewAdminHandler(oracle *roblox.Client, claimLedger *ledger.Ledger, audit repository.AuditLogRepository, log *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		oracle:    oracle,
		ledger:    claimLedger,
		audit:     audit,
		log:       log,
		startTime: time.Now(),
	}
}

// GetStats handles GET /api/v1/admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]interface{})

	stats["uptime_seconds"] = int64(time.Since(h.startTime).Seconds())
	stats["uptime_human"] = time.Since(h.startTime).Round(time.Second).String()
	stats["server_time"] = time.Now().Format(time.RFC3339)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats["memory"] = map[string]interface{}{
		"alloc_mb":   float64(memStats.Alloc) / 1024 / 1024,
		"sys_mb":     float64(memStats.Sys) / 1024 / 1024,
		"num_gc":     memStats.NumGC,
		"goroutines": runtime.NumGoroutine(),
	}

	response.OK(w, stats)
}

// ClearCaches handles POST /api/v1/admin/cache/clear. It drops the
// oracle identity and ownership caches.
func (h *AdminHandler) ClearCaches(w http.ResponseWriter, r *http.Request) {
	if err := h.oracle.ClearCaches(r.Context()); err != nil {
		h.log.Warnf("[AdminHandler] Cache clear failed: %v", err)
		response.Error(w, apierror.InternalError("Failed to clear caches"))
		return
	}
	response.OK(w, map[string]string{"status": "caches cleared"})
}

// RefreshLedger handles POST /api/v1/admin/ledger/refresh. It forces a
// reload of the claim ledger snapshot from the remote store.
func (h *AdminHandler) RefreshLedger(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Refresh(r.Context(), true); err != nil {
		h.log.Warnf("[AdminHandler] Ledger refresh failed: %v", err)
		response.Error(w, apierror.ServiceUnavailable("Failed to refresh claim ledger"))
		return
	}
	response.OK(w, map[string]string{"status": "ledger refreshed"})
}

// RecentIssuances handles GET /api/v1/admin/issuances?limit=N.
func (h *AdminHandler) RecentIssuances(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		response.Error(w, apierror.NotFound("Audit trail is not enabled"))
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.audit.RecentIssuances(r.Context(), limit)
	if err != nil {
		h.log.Warnf("[AdminHandler] Audit query failed: %v", err)
		response.Error(w, apierror.InternalError("Failed to read audit trail"))
		return
	}
	response.OK(w, entries)
}
