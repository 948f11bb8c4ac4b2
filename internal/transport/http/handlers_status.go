package httptransport

import (
	"context"
	"net/http"
	"time"

	"tally/pkg/platform/circuit"
	"tally/pkg/platform/httputil"
	"tally/pkg/platform/ttlcache"
)

const healthTimeout = 3 * time.Second

type statusResponse struct {
	Cache        ttlcache.Stats     `json:"cache"`
	Breakers     []circuit.Snapshot `json:"breakers"`
	AuditDropped uint64             `json:"audit_dropped"`
}

// handleStatus reports cache accounting and breaker positions.
func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Cache:    h.Ledger.CacheStats(),
		Breakers: make([]circuit.Snapshot, 0, len(h.Breakers)),
	}
	for _, b := range h.Breakers {
		resp.Breakers = append(resp.Breakers, b.Snapshot())
	}
	if h.Audit != nil {
		resp.AuditDropped = h.Audit.Dropped()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.Health))
	healthy := true
	for _, hc := range h.Health {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = err.Error()
			healthy = false
			h.Logger.WarnContext(ctx, "health check failed", "check", hc.Name, "error", err)
			continue
		}
		checks[hc.Name] = "ok"
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	httputil.WriteJSON(w, status, map[string]any{"status": state, "checks": checks})
}
