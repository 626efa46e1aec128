package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// handleHealth reports liveness and a few gauges for load balancers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"connections":    s.registry.Len(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	if last := s.loop.LastTick(); !last.IsZero() {
		body["last_tick_age_seconds"] = time.Since(last).Seconds()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleCronCheck runs one monitor sweep. Guarded by a shared secret so
// only the scheduler can trigger it.
func (s *Server) handleCronCheck(w http.ResponseWriter, r *http.Request) {
	if !s.cronAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"message": "unauthorized",
		})
		return
	}

	summary, err := s.checker.Run(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Monitor sweep failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "monitor sweep failed",
		})
		return
	}

	if summary.Skipped {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"skipped":   true,
			"message":   "outside trading hours",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "monitor sweep complete",
		"checked":   summary.Checked,
		"triggered": summary.Triggered,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) cronAuthorized(r *http.Request) bool {
	if s.cfg.CronSecret == "" {
		// No secret configured: endpoint disabled.
		return false
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
