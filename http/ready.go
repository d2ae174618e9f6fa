package http

import (
	"encoding/json"
	"net/http"
	"time"
)

// ReadyHandler reports that the process is up, when it started and for how
// long it has been running.
func ReadyHandler() http.Handler {
	start := time.Now()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := time.Since(start)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(struct {
			Status  string    `json:"status"`
			Started time.Time `json:"started"`
			Up      string    `json:"up"`
		}{
			Status:  "ready",
			Started: start,
			Up:      up.String(),
		})
	})
}
