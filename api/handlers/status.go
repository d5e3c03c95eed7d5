package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/malbeclabs/analyst/api/config"
)

// StatusResponse reports service and dependency health.
type StatusResponse struct {
	Status     string `json:"status"`
	ClickHouse string `json:"clickhouse"`
	Postgres   string `json:"postgres"`
}

// GetStatus reports the health of the service's dependencies.
func GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: "ok", ClickHouse: "ok", Postgres: "ok"}

	pingCtx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := config.DB.Ping(pingCtx); err != nil {
		resp.Status = "degraded"
		resp.ClickHouse = SanitizeError(err)
	}
	if err := config.PgPool.Ping(pingCtx); err != nil {
		resp.Status = "degraded"
		resp.Postgres = SanitizeError(err)
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
